package department

import "time"

// Department is one office a document can be distributed to. Names are
// denormalized into distribution events so notification renderers never
// re-query the directory.
type Department struct {
	ID        string
	CompanyID string
	BranchID  *string
	Name      string
	Active    bool
	CreatedAt time.Time
}
