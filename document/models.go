package document

import "time"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Document is the engine-relevant subset of a managed document. StatusID
// always references a status in the same company and only the transition
// validator and the approval coordinator may write it.
type Document struct {
	ID              string
	CompanyID       string
	Title           string
	Number          string
	StatusID        string
	Priority        Priority
	EnteredStatusAt time.Time
	DueAt           *time.Time
	CompletedAt     *time.Time
	Archived        bool
	CreatedBy       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
