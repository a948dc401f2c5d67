package approval

import "time"

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	// StatusCancelled marks pending siblings voided by another approver's
	// rejection. Cancelled records were never responded to.
	StatusCancelled Status = "cancelled"
)

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Record is one approver's slot in a deferred transition attempt. It is
// created pending and terminates exactly once; a responded record is
// immutable.
type Record struct {
	ID           string
	DocumentID   string
	DefinitionID string
	ApproverID   string
	Level        int
	Status       Status
	Comments     *string
	RespondedAt  *time.Time
	CreatedAt    time.Time
}

// Terminal reports whether the record can no longer change.
func (r Record) Terminal() bool {
	return r.Status != StatusPending
}
