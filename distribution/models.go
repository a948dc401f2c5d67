package distribution

import "time"

type Status string

const (
	StatusSent      Status = "sent"
	StatusReceived  Status = "received"
	StatusInReview  Status = "in_review"
	StatusResponded Status = "responded"
	StatusRejected  Status = "rejected"
	StatusClosed    Status = "closed"
)

// rank orders the lifecycle of a target. Responded and rejected share a rank:
// they are alternative outcomes of the review, and a target never moves
// between them.
func (s Status) rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusReceived:
		return 1
	case StatusInReview:
		return 2
	case StatusResponded, StatusRejected:
		return 3
	case StatusClosed:
		return 4
	}
	return -1
}

// Valid reports whether s is one of the known target statuses.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// CanAdvanceTo reports whether a target at s may move to next. Movement is
// strictly forward; equal ranks are a no-go, which also forbids flipping
// responded into rejected or back.
func (s Status) CanAdvanceTo(next Status) bool {
	return s.Valid() && next.Valid() && next.rank() > s.rank()
}

// Target is one department's copy of a distributed document. Targets advance
// independently; the parent document's own status never moves on their
// account.
type Target struct {
	ID                 string
	DocumentID         string
	DepartmentID       string
	Status             Status
	RoutingNote        *string
	ResponseNote       *string
	RejectedReason     *string
	ResponseDocumentID *string
	SentAt             time.Time
	RespondedAt        *time.Time
}

// Progress is the read-side aggregation over a document's targets.
type Progress struct {
	DocumentID string
	Total      int
	ByStatus   map[Status]int
	// AllResolved is true once every target reached responded, rejected or
	// closed.
	AllResolved bool
}
