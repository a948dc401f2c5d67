package workflow

import (
	"time"

	"archiveflow/identity"
)

// ApprovalMode controls how multi-level approvals are requested. Concurrent
// notifies every level at fan-out; sequential notifies level N+1 only after
// level N approves.
type ApprovalMode string

const (
	ApprovalConcurrent ApprovalMode = "concurrent"
	ApprovalSequential ApprovalMode = "sequential"
)

// Status is one named state in a company's document lifecycle. Name maps
// locale to display text; the engine treats it as opaque.
type Status struct {
	ID        string
	CompanyID string
	Name      map[string]string
	IsInitial bool
	IsFinal   bool
	Active    bool
	CreatedAt time.Time
}

// DisplayName returns the name for the locale, falling back to any entry.
func (s Status) DisplayName(locale string) string {
	if name, ok := s.Name[locale]; ok {
		return name
	}
	for _, name := range s.Name {
		return name
	}
	return ""
}

// Definition is one directed edge in a company's workflow graph. An empty
// RolesAllowed set permits every role.
type Definition struct {
	ID               string
	CompanyID        string
	Name             string
	FromStatusID     string
	ToStatusID       string
	RolesAllowed     []identity.Role
	RequiresApproval bool
	RequiresComment  bool
	ApprovalMode     ApprovalMode
	SLAHours         *int
	Active           bool
	CreatedAt        time.Time
}

// PermitsRole reports whether the edge may be traversed by the given role.
func (d Definition) PermitsRole(role identity.Role) bool {
	if len(d.RolesAllowed) == 0 {
		return true
	}
	for _, allowed := range d.RolesAllowed {
		if allowed == role {
			return true
		}
	}
	return false
}
