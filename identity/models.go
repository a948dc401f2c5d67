package identity

import "time"

type Role string

const (
	RoleAdmin          Role = "admin"
	RoleBranchManager  Role = "branch_manager"
	RoleDepartmentHead Role = "department_head"
	RoleArchivist      Role = "archivist"
	RoleViewer         Role = "viewer"
)

// User is the domain representation of a company-scoped account.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	CompanyID    string
	Email        string
	FullName     string
	PasswordHash string
	DepartmentID *string
	Role         Role
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Actor identifies who is performing an engine operation. Every lifecycle
// operation takes an explicit Actor; there is no ambient session state.
type Actor struct {
	ID        string
	CompanyID string
	Name      string
	Role      Role
}

// Actor projects the user into the form the lifecycle engine consumes.
func (u User) Actor() Actor {
	return Actor{
		ID:        u.ID,
		CompanyID: u.CompanyID,
		Name:      u.FullName,
		Role:      u.Role,
	}
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	CompanyID string `json:"company_id"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FullName  string `json:"full_name"`
	Role      Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
