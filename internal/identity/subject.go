package identity

import "errors"

// Role names carried in tokens. Manager and admin are elevated.
const (
	RoleUser    = "user"
	RoleManager = "manager"
	RoleAdmin   = "admin"
)

var (
	// ErrNotAuthenticated means no subject could be resolved for the call.
	ErrNotAuthenticated = errors.New("you must be signed in to do this")
	// ErrInsufficientPermissions means the subject lacks an elevated role.
	ErrInsufficientPermissions = errors.New("you do not have permission to do this")
)

// Subject is the resolved caller of an operation.
type Subject struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

// Resolved reports whether the subject carries an identity at all.
func (s Subject) Resolved() bool {
	return s.ID != ""
}

// Elevated reports whether the subject may perform admin operations.
func (s Subject) Elevated() bool {
	return s.Role == RoleAdmin || s.Role == RoleManager
}
