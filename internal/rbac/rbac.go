package rbac

import "fmt"

type Role string
type Action string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// Can reports whether role may perform action on a project.
// Admin covers membership administration and belongs to the owner alone.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return action == ActionRead || action == ActionWrite || action == ActionAdmin
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// ParseRole validates a role received from outside the process.
func ParseRole(value string) (Role, error) {
	switch Role(value) {
	case RoleOwner, RoleEditor, RoleViewer:
		return Role(value), nil
	default:
		return "", fmt.Errorf("unknown role %q", value)
	}
}

// ParseGrantable accepts only the roles that can be stored as a membership row.
func ParseGrantable(value string) (Role, error) {
	switch Role(value) {
	case RoleEditor, RoleViewer:
		return Role(value), nil
	default:
		return "", fmt.Errorf("role must be editor or viewer, got %q", value)
	}
}
