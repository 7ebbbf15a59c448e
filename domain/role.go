package domain

// Role is a project membership level. Higher roles include the lower ones.
type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleMember:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// Allows reports whether r is at least min.
func (r Role) Allows(min Role) bool {
	return r.rank() >= min.rank() && r.rank() > 0
}
