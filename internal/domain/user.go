package domain

// Role is the access level carried in an operator's token.
type Role string

// Roles ordered by privilege.
const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// IsValid checks if the role is known.
func (r Role) IsValid() bool {
	return r.level() > 0
}

// HasPermission reports whether r grants at least the privileges of required.
func (r Role) HasPermission(required Role) bool {
	return r.level() >= required.level() && r.level() > 0
}

func (r Role) level() int {
	switch r {
	case RoleUser:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	}
	return 0
}
