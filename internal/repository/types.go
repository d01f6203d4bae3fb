package repository

// Role is the validated server-side role vocabulary. Role strings coming
// from callers are never trusted: they are parsed through ParseRole and the
// authoritative value is always re-read from the users table.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// ParseRole validates a role string against the known vocabulary.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleMember, RoleModerator, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

// String implements fmt.Stringer.
func (r Role) String() string { return string(r) }
