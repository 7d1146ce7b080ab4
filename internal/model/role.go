package model

// Role is the caller's relationship to a project. It is derived from the
// project on every check and never stored per caller.
type Role int

const (
	RoleNonMember Role = iota
	RoleMember
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleMember:
		return "member"
	default:
		return "non-member"
	}
}

// MarshalText keeps JSON output readable ("admin" rather than 2).
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	switch string(b) {
	case "admin":
		*r = RoleAdmin
	case "member":
		*r = RoleMember
	default:
		*r = RoleNonMember
	}
	return nil
}

// Identity is the acting user as resolved by the credential service.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}
