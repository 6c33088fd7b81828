// Package auth provides the types describing an authenticated caller
// and the district scope the caller is authorized for.
package auth

// Role of an admin account.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Principal is an authenticated identity.
// SuperAdmin is re-derived from the configured allow-list on every
// authentication, never cached on a session.
type Principal struct {
	Email      string
	SuperAdmin bool
}

// Scope is the set of districts a principal may administer.
type Scope struct {
	// AllDistricts grants unrestricted scope. Only super-admins have it.
	AllDistricts bool
	Districts    []string
}

// AllScope is the unrestricted scope granted to super-admins.
var AllScope = Scope{AllDistricts: true}

func (s Scope) HasDistrict(district string) bool {
	if s.AllDistricts {
		return true
	}
	for _, d := range s.Districts {
		if d == district {
			return true
		}
	}
	return false
}
