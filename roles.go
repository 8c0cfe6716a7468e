package auth

import "strings"

// Role is an account's authorization role. Roles form a total order and a
// higher role inherits every permission of the roles below it.
type Role string

const (
	// RoleUser is the default role for every new account
	RoleUser Role = "USER"
	// RoleModerator can moderate content but not manage accounts
	RoleModerator Role = "MODERATOR"
	// RoleAdmin manages accounts below admin level
	RoleAdmin Role = "ADMIN"
	// RoleOwner manages everything, including admins
	RoleOwner Role = "OWNER"
	// RoleSuperAdmin is a legacy alias that ranks above owner. It can be
	// parsed and honored but never assigned.
	RoleSuperAdmin Role = "SUPERADMIN"
)

var roleRanks = map[Role]int{
	RoleUser:       0,
	RoleModerator:  1,
	RoleAdmin:      2,
	RoleOwner:      3,
	RoleSuperAdmin: 4,
}

// ParseRole normalizes casing and surrounding whitespace. Unknown values
// return false.
func ParseRole(s string) (Role, bool) {
	role := Role(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := roleRanks[role]
	return role, ok
}

// IsValid checks if the role is one of the known roles
func (r Role) IsValid() bool {
	_, ok := roleRanks[r]
	return ok
}

// Rank returns the position of the role in the hierarchy, -1 if unknown.
func (r Role) Rank() int {
	if rank, ok := roleRanks[r]; ok {
		return rank
	}
	return -1
}

// IsAtLeast checks if this role meets the minimum required level.
// Unknown roles never satisfy anything.
func (r Role) IsAtLeast(min Role) bool {
	if !r.IsValid() || !min.IsValid() {
		return false
	}
	return r.Rank() >= min.Rank()
}

// IsAbove is the strict form of IsAtLeast.
func (r Role) IsAbove(other Role) bool {
	if !r.IsValid() || !other.IsValid() {
		return false
	}
	return r.Rank() > other.Rank()
}

// IsOwnerOrAbove reports owner level privileges.
func (r Role) IsOwnerOrAbove() bool {
	return r.IsAtLeast(RoleOwner)
}

// Assignable reports whether the role can be stored on an account through
// an update. SUPERADMIN has no promotion path.
func (r Role) Assignable() bool {
	return r.IsValid() && r != RoleSuperAdmin
}

func (r Role) String() string {
	return string(r)
}

// MaxRole returns the highest ranked of the two roles.
func MaxRole(a, b Role) Role {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// GetAllRoles returns all assignable roles in hierarchical order
func GetAllRoles() []Role {
	return []Role{
		RoleUser,
		RoleModerator,
		RoleAdmin,
		RoleOwner,
	}
}

// RolesAtLeast expands a minimum role into the explicit allowed set,
// including the SUPERADMIN alias.
func RolesAtLeast(min Role) []Role {
	out := make([]Role, 0, len(roleRanks))
	for _, r := range []Role{RoleUser, RoleModerator, RoleAdmin, RoleOwner, RoleSuperAdmin} {
		if r.IsAtLeast(min) {
			out = append(out, r)
		}
	}
	return out
}
