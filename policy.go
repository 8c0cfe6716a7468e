package auth

// Actor identifies who performs an account mutation
type Actor struct {
	ID     string
	Role   Role
	system bool
}

// SystemActor is used by internal flows such as the external identity
// upsert and the owner bootstrap. It bypasses every policy check.
var SystemActor = Actor{ID: "system", Role: RoleSuperAdmin, system: true}

// ActorFromClaims builds the actor for the caller behind a verified session
func ActorFromClaims(c Claims) Actor {
	return Actor{ID: c.Subject(), Role: c.Role()}
}

// IsSystem reports whether this is the internal actor
func (a Actor) IsSystem() bool {
	return a.system
}

func (a Actor) isSelf(target *Account) bool {
	return target != nil && a.ID != "" && a.ID == target.ID.String()
}

// CanChangeRole checks a role change from target.Role to next.
// Self changes are never allowed. Owners may set any assignable role on
// others, everyone else must outrank both the current and the new role.
func CanChangeRole(actor Actor, target *Account, next Role) error {
	if target == nil {
		return ErrAccountNotFound
	}
	if next == target.Role {
		return nil
	}
	if !next.Assignable() {
		return newError(ErrRoleNotAssignable, nil, map[string]any{"role": string(next)})
	}
	if actor.IsSystem() {
		return nil
	}
	if actor.isSelf(target) {
		return ErrRoleChangeForbidden
	}
	if actor.Role.IsOwnerOrAbove() {
		return nil
	}
	if actor.Role.IsAbove(next) && actor.Role.IsAbove(target.Role) {
		return nil
	}
	return ErrRoleChangeForbidden
}

// CanUpdate checks every field in patch except the role, which is handled
// by CanChangeRole.
func CanUpdate(actor Actor, target *Account, patch AccountPatch) error {
	if target == nil {
		return ErrAccountNotFound
	}
	if actor.IsSystem() {
		return nil
	}

	if actor.isSelf(target) {
		if patch.Status != nil && *patch.Status != target.Status {
			return ErrAccountUpdateForbidden
		}
		return nil
	}

	if !patch.touchesProfile() && patch.Status == nil {
		return nil
	}
	if !actor.Role.IsAtLeast(RoleAdmin) {
		return ErrAccountUpdateForbidden
	}
	if target.Role.IsAtLeast(RoleAdmin) && !actor.Role.IsOwnerOrAbove() {
		return ErrAccountUpdateForbidden
	}
	if target.Role.IsOwnerOrAbove() && !actor.Role.IsAbove(target.Role) && patch.Status != nil {
		return ErrAccountUpdateForbidden
	}
	return nil
}

// CanDelete reports whether actor may delete target. Self deletion and
// owner deletion are always refused, admins can only be removed by owners.
func CanDelete(actor Actor, target *Account) bool {
	if target == nil {
		return false
	}
	if actor.isSelf(target) {
		return false
	}
	if target.Role.IsOwnerOrAbove() {
		return false
	}
	if actor.IsSystem() {
		return true
	}
	if !actor.Role.IsAtLeast(RoleAdmin) {
		return false
	}
	if target.Role.IsAtLeast(RoleAdmin) && !actor.Role.IsOwnerOrAbove() {
		return false
	}
	return true
}
