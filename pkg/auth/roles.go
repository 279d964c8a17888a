package auth

import "strings"

// Role is one of the closed set of roles recognized by the access layer.
// Role names match the values issued by the identity provider.
type Role string

const (
	RoleSuperAdmin  Role = "super_admin"
	RoleClinicAdmin Role = "clinic_admin"
	RoleTherapist   Role = "therapist"
	RoleAssistant   Role = "assistant"
	RoleFrontDesk   Role = "front_desk"
	RolePatient     Role = "patient"
)

// authorityLevels is the single authority table consulted by every
// hierarchy check. Higher numbers carry more authority. Assistant ranks
// above front desk.
var authorityLevels = map[Role]int{
	RoleSuperAdmin:  60,
	RoleClinicAdmin: 50,
	RoleTherapist:   40,
	RoleAssistant:   30,
	RoleFrontDesk:   20,
	RolePatient:     10,
}

// AllRoles returns every recognized role, highest authority first.
func AllRoles() []Role {
	return []Role{
		RoleSuperAdmin,
		RoleClinicAdmin,
		RoleTherapist,
		RoleAssistant,
		RoleFrontDesk,
		RolePatient,
	}
}

// ParseRole converts a role name to a Role. Matching is exact after
// trimming surrounding whitespace; unknown names return false.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.TrimSpace(s))
	if !r.Valid() {
		return "", false
	}
	return r, true
}

// ParseRoles parses a list of role names, dropping unknown names and
// duplicates while preserving order.
func ParseRoles(names []string) []Role {
	roles := make([]Role, 0, len(names))
	seen := make(map[Role]struct{}, len(names))
	for _, n := range names {
		r, ok := ParseRole(n)
		if !ok {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		roles = append(roles, r)
	}
	return roles
}

// Valid reports whether r is a recognized role.
func (r Role) Valid() bool {
	_, ok := authorityLevels[r]
	return ok
}

// Level returns r's authority level, or 0 for unknown roles.
func (r Role) Level() int {
	return authorityLevels[r]
}

// String returns the role name.
func (r Role) String() string {
	return string(r)
}

// IsAtLeastRole reports whether any of the identity's roles carries at
// least the authority of min. A nil identity or an unknown min never
// qualifies.
func IsAtLeastRole(id *Identity, min Role) bool {
	if id == nil || !min.Valid() {
		return false
	}
	return id.HighestRole().Level() >= min.Level()
}
