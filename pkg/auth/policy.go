package auth

import (
	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

// MsgInsufficientPermissions is the client-facing message of every denial.
const MsgInsufficientPermissions = "Insufficient permissions"

func denied(reason string) *sserr.Error {
	return sserr.Forbidden(MsgInsufficientPermissions).WithDetail("reason", reason)
}

// RequireAnyRole allows id when it holds at least one of roles. Role
// names are compared exactly and super_admin is not implied: a route
// that admits super administrators must list [RoleSuperAdmin].
func RequireAnyRole(id *Identity, roles ...Role) error {
	if id == nil {
		return denied("no identity")
	}
	if !id.HasAnyRole(roles...) {
		return denied("missing required role")
	}
	return nil
}

// RequireAtLeastRole allows id when its highest role carries at least
// the authority of min according to the authority table.
func RequireAtLeastRole(id *Identity, min Role) error {
	if !IsAtLeastRole(id, min) {
		return denied("role below " + min.String())
	}
	return nil
}

// RequireSameTenant allows id to act on requestedTenantID. An empty
// requestedTenantID means the caller's own tenant. super_admin may act on
// any tenant.
func RequireSameTenant(id *Identity, requestedTenantID string) error {
	if id == nil {
		return denied("no identity")
	}
	if id.HasRole(RoleSuperAdmin) {
		return nil
	}
	own := id.TenantID()
	if requestedTenantID == "" {
		requestedTenantID = own
	}
	if requestedTenantID != own {
		return denied("tenant mismatch")
	}
	return nil
}
