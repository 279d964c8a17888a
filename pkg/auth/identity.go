// Package auth authenticates bearer tokens issued by an external OpenID
// Connect provider and evaluates role- and tenant-scoped access policy.
//
// # Authentication
//
// A [KeySetCache] keeps the provider's RSA signing keys, refreshing them on
// a TTL and when an unknown key id appears. A [TokenVerifier] checks the
// RS256 signature of a compact JWS and returns its raw claims, and a
// [ClaimsValidator] turns those claims into an immutable [Identity] after
// checking expiry, issue time, issuer and audience. [JWTAuthenticator]
// combines the three:
//
//	keys, err := auth.NewKeySetCache(auth.KeySetCacheConfig{URL: jwksURL})
//	validator, err := auth.NewClaimsValidator(auth.ClaimsValidatorConfig{Issuer: issuer})
//	authn := auth.NewJWTAuthenticator(auth.NewTokenVerifier(keys), validator)
//	identity, err := authn.Authenticate(ctx, token)
//
// # Authorization
//
// Policy checks return nil to allow and an [sserr.Error] with
// [sserr.CodeAuthorizationDenied] to deny:
//
//	if err := auth.RequireAnyRole(identity, auth.RoleTherapist, auth.RoleClinicAdmin); err != nil {
//	    return err
//	}
//	if err := auth.RequireSameTenant(identity, tenantID); err != nil {
//	    return err
//	}
//
// super_admin is never implied by RequireAnyRole; call sites list it when
// it should pass. Role hierarchy checks go through [IsAtLeastRole], which
// reads the single authority table in roles.go.
package auth

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

// Identity is the authenticated caller of a request. It is created once
// per request, after signature and claims validation, and never mutated.
// Slices are copied on construction and on access.
type Identity struct {
	subjectID   string
	email       string
	displayName string
	roles       []Role
	tenantID    string
	issuedAt    time.Time
	expiresAt   time.Time
	issuer      string
	audience    []string
}

// IdentityParams holds the fields used to construct an Identity.
type IdentityParams struct {
	SubjectID   string
	Email       string
	DisplayName string
	Roles       []Role
	TenantID    string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Issuer      string
	Audience    []string
}

// NewIdentity builds an Identity. Unknown and duplicate roles are dropped.
func NewIdentity(p IdentityParams) *Identity {
	roles := make([]Role, 0, len(p.Roles))
	for _, r := range p.Roles {
		if r.Valid() && !slices.Contains(roles, r) {
			roles = append(roles, r)
		}
	}
	return &Identity{
		subjectID:   p.SubjectID,
		email:       p.Email,
		displayName: p.DisplayName,
		roles:       roles,
		tenantID:    p.TenantID,
		issuedAt:    p.IssuedAt,
		expiresAt:   p.ExpiresAt,
		issuer:      p.Issuer,
		audience:    slices.Clone(p.Audience),
	}
}

// Development identity values injected when authentication is bypassed.
const (
	DevEmail       = "dev@accessgate.local"
	DevDisplayName = "Development User"
	DevTenantID    = "dev-tenant"
	DevIssuer      = "accessgate-dev"
)

// DevSubjectID is the stable subject of the development identity.
var DevSubjectID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://accessgate.local/dev-identity")).String()

// NewDevIdentity returns the fixed development identity. It must only be
// used when no identity provider is configured.
func NewDevIdentity() *Identity {
	now := time.Now()
	return NewIdentity(IdentityParams{
		SubjectID:   DevSubjectID,
		Email:       DevEmail,
		DisplayName: DevDisplayName,
		Roles:       []Role{RoleSuperAdmin},
		TenantID:    DevTenantID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(24 * time.Hour),
		Issuer:      DevIssuer,
	})
}

func (i *Identity) SubjectID() string    { return i.subjectID }
func (i *Identity) Email() string        { return i.email }
func (i *Identity) DisplayName() string  { return i.displayName }
func (i *Identity) TenantID() string     { return i.tenantID }
func (i *Identity) IssuedAt() time.Time  { return i.issuedAt }
func (i *Identity) ExpiresAt() time.Time { return i.expiresAt }
func (i *Identity) Issuer() string       { return i.issuer }

// Roles returns a copy of the identity's roles.
func (i *Identity) Roles() []Role { return slices.Clone(i.roles) }

// Audience returns a copy of the token audience.
func (i *Identity) Audience() []string { return slices.Clone(i.audience) }

// HasRole reports whether the identity holds r.
func (i *Identity) HasRole(r Role) bool {
	return slices.Contains(i.roles, r)
}

// HasAnyRole reports whether the identity holds at least one of roles.
func (i *Identity) HasAnyRole(roles ...Role) bool {
	for _, r := range roles {
		if i.HasRole(r) {
			return true
		}
	}
	return false
}

// HighestRole returns the identity's role with the most authority, or ""
// when it holds none.
func (i *Identity) HighestRole() Role {
	var best Role
	for _, r := range i.roles {
		if r.Level() > best.Level() {
			best = r
		}
	}
	return best
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Email and display
// name are personal data and are not logged.
func (i *Identity) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("subject", i.subjectID)
	enc.AddString("tenant", i.tenantID)
	return enc.AddArray("roles", zapcore.ArrayMarshalerFunc(func(ae zapcore.ArrayEncoder) error {
		for _, r := range i.roles {
			ae.AppendString(string(r))
		}
		return nil
	}))
}
