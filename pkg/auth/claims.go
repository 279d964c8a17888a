package auth

import (
	"encoding/json"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	sserr "github.com/StricklySoft/accessgate/pkg/errors"
)

const (
	// DefaultRoleClaim is the top-level claim consulted first for roles.
	DefaultRoleClaim = "roles"

	// DefaultTenantClaim carries the caller's tenant (clinic) id.
	DefaultTenantClaim = "tenant_id"

	// MaxClockSkew is the largest tolerated gap between a token's iat and
	// the local clock.
	MaxClockSkew = 60 * time.Second

	// realmAccessClaim is the nested structure used when the role claim is
	// absent: {"realm_access": {"roles": [...]}}.
	realmAccessClaim = "realm_access"
)

// ClaimsValidatorConfig configures a [ClaimsValidator].
type ClaimsValidatorConfig struct {
	// Issuer must equal the token's iss claim exactly.
	Issuer string

	// Audience, when set, must appear in the token's aud claim.
	Audience string

	// RoleClaim defaults to [DefaultRoleClaim].
	RoleClaim string

	// TenantClaim defaults to [DefaultTenantClaim].
	TenantClaim string

	// ClockSkew tolerated for iat. Defaults to and may not exceed
	// [MaxClockSkew].
	ClockSkew time.Duration
}

// ClaimsValidator checks decoded claims and builds the request Identity.
// It is stateless and safe for concurrent use.
type ClaimsValidator struct {
	issuer      string
	audience    string
	roleClaim   string
	tenantClaim string
	clockSkew   time.Duration
	now         func() time.Time
}

// NewClaimsValidator validates cfg and returns a ClaimsValidator.
func NewClaimsValidator(cfg ClaimsValidatorConfig) (*ClaimsValidator, error) {
	if cfg.Issuer == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: expected issuer is required")
	}
	if cfg.ClockSkew < 0 || cfg.ClockSkew > MaxClockSkew {
		return nil, sserr.Newf(sserr.CodeValidationRange,
			"auth: clock skew must be between 0 and %s", MaxClockSkew)
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = MaxClockSkew
	}
	if cfg.RoleClaim == "" {
		cfg.RoleClaim = DefaultRoleClaim
	}
	if cfg.TenantClaim == "" {
		cfg.TenantClaim = DefaultTenantClaim
	}
	return &ClaimsValidator{
		issuer:      cfg.Issuer,
		audience:    cfg.Audience,
		roleClaim:   cfg.RoleClaim,
		tenantClaim: cfg.TenantClaim,
		clockSkew:   cfg.ClockSkew,
		now:         time.Now,
	}, nil
}

// claimSet is the permissive intermediate form of a token payload. Every
// field is its zero value when the claim is absent or has the wrong type.
type claimSet struct {
	subject     string
	email       string
	displayName string
	roles       []Role
	tenantID    string
	issuer      string
	audience    []string
	issuedAt    time.Time
	expiresAt   time.Time
}

// Validate checks expiry, issue time, issuer and audience, in that order,
// and returns the Identity. Errors carry [sserr.CodeTokenExpired],
// [sserr.CodeTokenNotYetValid], [sserr.CodeTokenIssuer] or
// [sserr.CodeTokenAudience].
func (v *ClaimsValidator) Validate(raw RawClaims) (*Identity, error) {
	cs := v.decode(raw)
	now := v.now()

	// A missing exp decodes to the zero time and is therefore expired.
	if !cs.expiresAt.After(now) {
		return nil, sserr.New(sserr.CodeTokenExpired, "auth: token has expired")
	}
	if cs.issuedAt.After(now.Add(v.clockSkew)) {
		return nil, sserr.New(sserr.CodeTokenNotYetValid, "auth: token issued in the future")
	}
	if cs.issuer != v.issuer {
		return nil, sserr.New(sserr.CodeTokenIssuer, "auth: token issuer is not trusted")
	}
	if v.audience != "" && !slices.Contains(cs.audience, v.audience) {
		return nil, sserr.New(sserr.CodeTokenAudience, "auth: token audience is not accepted")
	}

	return NewIdentity(IdentityParams{
		SubjectID:   cs.subject,
		Email:       cs.email,
		DisplayName: cs.displayName,
		Roles:       cs.roles,
		TenantID:    cs.tenantID,
		IssuedAt:    cs.issuedAt,
		ExpiresAt:   cs.expiresAt,
		Issuer:      cs.issuer,
		Audience:    cs.audience,
	}), nil
}

func (v *ClaimsValidator) decode(raw RawClaims) claimSet {
	displayName := stringClaim(raw["name"])
	if displayName == "" {
		displayName = stringClaim(raw["preferred_username"])
	}
	return claimSet{
		subject:     stringClaim(raw["sub"]),
		email:       stringClaim(raw["email"]),
		displayName: displayName,
		roles:       v.decodeRoles(raw),
		tenantID:    stringClaim(raw[v.tenantClaim]),
		issuer:      stringClaim(raw["iss"]),
		audience:    stringListClaim(raw["aud"]),
		issuedAt:    timeClaim(raw["iat"]),
		expiresAt:   timeClaim(raw["exp"]),
	}
}

// decodeRoles reads the top-level role claim and falls back to
// realm_access.roles when the former is absent or empty. Names outside
// the Role enum are dropped.
func (v *ClaimsValidator) decodeRoles(raw RawClaims) []Role {
	if names := stringListClaim(raw[v.roleClaim]); len(names) > 0 {
		return ParseRoles(names)
	}
	realm, ok := raw[realmAccessClaim].(map[string]any)
	if !ok {
		return nil
	}
	return ParseRoles(stringListClaim(realm["roles"]))
}

func stringClaim(v any) string {
	s, _ := v.(string)
	return s
}

// stringListClaim accepts a JSON array of strings or a single string with
// comma- or space-separated values. Non-string elements are skipped.
func stringListClaim(v any) []string {
	switch t := v.(type) {
	case string:
		return strings.FieldsFunc(t, func(r rune) bool { return r == ',' || r == ' ' })
	case []string:
		return slices.Clone(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// timeClaim decodes a NumericDate. Fractional seconds are kept; anything
// non-numeric, negative or non-finite yields the zero time.
func timeClaim(v any) time.Time {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int64:
		f = float64(t)
	case int:
		f = float64(t)
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return time.Time{}
		}
		f = n
	case string:
		n, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return time.Time{}
		}
		f = n
	default:
		return time.Time{}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}
