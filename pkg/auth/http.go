package auth

import "strings"

// Header names used by the access layer.
const (
	// HeaderAuthorization carries the bearer token. gRPC metadata keys are
	// lowercase; HTTP header lookups are case-insensitive, so one constant
	// serves both.
	HeaderAuthorization = "authorization"

	// Identity headers set on forward-auth responses for upstream services.
	HeaderAuthSubject = "X-Auth-Subject"
	HeaderAuthTenant  = "X-Auth-Tenant"
	HeaderAuthRoles   = "X-Auth-Roles"
)

const bearerScheme = "bearer"

// ExtractBearerToken returns the token from an Authorization header value.
// The scheme is matched case-insensitively. It returns "" when the header
// is empty, uses another scheme, or carries an empty token.
func ExtractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return ""
	}
	token = strings.TrimSpace(token)
	if strings.ContainsAny(token, " \t") {
		return ""
	}
	return token
}
