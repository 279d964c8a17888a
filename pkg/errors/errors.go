// Package errors provides the structured error model used across accessgate.
// Every failure that can leave the access-control layer carries a stable,
// machine-readable code and maps to exactly one HTTP status, so the request
// pipeline can translate errors into responses without inspecting messages.
//
// # Error Categories
//
//   - Validation errors: invalid configuration or input (400)
//   - Authentication errors: missing, malformed, forged or expired tokens (401)
//   - Authorization errors: role or tenant policy denials (403)
//   - Rate errors: request quota exhausted (429)
//   - Internal errors: unexpected failures, storage backends (500)
//   - Unavailable errors: identity provider or backend unreachable (503)
//   - Timeout errors: a bounded operation exceeded its deadline (504)
//
// # Error Codes
//
// Codes follow the pattern CATEGORY_NNN (for example "AUTH_002" for an expired
// token). Codes are stable once assigned and are safe to log and to expose to
// clients; messages for authentication and authorization failures are kept
// generic so they do not leak policy internals.
//
// # Usage
//
//	err := errors.New(errors.CodeTokenExpired, "auth: token has expired")
//
//	if errors.IsAuthentication(err) {
//	    // respond 401
//	}
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Warn("request rejected", zap.String("code", e.Code.String()))
//	}
package errors
