package errors

// Code is a machine-readable error code of the form CATEGORY_NNN.
type Code string

// Error code categories and the HTTP status each maps to:
//
//	VAL_xxx     - Validation (400 Bad Request)
//	AUTH_xxx    - Authentication (401 Unauthorized)
//	AUTHZ_xxx   - Authorization (403 Forbidden)
//	RATE_xxx    - Rate limiting (429 Too Many Requests)
//	INT_xxx     - Internal (500 Internal Server Error)
//	UNAVAIL_xxx - Unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout (504 Gateway Timeout)
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange indicates a value is outside its acceptable range.
	CodeValidationRange Code = "VAL_004"

	// CodeAuthentication indicates a general authentication failure.
	CodeAuthentication Code = "AUTH_001"

	// CodeTokenExpired indicates the token's exp claim is not in the future.
	CodeTokenExpired Code = "AUTH_002"

	// CodeTokenMalformed indicates the token is not a well-formed compact JWS.
	CodeTokenMalformed Code = "AUTH_003"

	// CodeTokenAlgorithm indicates the token header declares an algorithm
	// other than RS256.
	CodeTokenAlgorithm Code = "AUTH_004"

	// CodeTokenKeyNotFound indicates no signing key matches the token's kid,
	// including the case where no key set could ever be fetched.
	CodeTokenKeyNotFound Code = "AUTH_005"

	// CodeTokenSignature indicates the signature does not verify.
	CodeTokenSignature Code = "AUTH_006"

	// CodeTokenNotYetValid indicates the token was issued further in the
	// future than the allowed clock skew.
	CodeTokenNotYetValid Code = "AUTH_007"

	// CodeTokenIssuer indicates the iss claim does not match the expected issuer.
	CodeTokenIssuer Code = "AUTH_008"

	// CodeTokenAudience indicates the aud claim lacks the expected audience.
	CodeTokenAudience Code = "AUTH_009"

	// CodeCredentialsMissing indicates the request carried no usable bearer token.
	CodeCredentialsMissing Code = "AUTH_010"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationDenied indicates a role or tenant policy denied access.
	CodeAuthorizationDenied Code = "AUTHZ_002"

	// CodeRateLimited indicates the caller exhausted its request quota.
	CodeRateLimited Code = "RATE_001"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a storage backend operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependency (identity provider,
	// Redis, PostgreSQL) is unreachable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a storage backend operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to the identity provider timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the code (e.g., "AUTH", "RATE").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
