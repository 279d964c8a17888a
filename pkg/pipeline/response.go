package pipeline

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/StricklySoft/accessgate/pkg/auth"
)

// Error keys of the JSON error body.
const (
	ErrorUnauthorized      = "unauthorized"
	ErrorForbidden         = "forbidden"
	ErrorRateLimitExceeded = "rate_limit_exceeded"
	ErrorInternal          = "internal_error"
)

// User-visible messages.
const (
	MsgMissingAuthorization = "Missing authorization header"
	MsgInvalidToken         = "Invalid token"
)

// Machine-readable reasons attached to some 401 responses so clients know
// to refresh their token. Nothing about policy is ever exposed this way.
const (
	ReasonTokenExpired     = "token_expired"
	ReasonTokenNotYetValid = "token_not_yet_valid"
	ReasonInvalidIssuer    = "invalid_issuer"
)

// Rate limit response headers.
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRetryAfter         = "Retry-After"
)

// ErrorResponse is the body of every rejection.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(v)
}

func writeUnauthorized(w http.ResponseWriter, message, reason string) {
	_ = WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:   ErrorUnauthorized,
		Message: message,
		Reason:  reason,
	})
}

func writeForbidden(w http.ResponseWriter) {
	_ = WriteJSON(w, http.StatusForbidden, ErrorResponse{
		Error:   ErrorForbidden,
		Message: auth.MsgInsufficientPermissions,
	})
}

func writeRateLimited(w http.ResponseWriter, limit int, window time.Duration, retryAfter int) {
	w.Header().Set(HeaderRetryAfter, strconv.Itoa(retryAfter))
	_ = WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:   ErrorRateLimitExceeded,
		Message: RateLimitMessage(limit, window),
	})
}

// RateLimitMessage renders the 429 message, e.g. "Rate limit exceeded.
// Maximum 100 requests per 1 minute."
func RateLimitMessage(limit int, window time.Duration) string {
	return fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %s.", limit, FormatWindow(window))
}

// FormatWindow renders whole hours, minutes or seconds in words and
// anything else in time.Duration notation.
func FormatWindow(d time.Duration) string {
	unit := func(n int64, name string) string {
		if n == 1 {
			return "1 " + name
		}
		return fmt.Sprintf("%d %ss", n, name)
	}
	switch {
	case d <= 0:
		return d.String()
	case d%time.Hour == 0:
		return unit(int64(d/time.Hour), "hour")
	case d%time.Minute == 0:
		return unit(int64(d/time.Minute), "minute")
	case d%time.Second == 0:
		return unit(int64(d/time.Second), "second")
	default:
		return d.String()
	}
}
