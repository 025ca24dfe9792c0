// Package gwerrors centralizes the gateway's error taxonomy (spec §7):
// a closed set of codes, their HTTP status mapping, and the JSON
// envelope gateway-generated errors are shaped into. Proxied upstream
// responses never pass through this package — they are forwarded
// byte-for-byte.
package gwerrors

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Code is one of the taxonomy's closed set of error identifiers.
type Code string

const (
	CodeMissingCredentials   Code = "MISSING_CREDENTIALS"
	CodeInvalidToken         Code = "INVALID_TOKEN"
	CodeTokenExpired         Code = "TOKEN_EXPIRED"
	CodeTokenRevoked         Code = "TOKEN_REVOKED"
	CodeTokenVersionMismatch Code = "TOKEN_VERSION_MISMATCH"
	CodeInvalidAPIKey        Code = "INVALID_API_KEY"
	CodeAPIKeyExpired        Code = "API_KEY_EXPIRED"

	CodeInsufficientScope Code = "INSUFFICIENT_SCOPE"
	CodeIPBlocked         Code = "IP_BLOCKED"
	CodeIPNotAllowed      Code = "IP_NOT_ALLOWED"
	CodeAPIDisabled       Code = "API_DISABLED"

	CodeRouteNotFound Code = "ROUTE_NOT_FOUND"

	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"

	CodeUpstreamError   Code = "UPSTREAM_ERROR"
	CodeUpstreamTimeout Code = "UPSTREAM_TIMEOUT"
	CodeCircuitOpen     Code = "CIRCUIT_OPEN"

	CodeRateLimiterError Code = "RATE_LIMITER_ERROR"

	CodeInternal Code = "INTERNAL_ERROR"
)

// statusFor is the taxonomy's HTTP mapping, spec §7.
var statusFor = map[Code]int{
	CodeMissingCredentials:   http.StatusUnauthorized,
	CodeInvalidToken:         http.StatusUnauthorized,
	CodeTokenExpired:         http.StatusUnauthorized,
	CodeTokenRevoked:         http.StatusUnauthorized,
	CodeTokenVersionMismatch: http.StatusUnauthorized,
	CodeInvalidAPIKey:        http.StatusUnauthorized,
	CodeAPIKeyExpired:        http.StatusUnauthorized,

	CodeInsufficientScope: http.StatusForbidden,
	CodeIPBlocked:         http.StatusForbidden,
	CodeIPNotAllowed:      http.StatusForbidden,
	CodeAPIDisabled:       http.StatusForbidden,

	CodeRouteNotFound: http.StatusNotFound,

	CodeRateLimitExceeded: http.StatusTooManyRequests,

	CodeUpstreamError:   http.StatusBadGateway,
	CodeUpstreamTimeout: http.StatusGatewayTimeout,
	CodeCircuitOpen:     http.StatusBadGateway,

	CodeRateLimiterError: http.StatusServiceUnavailable,

	CodeInternal: http.StatusInternalServerError,
}

// Status returns the HTTP status a code maps to, defaulting to 500 for
// an unregistered code (should not happen; every Code above is mapped).
func (c Code) Status() int {
	if s, ok := statusFor[c]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// Error is a taxonomy error carrying an optional details payload
// (e.g. retry_after/strategy for RATE_LIMIT_EXCEEDED, breaker reason
// for CIRCUIT_OPEN).
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// New builds a taxonomy error with no extra details.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetails attaches a details payload, returning e for chaining.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

// envelope is the {success:false, error:{...}} shape of spec §7.
type envelope struct {
	Success bool     `json:"success"`
	Error   errBody  `json:"error"`
}

type errBody struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Write shapes e into the JSON envelope and writes it with the code's
// mapped HTTP status. redactInternal, when true, replaces an
// INTERNAL_ERROR's message with a generic one (production mode) —
// the full message must still be logged by the caller before Write.
func Write(w http.ResponseWriter, e *Error, redactInternal bool) {
	msg := e.Message
	if e.Code == CodeInternal && redactInternal {
		msg = "an internal error occurred"
	}
	body := envelope{
		Success: false,
		Error: errBody{
			Code:    e.Code,
			Message: msg,
			Details: e.Details,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if e.Code == CodeRateLimitExceeded {
		if ra, ok := e.Details["retry_after_seconds"]; ok {
			w.Header().Set("Retry-After", toRetryAfterHeader(ra))
		}
	}
	w.WriteHeader(e.Code.Status())
	_ = json.NewEncoder(w).Encode(body)
}

func toRetryAfterHeader(v interface{}) string {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return "1"
	}
}

// AutoBlockFeeding reports whether a failure of this kind should feed
// the auto-blocker's violation counters. Benign expiry codes do not
// (spec §4.2/§9): expiry is routine, not abuse.
func (c Code) AutoBlockFeeding() bool {
	switch c {
	case CodeTokenExpired, CodeAPIKeyExpired:
		return false
	case CodeInvalidToken, CodeTokenRevoked, CodeTokenVersionMismatch, CodeInvalidAPIKey, CodeMissingCredentials:
		return true
	default:
		return false
	}
}
