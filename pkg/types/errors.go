package types

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthExpiredError means the refresh token itself was rejected
// (invalid_grant). No automatic recovery is possible; the installation must
// be re-authorized externally before any endpoint can succeed again.
type AuthExpiredError struct {
	Code    string // OAuth error code from the server, e.g. "invalid_grant"
	Message string
	Err     error
}

func (e *AuthExpiredError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("authentication expired [%s]: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("authentication expired: %s", e.Message)
}

func (e *AuthExpiredError) Unwrap() error {
	return e.Err
}

// TransientError covers network failures, timeouts and 5xx responses. The
// cycle may be retried later; nothing retries inline.
type TransientError struct {
	Endpoint string
	Err      error
}

func (e *TransientError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transient error at %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// APIError is a non-auth error response from the resource server, carrying
// the status and body for diagnostics. Never retried automatically.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d) at %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// ValidationError means an upstream payload was malformed, e.g. parallel
// arrays of different lengths. Aborts aggregation of that payload only.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s: %s", e.Field, e.Message)
}

// IsAuthExpired reports whether err is (or wraps) an AuthExpiredError.
func IsAuthExpired(err error) bool {
	var ae *AuthExpiredError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsTransientStatus reports whether an HTTP status should be classified as
// transient rather than a hard API error.
func IsTransientStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
