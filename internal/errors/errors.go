package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// APIError is a request-level failure of the licensing API. Type is the
// problem type it is rendered with.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Type       string `json:"-"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Is matches another APIError with the same error code, so wrapped copies
// made by InvalidParameter still satisfy errors.Is.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	return ok && t.ErrorCode == e.ErrorCode
}

// Render implements render.Renderer
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New creates an APIError rendered as problemType
func New(statusCode int, problemType, errorCode, message string) *APIError {
	return &APIError{StatusCode: statusCode, Type: problemType, ErrorCode: errorCode, Message: message}
}

// NewWithDetails is New plus a details member
func NewWithDetails(statusCode int, problemType, errorCode, message string, details any) *APIError {
	e := New(statusCode, problemType, errorCode, message)
	e.Details = details
	return e
}

var (
	ErrInvalidParameter   = New(http.StatusBadRequest, TypeInvalidParameter, "INVALID_PARAMETER", "Invalid parameter value")
	ErrRateLimitExceeded  = New(http.StatusTooManyRequests, TypeRateLimit, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
	ErrRefreshInFlight    = New(http.StatusConflict, TypeRefreshInFlight, "REFRESH_IN_FLIGHT", "A license verification is already running")
	ErrServiceUnavailable = New(http.StatusServiceUnavailable, TypeServiceUnavailable, "SERVICE_UNAVAILABLE", "Service temporarily unavailable")
	ErrUnauthorized       = New(http.StatusUnauthorized, TypeUnauthorized, "UNAUTHORIZED", "A valid admin token is required")
)

// InvalidParameter names the offending query or path parameter
func InvalidParameter(name string, err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, TypeInvalidParameter, ErrInvalidParameter.ErrorCode,
		fmt.Sprintf("Invalid value for %s", name), err.Error())
}
