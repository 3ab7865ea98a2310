package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// License-specific errors (using errors package for sentinel errors)
var (
	// ErrAuthorityUnreachable covers transport failures, timeouts and open breakers.
	ErrAuthorityUnreachable = errors.New("license authority unreachable")
	// ErrLicenseDenied is an authoritative negative answer from the authority.
	ErrLicenseDenied = errors.New("license denied by authority")
	// ErrSignatureInvalid means a license payload failed signature verification.
	ErrSignatureInvalid = errors.New("license signature invalid")
	// ErrInvalidDomainPattern marks an authorized-domain pattern that is skipped.
	ErrInvalidDomainPattern = errors.New("invalid domain pattern")
	// ErrNoPersistedState is returned by persisters that have nothing stored yet.
	ErrNoPersistedState = errors.New("no persisted license state")
	// ErrStateCorrupted means stored state exists but cannot be decoded or authenticated.
	ErrStateCorrupted = errors.New("persisted license state corrupted")
	// ErrEnforcerMisconfigured is a construction-time error; the hot path never returns it.
	ErrEnforcerMisconfigured = errors.New("license enforcer misconfigured")
	// ErrLicenseRefused is reported to clients when enforcement refuses an operation.
	ErrLicenseRefused = errors.New("operation refused: deployment is not licensed")
)

// Problem types served by the licensing API
const (
	TypeLicenseRefused     = "/errors/license/refused"
	TypeAuthorityDown      = "/errors/license/authority-unreachable"
	TypeLicenseDenied      = "/errors/license/denied"
	TypeSignatureInvalid   = "/errors/license/signature-invalid"
	TypeRefreshInFlight    = "/errors/license/refresh-in-flight"
	TypeRateLimit          = "/errors/rate-limit"
	TypeUnauthorized       = "/errors/unauthorized"
	TypeInvalidParameter   = "/errors/invalid-parameter"
	TypeTimeout            = "/errors/timeout"
	TypeInternal           = "/errors/internal"
	TypeServiceUnavailable = "/errors/service-unavailable"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions next to the standard members
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)

	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

// RefusalDetails describes why enforcement refused an operation
type RefusalDetails struct {
	Host            string
	State           string
	Outcome         string
	Reason          string
	LastConfirmedAt time.Time
}

// NewLicenseRefusedError creates the 402 problem returned by the license gate
func NewLicenseRefusedError(details RefusalDetails, traceID string) *ProblemDetails {
	problem := NewProblemDetails(
		http.StatusPaymentRequired,
		TypeLicenseRefused,
		"License Required",
		fmt.Sprintf("This deployment is not licensed for host %q.", details.Host),
		fmt.Sprintf("/api/license/status#%s", traceID),
	)

	problem.WithExtension("error_code", "LICENSE_REFUSED").
		WithExtension("trace_id", traceID).
		WithExtension("host", details.Host)

	if details.State != "" {
		problem.WithExtension("state", details.State)
	}
	if details.Outcome != "" {
		problem.WithExtension("verification_outcome", details.Outcome)
	}
	if details.Reason != "" {
		problem.WithExtension("reason", details.Reason)
	}
	if !details.LastConfirmedAt.IsZero() {
		problem.WithExtension("last_confirmed_at", details.LastConfirmedAt.UTC().Format(time.RFC3339))
	}

	return problem
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) *ProblemDetails {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		problemType := apiErr.Type
		if problemType == "" {
			problemType = TypeInternal
		}
		problem := NewProblemDetails(apiErr.StatusCode, problemType, http.StatusText(apiErr.StatusCode), apiErr.Message, instance).
			WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
		if apiErr.Details != nil {
			problem.WithExtension("details", apiErr.Details)
		}
		return problem
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TIMEOUT")

	case errors.Is(err, ErrLicenseRefused):
		return NewLicenseRefusedError(RefusalDetails{}, traceID)

	case errors.Is(err, ErrAuthorityUnreachable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeAuthorityDown,
			"License Authority Unreachable",
			"Unable to reach the license authority. The last known license state stays in effect.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "AUTHORITY_UNREACHABLE")

	case errors.Is(err, ErrSignatureInvalid):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeSignatureInvalid,
			"License Signature Invalid",
			"The license returned by the authority failed signature verification.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "SIGNATURE_INVALID")

	case errors.Is(err, ErrLicenseDenied):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseDenied,
			"License Denied",
			"The license authority denied this license.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_DENIED")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
