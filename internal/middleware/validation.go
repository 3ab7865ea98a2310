package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	apierrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
)

// maxHostLength is the DNS limit plus room for a port
const maxHostLength = 253 + 6

// QueryParamValidator validates query parameters and answers bad ones with
// a 400 problem.
type QueryParamValidator struct {
	validate     *validator.Validate
	logger       *slog.Logger
	errorHandler *apierrors.ErrorHandler
}

// NewQueryParamValidator creates a new query parameter validator
func NewQueryParamValidator(logger *slog.Logger, errorHandler *apierrors.ErrorHandler) *QueryParamValidator {
	return &QueryParamValidator{
		validate:     validator.New(),
		logger:       logger.With(slog.String("component", "query_validator")),
		errorHandler: errorHandler,
	}
}

// Host reads a required host parameter and normalises it the way the domain
// matcher will. The returned value is what the caller passes to CheckAccess.
func (v *QueryParamValidator) Host(w http.ResponseWriter, r *http.Request, param string) (string, bool) {
	value := strings.TrimSpace(r.URL.Query().Get(param))

	if err := v.validate.Var(value, fmt.Sprintf("required,max=%d", maxHostLength)); err != nil {
		v.errorHandler.HandleError(w, r, apierrors.InvalidParameter(param, describe(err)))
		return "", false
	}
	host, ok := license.NormalizeHost(value)
	if !ok {
		v.errorHandler.HandleError(w, r, apierrors.InvalidParameter(param, errors.New("not a valid host name")))
		return "", false
	}
	return host, true
}

// Enum reads an optional parameter restricted to allowed values
func (v *QueryParamValidator) Enum(w http.ResponseWriter, r *http.Request, param string, allowed []string, defaultValue string) (string, bool) {
	value := r.URL.Query().Get(param)
	if value == "" {
		return defaultValue, true
	}

	if err := v.validate.Var(value, "oneof="+strings.Join(allowed, " ")); err != nil {
		v.errorHandler.HandleError(w, r, apierrors.InvalidParameter(param,
			fmt.Errorf("must be one of: %s", strings.Join(allowed, ", "))))
		return "", false
	}
	return value, true
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	switch fe := verrs[0]; fe.Tag() {
	case "required":
		return errors.New("is required")
	case "max":
		return fmt.Errorf("must be at most %s characters", fe.Param())
	default:
		return fmt.Errorf("failed %s validation", fe.Tag())
	}
}
