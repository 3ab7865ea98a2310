package errors

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
)

// Problem types for routing failures
const (
	TypeNotFound         = "/errors/not-found"
	TypeMethodNotAllowed = "/errors/method-not-allowed"
)

// ErrorHandler renders errors as RFC 7807 problems and logs them once
type ErrorHandler struct {
	logger *slog.Logger
	// debug adds the underlying error text to 5xx problems
	debug bool
}

// NewErrorHandler creates an error handler. With debug set, server errors
// expose their cause to the client.
func NewErrorHandler(logger *slog.Logger, debug bool) *ErrorHandler {
	return &ErrorHandler{
		logger: logger.With(slog.String("component", "error_handler")),
		debug:  debug,
	}
}

// HandleError maps err and writes the problem. Client errors log at warn,
// server errors at error.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		return
	}

	reqID := middleware.GetReqID(r.Context())
	problem := MapLicenseError(err, reqID)

	level := slog.LevelWarn
	if problem.Status >= http.StatusInternalServerError {
		level = slog.LevelError
		if h.debug {
			problem.WithExtension("cause", err.Error())
		}
	}
	h.logger.Log(r.Context(), level, "request failed",
		slog.String("error", err.Error()),
		slog.Int("status", problem.Status),
		slog.String("request_id", reqID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
	)

	_ = render.Render(w, r, problem)
}

// NotFound is the router's 404 handler
func (h *ErrorHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	h.routing(w, r, http.StatusNotFound, TypeNotFound, "The requested resource was not found")
}

// MethodNotAllowed is the router's 405 handler
func (h *ErrorHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.routing(w, r, http.StatusMethodNotAllowed, TypeMethodNotAllowed, r.Method+" is not supported here")
}

func (h *ErrorHandler) routing(w http.ResponseWriter, r *http.Request, status int, problemType, detail string) {
	problem := NewProblemDetails(status, problemType, http.StatusText(status), detail, r.URL.Path).
		WithExtension("trace_id", middleware.GetReqID(r.Context()))
	_ = render.Render(w, r, problem)
}
