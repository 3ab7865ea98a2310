package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
	customMiddleware "github.com/2sic/resizer/internal/middleware"
)

// Enforcer is the facade the handlers read from
type Enforcer interface {
	Enforcing() bool
	CheckAccess(host string) license.Decision
	Status(host string) license.Status
	HasFeature(tag string) bool
}

// Refresher is the scheduler side. It is nil when enforcement is off.
type Refresher interface {
	RefreshNow(ctx context.Context) (license.Snapshot, bool)
	Running() bool
	ConsecutiveFailures() int64
	PersistStatus() license.PersistStatus
}

// LicenseHandler serves /api/license
type LicenseHandler struct {
	enforcer    Enforcer
	refresher   Refresher
	primaryHost string
	validator   *customMiddleware.QueryParamValidator
	errors      *licenseErrors.ErrorHandler
	logger      *slog.Logger
}

// NewLicenseHandler creates a new license handler. refresher may be nil.
func NewLicenseHandler(enforcer Enforcer, refresher Refresher, primaryHost string, logger *slog.Logger) *LicenseHandler {
	errorHandler := licenseErrors.NewErrorHandler(logger, false)
	return &LicenseHandler{
		enforcer:    enforcer,
		refresher:   refresher,
		primaryHost: primaryHost,
		validator:   customMiddleware.NewQueryParamValidator(logger, errorHandler),
		errors:      errorHandler,
		logger:      logger.With(slog.String("handler", "license")),
	}
}

// RefreshResponse is returned by POST /api/license/refresh
type RefreshResponse struct {
	Outcome   license.Outcome `json:"outcome"`
	Reason    string          `json:"reason"`
	CheckedAt time.Time       `json:"checked_at"`
	Status    license.Status  `json:"status"`
	TraceID   string          `json:"trace_id"`
}

// CheckResponse is returned by GET /api/license/check
type CheckResponse struct {
	Host     string            `json:"host"`
	Decision license.Decision  `json:"decision"`
	State    license.StateKind `json:"state"`
}

// FeatureResponse is returned by GET /api/license/features/{tag}
type FeatureResponse struct {
	Feature string `json:"feature"`
	Enabled bool   `json:"enabled"`
}

// Routes returns the read-only license routes. The refresh endpoint is
// mounted separately so the caller can put auth and rate limits in front.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.GetStatus)
	r.Get("/check", h.Check)
	r.Get("/features/{tag}", h.GetFeature)
	r.Get("/diagnostics", h.GetDiagnostics)
	return r
}

// statusHost picks the host a status request is about
func (h *LicenseHandler) statusHost(r *http.Request) string {
	if host := r.URL.Query().Get("host"); host != "" {
		return host
	}
	if h.primaryHost != "" {
		return h.primaryHost
	}
	return r.Host
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.enforcer.Status(h.statusHost(r)))
}

// Check handles GET /api/license/check?host=. It is the sidecar form of
// CheckAccess for hosts that run out of process.
func (h *LicenseHandler) Check(w http.ResponseWriter, r *http.Request) {
	host, ok := h.validator.Host(w, r, "host")
	if !ok {
		return
	}

	decision := h.enforcer.CheckAccess(host)
	status := h.enforcer.Status(host)

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("license.host", host),
		attribute.String("license.decision", decision.String()),
	)

	render.JSON(w, r, CheckResponse{Host: host, Decision: decision, State: status.State})
}

// GetFeature handles GET /api/license/features/{tag}
func (h *LicenseHandler) GetFeature(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	render.JSON(w, r, FeatureResponse{Feature: tag, Enabled: h.enforcer.HasFeature(tag)})
}

// Refresh handles POST /api/license/refresh
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if h.refresher == nil || !h.enforcer.Enforcing() {
		h.errors.HandleError(w, r, licenseErrors.New(http.StatusServiceUnavailable, licenseErrors.TypeServiceUnavailable,
			"ENFORCEMENT_DISABLED", "License enforcement is disabled; there is nothing to refresh"))
		return
	}

	ctx, span := otel.Tracer("license-handler").Start(ctx, "license_handler.refresh",
		trace.WithAttributes(attribute.String("request_id", reqID)))
	defer span.End()

	snap, ok := h.refresher.RefreshNow(ctx)
	if !ok {
		if ctx.Err() != nil {
			h.errors.HandleError(w, r, ctx.Err())
			return
		}
		span.SetAttributes(attribute.Bool("license.refresh.skipped", true))
		h.logger.InfoContext(ctx, "Manual refresh skipped, attempt already running",
			slog.String("request_id", reqID))
		h.errors.HandleError(w, r, licenseErrors.ErrRefreshInFlight)
		return
	}

	span.SetAttributes(attribute.String("license.outcome", snap.Result.Outcome.String()))
	h.logger.InfoContext(ctx, "Manual refresh completed",
		slog.String("request_id", reqID),
		slog.String("outcome", snap.Result.Outcome.String()),
		slog.String("reason", snap.Result.Reason))

	render.JSON(w, r, RefreshResponse{
		Outcome:   snap.Result.Outcome,
		Reason:    snap.Result.Reason,
		CheckedAt: snap.Result.CheckedAt,
		Status:    h.enforcer.Status(h.statusHost(r)),
		TraceID:   reqID,
	})
}

// Diagnostics is the support view of the engine
type Diagnostics struct {
	Status              license.Status `json:"status"`
	SchedulerRunning    bool           `json:"scheduler_running"`
	ConsecutiveFailures int64          `json:"consecutive_failures"`
	PersistConfigured   bool           `json:"persist_configured"`
	LastSaveAt          *time.Time     `json:"last_save_at,omitempty"`
	LastSaveError       string         `json:"last_save_error,omitempty"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

func (h *LicenseHandler) diagnostics(host string) Diagnostics {
	d := Diagnostics{
		Status:      h.enforcer.Status(host),
		GeneratedAt: time.Now().UTC(),
	}
	if h.refresher != nil {
		d.SchedulerRunning = h.refresher.Running()
		d.ConsecutiveFailures = h.refresher.ConsecutiveFailures()
		ps := h.refresher.PersistStatus()
		d.PersistConfigured = ps.Configured
		if !ps.LastSaveAt.IsZero() {
			at := ps.LastSaveAt
			d.LastSaveAt = &at
		}
		if ps.LastError != nil {
			d.LastSaveError = ps.LastError.Error()
		}
	}
	return d
}

// GetDiagnostics handles GET /api/license/diagnostics?format=json|text
func (h *LicenseHandler) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	format, ok := h.validator.Enum(w, r, "format", []string{"json", "text"}, "json")
	if !ok {
		return
	}

	d := h.diagnostics(h.statusHost(r))
	if format == "json" {
		render.JSON(w, r, d)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "enforce:              %t\n", d.Status.Enforce)
	fmt.Fprintf(&b, "host:                 %s\n", d.Status.Host)
	fmt.Fprintf(&b, "decision:             %s\n", d.Status.Decision)
	fmt.Fprintf(&b, "state:                %s\n", d.Status.State)
	if d.Status.State == license.StateGracePeriod {
		fmt.Fprintf(&b, "grace remaining:      %s\n", d.Status.GraceRemaining.Truncate(time.Second))
	}
	fmt.Fprintf(&b, "outcome:              %s (%s)\n", d.Status.Outcome, d.Status.Reason)
	fmt.Fprintf(&b, "checked at:           %s\n", formatTime(d.Status.CheckedAt))
	if d.Status.LastConfirmedAt != nil {
		fmt.Fprintf(&b, "last confirmed at:    %s\n", formatTime(*d.Status.LastConfirmedAt))
	} else {
		fmt.Fprintf(&b, "last confirmed at:    never\n")
	}
	fmt.Fprintf(&b, "first seen at:        %s\n", formatTime(d.Status.FirstSeenAt))
	if d.Status.LicenseID != "" {
		fmt.Fprintf(&b, "license:              %s\n", d.Status.LicenseID)
	}
	if len(d.Status.AuthorizedDomains) > 0 {
		fmt.Fprintf(&b, "authorized domains:   %s\n", strings.Join(d.Status.AuthorizedDomains, ", "))
	}
	if len(d.Status.Features) > 0 {
		fmt.Fprintf(&b, "features:             %s\n", strings.Join(d.Status.Features, ", "))
	}
	fmt.Fprintf(&b, "scheduler running:    %t\n", d.SchedulerRunning)
	fmt.Fprintf(&b, "consecutive failures: %d\n", d.ConsecutiveFailures)
	if d.PersistConfigured {
		saved := "never"
		if d.LastSaveAt != nil {
			saved = formatTime(*d.LastSaveAt)
		}
		fmt.Fprintf(&b, "last save:            %s\n", saved)
		if d.LastSaveError != "" {
			fmt.Fprintf(&b, "last save error:      %s\n", d.LastSaveError)
		}
	}

	render.PlainText(w, r, b.String())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
