package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/2sic/resizer/internal/license"
)

// HealthChecker is what the health routes need from the license engine
type HealthChecker interface {
	HTTPHandler() http.HandlerFunc
}

// HealthHandler serves liveness, readiness and the detailed license health
type HealthHandler struct {
	checker   HealthChecker
	version   string
	startedAt time.Time
	ready     func() bool
}

// NewHealthHandler creates a health handler. ready may be nil, meaning the
// process is ready as soon as it serves.
func NewHealthHandler(checker HealthChecker, version string, ready func() bool) *HealthHandler {
	return &HealthHandler{
		checker:   checker,
		version:   version,
		startedAt: time.Now(),
		ready:     ready,
	}
}

// LivenessResponse is the body of /health/live and /health/ready
type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Routes returns the health routes
func (h *HealthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.checker.HTTPHandler())
	r.Get("/live", h.LivenessCheck)
	r.Get("/ready", h.ReadinessCheck)
	return r
}

// LivenessCheck answers as long as the process serves requests
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.response("alive"))
}

// ReadinessCheck reports whether the engine finished restoring state. A
// deployment in grace or unlicensed is still ready: refusal is an answer.
func (h *HealthHandler) ReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil && !h.ready() {
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, h.response(string(license.HealthStatusUnhealthy)))
		return
	}
	render.JSON(w, r, h.response("ready"))
}

func (h *HealthHandler) response(status string) LivenessResponse {
	return LivenessResponse{
		Status:  status,
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Truncate(time.Second).String(),
	}
}
