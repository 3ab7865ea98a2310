package license

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/2sic/resizer/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HealthCheckFunc checks one component
type HealthCheckFunc func(context.Context) *ComponentHealth

// PersistStatusProvider reports the last persistence outcome
type PersistStatusProvider interface {
	PersistStatus() PersistStatus
}

// CircuitStateProvider reports the state of an authority circuit breaker
type CircuitStateProvider interface {
	CircuitState() string
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	CheckTimeout time.Duration
	// StaleAfter is how old the last verification attempt may get before
	// the scheduler is considered stuck.
	StaleAfter time.Duration
	Policy     GracePolicy
	Enforce    bool
}

// DefaultHealthCheckConfig returns sensible defaults
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		CheckTimeout: 5 * time.Second,
		StaleAfter:   12 * time.Hour,
		Policy: GracePolicy{
			GracePeriod:    7 * 24 * time.Hour,
			BootstrapGrace: 72 * time.Hour,
		},
	}
}

// LicenseHealthCheck reports on the verification engine
type LicenseHealthCheck struct {
	source  SnapshotSource
	persist PersistStatusProvider
	circuit CircuitStateProvider
	clock   Clock
	config  HealthCheckConfig

	mu     sync.RWMutex
	checks map[string]HealthCheckFunc
}

// NewLicenseHealthCheck creates the health checks. persist and circuit may be nil.
func NewLicenseHealthCheck(source SnapshotSource, persist PersistStatusProvider, circuit CircuitStateProvider, clock Clock, config HealthCheckConfig) *LicenseHealthCheck {
	if clock == nil {
		clock = SystemClock{}
	}
	hc := &LicenseHealthCheck{
		source:  source,
		persist: persist,
		circuit: circuit,
		clock:   clock,
		config:  config,
	}
	hc.checks = map[string]HealthCheckFunc{
		"verification_freshness": hc.checkFreshness,
		"enforcement_state":      hc.checkEnforcementState,
		"persistence":            hc.checkPersistence,
		"authority_circuit":      hc.checkCircuit,
	}
	return hc
}

// RegisterCheck adds or replaces a named component check
func (hc *LicenseHealthCheck) RegisterCheck(name string, fn HealthCheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = fn
}

// HealthCheckResult contains comprehensive health status
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id,omitempty"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// PerformHealthCheck runs every registered check concurrently
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) *HealthCheckResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.health_check",
		trace.WithAttributes(attribute.String("component", "license_health")),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    infrastructure.TraceIDFromContext(ctx),
	}

	hc.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(hc.checks))
	for name, fn := range hc.checks {
		checks[name] = fn
	}
	hc.mu.RUnlock()

	type checkResult struct {
		name   string
		health *ComponentHealth
	}
	resultChan := make(chan checkResult, len(checks))

	for name, checkFunc := range checks {
		go func(n string, cf HealthCheckFunc) {
			checkCtx, cancel := context.WithTimeout(ctx, hc.config.CheckTimeout)
			defer cancel()
			resultChan <- checkResult{name: n, health: cf(checkCtx)}
		}(name, checkFunc)
	}

	timeout := time.NewTimer(hc.config.CheckTimeout)
	defer timeout.Stop()

collect:
	for range checks {
		select {
		case res := <-resultChan:
			result.Components[res.name] = res.health
		case <-timeout.C:
			break collect
		case <-ctx.Done():
			break collect
		}
	}
	for name := range checks {
		if _, ok := result.Components[name]; !ok {
			result.Components[name] = &ComponentHealth{
				Status:    HealthStatusUnhealthy,
				Message:   "Health check did not complete in time",
				Timestamp: hc.clock.Now(),
				Error:     "timeout",
			}
		}
	}

	result.Summary = hc.calculateHealthSummary(result.Components)
	result.OverallStatus = hc.determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = hc.generateStatusMessage(result.OverallStatus, result.Summary)

	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", result.Summary.TotalComponents),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
	)

	return result
}

// checkFreshness flags a scheduler that stopped producing results
func (hc *LicenseHealthCheck) checkFreshness(ctx context.Context) *ComponentHealth {
	now := hc.clock.Now()
	health := &ComponentHealth{Timestamp: now, Metadata: make(map[string]any)}

	if !hc.config.Enforce {
		health.Status = HealthStatusHealthy
		health.Message = "Enforcement disabled, verification not scheduled"
		return health
	}

	snap := hc.source.Current()
	if snap.Result.Reason == ReasonNotYetVerified {
		health.Status = HealthStatusDegraded
		health.Message = "No verification attempt has completed yet"
		return health
	}

	age := now.Sub(snap.Result.CheckedAt)
	health.Metadata["last_checked_at"] = snap.Result.CheckedAt
	health.Metadata["age_seconds"] = int64(age.Seconds())
	health.Metadata["outcome"] = snap.Result.Outcome.String()

	if hc.config.StaleAfter > 0 && age > hc.config.StaleAfter {
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Last verification attempt is %s old", age.Truncate(time.Second))
		return health
	}

	health.Status = HealthStatusHealthy
	health.Message = "Verification attempts are current"
	return health
}

// checkEnforcementState reports the host-independent licensing state
func (hc *LicenseHealthCheck) checkEnforcementState(ctx context.Context) *ComponentHealth {
	now := hc.clock.Now()
	health := &ComponentHealth{Timestamp: now, Metadata: make(map[string]any)}

	if !hc.config.Enforce {
		health.Status = HealthStatusHealthy
		health.Message = "Enforcement disabled"
		health.Metadata["state"] = StateDisabled.String()
		return health
	}

	snap := hc.source.Current()
	state := Evaluate(snap, true, now, hc.config.Policy)
	health.Metadata["state"] = state.Kind.String()
	health.Metadata["reason"] = snap.Result.Reason

	switch state.Kind {
	case StateFullyLicensed:
		health.Status = HealthStatusHealthy
		health.Message = "License confirmed"
	case StateGracePeriod:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("Running on grace, %s remaining", state.Remaining.Truncate(time.Second))
		health.Metadata["grace_remaining_seconds"] = int64(state.Remaining.Seconds())
	default:
		health.Status = HealthStatusUnhealthy
		health.Message = "Grace exhausted, requests are refused"
	}
	return health
}

func (hc *LicenseHealthCheck) checkPersistence(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: hc.clock.Now()}

	if hc.persist == nil {
		health.Status = HealthStatusHealthy
		health.Message = "State persistence not configured"
		return health
	}

	status := hc.persist.PersistStatus()
	switch {
	case !status.Configured:
		health.Status = HealthStatusHealthy
		health.Message = "State persistence not configured"
	case status.LastError != nil:
		health.Status = HealthStatusDegraded
		health.Message = "Last state save failed"
		health.Error = status.LastError.Error()
	default:
		health.Status = HealthStatusHealthy
		health.Message = "State saved"
	}
	return health
}

func (hc *LicenseHealthCheck) checkCircuit(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{Timestamp: hc.clock.Now()}

	if hc.circuit == nil {
		health.Status = HealthStatusHealthy
		health.Message = "Authority has no circuit breaker"
		return health
	}

	state := hc.circuit.CircuitState()
	health.Metadata = map[string]any{"state": state}
	switch state {
	case "open":
		health.Status = HealthStatusDegraded
		health.Message = "Authority circuit open, verification attempts are short-circuited"
	case "half-open":
		health.Status = HealthStatusDegraded
		health.Message = "Authority circuit probing"
	default:
		health.Status = HealthStatusHealthy
		health.Message = "Authority circuit closed"
	}
	return health
}

// calculateHealthSummary computes aggregate health metrics
func (hc *LicenseHealthCheck) calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{
		TotalComponents: len(components),
	}

	for _, health := range components {
		switch health.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}

	// healthy=1.0, degraded=0.5, unhealthy=0.0
	if summary.TotalComponents > 0 {
		score := float64(summary.HealthyComponents) + (float64(summary.DegradedComponents) * 0.5)
		summary.OverallScore = score / float64(summary.TotalComponents)
	}

	return summary
}

// determineOverallStatus calculates overall health status
func (hc *LicenseHealthCheck) determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	hasDegraded := false

	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			return HealthStatusUnhealthy
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}

	if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

func (hc *LicenseHealthCheck) generateStatusMessage(status HealthStatus, summary *HealthSummary) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license components are healthy", summary.TotalComponents)
	case HealthStatusDegraded:
		return fmt.Sprintf("License engine operational with %d degraded components out of %d",
			summary.DegradedComponents, summary.TotalComponents)
	default:
		return fmt.Sprintf("License engine unhealthy: %d unhealthy, %d degraded out of %d components",
			summary.UnhealthyComponents, summary.DegradedComponents, summary.TotalComponents)
	}
}

// HTTPHandler serves the health result; unhealthy answers 503
func (hc *LicenseHealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result := hc.PerformHealthCheck(r.Context())

		statusCode := http.StatusOK
		if result.OverallStatus == HealthStatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		render.Status(r, statusCode)
		render.JSON(w, r, result)
	}
}
