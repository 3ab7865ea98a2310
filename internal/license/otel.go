package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "github.com/2sic/resizer/internal/license"

// Metrics holds the license engine instruments. A nil *Metrics records nothing.
type Metrics struct {
	RefreshAttempts metric.Int64Counter
	RefreshDuration metric.Float64Histogram
	RefreshSkipped  metric.Int64Counter
	PersistFailures metric.Int64Counter
	Decisions       metric.Int64Counter
}

// NewMetrics creates the license instruments on meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RefreshAttempts, err = meter.Int64Counter(
		"license_refresh_attempts_total",
		metric.WithDescription("License verification attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh attempts counter: %w", err)
	}

	m.RefreshDuration, err = meter.Float64Histogram(
		"license_refresh_duration_seconds",
		metric.WithDescription("License verification duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh duration histogram: %w", err)
	}

	m.RefreshSkipped, err = meter.Int64Counter(
		"license_refresh_skipped_total",
		metric.WithDescription("Verification ticks skipped because an attempt was already in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh skipped counter: %w", err)
	}

	m.PersistFailures, err = meter.Int64Counter(
		"license_state_persist_failures_total",
		metric.WithDescription("Failed writes of license state to storage"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create persist failures counter: %w", err)
	}

	m.Decisions, err = meter.Int64Counter(
		"license_decisions_total",
		metric.WithDescription("Access decisions by decision and state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create decisions counter: %w", err)
	}

	return m, nil
}

// ObserveState registers gauges for remaining grace and the last confirmation
// time, read from source at collection time.
func ObserveState(meter metric.Meter, source SnapshotSource, policy GracePolicy, clock Clock) (metric.Registration, error) {
	if clock == nil {
		clock = SystemClock{}
	}

	graceRemaining, err := meter.Float64ObservableGauge(
		"license_grace_remaining_seconds",
		metric.WithDescription("Grace left before enforcement refuses; zero when fully licensed or unlicensed"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grace remaining gauge: %w", err)
	}

	lastConfirmed, err := meter.Int64ObservableGauge(
		"license_last_confirmed_timestamp_seconds",
		metric.WithDescription("Unix time of the last confirmed verification; zero if never confirmed"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create last confirmed gauge: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snap := source.Current()
		state := Evaluate(snap, true, clock.Now(), policy)

		o.ObserveFloat64(graceRemaining, state.Remaining.Seconds(),
			metric.WithAttributes(attribute.String("state", state.Kind.String())))

		var ts int64
		if snap.EverConfirmed() {
			ts = snap.LastConfirmedAt.Unix()
		}
		o.ObserveInt64(lastConfirmed, ts)
		return nil
	}, graceRemaining, lastConfirmed)
}

func (m *Metrics) recordRefresh(ctx context.Context, trigger string, result VerificationResult, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("outcome", result.Outcome.String()),
		attribute.String("reason", result.Reason),
	)
	m.RefreshAttempts.Add(ctx, 1, attrs)
	m.RefreshDuration.Record(ctx, duration.Seconds(), attrs)
}

func (m *Metrics) recordSkipped(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.RefreshSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

func (m *Metrics) recordPersistFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.PersistFailures.Add(ctx, 1)
}

func (m *Metrics) recordDecision(ctx context.Context, decision Decision, state StateKind) {
	if m == nil {
		return
	}
	m.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("decision", decision.String()),
		attribute.String("state", state.String()),
	))
}

// traceRefresh wraps one verification attempt in a span
func traceRefresh(ctx context.Context, licenseID, trigger string, fn func(context.Context) VerificationResult) VerificationResult {
	ctx, span := otel.Tracer(TracerName).Start(ctx, "license.refresh",
		trace.WithAttributes(
			attribute.String("license.id_hash", hashLicenseID(licenseID)),
			attribute.String("license.trigger", trigger),
		),
	)
	defer span.End()

	result := fn(ctx)

	span.SetAttributes(
		attribute.String("license.outcome", result.Outcome.String()),
		attribute.String("license.reason", result.Reason),
	)
	if result.Outcome == OutcomeConfirmed {
		span.SetStatus(codes.Ok, "license confirmed")
	} else {
		span.SetStatus(codes.Error, result.Reason)
	}

	return result
}
