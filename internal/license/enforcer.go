package license

import (
	"context"
	"fmt"
	"slices"
	"time"

	licenseErrors "github.com/2sic/resizer/internal/errors"
)

// EnforcerConfig is read once when the enforcer is built.
type EnforcerConfig struct {
	Enforce        bool
	Policy         GracePolicy
	LoopbackExempt bool
}

// LicenseEnforcer is the facade the request pipeline calls on every
// operation. CheckAccess never blocks on I/O and never panics.
type LicenseEnforcer struct {
	enforce bool
	policy  GracePolicy
	matcher DomainMatcher
	source  SnapshotSource
	clock   Clock
	metrics *Metrics
}

// NewLicenseEnforcer builds the facade. With enforcement off the source may
// be nil; with it on a nil source is a configuration error.
func NewLicenseEnforcer(cfg EnforcerConfig, source SnapshotSource, clock Clock, metrics *Metrics) (*LicenseEnforcer, error) {
	if cfg.Enforce && source == nil {
		return nil, fmt.Errorf("%w: enforcement enabled without a verification source", licenseErrors.ErrEnforcerMisconfigured)
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &LicenseEnforcer{
		enforce: cfg.Enforce,
		policy:  cfg.Policy,
		matcher: NewDomainMatcher(cfg.LoopbackExempt),
		source:  source,
		clock:   clock,
		metrics: metrics,
	}, nil
}

// Enforcing reports whether the toggle is on.
func (e *LicenseEnforcer) Enforcing() bool {
	return e.enforce
}

// CheckAccess decides whether an operation for host may proceed.
func (e *LicenseEnforcer) CheckAccess(host string) Decision {
	if !e.enforce {
		return Permit
	}

	decision, state := e.evaluate(e.source.Current(), host)
	e.metrics.recordDecision(context.Background(), decision, state.Kind)
	return decision
}

// evaluate runs the grace state machine for host. Exempt hosts count as a
// domain match only; the verification outcome still decides.
func (e *LicenseEnforcer) evaluate(snap Snapshot, host string) (Decision, EnforcementState) {
	match := e.matcher.MatchesSet(snap.Domains(), host)
	state := Evaluate(snap, match, e.clock.Now(), e.policy)
	return Decide(state), state
}

// HasFeature reports whether a feature flag of the held record is usable.
// Features count only while the license is fully licensed or in grace,
// independent of the request host. Everything is enabled with enforcement off.
func (e *LicenseEnforcer) HasFeature(tag string) bool {
	if !e.enforce {
		return true
	}

	snap := e.source.Current()
	if !snap.Result.Record.HasFeature(tag) {
		return false
	}
	state := Evaluate(snap, true, e.clock.Now(), e.policy)
	return state.Kind == StateFullyLicensed || state.Kind == StateGracePeriod
}

// Status is the diagnostic view behind the status endpoint.
type Status struct {
	Enforce           bool          `json:"enforce"`
	Host              string        `json:"host,omitempty"`
	Decision          Decision      `json:"decision"`
	State             StateKind     `json:"state"`
	GraceRemaining    time.Duration `json:"-"`
	GraceRemainingSec int64         `json:"grace_remaining_seconds"`
	Exempt            bool          `json:"exempt"`
	DomainMatch       bool          `json:"domain_match"`
	Outcome           Outcome       `json:"outcome"`
	Reason            string        `json:"reason"`
	CheckedAt         time.Time     `json:"checked_at"`
	LastConfirmedAt   *time.Time    `json:"last_confirmed_at,omitempty"`
	FirstSeenAt       time.Time     `json:"first_seen_at"`
	LicenseID         string        `json:"license_id,omitempty"`
	Features          []string      `json:"features,omitempty"`
	AuthorizedDomains []string      `json:"authorized_domains,omitempty"`
}

// Status explains the decision CheckAccess would make for host. It does not
// count as a decision in metrics.
func (e *LicenseEnforcer) Status(host string) Status {
	if !e.enforce {
		return Status{
			Enforce:  false,
			Host:     host,
			Decision: Permit,
			State:    StateDisabled,
		}
	}

	snap := e.source.Current()
	decision, state := e.evaluate(snap, host)

	st := Status{
		Enforce:           true,
		Host:              host,
		Decision:          decision,
		State:             state.Kind,
		GraceRemaining:    state.Remaining,
		GraceRemainingSec: int64(state.Remaining / time.Second),
		Exempt:            e.matcher.Exempt(host),
		DomainMatch:       host != "" && e.matcher.MatchesSet(snap.Domains(), host),
		Outcome:           snap.Result.Outcome,
		Reason:            snap.Result.Reason,
		CheckedAt:         snap.Result.CheckedAt,
		FirstSeenAt:       snap.FirstSeenAt,
	}
	if snap.EverConfirmed() {
		t := snap.LastConfirmedAt
		st.LastConfirmedAt = &t
	}
	if rec := snap.Result.Record; rec != nil {
		st.LicenseID = MaskLicenseID(rec.LicenseID)
		st.Features = slices.Clone(rec.Features)
		st.AuthorizedDomains = slices.Clone(rec.AuthorizedDomains)
	}
	return st
}
