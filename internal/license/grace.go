package license

import "time"

// StateKind classifies the effective licensing state of a deployment.
type StateKind int

const (
	// StateUnlicensed is the zero value so an unset state is treated as the most restrictive.
	StateUnlicensed StateKind = iota
	StateGracePeriod
	StateFullyLicensed
	StateDisabled
)

func (k StateKind) String() string {
	switch k {
	case StateGracePeriod:
		return "grace_period"
	case StateFullyLicensed:
		return "fully_licensed"
	case StateDisabled:
		return "disabled"
	default:
		return "unlicensed"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// EnforcementState is derived on every check and never persisted.
type EnforcementState struct {
	Kind StateKind
	// Remaining is the grace left; only meaningful for StateGracePeriod.
	Remaining time.Duration
}

// GracePolicy holds the two grace windows.
type GracePolicy struct {
	// GracePeriod runs from the last confirmed verification.
	GracePeriod time.Duration
	// BootstrapGrace runs from first start when nothing was ever confirmed.
	BootstrapGrace time.Duration
}

// Evaluate computes the enforcement state. It is a pure function of its
// arguments: the same inputs always give the same state.
//
// A confirmed result for a matching host is fully licensed. Anything else
// (denied, unreachable, signature failure, host mismatch) consumes grace from
// the last confirmation, or bootstrap grace from first start if there never
// was one. Grace covers the half-open interval (anchor, anchor+window].
func Evaluate(snap Snapshot, domainMatch bool, now time.Time, policy GracePolicy) EnforcementState {
	if snap.Result.Outcome == OutcomeConfirmed && domainMatch {
		return EnforcementState{Kind: StateFullyLicensed}
	}

	if snap.EverConfirmed() {
		return graceFrom(snap.LastConfirmedAt, policy.GracePeriod, now)
	}
	return graceFrom(snap.FirstSeenAt, policy.BootstrapGrace, now)
}

func graceFrom(anchor time.Time, window time.Duration, now time.Time) EnforcementState {
	elapsed := now.Sub(anchor)
	if elapsed > window {
		return EnforcementState{Kind: StateUnlicensed}
	}

	remaining := window - elapsed
	if remaining > window {
		// anchor lies in the future
		remaining = window
	}
	return EnforcementState{Kind: StateGracePeriod, Remaining: remaining}
}
