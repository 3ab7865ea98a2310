package license

import (
	"fmt"
	"slices"
	"time"
)

// Outcome is the tri-state result of one verification attempt.
type Outcome int

const (
	// OutcomeUnreachable is the zero value so a fresh result never reads as confirmed.
	OutcomeUnreachable Outcome = iota
	OutcomeConfirmed
	OutcomeDenied
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeDenied:
		return "denied"
	default:
		return "unreachable"
	}
}

// MarshalText implements encoding.TextMarshaler
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "confirmed":
		*o = OutcomeConfirmed
	case "denied":
		*o = OutcomeDenied
	case "unreachable":
		*o = OutcomeUnreachable
	default:
		return fmt.Errorf("unknown verification outcome %q", text)
	}
	return nil
}

// Reasons attached to verification results
const (
	ReasonNotYetVerified    = "not_yet_verified"
	ReasonConfirmed         = "confirmed"
	ReasonAuthorityDenied   = "authority_denied"
	ReasonSignatureInvalid  = "signature_invalid"
	ReasonLicenseIDMismatch = "license_id_mismatch"
	ReasonTimeout           = "timeout"
	ReasonUnreachable       = "unreachable"
	ReasonMalformedReply    = "malformed_reply"
)

// LicenseRecord is a decoded license as issued by the authority. Records are
// never mutated once stored; a re-verification replaces the whole record.
type LicenseRecord struct {
	LicenseID         string
	AuthorizedDomains []string
	IssuedAt          time.Time
	Features          []string
	// SignaturePayload is the signed artifact the record was decoded from.
	SignaturePayload []byte
}

// HasFeature reports whether tag is one of the record's feature flags.
func (r *LicenseRecord) HasFeature(tag string) bool {
	if r == nil {
		return false
	}
	return slices.Contains(r.Features, tag)
}

func cloneRecord(r *LicenseRecord) *LicenseRecord {
	if r == nil {
		return nil
	}
	return &LicenseRecord{
		LicenseID:         r.LicenseID,
		AuthorizedDomains: slices.Clone(r.AuthorizedDomains),
		IssuedAt:          r.IssuedAt,
		Features:          slices.Clone(r.Features),
		SignaturePayload:  slices.Clone(r.SignaturePayload),
	}
}

// VerificationResult is the outcome of the most recent verification attempt.
// Record is nil when no valid record is held. After an unreachable attempt
// Record still carries the last confirmed record.
type VerificationResult struct {
	Record    *LicenseRecord
	CheckedAt time.Time
	Outcome   Outcome
	Reason    string
}

// Snapshot is the immutable unit swapped by the Store.
type Snapshot struct {
	Result VerificationResult
	// LastConfirmedAt never moves backwards. Zero means never confirmed.
	LastConfirmedAt time.Time
	// FirstSeenAt anchors the bootstrap grace window.
	FirstSeenAt time.Time

	domains DomainSet
}

// EverConfirmed reports whether the authority has confirmed the license at least once.
func (s Snapshot) EverConfirmed() bool {
	return !s.LastConfirmedAt.IsZero()
}

// Domains returns the compiled authorized-domain set of the current record.
func (s Snapshot) Domains() DomainSet {
	return s.domains
}

func initialResult() VerificationResult {
	return VerificationResult{
		CheckedAt: time.Unix(0, 0).UTC(),
		Outcome:   OutcomeUnreachable,
		Reason:    ReasonNotYetVerified,
	}
}
