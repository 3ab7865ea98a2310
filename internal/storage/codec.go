package storage

import (
	"encoding/json"
	"fmt"
	"time"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

// documentVersion is bumped whenever the stored layout changes
const documentVersion = 1

type recordDocument struct {
	LicenseID         string    `json:"license_id"`
	AuthorizedDomains []string  `json:"authorized_domains"`
	IssuedAt          time.Time `json:"issued_at"`
	Features          []string  `json:"features,omitempty"`
	SignaturePayload  []byte    `json:"signature_payload"`
}

type stateDocument struct {
	Version         int             `json:"version"`
	Record          *recordDocument `json:"record,omitempty"`
	CheckedAt       time.Time       `json:"checked_at"`
	Outcome         license.Outcome `json:"outcome"`
	Reason          string          `json:"reason,omitempty"`
	LastConfirmedAt time.Time       `json:"last_confirmed_at"`
	FirstSeenAt     time.Time       `json:"first_seen_at"`
}

// encodeSnapshot serializes snap, sealing it when c is set
func encodeSnapshot(snap license.Snapshot, c *security.StateCipher) ([]byte, error) {
	doc := stateDocument{
		Version:         documentVersion,
		CheckedAt:       snap.Result.CheckedAt,
		Outcome:         snap.Result.Outcome,
		Reason:          snap.Result.Reason,
		LastConfirmedAt: snap.LastConfirmedAt,
		FirstSeenAt:     snap.FirstSeenAt,
	}
	if r := snap.Result.Record; r != nil {
		doc.Record = &recordDocument{
			LicenseID:         r.LicenseID,
			AuthorizedDomains: r.AuthorizedDomains,
			IssuedAt:          r.IssuedAt,
			Features:          r.Features,
			SignaturePayload:  r.SignaturePayload,
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal license state: %w", err)
	}
	if c == nil {
		return data, nil
	}

	payload, err := c.Seal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to seal license state: %w", err)
	}
	return json.Marshal(payload)
}

// decodeSnapshot reverses encodeSnapshot. Every failure wraps ErrStateCorrupted.
func decodeSnapshot(data []byte, c *security.StateCipher) (license.Snapshot, error) {
	if c != nil {
		var payload security.EncryptedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return license.Snapshot{}, fmt.Errorf("%w: %v", licenseErrors.ErrStateCorrupted, err)
		}
		plain, err := c.Open(&payload)
		if err != nil {
			return license.Snapshot{}, fmt.Errorf("%w: %v", licenseErrors.ErrStateCorrupted, err)
		}
		data = plain
	}

	var doc stateDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return license.Snapshot{}, fmt.Errorf("%w: %v", licenseErrors.ErrStateCorrupted, err)
	}
	if doc.Version != documentVersion {
		return license.Snapshot{}, fmt.Errorf("%w: unsupported document version %d", licenseErrors.ErrStateCorrupted, doc.Version)
	}

	snap := license.Snapshot{
		Result: license.VerificationResult{
			CheckedAt: doc.CheckedAt,
			Outcome:   doc.Outcome,
			Reason:    doc.Reason,
		},
		LastConfirmedAt: doc.LastConfirmedAt,
		FirstSeenAt:     doc.FirstSeenAt,
	}
	if r := doc.Record; r != nil {
		snap.Result.Record = &license.LicenseRecord{
			LicenseID:         r.LicenseID,
			AuthorizedDomains: r.AuthorizedDomains,
			IssuedAt:          r.IssuedAt,
			Features:          r.Features,
			SignaturePayload:  r.SignaturePayload,
		}
	}
	return snap, nil
}
