// Package authority implements the remote license authorities the
// verification scheduler talks to.
package authority

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2sic/resizer/internal/config"
	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

// New builds the authority selected by cfg.Kind
func New(ctx context.Context, cfg config.AuthorityConfig, logger *slog.Logger) (license.Authority, error) {
	switch cfg.Kind {
	case "http":
		return NewHTTPAuthority(HTTPConfig{
			Endpoint:     cfg.Endpoint,
			SharedSecret: cfg.SharedSecret,
			UserAgent:    cfg.UserAgent,
			Timeout:      cfg.Timeout,
			Breaker:      cfg.Breaker,
		}, logger)
	case "sheets":
		return NewSheetsAuthority(ctx, cfg.Sheets)
	case "file":
		return NewFileAuthority(cfg.TokenFile), nil
	case "none", "":
		return Unconfigured{}, nil
	default:
		return nil, fmt.Errorf("unknown authority kind %q", cfg.Kind)
	}
}

// Unconfigured never reaches anyone. An enforcing deployment without an
// authority lives on bootstrap grace and is then refused.
type Unconfigured struct{}

// Verify always reports the authority as unreachable
func (Unconfigured) Verify(context.Context, string) (license.Reply, error) {
	return license.Reply{}, fmt.Errorf("%w: no authority configured", licenseErrors.ErrAuthorityUnreachable)
}

// recordFromToken decodes a license token into a record. The signature is
// checked later by the scheduler's verifier, so the claims are read unverified.
func recordFromToken(token string) (*license.LicenseRecord, error) {
	claims, err := security.DecodeClaims(token)
	if err != nil {
		return nil, err
	}

	record := &license.LicenseRecord{
		LicenseID:         claims.ID,
		AuthorizedDomains: claims.Domains,
		Features:          claims.Features,
		SignaturePayload:  []byte(token),
	}
	if claims.IssuedAt != nil {
		record.IssuedAt = claims.IssuedAt.Time
	}
	return record, nil
}
