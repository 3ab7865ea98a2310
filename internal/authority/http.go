package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/2sic/resizer/internal/config"
	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/infrastructure"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures the HTTP authority
type HTTPConfig struct {
	Endpoint     string
	SharedSecret string
	UserAgent    string
	Timeout      time.Duration
	Breaker      config.BreakerConfig
}

// authorityResponse is the JSON body the authority answers with
type authorityResponse struct {
	Status string `json:"status"` // "valid" or "denied"
	Reason string `json:"reason,omitempty"`
	Token  string `json:"token,omitempty"`
}

// HTTPAuthority posts signed verification requests to a license server.
// Calls go through a circuit breaker; an open breaker reads as unreachable.
type HTTPAuthority struct {
	endpoint  string
	userAgent string
	client    *http.Client
	signer    *security.RequestSigner
	breaker   *gobreaker.CircuitBreaker
	logger    *slog.Logger
	now       func() time.Time
}

// NewHTTPAuthority validates the endpoint and creates the authority
func NewHTTPAuthority(cfg HTTPConfig, logger *slog.Logger) (*HTTPAuthority, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid authority endpoint %q", cfg.Endpoint)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("authority endpoint must use http or https, got %q", u.Scheme)
	}

	logger = infrastructure.WithComponent(logger, "license_authority")

	a := &HTTPAuthority{
		endpoint:  cfg.Endpoint,
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
		signer:    security.NewRequestSigner(cfg.SharedSecret),
		logger:    logger,
		now:       time.Now,
	}

	consecutive := cfg.Breaker.ConsecutiveFailures
	if consecutive == 0 {
		consecutive = 1
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "license-authority",
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutive
		},
		// Answers, even negative ones, prove the authority is up. A call
		// abandoned by its caller says nothing about the authority.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, licenseErrors.ErrSignatureInvalid) ||
				errors.Is(err, licenseErrors.ErrLicenseDenied) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Authority circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return a, nil
}

// CircuitState reports "closed", "half-open" or "open"
func (a *HTTPAuthority) CircuitState() string {
	return a.breaker.State().String()
}

// Verify asks the authority about licenseID
func (a *HTTPAuthority) Verify(ctx context.Context, licenseID string) (license.Reply, error) {
	if err := ctx.Err(); err != nil {
		return license.Reply{}, fmt.Errorf("%w: %w", licenseErrors.ErrAuthorityUnreachable, err)
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.call(ctx, licenseID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return license.Reply{}, fmt.Errorf("%w: %v", licenseErrors.ErrAuthorityUnreachable, err)
		}
		return license.Reply{}, err
	}
	return result.(license.Reply), nil
}

func (a *HTTPAuthority) call(ctx context.Context, licenseID string) (license.Reply, error) {
	requestID := uuid.New().String()

	signed, err := a.signer.NewSignedRequest(licenseID, requestID, a.now())
	if err != nil {
		return license.Reply{}, fmt.Errorf("%w: %v", licenseErrors.ErrAuthorityUnreachable, err)
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return license.Reply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return license.Reply{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return license.Reply{}, fmt.Errorf("%w: %w", licenseErrors.ErrAuthorityUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return license.Reply{}, fmt.Errorf("%w: reading response: %w", licenseErrors.ErrAuthorityUnreachable, err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusGone:
		var ar authorityResponse
		_ = json.Unmarshal(data, &ar)
		reason := ar.Reason
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return license.Reply{Kind: license.ReplyDenied, Reason: reason}, nil
	case resp.StatusCode != http.StatusOK:
		return license.Reply{}, fmt.Errorf("%w: unexpected status %d", licenseErrors.ErrAuthorityUnreachable, resp.StatusCode)
	}

	var ar authorityResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return license.Reply{}, fmt.Errorf("%w: malformed response: %v", licenseErrors.ErrAuthorityUnreachable, err)
	}

	switch strings.ToLower(ar.Status) {
	case "valid":
		record, err := recordFromToken(ar.Token)
		if err != nil {
			return license.Reply{}, err
		}
		return license.Reply{Kind: license.ReplyRecord, Record: record}, nil
	case "denied":
		return license.Reply{Kind: license.ReplyDenied, Reason: ar.Reason}, nil
	default:
		return license.Reply{}, fmt.Errorf("%w: unknown status %q", licenseErrors.ErrAuthorityUnreachable, ar.Status)
	}
}
