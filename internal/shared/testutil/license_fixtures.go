package testutil

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/security"
)

// Fixed values used across engine tests
const (
	LicenseID    = "LIC-0001-ABCD-EFGH"
	TokenSecret  = "fixture-token-secret"
	PrimaryHost  = "example.com"
	WildcardHost = "*.example.com"
)

// T0 is the reference instant fixtures start from
var T0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// FakeClock is a license.Clock moved by hand
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts the clock at now
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

// Now implements license.Clock
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t, backwards included
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// ScriptedAuthority answers with whatever Respond is currently set to
type ScriptedAuthority struct {
	mu      sync.Mutex
	respond func(ctx context.Context, licenseID string) (license.Reply, error)
	calls   atomic.Int64
}

// NewScriptedAuthority starts out unreachable
func NewScriptedAuthority() *ScriptedAuthority {
	a := &ScriptedAuthority{}
	a.Unreachable()
	return a
}

// Verify implements license.Authority
func (a *ScriptedAuthority) Verify(ctx context.Context, licenseID string) (license.Reply, error) {
	a.calls.Add(1)
	a.mu.Lock()
	respond := a.respond
	a.mu.Unlock()
	return respond(ctx, licenseID)
}

// Calls is the number of Verify calls so far
func (a *ScriptedAuthority) Calls() int64 {
	return a.calls.Load()
}

// Respond replaces the answer function
func (a *ScriptedAuthority) Respond(fn func(ctx context.Context, licenseID string) (license.Reply, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.respond = fn
}

// Confirm answers with record
func (a *ScriptedAuthority) Confirm(record *license.LicenseRecord) {
	a.Respond(func(context.Context, string) (license.Reply, error) {
		return license.Reply{Kind: license.ReplyRecord, Record: record}, nil
	})
}

// Deny answers with an authoritative denial
func (a *ScriptedAuthority) Deny(reason string) {
	a.Respond(func(context.Context, string) (license.Reply, error) {
		return license.Reply{Kind: license.ReplyDenied, Reason: reason}, nil
	})
}

// Unreachable fails every call as a network error would
func (a *ScriptedAuthority) Unreachable() {
	a.Respond(func(context.Context, string) (license.Reply, error) {
		return license.Reply{}, licenseErrors.ErrAuthorityUnreachable
	})
}

// Block holds every call until ctx ends or release is closed, then confirms
// with record.
func (a *ScriptedAuthority) Block(release <-chan struct{}, record *license.LicenseRecord) {
	a.Respond(func(ctx context.Context, _ string) (license.Reply, error) {
		select {
		case <-release:
			return license.Reply{Kind: license.ReplyRecord, Record: record}, nil
		case <-ctx.Done():
			return license.Reply{}, ctx.Err()
		}
	})
}

// IssueToken signs a license token with TokenSecret
func IssueToken(t testing.TB, id string, issuedAt time.Time, domains ...string) string {
	t.Helper()
	token, err := security.NewHMACIssuer([]byte(TokenSecret)).Issue(security.LicenseClaims{
		Domains:  domains,
		Features: []string{"webp"},
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
	})
	require.NoError(t, err)
	return token
}

// Record builds a signed license record as an authority would return it
func Record(t testing.TB, domains ...string) *license.LicenseRecord {
	t.Helper()
	if len(domains) == 0 {
		domains = []string{PrimaryHost, WildcardHost}
	}
	issued := time.Now().Add(-time.Hour).Truncate(time.Second)
	return &license.LicenseRecord{
		LicenseID:         LicenseID,
		AuthorizedDomains: domains,
		IssuedAt:          issued,
		Features:          []string{"webp"},
		SignaturePayload:  []byte(IssueToken(t, LicenseID, issued, domains...)),
	}
}

// Verifier checks tokens signed by IssueToken
func Verifier(t testing.TB) *security.TokenVerifier {
	t.Helper()
	v, err := security.NewTokenVerifier(security.SchemeHMAC, "", TokenSecret)
	require.NoError(t, err)
	return v
}

// WriteTokenFile writes a token for the file authority and returns its path
func WriteTokenFile(t testing.TB, dir, token string) string {
	t.Helper()
	path := filepath.Join(dir, "license.jwt")
	require.NoError(t, os.WriteFile(path, []byte(token+"\n"), 0o600))
	return path
}

// FastEncryption keeps scrypt cheap enough for tests
func FastEncryption() *security.EncryptionConfig {
	cfg := security.DefaultEncryptionConfig()
	cfg.SCryptN = 1024
	return cfg
}
