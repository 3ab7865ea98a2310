package license

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	licenseErrors "github.com/2sic/resizer/internal/errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeAuthority returns whatever respond yields and counts calls.
type fakeAuthority struct {
	mu      sync.Mutex
	respond func(ctx context.Context, licenseID string) (Reply, error)
	calls   atomic.Int64
}

func (a *fakeAuthority) Verify(ctx context.Context, licenseID string) (Reply, error) {
	a.calls.Add(1)
	a.mu.Lock()
	respond := a.respond
	a.mu.Unlock()
	return respond(ctx, licenseID)
}

func (a *fakeAuthority) set(respond func(ctx context.Context, licenseID string) (Reply, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.respond = respond
}

func confirming(record *LicenseRecord) func(context.Context, string) (Reply, error) {
	return func(context.Context, string) (Reply, error) {
		return Reply{Kind: ReplyRecord, Record: record}, nil
	}
}

func denying(reason string) func(context.Context, string) (Reply, error) {
	return func(context.Context, string) (Reply, error) {
		return Reply{Kind: ReplyDenied, Reason: reason}, nil
	}
}

func failing(err error) func(context.Context, string) (Reply, error) {
	return func(context.Context, string) (Reply, error) {
		return Reply{}, err
	}
}

// payloadVerifier accepts payloads equal to "signed".
type payloadVerifier struct{}

func (payloadVerifier) Verify(payload []byte) bool {
	return string(payload) == "signed"
}

type memPersister struct {
	mu      sync.Mutex
	snap    *Snapshot
	loadErr error
	saveErr error
	saves   int
}

func (p *memPersister) Load(context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return Snapshot{}, p.loadErr
	}
	if p.snap == nil {
		return Snapshot{}, licenseErrors.ErrNoPersistedState
	}
	return *p.snap, nil
}

func (p *memPersister) Save(_ context.Context, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.snap = &snap
	return nil
}

func (p *memPersister) saved() (Snapshot, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap == nil {
		return Snapshot{}, p.saves
	}
	return *p.snap, p.saves
}

func testRecord(id string, domains ...string) *LicenseRecord {
	return &LicenseRecord{
		LicenseID:         id,
		AuthorizedDomains: domains,
		IssuedAt:          t0.Add(-24 * time.Hour),
		Features:          []string{"webp", "avif"},
		SignaturePayload:  []byte("signed"),
	}
}

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		LicenseID:       "LIC-0001-ABCD-EFGH",
		RefreshInterval: time.Hour,
		RetryBase:       time.Minute,
		RetryMax:        time.Hour,
		AttemptTimeout:  time.Second,
	}
}

var testPolicy = GracePolicy{
	GracePeriod:    7 * 24 * time.Hour,
	BootstrapGrace: 72 * time.Hour,
}
