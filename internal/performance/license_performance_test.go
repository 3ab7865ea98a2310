package performance

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2sic/resizer/internal/license"
	"github.com/2sic/resizer/internal/middleware"
	"github.com/2sic/resizer/internal/shared/testutil"
)

const maxCheckLatency = 50 * time.Millisecond

var policy = license.GracePolicy{GracePeriod: 7 * 24 * time.Hour, BootstrapGrace: 72 * time.Hour}

type fixture struct {
	auth      *testutil.ScriptedAuthority
	scheduler *license.Scheduler
	enforcer  *license.LicenseEnforcer
}

func newFixture(tb testing.TB) *fixture {
	tb.Helper()
	clock := testutil.NewFakeClock(testutil.T0)
	auth := testutil.NewScriptedAuthority()
	logger, _ := testutil.NewTestLogger(nil)

	s, err := license.NewScheduler(license.SchedulerConfig{
		LicenseID:       testutil.LicenseID,
		RefreshInterval: time.Hour,
		RetryBase:       time.Second,
		RetryMax:        time.Minute,
		AttemptTimeout:  10 * time.Second,
	}, auth, testutil.Verifier(tb), license.NewStore(clock.Now()),
		license.WithClock(clock),
		license.WithLogger(logger),
	)
	require.NoError(tb, err)

	e, err := license.NewLicenseEnforcer(license.EnforcerConfig{
		Enforce:        true,
		Policy:         policy,
		LoopbackExempt: true,
	}, s, clock, nil)
	require.NoError(tb, err)

	return &fixture{auth: auth, scheduler: s, enforcer: e}
}

func (f *fixture) confirm(tb testing.TB) {
	tb.Helper()
	f.auth.Confirm(testutil.Record(tb))
	_, ok := f.scheduler.RefreshNow(context.Background())
	require.True(tb, ok)
}

func TestCheckAccess_DoesNotWaitForRefresh(t *testing.T) {
	f := newFixture(t)
	f.confirm(t)

	release := make(chan struct{})
	f.auth.Block(release, testutil.Record(t))

	refreshed := make(chan bool, 1)
	go func() {
		_, ok := f.scheduler.RefreshNow(context.Background())
		refreshed <- ok
	}()

	require.Eventually(t, func() bool { return f.auth.Calls() == 2 }, time.Second, time.Millisecond,
		"refresh should be blocked inside the authority")

	var wg sync.WaitGroup
	var slow atomic.Int64
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			host := fmt.Sprintf("n%d.example.com", i)
			for range 1000 {
				start := time.Now()
				if f.enforcer.CheckAccess(host) != license.Permit {
					t.Errorf("unexpected decision for %s", host)
					return
				}
				if time.Since(start) > maxCheckLatency {
					slow.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, slow.Load(), "checks must not wait on the in-flight refresh")

	// A second manual refresh is skipped rather than queued
	_, ok := f.scheduler.RefreshNow(context.Background())
	assert.False(t, ok)

	close(release)
	select {
	case ok := <-refreshed:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("refresh did not finish after release")
	}
}

func BenchmarkCheckAccess(b *testing.B) {
	f := newFixture(b)
	f.confirm(b)

	hosts := map[string]string{
		"exact":    "example.com",
		"wildcard": "img.cdn.example.com",
		"mismatch": "other.org",
		"loopback": "127.0.0.1",
	}
	for name, host := range hosts {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					_ = f.enforcer.CheckAccess(host)
				}
			})
		})
	}
}

func BenchmarkCheckAccess_Unconfirmed(b *testing.B) {
	f := newFixture(b)
	b.ReportAllocs()
	for b.Loop() {
		_ = f.enforcer.CheckAccess("example.com")
	}
}

func BenchmarkLicenseGate(b *testing.B) {
	f := newFixture(b)
	f.confirm(b)

	logger, _ := testutil.NewTestLogger(nil)
	gate := middleware.NewLicenseGate(f.enforcer, middleware.RefuseBlock, logger)
	handler := gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		req := httptest.NewRequest(http.MethodGet, "/images/photo.jpg?w=400", nil)
		req.Host = "cdn.example.com"
		for pb.Next() {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != http.StatusNoContent {
				b.Fatalf("unexpected status %d", w.Code)
			}
		}
	})
}
