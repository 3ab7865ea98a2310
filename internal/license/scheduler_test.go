package license

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	licenseErrors "github.com/2sic/resizer/internal/errors"
)

type SchedulerTestSuite struct {
	suite.Suite
	clock     *fakeClock
	authority *fakeAuthority
	store     *Store
	persister *memPersister
	scheduler *Scheduler
	cfg       SchedulerConfig
}

func (s *SchedulerTestSuite) SetupTest() {
	s.clock = newFakeClock(t0)
	s.cfg = testSchedulerConfig()
	s.authority = &fakeAuthority{}
	s.authority.set(confirming(testRecord(s.cfg.LicenseID, "example.com")))
	s.store = NewStore(s.clock.Now())
	s.persister = &memPersister{}

	var err error
	s.scheduler, err = NewScheduler(s.cfg, s.authority, payloadVerifier{}, s.store,
		WithClock(s.clock),
		WithPersister(s.persister))
	s.Require().NoError(err)
}

func (s *SchedulerTestSuite) TearDownTest() {
	s.scheduler.Stop()
}

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) TestRefreshNow_Confirmed() {
	snap, ran := s.scheduler.RefreshNow(context.Background())

	s.True(ran)
	s.Equal(OutcomeConfirmed, snap.Result.Outcome)
	s.Equal(ReasonConfirmed, snap.Result.Reason)
	s.Equal(t0, snap.LastConfirmedAt)
	s.Require().NotNil(snap.Result.Record)
	s.Equal(s.cfg.LicenseID, snap.Result.Record.LicenseID)

	saved, saves := s.persister.saved()
	s.Equal(1, saves)
	s.Equal(OutcomeConfirmed, saved.Result.Outcome)
	s.NoError(s.scheduler.PersistStatus().LastError)
}

func (s *SchedulerTestSuite) TestRefreshNow_Denied() {
	s.scheduler.RefreshNow(context.Background())
	s.authority.set(denying("revoked"))
	s.clock.Advance(time.Hour)

	snap, ran := s.scheduler.RefreshNow(context.Background())

	s.True(ran)
	s.Equal(OutcomeDenied, snap.Result.Outcome)
	s.Equal(ReasonAuthorityDenied, snap.Result.Reason)
	s.Nil(snap.Result.Record)
	s.Equal(t0, snap.LastConfirmedAt)
	s.Equal(int64(0), s.scheduler.ConsecutiveFailures())
}

func (s *SchedulerTestSuite) TestRefreshNow_UnreachableKeepsRecord() {
	s.scheduler.RefreshNow(context.Background())
	s.authority.set(failing(errors.New("connection refused")))
	s.clock.Advance(time.Hour)

	snap, ran := s.scheduler.RefreshNow(context.Background())

	s.True(ran)
	s.Equal(OutcomeUnreachable, snap.Result.Outcome)
	s.Equal(ReasonUnreachable, snap.Result.Reason)
	s.Equal(t0.Add(time.Hour), snap.Result.CheckedAt)
	s.Require().NotNil(snap.Result.Record)
	s.Equal(s.cfg.LicenseID, snap.Result.Record.LicenseID)
	s.Equal(t0, snap.LastConfirmedAt)
	s.Equal(int64(1), s.scheduler.ConsecutiveFailures())
}

func (s *SchedulerTestSuite) TestRefreshNow_Timeout() {
	s.authority.set(func(ctx context.Context, _ string) (Reply, error) {
		<-ctx.Done()
		return Reply{}, ctx.Err()
	})
	s.scheduler.cfg.AttemptTimeout = 10 * time.Millisecond

	snap, ran := s.scheduler.RefreshNow(context.Background())

	s.True(ran)
	s.Equal(OutcomeUnreachable, snap.Result.Outcome)
	s.Equal(ReasonTimeout, snap.Result.Reason)
}

func (s *SchedulerTestSuite) TestRefreshNow_RecordChecks() {
	tests := []struct {
		name    string
		record  *LicenseRecord
		outcome Outcome
		reason  string
	}{
		{
			name: "bad signature",
			record: &LicenseRecord{
				LicenseID:        s.cfg.LicenseID,
				SignaturePayload: []byte("forged"),
			},
			outcome: OutcomeDenied,
			reason:  ReasonSignatureInvalid,
		},
		{
			name:    "other license id",
			record:  testRecord("LIC-9999-ZZZZ-YYYY", "example.com"),
			outcome: OutcomeDenied,
			reason:  ReasonLicenseIDMismatch,
		},
		{
			name:    "nil record",
			record:  nil,
			outcome: OutcomeUnreachable,
			reason:  ReasonMalformedReply,
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.authority.set(confirming(tt.record))
			snap, ran := s.scheduler.RefreshNow(context.Background())

			s.True(ran)
			s.Equal(tt.outcome, snap.Result.Outcome)
			s.Equal(tt.reason, snap.Result.Reason)
			s.False(snap.EverConfirmed())
			if tt.outcome == OutcomeDenied {
				s.Nil(snap.Result.Record)
			}
		})
	}
}

func (s *SchedulerTestSuite) TestRefreshNow_WrappedErrors() {
	s.authority.set(failing(fmt.Errorf("authority said: %w", licenseErrors.ErrLicenseDenied)))
	snap, _ := s.scheduler.RefreshNow(context.Background())
	s.Equal(OutcomeDenied, snap.Result.Outcome)
	s.Equal(ReasonAuthorityDenied, snap.Result.Reason)

	s.authority.set(failing(fmt.Errorf("token: %w", licenseErrors.ErrSignatureInvalid)))
	snap, _ = s.scheduler.RefreshNow(context.Background())
	s.Equal(OutcomeDenied, snap.Result.Outcome)
	s.Equal(ReasonSignatureInvalid, snap.Result.Reason)
}

func (s *SchedulerTestSuite) TestSingleFlight() {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	s.authority.set(func(ctx context.Context, _ string) (Reply, error) {
		entered <- struct{}{}
		<-release
		return Reply{Kind: ReplyRecord, Record: testRecord(s.cfg.LicenseID, "example.com")}, nil
	})

	var g errgroup.Group
	g.Go(func() error {
		_, ran := s.scheduler.RefreshNow(context.Background())
		if !ran {
			return errors.New("first attempt did not run")
		}
		return nil
	})
	<-entered

	var skipped atomic.Int64
	var others errgroup.Group
	for range 5 {
		others.Go(func() error {
			if _, ran := s.scheduler.RefreshNow(context.Background()); !ran {
				skipped.Add(1)
			}
			return nil
		})
	}
	s.Require().NoError(others.Wait())
	close(release)
	s.Require().NoError(g.Wait())

	s.Equal(int64(5), skipped.Load())
	s.Equal(int64(1), s.authority.calls.Load())
}

func (s *SchedulerTestSuite) TestCancelledResultIsDiscarded() {
	s.scheduler.RefreshNow(context.Background())
	before := s.store.Current()

	ctx, cancel := context.WithCancel(context.Background())
	s.authority.set(func(context.Context, string) (Reply, error) {
		cancel()
		return Reply{Kind: ReplyDenied}, nil
	})
	s.clock.Advance(time.Hour)

	snap, ran := s.scheduler.RefreshNow(ctx)

	s.False(ran)
	s.Equal(before.Result, snap.Result)
	s.Equal(OutcomeConfirmed, s.store.Current().Result.Outcome)
}

func (s *SchedulerTestSuite) TestObserversAndPersistFailure() {
	var seen []Outcome
	s.scheduler.observers = append(s.scheduler.observers, func(prev, next Snapshot) {
		seen = append(seen, next.Result.Outcome)
	}, func(prev, next Snapshot) {
		panic("observer bug")
	})
	s.persister.saveErr = errors.New("disk full")

	snap, ran := s.scheduler.RefreshNow(context.Background())

	s.True(ran)
	s.Equal(OutcomeConfirmed, snap.Result.Outcome)
	s.Equal([]Outcome{OutcomeConfirmed}, seen)
	status := s.scheduler.PersistStatus()
	s.True(status.Configured)
	s.EqualError(status.LastError, "disk full")
}

func (s *SchedulerTestSuite) TestStartRunsImmediately() {
	s.Require().NoError(s.scheduler.Start(context.Background()))
	s.True(s.scheduler.Running())
	s.Error(s.scheduler.Start(context.Background()))

	s.Eventually(func() bool {
		return s.store.Current().Result.Outcome == OutcomeConfirmed
	}, time.Second, 5*time.Millisecond)

	s.scheduler.Stop()
	s.False(s.scheduler.Running())
	s.Equal(int64(1), s.authority.calls.Load())
}

func (s *SchedulerTestSuite) TestBackoffAfterFailures() {
	s.authority.set(failing(errors.New("down")))

	s.Equal(time.Hour, s.scheduler.nextDelay())
	for _, want := range []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute} {
		s.scheduler.RefreshNow(context.Background())
		s.Equal(want, s.scheduler.nextDelay())
	}

	s.authority.set(confirming(testRecord(s.cfg.LicenseID)))
	s.scheduler.RefreshNow(context.Background())
	s.Equal(time.Hour, s.scheduler.nextDelay())
}

func (s *SchedulerTestSuite) TestRestore_Empty() {
	s.Require().NoError(s.scheduler.Restore(context.Background()))

	saved, saves := s.persister.saved()
	s.Equal(1, saves)
	s.Equal(t0, saved.FirstSeenAt)
}

func (s *SchedulerTestSuite) TestRestore_ValidRecord() {
	prior := confirmedSnapshot(t0.Add(-time.Hour))
	prior.Result.Record = testRecord(s.cfg.LicenseID, "example.com")
	prior.FirstSeenAt = t0.Add(-30 * 24 * time.Hour)
	s.persister.snap = &prior

	s.Require().NoError(s.scheduler.Restore(context.Background()))

	snap := s.store.Current()
	s.Equal(OutcomeConfirmed, snap.Result.Outcome)
	s.Equal(t0.Add(-time.Hour), snap.LastConfirmedAt)
	s.Equal(t0.Add(-30*24*time.Hour), snap.FirstSeenAt)
	s.True(NewDomainMatcher(false).MatchesSet(snap.Domains(), "example.com"))
}

func (s *SchedulerTestSuite) TestRestore_TamperedRecordDropped() {
	prior := confirmedSnapshot(t0.Add(-time.Hour))
	prior.Result.Record = testRecord(s.cfg.LicenseID, "example.com")
	prior.Result.Record.SignaturePayload = []byte("edited")
	prior.FirstSeenAt = t0.Add(-10 * 24 * time.Hour)
	s.persister.snap = &prior

	s.Require().NoError(s.scheduler.Restore(context.Background()))

	snap := s.store.Current()
	s.Nil(snap.Result.Record)
	s.Equal(OutcomeDenied, snap.Result.Outcome)
	s.Equal(ReasonSignatureInvalid, snap.Result.Reason)
	s.Equal(t0.Add(-time.Hour), snap.LastConfirmedAt, "confirmation time survives a rejected record")
	s.Equal(t0.Add(-10*24*time.Hour), snap.FirstSeenAt)

	state := Evaluate(snap, true, s.clock.Now(), testPolicy)
	s.Equal(StateGracePeriod, state.Kind)
	s.Equal(testPolicy.GracePeriod-time.Hour, state.Remaining)
}

func (s *SchedulerTestSuite) TestRestore_LastConfirmedAtNeverMovesBack() {
	prior := confirmedSnapshot(t0.Add(-2 * time.Hour))
	prior.Result.Record = testRecord(s.cfg.LicenseID, "example.com")
	prior.FirstSeenAt = t0.Add(-10 * 24 * time.Hour)
	s.persister.snap = &prior

	tests := []struct {
		name    string
		respond func(context.Context, string) (Reply, error)
	}{
		{"denied", denying("revoked")},
		{"unreachable", failing(errors.New("connection refused"))},
		{"signature invalid", confirming(&LicenseRecord{LicenseID: s.cfg.LicenseID, SignaturePayload: []byte("edited")})},
	}

	s.Require().NoError(s.scheduler.Restore(context.Background()))
	s.Equal(t0.Add(-2*time.Hour), s.store.Current().LastConfirmedAt)

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.authority.set(tt.respond)
			s.clock.Advance(time.Hour)

			snap, ran := s.scheduler.RefreshNow(context.Background())
			s.True(ran)
			s.NotEqual(OutcomeConfirmed, snap.Result.Outcome)
			s.Equal(t0.Add(-2*time.Hour), snap.LastConfirmedAt)

			saved, _ := s.persister.saved()
			s.Equal(t0.Add(-2*time.Hour), saved.LastConfirmedAt)
		})
	}
}

func (s *SchedulerTestSuite) TestRestore_FutureTimestampsClamped() {
	prior := confirmedSnapshot(t0.Add(48 * time.Hour))
	prior.Result.Record = testRecord(s.cfg.LicenseID, "example.com")
	prior.FirstSeenAt = t0.Add(24 * time.Hour)
	s.persister.snap = &prior

	s.Require().NoError(s.scheduler.Restore(context.Background()))

	snap := s.store.Current()
	s.Equal(t0, snap.LastConfirmedAt)
	s.Equal(t0, snap.FirstSeenAt)
	s.Equal(t0, snap.Result.CheckedAt)
}

func (s *SchedulerTestSuite) TestRestore_Corrupted() {
	s.persister.loadErr = fmt.Errorf("decode: %w", licenseErrors.ErrStateCorrupted)

	err := s.scheduler.Restore(context.Background())

	s.ErrorIs(err, licenseErrors.ErrStateCorrupted)
	_, saves := s.persister.saved()
	s.Equal(1, saves)
}

func TestNewScheduler_Misconfigured(t *testing.T) {
	cfg := testSchedulerConfig()
	store := NewStore(t0)
	authority := &fakeAuthority{}

	_, err := NewScheduler(cfg, nil, payloadVerifier{}, store)
	assert.ErrorIs(t, err, licenseErrors.ErrEnforcerMisconfigured)

	_, err = NewScheduler(cfg, authority, nil, store)
	assert.ErrorIs(t, err, licenseErrors.ErrEnforcerMisconfigured)

	_, err = NewScheduler(cfg, authority, payloadVerifier{}, nil)
	assert.ErrorIs(t, err, licenseErrors.ErrEnforcerMisconfigured)

	cfg.RefreshInterval = 0
	_, err = NewScheduler(cfg, authority, payloadVerifier{}, store)
	assert.ErrorIs(t, err, licenseErrors.ErrEnforcerMisconfigured)
}

// Unreachable for half the grace period, then confirmed again.
func TestScenario_OutageWithinGrace(t *testing.T) {
	clock := newFakeClock(t0)
	cfg := testSchedulerConfig()
	authority := &fakeAuthority{}
	authority.set(confirming(testRecord(cfg.LicenseID, "example.com")))
	store := NewStore(clock.Now())

	scheduler, err := NewScheduler(cfg, authority, payloadVerifier{}, store, WithClock(clock))
	require.NoError(t, err)
	enforcer, err := NewLicenseEnforcer(EnforcerConfig{Enforce: true, Policy: testPolicy}, scheduler, clock, nil)
	require.NoError(t, err)

	scheduler.RefreshNow(context.Background())
	assert.Equal(t, Permit, enforcer.CheckAccess("example.com"))

	authority.set(failing(errors.New("network down")))
	clock.Advance(testPolicy.GracePeriod / 2)
	scheduler.RefreshNow(context.Background())
	assert.Equal(t, Degrade, enforcer.CheckAccess("example.com"))

	authority.set(confirming(testRecord(cfg.LicenseID, "example.com")))
	scheduler.RefreshNow(context.Background())
	assert.Equal(t, Permit, enforcer.CheckAccess("example.com"))
}

// A fresh install that never reaches the authority.
func TestScenario_BootstrapExpires(t *testing.T) {
	clock := newFakeClock(t0)
	cfg := testSchedulerConfig()
	authority := &fakeAuthority{}
	authority.set(failing(errors.New("no route to host")))
	store := NewStore(clock.Now())

	scheduler, err := NewScheduler(cfg, authority, payloadVerifier{}, store, WithClock(clock))
	require.NoError(t, err)
	enforcer, err := NewLicenseEnforcer(EnforcerConfig{Enforce: true, Policy: testPolicy}, scheduler, clock, nil)
	require.NoError(t, err)

	scheduler.RefreshNow(context.Background())
	assert.Equal(t, Degrade, enforcer.CheckAccess("example.com"))

	clock.Advance(72 * time.Hour)
	assert.Equal(t, Degrade, enforcer.CheckAccess("example.com"))

	clock.Advance(time.Second)
	assert.Equal(t, Refuse, enforcer.CheckAccess("example.com"))
}
