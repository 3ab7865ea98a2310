package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	licenseErrors "github.com/2sic/resizer/internal/errors"
	"github.com/2sic/resizer/internal/infrastructure"
)

// Refresh triggers
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerStartup   = "startup"
)

const persistTimeout = 5 * time.Second

// ReplyKind tells a record reply from a denial.
type ReplyKind int

const (
	ReplyRecord ReplyKind = iota + 1
	ReplyDenied
)

// Reply is what an authority answered. A transport failure is an error, not a Reply.
type Reply struct {
	Kind   ReplyKind
	Record *LicenseRecord
	// Reason is the authority's own explanation of a denial, for logs only.
	Reason string
}

// Authority confirms or denies a license id. Any error means the authority
// could not be reached.
type Authority interface {
	Verify(ctx context.Context, licenseID string) (Reply, error)
}

// SignatureVerifier checks the signed payload a record was decoded from.
type SignatureVerifier interface {
	Verify(payload []byte) bool
}

// Persister saves and loads the snapshot across restarts. Load returns
// ErrNoPersistedState when nothing has been saved yet.
type Persister interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// SnapshotSource is the read side of the engine used by the facade.
type SnapshotSource interface {
	Current() Snapshot
}

// Observer is called after every stored verification result. It runs on the
// scheduler goroutine and must not block.
type Observer func(prev, next Snapshot)

// SchedulerConfig holds the verification cadence.
type SchedulerConfig struct {
	LicenseID       string
	RefreshInterval time.Duration
	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryJitter     time.Duration
	AttemptTimeout  time.Duration
}

// PersistStatus reports the result of the last write to storage.
type PersistStatus struct {
	Configured bool
	LastSaveAt time.Time
	LastError  error
}

// SchedulerOption configures optional scheduler collaborators
type SchedulerOption func(*Scheduler)

// WithPersister saves every stored result through p
func WithPersister(p Persister) SchedulerOption {
	return func(s *Scheduler) { s.persister = p }
}

// WithClock replaces the wall clock
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the scheduler's logger
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = newActionLogger(l, "license_scheduler") }
}

// WithMetrics records refresh metrics on m
func WithMetrics(m *Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithObserver adds an observer notified after each stored result
func WithObserver(o Observer) SchedulerOption {
	return func(s *Scheduler) { s.observers = append(s.observers, o) }
}

// Scheduler periodically asks the authority about the license and publishes
// the result to the store. At most one verification is in flight.
type Scheduler struct {
	cfg       SchedulerConfig
	authority Authority
	verifier  SignatureVerifier
	store     *Store
	persister Persister
	clock     Clock
	log       actionLogger
	metrics   *Metrics
	observers []Observer

	guard    *semaphore.Weighted
	failures atomic.Int64
	persist  atomic.Pointer[PersistStatus]

	reportedMu sync.Mutex
	reported   map[string]struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler wires a scheduler. It does not start it.
func NewScheduler(cfg SchedulerConfig, authority Authority, verifier SignatureVerifier, store *Store, opts ...SchedulerOption) (*Scheduler, error) {
	switch {
	case authority == nil:
		return nil, fmt.Errorf("%w: scheduler needs an authority", licenseErrors.ErrEnforcerMisconfigured)
	case verifier == nil:
		return nil, fmt.Errorf("%w: scheduler needs a signature verifier", licenseErrors.ErrEnforcerMisconfigured)
	case store == nil:
		return nil, fmt.Errorf("%w: scheduler needs a store", licenseErrors.ErrEnforcerMisconfigured)
	case cfg.RefreshInterval <= 0 || cfg.AttemptTimeout <= 0:
		return nil, fmt.Errorf("%w: refresh interval and attempt timeout must be positive", licenseErrors.ErrEnforcerMisconfigured)
	}

	s := &Scheduler{
		cfg:       cfg,
		authority: authority,
		verifier:  verifier,
		store:     store,
		clock:     SystemClock{},
		log:       newActionLogger(nil, "license_scheduler"),
		guard:     semaphore.NewWeighted(1),
		reported:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.persist.Store(&PersistStatus{Configured: s.persister != nil})

	return s, nil
}

// Current returns the latest snapshot without blocking.
func (s *Scheduler) Current() Snapshot {
	return s.store.Current()
}

// Start launches the background loop. The first attempt runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return errors.New("license scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(runCtx, s.done)

	s.log.logInfo(ctx, "start", "License scheduler started",
		slog.Duration("refresh_interval", s.cfg.RefreshInterval),
		slog.Duration("retry_base", s.cfg.RetryBase),
		slog.Duration("retry_max", s.cfg.RetryMax))
	return nil
}

// Stop cancels the loop and waits for it to exit. An attempt in flight is
// abandoned and its result discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.log.logInfo(context.Background(), "stop", "License scheduler stopped")
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// RefreshNow runs one verification outside the schedule. It reports false
// when another attempt was already in flight or ctx ended first; the
// returned snapshot is then the unchanged current one.
func (s *Scheduler) RefreshNow(ctx context.Context) (Snapshot, bool) {
	return s.attempt(ctx, TriggerManual)
}

// PersistStatus returns the outcome of the last save.
func (s *Scheduler) PersistStatus() PersistStatus {
	return *s.persist.Load()
}

// ConsecutiveFailures is the number of unreachable attempts since the last answer.
func (s *Scheduler) ConsecutiveFailures() int64 {
	return s.failures.Load()
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(0)
	defer timer.Stop()

	trigger := TriggerStartup
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.attempt(ctx, trigger)
			trigger = TriggerScheduled
			timer.Reset(s.nextDelay())
		}
	}
}

func (s *Scheduler) nextDelay() time.Duration {
	failures := s.failures.Load()
	if failures == 0 {
		return withJitter(s.cfg.RefreshInterval, s.cfg.RetryJitter)
	}
	return withJitter(exponentialBackoff(s.cfg.RetryBase, s.cfg.RetryMax, failures), s.cfg.RetryJitter)
}

func (s *Scheduler) attempt(ctx context.Context, trigger string) (Snapshot, bool) {
	if !s.guard.TryAcquire(1) {
		s.metrics.recordSkipped(ctx, trigger)
		s.log.logDebug(ctx, "refresh", "Verification already in flight, skipping",
			slog.String("trigger", trigger))
		return s.store.Current(), false
	}
	defer s.guard.Release(1)

	ctx = infrastructure.EnsureTraceID(ctx)
	prev := s.store.Current()
	start := time.Now()

	result := traceRefresh(ctx, s.cfg.LicenseID, trigger, func(ctx context.Context) VerificationResult {
		return s.verifyOnce(ctx, prev)
	})
	duration := time.Since(start)

	if ctx.Err() != nil {
		s.log.logDebug(ctx, "refresh", "Verification result discarded after cancellation",
			slog.String("trigger", trigger),
			slog.String("outcome", result.Outcome.String()))
		return s.store.Current(), false
	}

	next := s.store.Put(result)
	if result.Outcome == OutcomeUnreachable {
		s.failures.Add(1)
	} else {
		s.failures.Store(0)
	}

	s.save(ctx, next)
	s.metrics.recordRefresh(ctx, trigger, result, duration)
	s.logResult(ctx, trigger, prev, next, duration)
	s.notify(ctx, prev, next)

	return next, true
}

func (s *Scheduler) verifyOnce(ctx context.Context, prev Snapshot) VerificationResult {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.AttemptTimeout)
	defer cancel()

	reply, err := s.authority.Verify(attemptCtx, s.cfg.LicenseID)
	now := s.clock.Now()

	if err != nil {
		infrastructure.RecordError(ctx, err)
		outcome, reason := classifyAuthorityError(err)
		if outcome == OutcomeUnreachable && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		s.log.logWarn(ctx, "verify", "License authority call failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()))

		result := VerificationResult{CheckedAt: now, Outcome: outcome, Reason: reason}
		if outcome == OutcomeUnreachable {
			result.Record = prev.Result.Record
		}
		return result
	}

	switch reply.Kind {
	case ReplyDenied:
		s.log.logWarn(ctx, "verify", "License denied by authority",
			slog.String("authority_reason", reply.Reason))
		return VerificationResult{CheckedAt: now, Outcome: OutcomeDenied, Reason: ReasonAuthorityDenied}
	case ReplyRecord:
		if reply.Record == nil {
			break
		}
		if outcome, reason := s.checkRecord(ctx, reply.Record); outcome != OutcomeConfirmed {
			return VerificationResult{CheckedAt: now, Outcome: outcome, Reason: reason}
		}
		return VerificationResult{
			Record:    reply.Record,
			CheckedAt: now,
			Outcome:   OutcomeConfirmed,
			Reason:    ReasonConfirmed,
		}
	}

	s.log.logWarn(ctx, "verify", "Malformed authority reply",
		slog.Int("reply_kind", int(reply.Kind)))
	return VerificationResult{
		Record:    prev.Result.Record,
		CheckedAt: now,
		Outcome:   OutcomeUnreachable,
		Reason:    ReasonMalformedReply,
	}
}

// checkRecord decides whether a record can be trusted for domain authorization.
func (s *Scheduler) checkRecord(ctx context.Context, record *LicenseRecord) (Outcome, string) {
	if !s.verifier.Verify(record.SignaturePayload) {
		s.log.logWarn(ctx, "verify", "License record signature rejected", licenseAttrs(record.LicenseID)...)
		return OutcomeDenied, ReasonSignatureInvalid
	}
	if record.LicenseID != s.cfg.LicenseID {
		attrs := append(licenseAttrs(s.cfg.LicenseID),
			slog.String("record_license_id_masked", MaskLicenseID(record.LicenseID)))
		s.log.logWarn(ctx, "verify", "License record issued for another license id", attrs...)
		return OutcomeDenied, ReasonLicenseIDMismatch
	}

	_, errs := ParsePatterns(record.AuthorizedDomains)
	s.reportPatterns(ctx, errs)

	return OutcomeConfirmed, ReasonConfirmed
}

// reportPatterns logs each invalid domain pattern once per process.
func (s *Scheduler) reportPatterns(ctx context.Context, errs []error) {
	s.reportedMu.Lock()
	defer s.reportedMu.Unlock()

	for _, err := range errs {
		msg := err.Error()
		if _, seen := s.reported[msg]; seen {
			continue
		}
		s.reported[msg] = struct{}{}
		s.log.logWarn(ctx, "parse_domains", "Skipping invalid authorized domain pattern",
			slog.String("error", msg))
	}
}

func (s *Scheduler) save(ctx context.Context, snap Snapshot) {
	if s.persister == nil {
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := s.persister.Save(saveCtx, snap)
	s.persist.Store(&PersistStatus{Configured: true, LastSaveAt: s.clock.Now(), LastError: err})
	if err != nil {
		s.metrics.recordPersistFailure(ctx)
		s.log.logError(ctx, "persist", "Failed to persist license state",
			slog.String("error", err.Error()))
	}
}

func (s *Scheduler) notify(ctx context.Context, prev, next Snapshot) {
	for _, observer := range s.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.logError(ctx, "notify", "License observer panicked",
						slog.Any("panic", r))
				}
			}()
			observer(prev, next)
		}()
	}
}

func (s *Scheduler) logResult(ctx context.Context, trigger string, prev, next Snapshot, duration time.Duration) {
	attrs := append(licenseAttrs(s.cfg.LicenseID),
		slog.String("trigger", trigger),
		slog.String("outcome", next.Result.Outcome.String()),
		slog.String("reason", next.Result.Reason),
		slog.Duration("duration", duration),
		slog.Int64("consecutive_failures", s.failures.Load()))

	if prev.Result.Outcome != next.Result.Outcome {
		attrs = append(attrs, slog.String("previous_outcome", prev.Result.Outcome.String()))
		s.log.logInfo(ctx, "refresh", "License verification outcome changed", attrs...)
		return
	}
	s.log.logDebug(ctx, "refresh", "License verification completed", attrs...)
}

// Restore seeds the store from the persister. Persisted records are
// verified again before they are trusted; a record that fails is dropped and
// the result reads as denied. LastConfirmedAt is kept either way, so grace
// accounting survives a restart. Timestamps ahead of the clock are pulled
// back to now.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	snap, err := s.persister.Load(ctx)
	switch {
	case errors.Is(err, licenseErrors.ErrNoPersistedState):
		s.log.logInfo(ctx, "restore", "No persisted license state, starting fresh")
		s.save(ctx, s.store.Current())
		return nil
	case errors.Is(err, licenseErrors.ErrStateCorrupted):
		s.log.logError(ctx, "restore", "Persisted license state is corrupted, replacing it",
			slog.String("error", err.Error()))
		s.save(ctx, s.store.Current())
		return fmt.Errorf("restore license state: %w", err)
	case err != nil:
		s.log.logError(ctx, "restore", "Failed to load persisted license state",
			slog.String("error", err.Error()))
		return fmt.Errorf("restore license state: %w", err)
	}

	restored := s.store.Restore(s.sanitize(ctx, snap))
	s.log.logInfo(ctx, "restore", "License state restored",
		slog.String("outcome", restored.Result.Outcome.String()),
		slog.String("reason", restored.Result.Reason),
		slog.Time("last_confirmed_at", restored.LastConfirmedAt),
		slog.Time("first_seen_at", restored.FirstSeenAt))
	return nil
}

func (s *Scheduler) sanitize(ctx context.Context, snap Snapshot) Snapshot {
	now := s.clock.Now()

	if snap.FirstSeenAt.IsZero() {
		snap.FirstSeenAt = s.store.Current().FirstSeenAt
	}
	snap.FirstSeenAt = clampToNow(snap.FirstSeenAt, now)
	snap.LastConfirmedAt = clampToNow(snap.LastConfirmedAt, now)
	snap.Result.CheckedAt = clampToNow(snap.Result.CheckedAt, now)

	record := snap.Result.Record
	if record == nil {
		if snap.Result.Outcome == OutcomeConfirmed {
			snap.Result.Outcome = OutcomeUnreachable
			snap.Result.Reason = ReasonMalformedReply
		}
		return snap
	}

	outcome, reason := s.checkRecord(ctx, record)
	if outcome == OutcomeConfirmed {
		return snap
	}

	s.log.logWarn(ctx, "restore", "Dropping persisted license record that failed verification",
		slog.String("reason", reason))
	snap.Result = VerificationResult{
		CheckedAt: snap.Result.CheckedAt,
		Outcome:   OutcomeDenied,
		Reason:    reason,
	}
	return snap
}

func clampToNow(t, now time.Time) time.Time {
	if t.After(now) {
		return now
	}
	return t
}

// classifyAuthorityError maps an authority error to an outcome and reason.
// Errors wrapping a denial or signature failure count as answers, anything
// else means the authority was not reached.
func classifyAuthorityError(err error) (Outcome, string) {
	switch {
	case errors.Is(err, licenseErrors.ErrLicenseDenied):
		return OutcomeDenied, ReasonAuthorityDenied
	case errors.Is(err, licenseErrors.ErrSignatureInvalid):
		return OutcomeDenied, ReasonSignatureInvalid
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeUnreachable, ReasonTimeout
	default:
		return OutcomeUnreachable, ReasonUnreachable
	}
}
