package license

import (
	"sync/atomic"
	"time"
)

// Store holds the latest verification snapshot. Writers replace the snapshot
// wholesale with a compare-and-swap, so readers never take a lock and never
// observe a partially updated value.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore returns a store in the initial state: no record, checked at the
// Unix epoch, outcome unreachable, first seen at firstSeen.
func NewStore(firstSeen time.Time) *Store {
	s := &Store{}
	s.current.Store(&Snapshot{
		Result:      initialResult(),
		FirstSeenAt: firstSeen,
	})
	return s
}

// Current returns the latest snapshot. It never blocks.
func (s *Store) Current() Snapshot {
	return *s.current.Load()
}

// Put records a new verification result and returns the resulting snapshot.
// LastConfirmedAt only advances on a confirmed result newer than the one held.
func (s *Store) Put(result VerificationResult) Snapshot {
	result.Record = cloneRecord(result.Record)

	var domains DomainSet
	if result.Record != nil {
		domains, _ = ParsePatterns(result.Record.AuthorizedDomains)
	}

	for {
		old := s.current.Load()
		next := &Snapshot{
			Result:          result,
			LastConfirmedAt: old.LastConfirmedAt,
			FirstSeenAt:     old.FirstSeenAt,
			domains:         domains,
		}
		if result.Outcome == OutcomeConfirmed && result.CheckedAt.After(old.LastConfirmedAt) {
			next.LastConfirmedAt = result.CheckedAt
		}
		if s.current.CompareAndSwap(old, next) {
			return *next
		}
	}
}

// Restore replaces the whole snapshot with persisted state. It is meant for
// startup, before the scheduler begins writing.
func (s *Store) Restore(snap Snapshot) Snapshot {
	snap.Result.Record = cloneRecord(snap.Result.Record)
	snap.domains = DomainSet{}
	if snap.Result.Record != nil {
		snap.domains, _ = ParsePatterns(snap.Result.Record.AuthorizedDomains)
	}
	s.current.Store(&snap)
	return snap
}
