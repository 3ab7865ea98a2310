package websocket

import (
	"time"

	"github.com/2sic/resizer/internal/license"
)

// StateEvent is broadcast after every verification attempt
type StateEvent struct {
	Outcome   license.Outcome `json:"outcome"`
	Reason    string          `json:"reason"`
	CheckedAt time.Time       `json:"checked_at"`
	Status    license.Status  `json:"status"`
}

// TransitionEvent is broadcast when the verification outcome changes
type TransitionEvent struct {
	From      license.Outcome `json:"from"`
	To        license.Outcome `json:"to"`
	Reason    string          `json:"reason"`
	CheckedAt time.Time       `json:"checked_at"`
}

// LicenseObserver adapts the hub to the scheduler's observer hook. status
// reports the enforcement view after the new snapshot is stored.
func (h *Hub) LicenseObserver(status func() license.Status) license.Observer {
	return func(prev, next license.Snapshot) {
		h.Broadcast(TypeLicenseState, StateEvent{
			Outcome:   next.Result.Outcome,
			Reason:    next.Result.Reason,
			CheckedAt: next.Result.CheckedAt,
			Status:    status(),
		})

		if prev.Result.Outcome != next.Result.Outcome {
			h.Broadcast(TypeLicenseTransition, TransitionEvent{
				From:      prev.Result.Outcome,
				To:        next.Result.Outcome,
				Reason:    next.Result.Reason,
				CheckedAt: next.Result.CheckedAt,
			})
		}
	}
}
