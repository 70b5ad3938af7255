// Package timer implements durable, persisted timers (C5): scheduled
// wake-ups (retry backoffs, heartbeat deadlines, phase timeouts) that
// survive a process restart and fire in (execute_at, id) order. Firing is
// at-least-once: a timer is marked Fired only after its callback returns,
// so a crash in between fires it again after the restart.
package timer

import (
	"context"
	"log/slog"
	"time"

	"github.com/antigravity-dev/beadforge/internal/beadcore"
)

// Timer is a single durable, scheduled wake-up.
type Timer struct {
	ID        beadcore.TimerID
	BeadID    beadcore.BeadID
	ExecuteAt time.Time
	Status    beadcore.TimerStatus
	Reason    string
	CreatedAt time.Time
	UpdatedAt time.Time
	FiredAt   *time.Time
}

// Store persists timer state. Implementations must make every method safe
// for concurrent use.
type Store interface {
	Schedule(ctx context.Context, beadID beadcore.BeadID, executeAt time.Time, reason string) (beadcore.TimerID, error)
	Cancel(ctx context.Context, id beadcore.TimerID) error
	// DueBefore returns every Pending timer whose ExecuteAt is <= at, in
	// (execute_at asc, id asc) order, matching spec.md's firing order.
	DueBefore(ctx context.Context, at time.Time) ([]Timer, error)
	// MarkFired transitions a timer to Fired. Firing an already-fired or
	// already-cancelled timer is a no-op, not an error: the scheduler's
	// fireDue pass must be safe to repeat for the same timer.
	MarkFired(ctx context.Context, id beadcore.TimerID, at time.Time) error
	// MarkFailed transitions a timer to Failed after its FireFunc callback
	// returned an error, so a permanently failing callback does not retry
	// forever against the same due timer.
	MarkFailed(ctx context.Context, id beadcore.TimerID, at time.Time) error
	// Pending returns every timer still in the Pending state, for recovery
	// on startup.
	Pending(ctx context.Context) ([]Timer, error)
	// Prune deletes Fired/Cancelled/Failed timers older than olderThan.
	Prune(ctx context.Context, olderThan time.Time) (int, error)
}

// FireFunc is invoked once per timer that becomes due. A non-nil error
// transitions the timer to Failed instead of Fired; the scheduler does not
// retry a fire on the caller's behalf — retry is the caller's
// responsibility via a new Schedule call, per spec.md's backoff policy.
type FireFunc func(ctx context.Context, t Timer) error

// Scheduler polls Store for due timers and invokes FireFunc for each.
type Scheduler struct {
	store    Store
	fire     FireFunc
	logger   *slog.Logger
	interval time.Duration
}

// NewScheduler constructs a Scheduler polling store every interval (or
// every second, if interval <= 0) and invoking fire for each due timer.
func NewScheduler(store Store, fire FireFunc, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, fire: fire, logger: logger, interval: interval}
}

// Run blocks, polling for due timers, until ctx is cancelled. On entry it
// recovers every still-Pending timer already past due (e.g. a timer whose
// deadline elapsed while the process was down) by running the same
// fireDue pass used for the steady-state poll loop.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("timer scheduler started", "poll_interval", s.interval)

	s.fireDue(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("timer scheduler stopping")
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	due, err := s.store.DueBefore(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("timer scheduler: list due timers", "error", err)
		return
	}

	for _, t := range due {
		if err := s.fire(ctx, t); err != nil {
			s.logger.Error("timer fire failed", "timer_id", t.ID, "bead_id", t.BeadID, "error", err)
			if markErr := s.store.MarkFailed(ctx, t.ID, time.Now().UTC()); markErr != nil {
				s.logger.Error("timer scheduler: mark failed", "timer_id", t.ID, "error", markErr)
			}
			continue
		}
		if err := s.store.MarkFired(ctx, t.ID, time.Now().UTC()); err != nil {
			s.logger.Error("timer scheduler: mark fired", "timer_id", t.ID, "error", err)
		}
	}
}

// Recover reloads every persisted Pending timer. The Scheduler does not
// call it: Run reads due timers from the store on every poll, so Pending
// timers persisted before a restart still fire once they come due.
func Recover(ctx context.Context, store Store) ([]Timer, error) {
	return store.Pending(ctx)
}
