package audit

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler promotes deferred jobs into the running set as capacity frees
// up. It wakes on a fixed interval and on Kick, and runs once immediately at
// start. Any error in a pass is logged and retried on the next wake-up; a
// failing job never blocks promotion of later ones.
type Scheduler struct {
	store     Store
	maxActive int
	interval  time.Duration
	dispatch  func(context.Context, *Job)
	kick      chan struct{}
}

func NewScheduler(store Store, maxActive int, interval time.Duration) *Scheduler {
	if maxActive <= 0 {
		maxActive = 1
	}
	return &Scheduler{
		store:     store,
		maxActive: maxActive,
		interval:  interval,
		kick:      make(chan struct{}, 1),
	}
}

// SetDispatch sets the callback that starts an emission loop for a claimed
// job.
func (s *Scheduler) SetDispatch(fn func(context.Context, *Job)) { s.dispatch = fn }

// Kick wakes the loop to promote immediately. Non-blocking; concurrent
// kicks coalesce.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.promote(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.kick:
		case <-ticker.C:
		}
	}
}

// promote claims scheduled jobs oldest-first until capacity is full or none
// remain. ClaimNextScheduled is a CAS, so concurrent promoters (or a second
// orchestrator process) never double-claim a job.
func (s *Scheduler) promote(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		active, err := s.store.CountActive(ctx)
		if err != nil {
			slog.Error("scheduler: count active jobs", "error", err)
			return
		}
		if active >= s.maxActive {
			return
		}

		j, err := s.store.ClaimNextScheduled(ctx)
		if err != nil {
			slog.Error("scheduler: claim scheduled job", "error", err)
			return
		}
		if j == nil {
			return
		}

		slog.Info("scheduler: promoted deferred job", "job", j.ID, "active", active+1)
		if s.dispatch != nil {
			s.dispatch(ctx, j)
		}
	}
}
