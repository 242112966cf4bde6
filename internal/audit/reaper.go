package audit

import (
	"context"
	"log/slog"
	"time"
)

// Reaper force-fails jobs stuck too long in an active status. A dispatch
// loop can die silently (process restart, downstream worker that never calls
// back) and leave its job occupying a concurrency slot forever; the reaper
// is the backstop against that starvation.
type Reaper struct {
	store     Store
	scheduler *Scheduler
	interval  time.Duration
	threshold time.Duration
}

func NewReaper(store Store, scheduler *Scheduler, interval, threshold time.Duration) *Reaper {
	return &Reaper{
		store:     store,
		scheduler: scheduler,
		interval:  interval,
		threshold: threshold,
	}
}

// Run sweeps once at start, then on every tick, until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.sweep(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.threshold)

	jobs, err := r.store.MarkStaleActive(ctx, cutoff)
	if err != nil {
		slog.Error("reaper: mark stale jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	for _, j := range jobs {
		slog.Warn("reaper: failed stale job", "job", j.ID, "createdAt", j.CreatedAt, "completedUnits", j.CompletedUnits, "totalUnits", j.TotalUnits)
	}

	// Slots just freed; let the scheduler promote.
	if r.scheduler != nil {
		r.scheduler.Kick()
	}
}
