package audit

import (
	"context"
	"time"
)

// TransitionUpdate carries optional fields written in the same atomic step
// as a status change.
type TransitionUpdate struct {
	Error       *string
	CompletedAt *time.Time
}

// Store is the persistence contract for audit jobs. Every mutation must be a
// single conditional storage operation so that concurrent callers (multiple
// loops, or multiple orchestrator processes sharing one database) race
// safely without any application-level lock. The one sanctioned exception is
// a best-effort IncrementCompleted implementation, selected at construction
// of the concrete store, for backends without an atomic increment path.
type Store interface {
	// CountActive returns the number of jobs holding a concurrency slot
	// (status queued or running).
	CountActive(ctx context.Context) (int, error)

	Insert(ctx context.Context, j *Job) error
	Get(ctx context.Context, id int64) (*Job, error)

	// List returns recent jobs, optionally filtered by status. A limit of 0
	// applies the store's default.
	List(ctx context.Context, status Status, limit int) ([]Job, error)

	// ClaimNextScheduled promotes the oldest scheduled job (by deferral
	// time, ties broken by creation order) to queued. Returns nil when no
	// scheduled job exists or another claimant won the race.
	ClaimNextScheduled(ctx context.Context) (*Job, error)

	// Transition applies the status change only if the current status is one
	// of from. The returned bool reports whether the update took effect; a
	// lost race is a normal outcome, not an error.
	Transition(ctx context.Context, id int64, from []Status, to Status, upd TransitionUpdate) (bool, error)

	// IncrementCompleted adds delta to the job's completed-unit counter,
	// capped at total_units. With autoComplete, a counter that reaches
	// total_units on a non-terminal job also flips the status to completed
	// and stamps completed_at in the same step. Returns the updated job.
	IncrementCompleted(ctx context.Context, id int64, delta int64, autoComplete bool) (*Job, error)

	// IncrementDispatched advances the best-effort count of units already
	// emitted to the downstream worker.
	IncrementDispatched(ctx context.Context, id int64, delta int64) error

	// SetProgress is the legacy absolute-value progress path: any non-nil
	// field is written as given (completed units capped at the total).
	// Status changes still refuse to overwrite a terminal status, and a
	// terminal status being set stamps completed_at. Returns the final job.
	SetProgress(ctx context.Context, id int64, completedUnits, totalUnits *int64, status *Status) (*Job, error)

	// MarkStaleActive force-fails every queued/running job created before
	// cutoff and returns the jobs it affected.
	MarkStaleActive(ctx context.Context, cutoff time.Time) ([]Job, error)
}
