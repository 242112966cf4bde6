package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Emitter sends one unit of audit work to the downstream trigger worker.
type Emitter interface {
	Emit(ctx context.Context, j *Job, target string) error
}

// Dispatcher owns the per-job emission loops. Each accepted job gets one
// goroutine that walks the payload targets strictly in order, one emission
// per pacing interval, checking the cancel registry before every unit. Loop
// termination is not a completion signal; completion is driven entirely by
// the progress callbacks.
type Dispatcher struct {
	store   Store
	emitter Emitter
	cancels *CancelRegistry

	pace         time.Duration
	emitTimeout  time.Duration
	recheckEvery int // re-read job status every N units; 0 disables

	wg sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

// WithPace sets the delay between consecutive unit emissions of one job.
// The downstream integration is rate-limited by a third party.
func WithPace(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.pace = d }
}

// WithEmitTimeout bounds a single emission call so a hung downstream worker
// cannot stall the loop.
func WithEmitTimeout(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) { dp.emitTimeout = d }
}

// WithStatusRecheck makes the loop re-read job status from the store every n
// units. This is the durable fallback to the in-memory cancel registry when
// several orchestrator processes share one store.
func WithStatusRecheck(n int) DispatcherOption {
	return func(dp *Dispatcher) { dp.recheckEvery = n }
}

func NewDispatcher(store Store, emitter Emitter, cancels *CancelRegistry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		emitter:      emitter,
		cancels:      cancels,
		pace:         2 * time.Second,
		emitTimeout:  30 * time.Second,
		recheckEvery: 5,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the emission loop for a queued job on its own goroutine.
// ctx should be the process root context, not a request context: the loop
// outlives whichever call admitted the job.
func (d *Dispatcher) Start(ctx context.Context, j *Job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("dispatch: panic in emission loop", "job", j.ID, "panic", p)
			}
		}()
		d.run(ctx, j)
	}()
}

// Wait blocks until every in-flight emission loop has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) run(ctx context.Context, j *Job) {
	// Only one loop may ever emit for a job: the queued->running CAS loses
	// for anything already claimed, cancelled or reaped.
	ok, err := d.store.Transition(ctx, j.ID, []Status{StatusQueued}, StatusRunning, TransitionUpdate{})
	if err != nil {
		slog.Error("dispatch: claim job", "job", j.ID, "error", err)
		return
	}
	if !ok {
		slog.Info("dispatch: job no longer queued, skipping", "job", j.ID)
		return
	}

	targets := j.Payload.Targets
	for i, target := range targets {
		if d.cancels != nil && d.cancels.Has(j.ID) {
			slog.Info("dispatch: stopping on cancel signal", "job", j.ID, "emitted", i, "remaining", len(targets)-i)
			return
		}
		if d.recheckEvery > 0 && i > 0 && i%d.recheckEvery == 0 {
			if d.terminalInStore(ctx, j.ID) {
				slog.Info("dispatch: job finalized in store, stopping", "job", j.ID, "emitted", i)
				return
			}
		}

		d.emit(ctx, j, target)

		if i < len(targets)-1 {
			select {
			case <-ctx.Done():
				slog.Info("dispatch: shutting down mid-job", "job", j.ID, "emitted", i+1)
				return
			case <-time.After(d.pace):
			}
		}
	}

	slog.Info("dispatch: all units emitted", "job", j.ID, "units", len(targets))
}

// emit sends one unit. Failures are logged and the loop moves on: dispatch
// is at-most-once per unit, and one bad unit must not block the batch.
func (d *Dispatcher) emit(ctx context.Context, j *Job, target string) {
	emitCtx, cancel := context.WithTimeout(ctx, d.emitTimeout)
	defer cancel()

	if err := d.emitter.Emit(emitCtx, j, target); err != nil {
		slog.Error("dispatch: emit unit", "job", j.ID, "target", target, "error", err)
		return
	}
	if err := d.store.IncrementDispatched(ctx, j.ID, 1); err != nil {
		slog.Error("dispatch: record dispatched unit", "job", j.ID, "error", err)
	}
}

func (d *Dispatcher) terminalInStore(ctx context.Context, id int64) bool {
	cur, err := d.store.Get(ctx, id)
	if err != nil {
		slog.Error("dispatch: status recheck", "job", id, "error", err)
		return false
	}
	return cur.Status.Terminal()
}
