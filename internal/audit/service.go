package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/apperror"
)

// Service implements the admission controller and the cancel, mark-complete
// and progress operations. It holds no state of its own beyond the cap; all
// cross-task coordination goes through the store's conditional operations.
type Service struct {
	store     Store
	cancels   *CancelRegistry
	maxActive int

	kick     func()     // wake the scheduler; a slot may have freed
	dispatch func(*Job) // hand a freshly queued job to the dispatcher
}

func NewService(store Store, cancels *CancelRegistry, maxActive int) *Service {
	if maxActive <= 0 {
		maxActive = 1
	}
	return &Service{store: store, cancels: cancels, maxActive: maxActive}
}

// SetKick sets the callback invoked whenever a concurrency slot may have
// been freed.
func (s *Service) SetKick(fn func()) { s.kick = fn }

// SetDispatch sets the callback that starts a dispatch loop for a job
// admitted as queued. The composition root binds it to the dispatcher with
// the process root context, detached from any request lifecycle.
func (s *Service) SetDispatch(fn func(*Job)) { s.dispatch = fn }

// Admit persists a job for the request and decides whether it runs now.
// Under the cap the job is queued and dispatch starts immediately; at
// capacity it is either deferred (scheduled) or rejected outright.
func (s *Service) Admit(ctx context.Context, req AdmitRequest) (*AdmitResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	active, err := s.store.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("count active jobs: %w", err)
	}

	j := &Job{
		TotalUnits: int64(len(req.Targets)),
		Payload: Payload{
			Targets:   req.Targets,
			StartDate: req.StartDate,
			EndDate:   req.EndDate,
			Notify:    req.Notify,
		},
	}

	if active >= s.maxActive {
		if !req.DeferralAllowed {
			return nil, apperror.New(apperror.CapacityExceeded,
				fmt.Sprintf("%d audit jobs already active, limit is %d", active, s.maxActive)).
				WithMeta("active", active).
				WithMeta("limit", s.maxActive)
		}
		now := time.Now().UTC()
		j.Status = StatusScheduled
		j.ScheduledAt = &now
		if err := s.store.Insert(ctx, j); err != nil {
			return nil, fmt.Errorf("insert scheduled job: %w", err)
		}
		slog.Info("job deferred at capacity", "job", j.ID, "targets", len(req.Targets), "active", active)
		return &AdmitResult{Job: j, Decision: DecisionDeferred}, nil
	}

	j.Status = StatusQueued
	if err := s.store.Insert(ctx, j); err != nil {
		return nil, fmt.Errorf("insert queued job: %w", err)
	}
	slog.Info("job admitted", "job", j.ID, "targets", len(req.Targets), "active", active)

	if s.dispatch != nil {
		s.dispatch(j)
	}
	return &AdmitResult{Job: j, Decision: DecisionRunNow}, nil
}

// Cancel moves a non-terminal job to cancelled and signals any in-process
// dispatch loop to stop. Units already emitted downstream are not recalled.
func (s *Service) Cancel(ctx context.Context, id int64) (*Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.Terminal() {
		return nil, apperror.New(apperror.AlreadyTerminal,
			fmt.Sprintf("job is already %s", j.Status))
	}

	now := time.Now().UTC()
	ok, err := s.store.Transition(ctx, id,
		[]Status{StatusScheduled, StatusQueued, StatusRunning},
		StatusCancelled, TransitionUpdate{CompletedAt: &now})
	if err != nil {
		return nil, fmt.Errorf("cancel job %d: %w", id, err)
	}
	if !ok {
		return nil, apperror.New(apperror.Conflict, "job was finalized by another actor")
	}

	if s.cancels != nil {
		s.cancels.Add(id)
	}
	s.kickScheduler()
	slog.Info("job cancelled", "job", id)
	return s.store.Get(ctx, id)
}

// MarkComplete forces an active job to completed without waiting for the
// remaining completion callbacks.
func (s *Service) MarkComplete(ctx context.Context, id int64) (*Job, error) {
	now := time.Now().UTC()
	ok, err := s.store.Transition(ctx, id,
		[]Status{StatusQueued, StatusRunning},
		StatusCompleted, TransitionUpdate{CompletedAt: &now})
	if err != nil {
		return nil, fmt.Errorf("complete job %d: %w", id, err)
	}
	if !ok {
		j, getErr := s.store.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if j.Status.Terminal() {
			return nil, apperror.New(apperror.AlreadyTerminal,
				fmt.Sprintf("job is already %s", j.Status))
		}
		return nil, apperror.New(apperror.Conflict, "job is not active")
	}

	s.kickScheduler()
	slog.Info("job marked complete", "job", id)
	return s.store.Get(ctx, id)
}

// ReportProgress is the completion signal invoked by the downstream worker,
// once per finished unit or in batches. Counters on terminal jobs still
// advance (harmless bookkeeping for late callbacks); only a non-terminal job
// is auto-completed.
func (s *Service) ReportProgress(ctx context.Context, req ProgressRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	j, err := s.store.IncrementCompleted(ctx, req.JobID, req.Delta, req.AutoComplete)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusCompleted {
		s.kickScheduler()
	}
	return j, nil
}

// SyncProgress is the legacy absolute-value variant of ReportProgress for
// callers that track their own counters.
func (s *Service) SyncProgress(ctx context.Context, req SyncProgressRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	j, err := s.store.SetProgress(ctx, req.JobID, req.CompletedUnits, req.TotalUnits, req.Status)
	if err != nil {
		return nil, err
	}
	if j.Status == StatusCompleted {
		s.kickScheduler()
	}
	return j, nil
}

func (s *Service) Get(ctx context.Context, req GetJobRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, req.ID)
}

func (s *Service) List(ctx context.Context, req ListJobsRequest) ([]Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, Status(req.Status), req.Limit)
}

func (s *Service) kickScheduler() {
	if s.kick != nil {
		s.kick()
	}
}
