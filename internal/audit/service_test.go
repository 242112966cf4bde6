package audit

import (
	"context"
	"testing"
	"time"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/apperror"
)

func testDates() (time.Time, time.Time) {
	return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 7, 0, 0, 0, 0, time.UTC)
}

func admitReq(deferral bool, targets ...string) AdmitRequest {
	start, end := testDates()
	return AdmitRequest{
		Targets:         targets,
		StartDate:       start,
		EndDate:         end,
		DeferralAllowed: deferral,
	}
}

func TestAdmit_RunsNowUnderCap(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	var dispatched []*Job
	svc.SetDispatch(func(j *Job) { dispatched = append(dispatched, j) })

	result, err := svc.Admit(context.Background(), admitReq(false, "agent-1", "agent-2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != DecisionRunNow {
		t.Errorf("expected run_now, got %s", result.Decision)
	}
	if result.Job.Status != StatusQueued {
		t.Errorf("expected queued, got %s", result.Job.Status)
	}
	if result.Job.TotalUnits != 2 {
		t.Errorf("expected 2 total units, got %d", result.Job.TotalUnits)
	}
	if len(dispatched) != 1 || dispatched[0].ID != result.Job.ID {
		t.Errorf("expected dispatch handoff for job %d", result.Job.ID)
	}
}

func TestAdmit_DefersAtCapacity(t *testing.T) {
	store := newMemStore()
	store.seed(StatusQueued, "a")
	store.seed(StatusRunning, "b")
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	dispatchCalled := false
	svc.SetDispatch(func(*Job) { dispatchCalled = true })

	result, err := svc.Admit(context.Background(), admitReq(true, "agent-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision != DecisionDeferred {
		t.Errorf("expected deferred, got %s", result.Decision)
	}
	if result.Job.Status != StatusScheduled {
		t.Errorf("expected scheduled, got %s", result.Job.Status)
	}
	if result.Job.ScheduledAt == nil {
		t.Error("expected scheduledAt to be stamped")
	}
	if dispatchCalled {
		t.Error("deferred job must not start a dispatch loop")
	}
}

func TestAdmit_RejectsWithoutDeferral(t *testing.T) {
	store := newMemStore()
	store.seed(StatusQueued, "a")
	store.seed(StatusRunning, "b")
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	_, err := svc.Admit(context.Background(), admitReq(false, "agent-1"))
	ae, ok := err.(*apperror.AppError)
	if !ok || ae.Code() != apperror.CapacityExceeded {
		t.Fatalf("expected CapacityExceeded, got %v", err)
	}
	if ae.Meta()["active"] != 2 {
		t.Errorf("expected active=2 in meta, got %v", ae.Meta()["active"])
	}

	// No job persisted on rejection.
	jobs, _ := store.List(context.Background(), "", 0)
	if len(jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestAdmit_Validation(t *testing.T) {
	svc := NewService(newMemStore(), NewCancelRegistry(time.Minute), 2)

	_, err := svc.Admit(context.Background(), admitReq(false))
	ae, ok := err.(*apperror.AppError)
	if !ok || ae.Code() != apperror.BadRequest {
		t.Fatalf("expected BadRequest for empty targets, got %v", err)
	}

	req := admitReq(false, "agent-1")
	req.StartDate, req.EndDate = req.EndDate, req.StartDate
	if _, err := svc.Admit(context.Background(), req); err == nil {
		t.Fatal("expected error for inverted date range")
	}
}

func TestCancel_ActiveJob(t *testing.T) {
	store := newMemStore()
	cancels := NewCancelRegistry(time.Minute)
	svc := NewService(store, cancels, 2)

	kicked := false
	svc.SetKick(func() { kicked = true })

	j := store.seed(StatusRunning, "a", "b", "c")

	got, err := svc.Cancel(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completedAt to be stamped")
	}
	if !cancels.Has(j.ID) {
		t.Error("expected job id in cancel registry")
	}
	if !kicked {
		t.Error("expected scheduler kick after cancel")
	}
}

func TestCancel_AlreadyTerminal(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	j := store.seed(StatusCompleted, "a")

	_, err := svc.Cancel(context.Background(), j.ID)
	ae, ok := err.(*apperror.AppError)
	if !ok || ae.Code() != apperror.AlreadyTerminal {
		t.Fatalf("expected AlreadyTerminal, got %v", err)
	}
}

func TestCancel_NotFound(t *testing.T) {
	svc := NewService(newMemStore(), NewCancelRegistry(time.Minute), 2)

	_, err := svc.Cancel(context.Background(), 42)
	ae, ok := err.(*apperror.AppError)
	if !ok || ae.Code() != apperror.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestMarkComplete(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	kicked := false
	svc.SetKick(func() { kicked = true })

	j := store.seed(StatusQueued, "a", "b")

	got, err := svc.MarkComplete(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if !kicked {
		t.Error("expected scheduler kick after completion")
	}

	// A second attempt finds the job terminal.
	_, err = svc.MarkComplete(context.Background(), j.ID)
	ae, ok := err.(*apperror.AppError)
	if !ok || ae.Code() != apperror.AlreadyTerminal {
		t.Fatalf("expected AlreadyTerminal, got %v", err)
	}
}

func TestMarkComplete_ScheduledJobConflicts(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	j := store.seed(StatusScheduled, "a")

	_, err := svc.MarkComplete(context.Background(), j.ID)
	ae, ok := err.(*apperror.AppError)
	if !ok || ae.Code() != apperror.Conflict {
		t.Fatalf("expected Conflict for scheduled job, got %v", err)
	}
}

func TestReportProgress_AutoCompletes(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	kicks := 0
	svc.SetKick(func() { kicks++ })

	j := store.seed(StatusRunning, "a", "b", "c")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := svc.ReportProgress(ctx, ProgressRequest{JobID: j.ID, Delta: 1, AutoComplete: true}); err != nil {
			t.Fatalf("report %d: %v", i+1, err)
		}
	}

	got, _ := store.Get(ctx, j.ID)
	if got.Status != StatusCompleted {
		t.Errorf("expected completed after 3 reports, got %s", got.Status)
	}
	if got.CompletedUnits != 3 {
		t.Errorf("expected 3 completed units, got %d", got.CompletedUnits)
	}
	if kicks == 0 {
		t.Error("expected scheduler kick on completion")
	}

	// A late fourth callback neither exceeds the total nor changes status.
	after, err := svc.ReportProgress(ctx, ProgressRequest{JobID: j.ID, Delta: 1, AutoComplete: true})
	if err != nil {
		t.Fatalf("late report: %v", err)
	}
	if after.CompletedUnits != 3 || after.Status != StatusCompleted {
		t.Errorf("late report changed job: units=%d status=%s", after.CompletedUnits, after.Status)
	}
}

func TestReportProgress_CountersAdvanceOnCancelledJob(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	j := store.seed(StatusCancelled, "a", "b", "c")

	got, err := svc.ReportProgress(context.Background(), ProgressRequest{JobID: j.ID, Delta: 2, AutoComplete: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.CompletedUnits != 2 {
		t.Errorf("expected late callbacks to be bookkept, got %d", got.CompletedUnits)
	}
	if got.Status != StatusCancelled {
		t.Errorf("terminal status must not reopen, got %s", got.Status)
	}
}

func TestSyncProgress_LegacyAbsolute(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)

	kicked := false
	svc.SetKick(func() { kicked = true })

	j := store.seed(StatusRunning, "a", "b", "c", "d", "e")
	ctx := context.Background()

	completed := int64(5)
	status := StatusCompleted
	got, err := svc.SyncProgress(ctx, SyncProgressRequest{
		JobID:          j.ID,
		CompletedUnits: &completed,
		Status:         &status,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted || got.CompletedUnits != 5 {
		t.Errorf("got status=%s units=%d", got.Status, got.CompletedUnits)
	}
	if got.CompletedAt == nil {
		t.Error("expected completedAt stamped on terminal status")
	}
	if !kicked {
		t.Error("expected scheduler kick on completion")
	}
}

func TestAdmissionCapInvariant(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, NewCancelRegistry(time.Minute), 2)
	ctx := context.Background()

	assertCap := func() {
		t.Helper()
		active, _ := store.CountActive(ctx)
		if active > 2 {
			t.Fatalf("admission invariant violated: %d active jobs", active)
		}
	}

	a, err := svc.Admit(ctx, admitReq(true, "x"))
	if err != nil {
		t.Fatal(err)
	}
	assertCap()
	if _, err := svc.Admit(ctx, admitReq(true, "y")); err != nil {
		t.Fatal(err)
	}
	assertCap()

	// Third admission defers, fourth rejects.
	c, err := svc.Admit(ctx, admitReq(true, "z"))
	if err != nil {
		t.Fatal(err)
	}
	if c.Decision != DecisionDeferred {
		t.Fatalf("expected deferral at capacity, got %s", c.Decision)
	}
	assertCap()
	if _, err := svc.Admit(ctx, admitReq(false, "w")); err == nil {
		t.Fatal("expected rejection at capacity")
	}
	assertCap()

	// Completing one job frees a slot for a new admission.
	if _, err := svc.MarkComplete(ctx, a.Job.ID); err != nil {
		t.Fatal(err)
	}
	assertCap()
	d, err := svc.Admit(ctx, admitReq(false, "v"))
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != DecisionRunNow {
		t.Fatalf("expected run_now after slot freed, got %s", d.Decision)
	}
	assertCap()
}
