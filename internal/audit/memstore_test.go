package audit

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/apperror"
)

// memStore is an in-memory Store used by the package tests. Its mutex makes
// every operation atomic, mirroring the conditional-update guarantees the
// real store gets from sqlite.
type memStore struct {
	mu     sync.Mutex
	jobs   map[int64]*Job
	nextID int64
	now    func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   make(map[int64]*Job),
		nextID: 1,
		now:    time.Now,
	}
}

// seed inserts a job directly, bypassing admission.
func (m *memStore) seed(status Status, targets ...string) *Job {
	j := &Job{
		Status:     status,
		TotalUnits: int64(len(targets)),
		Payload:    Payload{Targets: targets},
	}
	if status == StatusScheduled {
		now := m.now().UTC()
		j.ScheduledAt = &now
	}
	_ = m.Insert(context.Background(), j)
	return j
}

func (m *memStore) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Insert(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j.ID = m.nextID
	m.nextID++
	j.CreatedAt = m.now().UTC()
	j.UpdatedAt = j.CreatedAt
	cp := *j
	m.jobs[j.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id int64) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) List(_ context.Context, status Status, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		out = append(out, *j)
	}
	slices.SortFunc(out, func(a, b Job) int { return int(b.ID - a.ID) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimNextScheduled(_ context.Context) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *Job
	for _, j := range m.jobs {
		if j.Status != StatusScheduled {
			continue
		}
		if oldest == nil || before(j, oldest) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = StatusQueued
	oldest.UpdatedAt = m.now().UTC()
	cp := *oldest
	return &cp, nil
}

// before orders scheduled jobs by deferral time, ties broken by id.
func before(a, b *Job) bool {
	at, bt := time.Time{}, time.Time{}
	if a.ScheduledAt != nil {
		at = *a.ScheduledAt
	}
	if b.ScheduledAt != nil {
		bt = *b.ScheduledAt
	}
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.ID < b.ID
}

func (m *memStore) Transition(_ context.Context, id int64, from []Status, to Status, upd TransitionUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if !slices.Contains(from, j.Status) {
		return false, nil
	}
	j.Status = to
	if upd.Error != nil {
		j.Error = *upd.Error
	}
	if upd.CompletedAt != nil {
		j.CompletedAt = upd.CompletedAt
	}
	j.UpdatedAt = m.now().UTC()
	return true, nil
}

func (m *memStore) IncrementCompleted(_ context.Context, id int64, delta int64, autoComplete bool) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	completed := min(j.TotalUnits, j.CompletedUnits+delta)
	if autoComplete && !j.Status.Terminal() && j.CompletedUnits+delta >= j.TotalUnits {
		j.Status = StatusCompleted
		now := m.now().UTC()
		j.CompletedAt = &now
	}
	j.CompletedUnits = completed
	j.UpdatedAt = m.now().UTC()
	cp := *j
	return &cp, nil
}

func (m *memStore) IncrementDispatched(_ context.Context, id int64, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return apperror.New(apperror.NotFound, "job not found")
	}
	j.DispatchedUnits += delta
	return nil
}

func (m *memStore) SetProgress(_ context.Context, id int64, completedUnits, totalUnits *int64, status *Status) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if totalUnits != nil {
		j.TotalUnits = *totalUnits
	}
	if completedUnits != nil {
		j.CompletedUnits = min(*completedUnits, j.TotalUnits)
	}
	if status != nil && !j.Status.Terminal() && *status != j.Status {
		j.Status = *status
		if status.Terminal() {
			now := m.now().UTC()
			j.CompletedAt = &now
		}
	}
	j.UpdatedAt = m.now().UTC()
	cp := *j
	return &cp, nil
}

func (m *memStore) MarkStaleActive(_ context.Context, cutoff time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.Status.Active() && j.CreatedAt.Before(cutoff) {
			j.Status = StatusFailed
			j.Error = StaleJobMessage
			now := m.now().UTC()
			j.CompletedAt = &now
			j.UpdatedAt = now
			out = append(out, *j)
		}
	}
	return out, nil
}

// setCreatedAt backdates a job, for reaper tests.
func (m *memStore) setCreatedAt(id int64, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.CreatedAt = t
	}
}
