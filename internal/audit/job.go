package audit

import "time"

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the job occupies a concurrency slot.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StaleJobMessage is the error recorded on jobs force-failed by the reaper.
const StaleJobMessage = "job exceeded the maximum active age and was closed by the stale-job reaper"

// Payload is the snapshot of the admission request the dispatch loop reads.
// The orchestrator only iterates Targets; the remaining fields pass through
// to the downstream trigger worker untouched.
type Payload struct {
	Targets   []string  `json:"targets"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	Notify    bool      `json:"notify"`
}

type Job struct {
	ID              int64      `json:"id"`
	Status          Status     `json:"status"`
	TotalUnits      int64      `json:"totalUnits"`
	CompletedUnits  int64      `json:"completedUnits"`
	DispatchedUnits int64      `json:"dispatchedUnits"`
	Error           string     `json:"error,omitempty"`
	Payload         Payload    `json:"payload"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ScheduledAt     *time.Time `json:"scheduledAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}
