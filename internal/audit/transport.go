package audit

import (
	"time"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/apperror"
)

// AdmitRequest asks for a bulk audit of Targets over a date range. One unit
// of downstream work is dispatched per target.
type AdmitRequest struct {
	Targets         []string
	StartDate       time.Time
	EndDate         time.Time
	Notify          bool
	DeferralAllowed bool
}

func (r AdmitRequest) Validate() *apperror.AppError {
	if len(r.Targets) == 0 {
		return apperror.New(apperror.BadRequest, "at least one audit target is required")
	}
	for _, t := range r.Targets {
		if t == "" {
			return apperror.New(apperror.BadRequest, "audit targets must be non-empty")
		}
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return apperror.New(apperror.BadRequest, "startDate and endDate are required")
	}
	if r.StartDate.After(r.EndDate) {
		return apperror.New(apperror.BadRequest, "startDate cannot be after endDate")
	}
	return nil
}

// Decision is the admission outcome returned to the caller.
type Decision string

const (
	// DecisionRunNow means the job was persisted as queued and its dispatch
	// loop has been handed off.
	DecisionRunNow Decision = "run_now"
	// DecisionDeferred means the cap was full and the job was persisted as
	// scheduled for later promotion.
	DecisionDeferred Decision = "deferred"
)

type AdmitResult struct {
	Job      *Job     `json:"job"`
	Decision Decision `json:"decision"`
}

type GetJobRequest struct {
	ID int64
}

func (r GetJobRequest) Validate() *apperror.AppError {
	if r.ID <= 0 {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	return nil
}

type ListJobsRequest struct {
	Status string
	Limit  int
}

func (r ListJobsRequest) Validate() *apperror.AppError {
	if r.Status != "" && !Status(r.Status).Valid() {
		return apperror.New(apperror.BadRequest, "unknown job status")
	}
	if r.Limit < 0 {
		return apperror.New(apperror.BadRequest, "limit cannot be negative")
	}
	return nil
}

// ProgressRequest reports completion of delta units for a job.
type ProgressRequest struct {
	JobID        int64
	Delta        int64
	AutoComplete bool
}

func (r ProgressRequest) Validate() *apperror.AppError {
	if r.JobID <= 0 {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	if r.Delta <= 0 {
		return apperror.New(apperror.BadRequest, "delta must be positive")
	}
	return nil
}

// SyncProgressRequest is the legacy absolute-value progress report used by
// external callers that track their own counters.
type SyncProgressRequest struct {
	JobID          int64
	CompletedUnits *int64
	TotalUnits     *int64
	Status         *Status
}

func (r SyncProgressRequest) Validate() *apperror.AppError {
	if r.JobID <= 0 {
		return apperror.New(apperror.BadRequest, "invalid job id")
	}
	if r.CompletedUnits == nil && r.TotalUnits == nil && r.Status == nil {
		return apperror.New(apperror.BadRequest, "nothing to update")
	}
	if r.CompletedUnits != nil && *r.CompletedUnits < 0 {
		return apperror.New(apperror.BadRequest, "completedUnits cannot be negative")
	}
	if r.TotalUnits != nil && *r.TotalUnits <= 0 {
		return apperror.New(apperror.BadRequest, "totalUnits must be positive")
	}
	if r.Status != nil && !r.Status.Valid() {
		return apperror.New(apperror.BadRequest, "unknown job status")
	}
	return nil
}
