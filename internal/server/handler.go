package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/apperror"
	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/audit"
)

const dateFormat = "2006-01-02"

type handler struct {
	svc *audit.Service
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type admitBody struct {
	Targets       []string `json:"targets"`
	StartDate     string   `json:"startDate"`
	EndDate       string   `json:"endDate"`
	Notify        bool     `json:"notify"`
	AllowDeferral bool     `json:"allowDeferral"`
}

func (h *handler) admit(w http.ResponseWriter, r *http.Request) {
	var body admitBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	startDate, err := time.Parse(dateFormat, body.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid startDate format, expected YYYY-MM-DD")
		return
	}
	endDate, err := time.Parse(dateFormat, body.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endDate format, expected YYYY-MM-DD")
		return
	}

	result, err := h.svc.Admit(r.Context(), audit.AdmitRequest{
		Targets:         body.Targets,
		StartDate:       startDate,
		EndDate:         endDate,
		Notify:          body.Notify,
		DeferralAllowed: body.AllowDeferral,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.svc.Get(r.Context(), audit.GetJobRequest{ID: id})
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	jobs, err := h.svc.List(r.Context(), audit.ListJobsRequest{
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.svc.Cancel(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

func (h *handler) markComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	j, err := h.svc.MarkComplete(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

// progressBody covers both callback shapes: the delta form used by the
// current trigger worker, and the legacy absolute form used by external
// automations that track their own counters.
type progressBody struct {
	Delta          *int64  `json:"delta,omitempty"`
	AutoComplete   *bool   `json:"autoComplete,omitempty"`
	CompletedUnits *int64  `json:"completedUnits,omitempty"`
	TotalUnits     *int64  `json:"totalUnits,omitempty"`
	Status         *string `json:"status,omitempty"`
}

func (h *handler) progress(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	var body progressBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var j *audit.Job
	var err error
	if body.Delta != nil {
		autoComplete := true
		if body.AutoComplete != nil {
			autoComplete = *body.AutoComplete
		}
		j, err = h.svc.ReportProgress(r.Context(), audit.ProgressRequest{
			JobID:        id,
			Delta:        *body.Delta,
			AutoComplete: autoComplete,
		})
	} else {
		var status *audit.Status
		if body.Status != nil {
			s := audit.Status(*body.Status)
			status = &s
		}
		j, err = h.svc.SyncProgress(r.Context(), audit.SyncProgressRequest{
			JobID:          id,
			CompletedUnits: body.CompletedUnits,
			TotalUnits:     body.TotalUnits,
			Status:         status,
		})
	}
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, j)
}

func (h *handler) respondError(w http.ResponseWriter, err error) {
	if ae, ok := err.(*apperror.AppError); ok {
		writeAppError(w, ae)
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return 0, false
	}
	return id, true
}
