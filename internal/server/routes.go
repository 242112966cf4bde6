package server

import (
	"net/http"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/audit"
)

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(svc *audit.Service, callbackToken string) http.Handler {
	return newMux(svc, callbackToken)
}

func newMux(svc *audit.Service, callbackToken string) http.Handler {
	h := &handler{svc: svc}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("POST /api/v1/audit-jobs", h.admit)
	mux.HandleFunc("GET /api/v1/audit-jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/audit-jobs/{id}", h.getJob)
	mux.HandleFunc("POST /api/v1/audit-jobs/{id}/cancel", h.cancel)
	mux.HandleFunc("POST /api/v1/audit-jobs/{id}/complete", h.markComplete)

	// The progress callback is invoked by the downstream automation with a
	// shared service credential, not by end users.
	mux.Handle("POST /api/v1/audit-jobs/{id}/progress",
		serviceAuth(callbackToken, http.HandlerFunc(h.progress)))

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
