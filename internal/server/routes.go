package server

import (
	"net/http"

	"github.com/ahmethakanbesel/marketsync/internal/checkpoint"
	"github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/snapshot"
)

// Services are the domain services the HTTP surface exposes.
type Services struct {
	Jobs      *job.Service
	Tracker   *checkpoint.Tracker
	Snapshots *snapshot.Service
	// Pool is optional; when set, /health reports the jobs it is running.
	Pool ActiveJobs
}

// ActiveJobs reports the jobs a worker pool is processing.
type ActiveJobs interface {
	Active() []int64
}

// NewHandler creates the full HTTP handler with routes and middleware.
// Exported for use in tests (e.g., httptest.NewServer).
func NewHandler(svc Services) http.Handler {
	return newMux(svc)
}

func newMux(svc Services) http.Handler {
	h := &handler{
		jobSvc:      svc.Jobs,
		tracker:     svc.Tracker,
		snapshotSvc: svc.Snapshots,
		pool:        svc.Pool,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)
	mux.HandleFunc("GET /api/v1/datasets", h.listDatasets)
	mux.HandleFunc("POST /api/v1/jobs", h.submitJob)
	mux.HandleFunc("GET /api/v1/jobs", h.listJobs)
	mux.HandleFunc("GET /api/v1/jobs/stuck", h.stuckJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.getJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/runs", h.listRuns)
	mux.HandleFunc("GET /api/v1/jobs/{id}/tasks", h.listTasks)
	mux.HandleFunc("GET /api/v1/jobs/{id}/errors", h.listErrors)
	mux.HandleFunc("POST /api/v1/jobs/{id}/requeue", h.requeueJob)
	mux.HandleFunc("GET /api/v1/checkpoints", h.listCheckpoints)
	mux.HandleFunc("POST /api/v1/snapshots", h.createSnapshot)
	mux.HandleFunc("GET /api/v1/snapshots/{id}", h.getSnapshot)

	// Apply middleware stack: recovery -> requestID -> logging
	var handler http.Handler = mux
	handler = logging(handler)
	handler = requestID(handler)
	handler = recovery(handler)

	return handler
}
