package server

import (
	"net/http"
	"strconv"

	"github.com/ahmethakanbesel/marketsync/internal/checkpoint"
	"github.com/ahmethakanbesel/marketsync/internal/job"
	"github.com/ahmethakanbesel/marketsync/internal/market"
	"github.com/ahmethakanbesel/marketsync/internal/snapshot"
)

type handler struct {
	jobSvc      *job.Service
	tracker     *checkpoint.Tracker
	snapshotSvc *snapshot.Service
	pool        ActiveJobs
}

type healthResponse struct {
	Status     string  `json:"status"`
	ActiveJobs []int64 `json:"activeJobs"`
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", ActiveJobs: []int64{}}
	if h.pool != nil {
		resp.ActiveJobs = h.pool.Active()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) listDatasets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, market.Datasets())
}

func (h *handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitJobRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	j, err := h.jobSvc.Submit(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := job.ListJobsRequest{
		Dataset: q.Get("dataset"),
		Status:  q.Get("status"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		req.Limit = n
	}

	jobs, err := h.jobSvc.List(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) stuckJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobSvc.Stuck(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	req, ok := jobRequest(w, r)
	if !ok {
		return
	}
	j, err := h.jobSvc.Get(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listRuns(w http.ResponseWriter, r *http.Request) {
	req, ok := jobRequest(w, r)
	if !ok {
		return
	}
	runs, err := h.jobSvc.Runs(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	req, ok := jobRequest(w, r)
	if !ok {
		return
	}
	tasks, err := h.jobSvc.Tasks(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *handler) listErrors(w http.ResponseWriter, r *http.Request) {
	req, ok := jobRequest(w, r)
	if !ok {
		return
	}
	errs, err := h.jobSvc.Errors(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, errs)
}

func (h *handler) requeueJob(w http.ResponseWriter, r *http.Request) {
	req, ok := jobRequest(w, r)
	if !ok {
		return
	}
	j, err := h.jobSvc.Requeue(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	dataset := r.URL.Query().Get("dataset")
	if dataset != "" {
		if _, err := market.LookupDataset(dataset); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	states, err := h.tracker.List(r.Context(), dataset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if states == nil {
		states = []checkpoint.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *handler) createSnapshot(w http.ResponseWriter, r *http.Request) {
	var req snapshot.ExportSnapshotRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := h.snapshotSvc.Export(r.Context(), req)
	if err != nil {
		if s != nil {
			writeError(w, http.StatusInternalServerError, "snapshot "+s.ID+" failed: "+err.Error())
			return
		}
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	s, err := h.snapshotSvc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func jobRequest(w http.ResponseWriter, r *http.Request) (job.GetJobRequest, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return job.GetJobRequest{}, false
	}
	req := job.GetJobRequest{ID: id}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return req, false
	}
	return req, true
}
