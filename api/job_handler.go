package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// EnqueueRequest is the body of POST /v1/jobs. Zero fields keep the
// registered defaults of the job type.
type EnqueueRequest struct {
	Type        string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	Priority    job.Priority    `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Timeout     string          `json:"timeout,omitempty"`
	Delay       string          `json:"delay,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
}

func (req EnqueueRequest) options() ([]job.Option, error) {
	var opts []job.Option
	if req.Queue != "" {
		opts = append(opts, job.WithQueue(req.Queue))
	}
	if req.Priority != 0 {
		opts = append(opts, job.WithPriority(req.Priority))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		opts = append(opts, job.WithTimeout(d))
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil {
			return nil, fmt.Errorf("invalid delay: %w", err)
		}
		opts = append(opts, job.WithDelay(d))
	}
	if req.RunAt != nil {
		opts = append(opts, job.WithRunAt(*req.RunAt))
	}
	return opts, nil
}

// DepthResponse is the body of GET /v1/queues/{queue}/depth.
type DepthResponse struct {
	Queue    string        `json:"queue"`
	Priority *job.Priority `json:"priority,omitempty"`
	Depth    int64         `json:"depth"`
}

// CountsResponse is the body of GET /v1/queues/{queue}/counts.
type CountsResponse struct {
	Queue  string               `json:"queue"`
	Counts map[job.Status]int64 `json:"counts"`
}

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Type == "" {
		badRequest(w, "job_type is required")
		return
	}
	opts, err := req.options()
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	j, err := a.eng.EnqueueRaw(r.Context(), req.Type, []byte(req.Payload), opts...)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	j, err := a.eng.GetJob(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	j, err := a.eng.Queue().Cancel(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) queueDepth(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")

	var priority *job.Priority
	if s := r.URL.Query().Get("priority"); s != "" {
		p, err := job.ParsePriority(s)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		priority = &p
	}

	depth, err := a.eng.Queue().Depth(r.Context(), queueName, priority)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DepthResponse{Queue: queueName, Priority: priority, Depth: depth})
}

func (a *API) queueCounts(w http.ResponseWriter, r *http.Request) {
	queueName := chi.URLParam(r, "queue")
	store := a.eng.Queue().Store()

	resp := CountsResponse{Queue: queueName, Counts: make(map[job.Status]int64, len(job.Statuses))}
	for _, status := range job.Statuses {
		n, err := store.CountJobs(r.Context(), job.CountOpts{Queue: queueName, Status: status})
		if err != nil {
			a.writeError(w, r, fmt.Errorf("count %s jobs: %w", status, err))
			return
		}
		resp.Counts[status] = n
	}
	writeJSON(w, http.StatusOK, resp)
}
