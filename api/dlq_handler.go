package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rcommerce/conveyor/dlq"
	"github.com/rcommerce/conveyor/id"
)

// defaultPurgeAge is used when POST /v1/dlq/purge has no older_than.
const defaultPurgeAge = 30 * 24 * time.Hour

// DLQCountResponse is the body of GET /v1/dlq/count.
type DLQCountResponse struct {
	Queue string `json:"queue,omitempty"`
	Count int64  `json:"count"`
}

// PurgeDLQResponse is the body of POST /v1/dlq/purge.
type PurgeDLQResponse struct {
	Before time.Time `json:"before"`
	Purged int64     `json:"purged"`
}

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	entries, err := a.eng.DLQService().List(r.Context(), dlq.ListOpts{
		Limit:  limit,
		Offset: offset,
		Queue:  r.URL.Query().Get("queue"),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	entry, err := a.eng.DLQService().Get(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) dlqCount(w http.ResponseWriter, r *http.Request) {
	queueName := r.URL.Query().Get("queue")
	n, err := a.eng.DLQService().Count(r.Context(), queueName)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DLQCountResponse{Queue: queueName, Count: n})
}

func (a *API) requeueDLQ(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid job ID: %v", err))
		return
	}

	j, err := a.eng.DLQService().Requeue(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (a *API) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	age := defaultPurgeAge
	if s := r.URL.Query().Get("older_than"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			badRequest(w, fmt.Sprintf("invalid older_than %q", s))
			return
		}
		age = d
	}
	before := time.Now().UTC().Add(-age)

	n, err := a.eng.DLQService().Purge(r.Context(), before)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeDLQResponse{Before: before, Purged: n})
}
