package api

import (
	"net/http"

	"github.com/rcommerce/conveyor/worker"
)

// WorkersResponse is the body of the worker routes.
type WorkersResponse struct {
	State    worker.State   `json:"state"`
	Capacity int            `json:"capacity"`
	Workers  []worker.Stats `json:"workers"`
}

func (a *API) workers() WorkersResponse {
	pool := a.eng.Pool()
	return WorkersResponse{
		State:    pool.State(),
		Capacity: pool.Capacity(),
		Workers:  pool.Stats(),
	}
}

func (a *API) listWorkers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.workers())
}

// pauseWorkers stops leasing; in-flight jobs keep running.
func (a *API) pauseWorkers(w http.ResponseWriter, _ *http.Request) {
	a.eng.Pool().Pause()
	writeJSON(w, http.StatusAccepted, a.workers())
}

func (a *API) resumeWorkers(w http.ResponseWriter, _ *http.Request) {
	a.eng.Pool().Resume()
	writeJSON(w, http.StatusOK, a.workers())
}

// stopWorkers blocks until the pool has drained or the request ends.
func (a *API) stopWorkers(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Pool().Stop(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.workers())
}

func (a *API) startWorkers(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Pool().Start(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.workers())
}
