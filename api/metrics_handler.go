package api

import (
	"net/http"

	"github.com/rcommerce/conveyor/metrics"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (a *API) metricsSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Metrics().Snapshot())
}

// alerts evaluates the alert rules and returns those firing.
func (a *API) alerts(w http.ResponseWriter, _ *http.Request) {
	firing := a.eng.Metrics().Evaluate()
	if firing == nil {
		firing = []metrics.Alert{}
	}
	writeJSON(w, http.StatusOK, firing)
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
