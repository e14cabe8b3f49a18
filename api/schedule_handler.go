package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rcommerce/conveyor/cron"
	"github.com/rcommerce/conveyor/id"
	"github.com/rcommerce/conveyor/job"
)

// CreateScheduleRequest is the body of POST /v1/schedules. Enabled
// defaults to true.
type CreateScheduleRequest struct {
	Name        string          `json:"name"`
	Expression  string          `json:"expression"`
	Timezone    string          `json:"timezone,omitempty"`
	Enabled     *bool           `json:"enabled,omitempty"`
	Type        string          `json:"job_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Queue       string          `json:"queue,omitempty"`
	Priority    job.Priority    `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	Timeout     string          `json:"timeout,omitempty"`
}

func (req CreateScheduleRequest) schedule() (*cron.Schedule, error) {
	sc := &cron.Schedule{
		Name:       req.Name,
		Expression: req.Expression,
		Timezone:   req.Timezone,
		Enabled:    req.Enabled == nil || *req.Enabled,
		Template: cron.Template{
			Type:        req.Type,
			Payload:     []byte(req.Payload),
			Queue:       req.Queue,
			Priority:    req.Priority,
			MaxAttempts: req.MaxAttempts,
		},
	}
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout: %w", err)
		}
		sc.Template.Timeout = d
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (a *API) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := a.eng.Scheduler().List(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (a *API) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	sc, err := req.schedule()
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	if err := a.eng.Scheduler().Create(r.Context(), sc); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (a *API) getSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := scheduleParam(w, r)
	if !ok {
		return
	}
	sc, err := a.eng.Scheduler().Get(r.Context(), scheduleID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) enableSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := scheduleParam(w, r)
	if !ok {
		return
	}
	sc, err := a.eng.Scheduler().Enable(r.Context(), scheduleID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) disableSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := scheduleParam(w, r)
	if !ok {
		return
	}
	sc, err := a.eng.Scheduler().Disable(r.Context(), scheduleID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

func (a *API) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, ok := scheduleParam(w, r)
	if !ok {
		return
	}
	if err := a.eng.Scheduler().Delete(r.Context(), scheduleID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func scheduleParam(w http.ResponseWriter, r *http.Request) (id.ScheduleID, bool) {
	scheduleID, err := id.ParseScheduleID(chi.URLParam(r, "scheduleID"))
	if err != nil {
		badRequest(w, fmt.Sprintf("invalid schedule ID: %v", err))
		return id.Nil, false
	}
	return scheduleID, true
}
