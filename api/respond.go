package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/rcommerce/conveyor"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps conveyor errors to HTTP status codes.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("admin request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, conveyor.ErrJobNotFound),
		errors.Is(err, conveyor.ErrScheduleNotFound):
		return http.StatusNotFound
	case errors.Is(err, conveyor.ErrDuplicateSchedule),
		errors.Is(err, conveyor.ErrJobAlreadyExists),
		errors.Is(err, conveyor.ErrInvalidState),
		errors.Is(err, conveyor.ErrJobDropped):
		return http.StatusConflict
	case errors.Is(err, conveyor.ErrInvalidJob):
		return http.StatusBadRequest
	case errors.Is(err, conveyor.ErrBackpressure),
		conveyor.IsTransient(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// page reads limit and offset query parameters.
func page(r *http.Request) (limit, offset int, err error) {
	limit = defaultPageSize
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 1 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if offset, err = strconv.Atoi(s); err != nil || offset < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
