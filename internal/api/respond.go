package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Shubh17ss/locumbnb-sub003/internal/escrow"
	"github.com/Shubh17ss/locumbnb-sub003/internal/provider"
	"github.com/Shubh17ss/locumbnb-sub003/internal/workflow"
)

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

// decode reads an optional JSON body into v. An empty body leaves v as is.
func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// statusFor maps engine errors to HTTP status codes. Transitions that are not
// currently available are conflicts, not failures.
func statusFor(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound), errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, escrow.ErrInvalidTransition),
		errors.Is(err, escrow.ErrAlreadyReleased),
		errors.Is(err, escrow.ErrAlreadyDisputed),
		errors.Is(err, escrow.ErrDisputeNotAllowed),
		errors.Is(err, escrow.ErrHoldResolved),
		errors.Is(err, escrow.ErrHoldMismatch),
		errors.Is(err, escrow.ErrNotDue),
		errors.Is(err, workflow.ErrStageMismatch),
		errors.Is(err, workflow.ErrAlreadyExists),
		errors.Is(err, workflow.ErrStageLocked),
		errors.Is(err, workflow.ErrErrorResolved):
		return http.StatusConflict

	case errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrInvalidSchedule),
		errors.Is(err, escrow.ErrInvalidResolution),
		errors.Is(err, escrow.ErrMissingReference),
		errors.Is(err, workflow.ErrUnknownStage),
		errors.Is(err, workflow.ErrErrorIndex),
		errors.Is(err, workflow.ErrInvalidRole),
		errors.Is(err, workflow.ErrInvalidRating):
		return http.StatusBadRequest

	case errors.Is(err, provider.ErrCircuitOpen), errors.Is(err, provider.ErrRateLimited):
		return http.StatusServiceUnavailable
	case errors.Is(err, provider.ErrPayoutRejected):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	respondError(w, status, msg)
}
