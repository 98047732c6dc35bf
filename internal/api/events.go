package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/store"
)

// EventLister reads processed events back from the outbox.
type EventLister interface {
	ListEvents(ctx context.Context, eventType string, limit int) ([]store.EventRecord, error)
}

type EventHandler struct {
	events EventLister
	logger *slog.Logger
}

func NewEventHandler(events EventLister, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Query().Get("event_type")
	if eventType != "" && !domain.EventType(eventType).Valid() {
		respondError(w, http.StatusBadRequest, "unknown event_type")
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := h.events.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		h.logger.Error("failed to list events", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	respondJSON(w, http.StatusOK, events)
}
