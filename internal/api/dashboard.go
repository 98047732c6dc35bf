package api

import (
	"context"
	"net/http"

	"github.com/Shubh17ss/locumbnb-sub003/internal/provider"
	ws "github.com/Shubh17ss/locumbnb-sub003/internal/websocket"
)

// ProviderStatus exposes the payout provider's circuit state.
type ProviderStatus interface {
	Name() string
	Circuit(ctx context.Context) provider.CircuitState
}

type DashboardHandler struct {
	provider ProviderStatus
	hub      *ws.Hub
}

func NewDashboardHandler(p ProviderStatus, hub *ws.Hub) *DashboardHandler {
	return &DashboardHandler{provider: p, hub: hub}
}

type providerHealth struct {
	Name             string                 `json:"name"`
	Configured       bool                   `json:"configured"`
	CircuitBreaker   *provider.CircuitState `json:"circuit_breaker,omitempty"`
	WebSocketClients int                    `json:"websocket_clients"`
}

// ProviderHealth returns the payout provider's circuit breaker state and the
// number of live dashboard clients.
func (h *DashboardHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	resp := providerHealth{}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}
	if h.provider != nil {
		state := h.provider.Circuit(r.Context())
		resp.Name = h.provider.Name()
		resp.Configured = true
		resp.CircuitBreaker = &state
	}
	respondJSON(w, http.StatusOK, resp)
}
