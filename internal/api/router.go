package api

import (
	"log/slog"
	"net/http"

	"github.com/Shubh17ss/locumbnb-sub003/internal/escrow"
	"github.com/Shubh17ss/locumbnb-sub003/internal/health"
	ws "github.com/Shubh17ss/locumbnb-sub003/internal/websocket"
	"github.com/Shubh17ss/locumbnb-sub003/internal/workflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps are the components the HTTP surface reads from and drives.
type Deps struct {
	Workflows *workflow.Engine
	Payments  *escrow.Service
	Events    EventLister
	Health    *health.Aggregator
	Hub       *ws.Hub
	// Provider is nil when no payout provider is configured.
	Provider ProviderStatus
	Gatherer prometheus.Gatherer
	// Dependencies are pinged by /ready, keyed by name.
	Dependencies map[string]Pinger
	Logger       *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	assignments := NewAssignmentHandler(d.Workflows, d.Payments, d.Logger)
	payments := NewPaymentHandler(d.Payments, d.Logger)
	events := NewEventHandler(d.Events, d.Logger)
	dashboard := NewDashboardHandler(d.Provider, d.Hub)

	if d.Hub != nil {
		r.Get("/ws", d.Hub.HandleWebSocket)
	}
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.Health, d.Logger))
		r.Get("/ready", ReadyHandler(d.Dependencies, d.Logger))
		r.Get("/provider-health", dashboard.ProviderHealth)

		r.Route("/assignments", func(r chi.Router) {
			r.Post("/", assignments.Submit)
			r.Get("/", assignments.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", assignments.Get)
				r.Get("/payment", assignments.Payment)
				r.Post("/approve", assignments.Approve())
				r.Post("/reject", assignments.Reject())
				r.Post("/sign", assignments.Sign)
				r.Post("/start", assignments.Start())
				r.Post("/complete", assignments.Complete())
				r.Post("/review", assignments.Review)
				r.Post("/errors", assignments.RecordError)
				r.Post("/errors/{index}/resolve", assignments.ResolveError)
			})
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/stats", payments.Stats)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", payments.Get)
				r.Get("/eligibility", payments.Eligibility)
				r.Post("/fund", payments.Fund)
				r.Post("/release", payments.Release)
				r.Post("/disputes", payments.Dispute)
				r.Post("/cancel", payments.Cancel)
			})
		})

		r.Post("/disputes/{id}/resolve", payments.ResolveDispute)
		r.Get("/events", events.List)
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
