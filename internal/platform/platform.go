package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/escrow"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/Shubh17ss/locumbnb-sub003/internal/health"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
	"github.com/Shubh17ss/locumbnb-sub003/internal/store"
	ws "github.com/Shubh17ss/locumbnb-sub003/internal/websocket"
	"github.com/Shubh17ss/locumbnb-sub003/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
)

// Store is everything the engines persist, plus the event outbox.
type Store interface {
	workflow.Store
	escrow.Store
	eventbus.Recorder
	ListEvents(ctx context.Context, eventType string, limit int) ([]store.EventRecord, error)
}

type Options struct {
	Store    Store
	Jobs     scheduler.Store
	Escrow   escrow.Config
	Workflow workflow.Config
	Schedule scheduler.Config
	// Payouts is optional; without it releases are bookkeeping only.
	Payouts        escrow.PayoutProvider
	HandlerTimeout time.Duration
	// Registerer receives bus and scheduler metrics when set.
	Registerer prometheus.Registerer
	Clock      func() time.Time
	Logger     *slog.Logger
}

// Platform is one orchestrator instance: a single event bus shared by the
// escrow and workflow engines, the durable scheduler behind their delayed
// transitions, and the read-only consumers.
type Platform struct {
	Bus       *eventbus.Bus
	Escrow    *escrow.Service
	Workflows *workflow.Engine
	Scheduler *scheduler.Scheduler
	Health    *health.Aggregator
	Hub       *ws.Hub
	Store     Store
}

func New(opts Options) *Platform {
	busOpts := []eventbus.Option{
		eventbus.WithRecorder(opts.Store),
		eventbus.WithHandlerTimeout(opts.HandlerTimeout),
	}
	if opts.Registerer != nil {
		busOpts = append(busOpts, eventbus.WithMetrics(eventbus.NewMetrics(opts.Registerer)))
	}
	if opts.Clock != nil {
		busOpts = append(busOpts, eventbus.WithClock(opts.Clock))
	}
	bus := eventbus.New(opts.Logger, busOpts...)

	sched := scheduler.New(opts.Jobs, opts.Logger, opts.Schedule)
	if opts.Registerer != nil {
		sched.SetMetrics(scheduler.NewMetrics(opts.Registerer))
	}

	payments := escrow.NewService(opts.Store, bus, opts.Escrow, opts.Logger)
	payments.SetScheduler(sched)
	if opts.Payouts != nil {
		payments.SetPayoutProvider(opts.Payouts)
	}

	workflows := workflow.NewEngine(opts.Store, bus, opts.Workflow, opts.Logger)
	workflows.SetScheduler(sched)
	workflows.SetPayments(opts.Store)
	payments.SetFailureRecorder(workflows)

	if opts.Clock != nil {
		sched.SetClock(opts.Clock)
		payments.SetClock(opts.Clock)
		workflows.SetClock(opts.Clock)
	}

	payments.RegisterHandlers(bus)
	payments.RegisterJobs(sched)
	workflows.RegisterHandlers(bus)
	workflows.RegisterJobs(sched)

	agg := health.NewAggregator(workflows, bus, payments)
	agg.SetJobCounter(sched)

	hub := ws.NewHub(opts.Logger)
	hub.Attach(bus)

	return &Platform{
		Bus:       bus,
		Escrow:    payments,
		Workflows: workflows,
		Scheduler: sched,
		Health:    agg,
		Hub:       hub,
		Store:     opts.Store,
	}
}
