package health

import (
	"context"
	"fmt"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/escrow"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/Shubh17ss/locumbnb-sub003/internal/workflow"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

const (
	criticalBlocked = 10
	criticalQueue   = 100
	degradedBlocked = 5
	degradedQueue   = 50
)

type WorkflowReader interface {
	GetAllWorkflows(ctx context.Context) ([]domain.WorkflowState, error)
	GetBlockedWorkflows(ctx context.Context) ([]domain.WorkflowState, error)
}

type QueueReader interface {
	Stats() eventbus.Stats
}

type PaymentStatsReader interface {
	Stats(ctx context.Context) (escrow.PaymentStats, error)
}

// JobCounter reports scheduled jobs still waiting to fire.
type JobCounter interface {
	Pending(ctx context.Context) (int64, error)
}

type WorkflowMetrics struct {
	Total           int `json:"total"`
	Active          int `json:"active"`
	Completed       int `json:"completed"`
	Blocked         int `json:"blocked"`
	AverageProgress int `json:"average_progress"`
}

type SystemHealthMetrics struct {
	Status        Status              `json:"status"`
	Timestamp     time.Time           `json:"timestamp"`
	Workflows     WorkflowMetrics     `json:"workflows"`
	Events        eventbus.Stats      `json:"events"`
	Payments      escrow.PaymentStats `json:"payments"`
	ScheduledJobs int64               `json:"scheduled_jobs"`
}

// Classify maps blocked-workflow and queue counts to a status.
func Classify(blocked, queueSize int) Status {
	switch {
	case blocked > criticalBlocked || queueSize > criticalQueue:
		return StatusCritical
	case blocked > degradedBlocked || queueSize > degradedQueue:
		return StatusDegraded
	}
	return StatusHealthy
}

// Aggregator builds read-only health snapshots from the running engines.
type Aggregator struct {
	workflows WorkflowReader
	queue     QueueReader
	payments  PaymentStatsReader
	jobs      JobCounter
	now       func() time.Time
}

func NewAggregator(workflows WorkflowReader, queue QueueReader, payments PaymentStatsReader) *Aggregator {
	return &Aggregator{
		workflows: workflows,
		queue:     queue,
		payments:  payments,
		now:       time.Now,
	}
}

// SetJobCounter adds the scheduler backlog to snapshots.
func (a *Aggregator) SetJobCounter(jobs JobCounter) {
	a.jobs = jobs
}

func (a *Aggregator) Snapshot(ctx context.Context) (SystemHealthMetrics, error) {
	all, err := a.workflows.GetAllWorkflows(ctx)
	if err != nil {
		return SystemHealthMetrics{}, fmt.Errorf("listing workflows: %w", err)
	}
	blocked, err := a.workflows.GetBlockedWorkflows(ctx)
	if err != nil {
		return SystemHealthMetrics{}, fmt.Errorf("listing blocked workflows: %w", err)
	}
	payments, err := a.payments.Stats(ctx)
	if err != nil {
		return SystemHealthMetrics{}, fmt.Errorf("payment stats: %w", err)
	}

	wm := WorkflowMetrics{Total: len(all), Blocked: len(blocked)}
	progress := 0
	for _, w := range all {
		if w.CompletedAt != nil {
			wm.Completed++
		} else {
			wm.Active++
		}
		progress += workflow.CalculateProgress(w)
	}
	if wm.Total > 0 {
		wm.AverageProgress = progress / wm.Total
	}

	events := a.queue.Stats()
	status := Classify(wm.Blocked, events.QueueSize)
	if status == StatusHealthy && events.DetachedHandlers > 0 {
		// a handler ignored its timeout and still runs beside the queue
		status = StatusDegraded
	}
	m := SystemHealthMetrics{
		Status:    status,
		Timestamp: a.now().UTC(),
		Workflows: wm,
		Events:    events,
		Payments:  payments,
	}
	if a.jobs != nil {
		if n, err := a.jobs.Pending(ctx); err == nil {
			m.ScheduledJobs = n
		}
	}
	return m, nil
}
