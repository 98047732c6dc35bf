package scheduler

import (
	"context"
	"time"
)

// Job kinds understood by the platform.
const (
	KindEscrowAutoRelease      = "escrow.auto_release"
	KindWorkflowPaymentRelease = "workflow.payment_release_due"
	KindWorkflowReviewClose    = "workflow.review_close"
)

const defaultMaxAttempts = 5

// Job is a delayed transition stored with an absolute fire-at time so it
// survives process restarts.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Key         string    `json:"key"`
	FireAt      time.Time `json:"fire_at"`
	Attempt     int       `json:"attempt"`
	MaxAttempts int       `json:"max_attempts"`
	LastError   string    `json:"last_error,omitempty"`

	// lease is the stored form of a claimed job, used to acknowledge it.
	lease string
}

// Store is the durable job table. A job returned by Due is leased, not
// removed: it stays in the table until Ack, and a lease that is never
// acknowledged is handed out again once Recover sees it expired.
type Store interface {
	Add(ctx context.Context, job Job) error
	// Due leases up to limit jobs whose fire-at is not after now. Each lease
	// lasts until leaseUntil.
	Due(ctx context.Context, now, leaseUntil time.Time, limit int64) ([]Job, error)
	// Ack removes a leased job for good.
	Ack(ctx context.Context, job Job) error
	// Recover makes every lease ending at or before cutoff due again and
	// returns how many it moved.
	Recover(ctx context.Context, cutoff time.Time) (int, error)
	// Len counts queued and leased jobs.
	Len(ctx context.Context) (int64, error)
}

// HandlerFunc executes one job. A returned error schedules a retry.
type HandlerFunc func(ctx context.Context, job Job) error
