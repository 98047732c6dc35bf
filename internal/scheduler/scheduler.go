package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNoHandler = errors.New("scheduler: no handler for job kind")

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
	defaultRetryBase    = 30 * time.Second
	defaultLease        = 5 * time.Minute
	maxRetryDelay       = time.Hour
	// jobs found this far past their fire-at during the startup sweep are
	// reported as late.
	overdueThreshold = time.Minute
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int64
	Workers      int
	RetryBase    time.Duration

	// Lease is how long a claimed job stays invisible to other polls. A
	// job still leased after this is considered lost and runs again.
	Lease time.Duration
}

// Scheduler replaces in-process timers with a durable job table. Jobs carry
// an absolute fire-at and are only removed once their handler has finished,
// so a restart loses nothing: Start takes back the leases of the previous
// process and sweeps every overdue job before entering the poll loop.
type Scheduler struct {
	store    Store
	logger   *slog.Logger
	now      func() time.Time
	cfg      Config
	metrics  *Metrics
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func New(store Store, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	return &Scheduler{
		store:    store,
		logger:   logger,
		now:      time.Now,
		cfg:      cfg,
		handlers: make(map[string]HandlerFunc),
	}
}

// SetClock overrides the time source. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Scheduler) SetMetrics(m *Metrics) {
	s.metrics = m
}

// Handle registers fn for jobs of kind. A later registration replaces an
// earlier one.
func (s *Scheduler) Handle(kind string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[kind] = fn
	s.mu.Unlock()
}

// Schedule stores a job to fire at job.FireAt. ID and MaxAttempts are
// filled in when empty.
func (s *Scheduler) Schedule(ctx context.Context, job Job) error {
	if job.Kind == "" {
		return errors.New("scheduler: job kind is required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = defaultMaxAttempts
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if err := s.store.Add(ctx, job); err != nil {
		return fmt.Errorf("scheduling %s for %s: %w", job.Kind, job.Key, err)
	}
	s.metrics.observeScheduled(job.Kind)

	s.logger.Debug("job scheduled",
		"job_id", job.ID,
		"kind", job.Kind,
		"key", job.Key,
		"fire_at", job.FireAt,
	)
	return nil
}

// Pending returns the number of stored jobs.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.store.Len(ctx)
}

// Start sweeps overdue jobs, then polls until ctx is cancelled. Claimed jobs
// run on a worker pool which is drained before Start returns; jobs still
// buffered at shutdown go back to the table.
func (s *Scheduler) Start(ctx context.Context) error {
	pool := NewPool(s.cfg.Workers, s.execute, s.requeue, s.logger)
	pool.Start(ctx)
	defer pool.Stop()

	s.logger.Info("scheduler started", "poll_interval", s.cfg.PollInterval, "lease", s.cfg.Lease)
	// Only one scheduler runs against the table, so every lease alive at
	// startup belongs to a process that is gone.
	s.recover(ctx, s.now().Add(s.cfg.Lease))
	s.poll(ctx, pool.Submit, true)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
			s.recover(ctx, s.now())
			s.poll(ctx, pool.Submit, false)
		}
	}
}

// RunDue claims and executes every due job on the calling goroutine and
// returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	n := 0
	s.recover(ctx, s.now())
	s.poll(ctx, func(job Job) {
		if ctx.Err() != nil {
			s.requeue(ctx, job)
			return
		}
		s.execute(ctx, job)
		n++
	}, false)
	return n
}

func (s *Scheduler) recover(ctx context.Context, cutoff time.Time) {
	n, err := s.store.Recover(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to recover leased jobs", "error", err)
	}
	if n > 0 {
		s.metrics.observeLeaseExpired(n)
		s.logger.Warn("recovered unacknowledged jobs", "count", n)
	}
}

func (s *Scheduler) poll(ctx context.Context, submit func(Job), startup bool) {
	for ctx.Err() == nil {
		now := s.now()
		jobs, err := s.store.Due(ctx, now, now.Add(s.cfg.Lease), s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("failed to poll job queue", "error", err)
		}
		for _, job := range jobs {
			if late := now.Sub(job.FireAt); startup && late > overdueThreshold {
				s.metrics.observeOverdue()
				s.logger.Warn("recovered overdue job",
					"job_id", job.ID,
					"kind", job.Kind,
					"key", job.Key,
					"late_by", late.String(),
				)
			}
			submit(job)
		}
		if err != nil || int64(len(jobs)) < s.cfg.BatchSize {
			return
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, job Job) {
	s.mu.RLock()
	fn, ok := s.handlers[job.Kind]
	s.mu.RUnlock()

	var err error
	start := time.Now()
	if !ok {
		err = fmt.Errorf("%w: %s", ErrNoHandler, job.Kind)
	} else {
		err = safeRun(ctx, fn, job)
	}
	elapsed := time.Since(start)
	if err == nil {
		s.metrics.observeRun(job.Kind, "completed", elapsed)
		s.ack(ctx, job)
		s.logger.Info("job completed", "job_id", job.ID, "kind", job.Kind, "key", job.Key, "attempt", job.Attempt)
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the run; it does not count as an attempt.
		s.metrics.observeRun(job.Kind, "interrupted", elapsed)
		s.requeue(ctx, job)
		return
	}

	if job.Attempt >= job.MaxAttempts {
		s.metrics.observeRun(job.Kind, "exhausted", elapsed)
		s.ack(ctx, job)
		s.logger.Error("job exhausted retries",
			"job_id", job.ID,
			"kind", job.Kind,
			"key", job.Key,
			"attempt", job.Attempt,
			"error", err,
		)
		return
	}

	s.metrics.observeRun(job.Kind, "retried", elapsed)
	delay := s.backoff(job.Attempt)
	next := job
	next.lease = ""
	next.Attempt++
	next.LastError = err.Error()
	next.FireAt = s.now().Add(delay)
	if !s.replace(ctx, job, next) {
		return
	}
	s.logger.Warn("job failed, retrying",
		"job_id", next.ID,
		"kind", next.Kind,
		"key", next.Key,
		"attempt", next.Attempt,
		"retry_in", delay.String(),
		"error", err,
	)
}

// requeue hands a claimed job back to the table unchanged.
func (s *Scheduler) requeue(ctx context.Context, job Job) {
	next := job
	next.lease = ""
	if s.replace(ctx, job, next) {
		s.logger.Info("job returned to queue", "job_id", job.ID, "kind", job.Kind, "key", job.Key)
	}
}

// replace adds next before acknowledging the lease on claimed, so a failure
// in between can only run the job twice, never lose it. Both writes ignore
// cancellation of ctx.
func (s *Scheduler) replace(ctx context.Context, claimed, next Job) bool {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.Add(ctx, next); err != nil {
		s.logger.Error("failed to requeue job", "job_id", claimed.ID, "kind", claimed.Kind, "error", err)
		return false
	}
	s.ack(ctx, claimed)
	return true
}

func (s *Scheduler) ack(ctx context.Context, job Job) {
	if err := s.store.Ack(context.WithoutCancel(ctx), job); err != nil {
		s.logger.Error("failed to acknowledge job", "job_id", job.ID, "kind", job.Kind, "error", err)
	}
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

func safeRun(ctx context.Context, fn HandlerFunc, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, job)
}
