package scheduler

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs claimed jobs on a fixed number of worker goroutines.
type Pool struct {
	numWorkers int
	jobs       chan Job
	run        func(ctx context.Context, job Job)
	giveBack   func(ctx context.Context, job Job)
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool builds a pool that calls run for each submitted job. Jobs still
// buffered once ctx is cancelled are passed to giveBack instead.
func NewPool(numWorkers int, run, giveBack func(ctx context.Context, job Job), logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan Job, numWorkers*2),
		run:        run,
		giveBack:   giveBack,
		logger:     logger,
	}
}

// Start launches the workers. They read from the jobs channel until it is
// closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("scheduler pool started", "num_workers", p.numWorkers)
}

func (p *Pool) Submit(job Job) {
	p.jobs <- job
}

// Stop closes the jobs channel and waits for in-flight jobs.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.logger.Info("scheduler pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		if ctx.Err() != nil {
			p.giveBack(ctx, job)
			continue
		}
		p.run(ctx, job)
	}
}
