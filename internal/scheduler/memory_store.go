package scheduler

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

type leasedJob struct {
	job   Job
	until time.Time
}

// MemoryStore is a process-local job table for tests and single-node dev.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   []Job
	leased map[string]leasedJob
	seq    int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{leased: make(map[string]leasedJob)}
}

func (s *MemoryStore) Add(_ context.Context, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert(job)
	return nil
}

func (s *MemoryStore) insert(job Job) {
	s.jobs = append(s.jobs, job)
	sort.SliceStable(s.jobs, func(i, j int) bool { return s.jobs[i].FireAt.Before(s.jobs[j].FireAt) })
}

func (s *MemoryStore) Due(_ context.Context, now, leaseUntil time.Time, limit int64) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Job
	i := 0
	for ; i < len(s.jobs); i++ {
		if s.jobs[i].FireAt.After(now) || (limit > 0 && int64(len(due)) >= limit) {
			break
		}
		job := s.jobs[i]
		s.seq++
		job.lease = strconv.FormatInt(s.seq, 10)
		s.leased[job.lease] = leasedJob{job: job, until: leaseUntil}
		due = append(due, job)
	}
	s.jobs = append(s.jobs[:0], s.jobs[i:]...)
	return due, nil
}

func (s *MemoryStore) Ack(_ context.Context, job Job) error {
	s.mu.Lock()
	delete(s.leased, job.lease)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Recover(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, l := range s.leased {
		if l.until.After(cutoff) {
			continue
		}
		delete(s.leased, key)
		job := l.job
		job.lease = ""
		s.insert(job)
		n++
	}
	return n, nil
}

func (s *MemoryStore) Len(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.jobs) + len(s.leased)), nil
}

// Pending returns a copy of the queued jobs ordered by fire-at. Leased jobs
// are not included.
func (s *MemoryStore) Pending() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Job(nil), s.jobs...)
}

// Leased returns how many jobs are claimed but not yet acknowledged.
func (s *MemoryStore) Leased() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leased)
}
