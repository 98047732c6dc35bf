package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// JobQueueKey is the sorted set holding scheduled jobs scored by fire-at
	// unix microseconds.
	JobQueueKey = "scheduled_jobs"
	// JobLeaseKey holds claimed jobs scored by lease expiry.
	JobLeaseKey = "scheduled_jobs:leased"
)

// claimScript moves due jobs from the queue into the lease set in one step,
// so two pollers never lease the same job.
// KEYS[1] = queue, KEYS[2] = leases
// ARGV[1] = now (unix micros), ARGV[2] = lease expiry (unix micros), ARGV[3] = limit
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('ZADD', KEYS[2], ARGV[2], member)
end
return due
`)

// restoreScript puts one leased job back on the queue if it is still leased.
// KEYS[1] = queue, KEYS[2] = leases
// ARGV[1] = member, ARGV[2] = fire-at (unix micros)
var restoreScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
	redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
	return 1
end
return 0
`)

// RedisStore keeps the job table in two Redis sorted sets: queued jobs and
// leased jobs.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func encodeJob(job Job) (string, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshaling job: %w", err)
	}
	return string(data), nil
}

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func (s *RedisStore) Add(ctx context.Context, job Job) error {
	member, err := encodeJob(job)
	if err != nil {
		return err
	}
	err = s.client.ZAdd(ctx, JobQueueKey, redis.Z{
		Score:  float64(job.FireAt.UnixMicro()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("queuing job to redis: %w", err)
	}
	return nil
}

// Due leases jobs with fire-at <= now.
func (s *RedisStore) Due(ctx context.Context, now, leaseUntil time.Time, limit int64) ([]Job, error) {
	members, err := claimScript.Run(ctx, s.client,
		[]string{JobQueueKey, JobLeaseKey},
		micros(now), micros(leaseUntil), limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claiming due jobs: %w", err)
	}

	jobs := make([]Job, 0, len(members))
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			// Drop the lease so a corrupt member is not handed out forever.
			s.client.ZRem(ctx, JobLeaseKey, member)
			return jobs, fmt.Errorf("unmarshaling job: %w", err)
		}
		job.lease = member
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStore) Ack(ctx context.Context, job Job) error {
	member := job.lease
	if member == "" {
		var err error
		if member, err = encodeJob(job); err != nil {
			return err
		}
	}
	if err := s.client.ZRem(ctx, JobLeaseKey, member).Err(); err != nil {
		return fmt.Errorf("acknowledging job %s: %w", job.ID, err)
	}
	return nil
}

// Recover returns leases that ended at or before cutoff to the queue at
// their original fire-at.
func (s *RedisStore) Recover(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, JobLeaseKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: micros(cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing expired leases: %w", err)
	}

	restored := 0
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			return restored, fmt.Errorf("unmarshaling leased job: %w", err)
		}
		n, err := restoreScript.Run(ctx, s.client,
			[]string{JobQueueKey, JobLeaseKey},
			member, micros(job.FireAt),
		).Int()
		if err != nil {
			return restored, fmt.Errorf("restoring job %s: %w", job.ID, err)
		}
		restored += n
	}
	return restored, nil
}

func (s *RedisStore) Len(ctx context.Context) (int64, error) {
	pipe := s.client.Pipeline()
	queued := pipe.ZCard(ctx, JobQueueKey)
	leased := pipe.ZCard(ctx, JobLeaseKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return queued.Val() + leased.Val(), nil
}
