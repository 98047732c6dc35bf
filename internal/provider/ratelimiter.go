package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRateWindow = time.Second

// RateLimiter caps payout calls per provider within a sliding window. Each
// call is a member of a Redis sorted set scored by its unix millis.
type RateLimiter struct {
	redisClient *redis.Client
	window      time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// KEYS[1] window set; ARGV: now ms, window ms, limit, member.
var payoutWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) >= limit then
    return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window + 1000)
return 1
`)

// NewRateLimiter returns a limiter over window. A non-positive window means
// one second.
func NewRateLimiter(redisClient *redis.Client, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		redisClient: redisClient,
		window:      window,
		logger:      logger,
		now:         time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (rl *RateLimiter) SetClock(now func() time.Time) {
	rl.now = now
}

func rlKey(provider string) string {
	return fmt.Sprintf("rl:provider:%s", provider)
}

// Allow reports whether another call to provider fits in the current window.
// A limit of zero disables limiting. Redis errors fail open.
func (rl *RateLimiter) Allow(ctx context.Context, provider string, limit int) bool {
	if limit <= 0 {
		return true
	}

	result, err := payoutWindowScript.Run(ctx, rl.redisClient, []string{rlKey(provider)},
		rl.now().UnixMilli(), rl.window.Milliseconds(), limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "provider", provider)
		return true
	}

	if result == 0 {
		rl.logger.Warn("payout rate limited", "provider", provider, "limit", limit, "window", rl.window.String())
		return false
	}
	return true
}
