package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// CircuitBreaker guards a payment provider with state kept in Redis so every
// instance sees the same circuit.
//
//   - Closed: payouts flow, failures are counted.
//   - Open: payouts are rejected until the cooldown elapses.
//   - Half-open: one trial payout; success closes, failure reopens.
type CircuitBreaker struct {
	redisClient      *redis.Client
	logger           *slog.Logger
	failureThreshold int
	cooldownPeriod   time.Duration
	now              func() time.Time
}

// CircuitState is the externally visible state of one provider's circuit.
type CircuitState struct {
	State        string `json:"state"`
	Failures     int    `json:"failures"`
	LastFailedAt string `json:"last_failed_at,omitempty"`
}

func NewCircuitBreaker(redisClient *redis.Client, failureThreshold int, cooldown time.Duration, logger *slog.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		redisClient:      redisClient,
		logger:           logger,
		failureThreshold: failureThreshold,
		cooldownPeriod:   cooldown,
		now:              time.Now,
	}
}

func cbKey(provider string) string {
	return fmt.Sprintf("cb:provider:%s", provider)
}

// AllowRequest reports the circuit state and whether a payout may proceed.
func (cb *CircuitBreaker) AllowRequest(ctx context.Context, provider string) (string, bool) {
	key := cbKey(provider)

	data, err := cb.redisClient.HGetAll(ctx, key).Result()
	if err != nil || len(data) == 0 {
		return StateClosed, true
	}

	switch data["state"] {
	case StateOpen:
		lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
		if cb.cooledDown(lastFailedAt) {
			cb.redisClient.HSet(ctx, key, "state", StateHalfOpen)
			cb.logger.Info("circuit breaker half-open", "provider", provider)
			return StateHalfOpen, true
		}
		return StateOpen, false
	case StateHalfOpen:
		return StateHalfOpen, true
	default:
		return StateClosed, true
	}
}

func (cb *CircuitBreaker) RecordSuccess(ctx context.Context, provider string) {
	key := cbKey(provider)

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	cb.redisClient.HSet(ctx, key, "state", StateClosed, "failures", 0)

	if state == StateHalfOpen {
		cb.logger.Info("circuit breaker closed (recovered)", "provider", provider)
	}
}

func (cb *CircuitBreaker) RecordFailure(ctx context.Context, provider string) {
	key := cbKey(provider)

	failures, err := cb.redisClient.HIncrBy(ctx, key, "failures", 1).Result()
	if err != nil {
		cb.logger.Error("failed to record circuit breaker failure", "error", err, "provider", provider)
		return
	}
	cb.redisClient.HSet(ctx, key, "last_failed_at", cb.now().Unix())

	state, _ := cb.redisClient.HGet(ctx, key, "state").Result()
	switch {
	case state == StateHalfOpen:
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker re-opened (half-open trial failed)", "provider", provider)
	case failures >= int64(cb.failureThreshold):
		cb.redisClient.HSet(ctx, key, "state", StateOpen)
		cb.logger.Warn("circuit breaker opened",
			"provider", provider,
			"failures", failures,
			"threshold", cb.failureThreshold,
		)
	case state == "":
		cb.redisClient.HSet(ctx, key, "state", StateClosed)
	}
}

// GetState returns the provider's circuit, reporting an open circuit whose
// cooldown has elapsed as half-open.
func (cb *CircuitBreaker) GetState(ctx context.Context, provider string) CircuitState {
	data, err := cb.redisClient.HGetAll(ctx, cbKey(provider)).Result()
	if err != nil || len(data) == 0 {
		return CircuitState{State: StateClosed}
	}

	failures, _ := strconv.Atoi(data["failures"])
	lastFailedAt, _ := strconv.ParseInt(data["last_failed_at"], 10, 64)
	state := data["state"]
	if state == "" {
		state = StateClosed
	}
	if state == StateOpen && cb.cooledDown(lastFailedAt) {
		state = StateHalfOpen
	}

	result := CircuitState{State: state, Failures: failures}
	if lastFailedAt > 0 {
		result.LastFailedAt = time.Unix(lastFailedAt, 0).UTC().Format(time.RFC3339)
	}
	return result
}

func (cb *CircuitBreaker) cooledDown(lastFailedAt int64) bool {
	return cb.now().Unix()-lastFailedAt >= int64(cb.cooldownPeriod.Seconds())
}
