package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrCircuitOpen    = errors.New("provider: circuit open")
	ErrRateLimited    = errors.New("provider: rate limited")
	ErrPayoutRejected = errors.New("provider: payout rejected")
)

const (
	SignatureHeader = "X-Escrow-Signature"
	PaymentIDHeader = "X-Escrow-Payment-ID"
)

// PayoutRequest is the body posted to the provider's /payouts endpoint.
type PayoutRequest struct {
	PaymentID      string          `json:"payment_id"`
	AssignmentID   string          `json:"assignment_id"`
	PhysicianID    string          `json:"physician_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type PayoutResponse struct {
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
}

type Config struct {
	Name      string
	BaseURL   string
	Secret    string
	Timeout   time.Duration
	RateLimit int
}

// Client moves released escrow funds to the physician through an external
// payment provider. Calls are signed with HMAC-SHA256, rate limited and
// guarded by a circuit breaker.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *CircuitBreaker
	limiter    *RateLimiter
	logger     *slog.Logger
}

func NewClient(cfg Config, breaker *CircuitBreaker, limiter *RateLimiter, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    breaker,
		limiter:    limiter,
		logger:     logger,
	}
}

func (c *Client) Name() string {
	return c.cfg.Name
}

// Circuit returns the provider's breaker state.
func (c *Client) Circuit(ctx context.Context) CircuitState {
	return c.breaker.GetState(ctx, c.cfg.Name)
}

// Payout transfers the physician payout for payment and returns the
// provider's transfer id. The payment id doubles as the idempotency key, so
// retrying a payout the provider already accepted is safe.
func (c *Client) Payout(ctx context.Context, payment domain.EscrowPayment) (string, error) {
	state, allowed := c.breaker.AllowRequest(ctx, c.cfg.Name)
	if !allowed {
		return "", fmt.Errorf("%w: %s is %s", ErrCircuitOpen, c.cfg.Name, state)
	}
	if !c.limiter.Allow(ctx, c.cfg.Name, c.cfg.RateLimit) {
		return "", fmt.Errorf("%w: %s", ErrRateLimited, c.cfg.Name)
	}

	start := time.Now()
	transferID, statusCode, err := c.post(ctx, payment)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		c.breaker.RecordFailure(ctx, c.cfg.Name)
		c.logger.Warn("payout failed",
			"provider", c.cfg.Name,
			"payment_id", payment.ID,
			"status_code", statusCode,
			"response_time_ms", elapsed,
			"error", err,
		)
		return "", err
	}

	c.breaker.RecordSuccess(ctx, c.cfg.Name)
	c.logger.Info("payout accepted",
		"provider", c.cfg.Name,
		"payment_id", payment.ID,
		"transfer_id", transferID,
		"amount", payment.PhysicianPayout.StringFixed(2),
		"response_time_ms", elapsed,
	)
	return transferID, nil
}

func (c *Client) post(ctx context.Context, payment domain.EscrowPayment) (string, int, error) {
	body, err := json.Marshal(PayoutRequest{
		PaymentID:      payment.ID,
		AssignmentID:   payment.AssignmentID,
		PhysicianID:    payment.PhysicianID,
		Amount:         payment.PhysicianPayout,
		Currency:       "USD",
		IdempotencyKey: payment.ID,
	})
	if err != nil {
		return "", 0, fmt.Errorf("marshaling payout: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/payouts", bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("creating payout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, c.cfg.Secret))
	req.Header.Set(PaymentIDHeader, payment.ID)
	req.Header.Set("X-Escrow-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("payout request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return "", resp.StatusCode, fmt.Errorf("%w: status %d: %s", ErrPayoutRejected, resp.StatusCode, string(raw))
	}

	var out PayoutResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", resp.StatusCode, fmt.Errorf("decoding payout response: %w", err)
	}
	if out.TransferID == "" {
		return "", resp.StatusCode, fmt.Errorf("%w: empty transfer id", ErrPayoutRejected)
	}
	return out.TransferID, resp.StatusCode, nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}
