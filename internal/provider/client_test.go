package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/shopspring/decimal"
)

func testPayment() domain.EscrowPayment {
	return domain.EscrowPayment{
		ID:              "pay-1",
		AssignmentID:    "asg-1",
		PhysicianID:     "phy-1",
		AssignmentValue: decimal.RequireFromString("8000"),
		PhysicianPayout: decimal.RequireFromString("6800.00"),
		Status:          domain.PaymentEscrowed,
	}
}

func setupClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, _ := setupTestRedis(t)
	logger := testLogger()
	return NewClient(Config{
		Name:    "mock",
		BaseURL: server.URL,
		Secret:  "payout-secret",
		Timeout: 2 * time.Second,
	}, NewCircuitBreaker(client, 2, time.Minute, logger), NewRateLimiter(client, time.Second, logger), logger)
}

func TestClient_PayoutSignsAndReturnsTransfer(t *testing.T) {
	var got PayoutRequest
	var sigOK bool

	c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/payouts" {
			t.Errorf("path = %q, want /payouts", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		sigOK = Verify(body, "payout-secret", r.Header.Get(SignatureHeader))
		json.Unmarshal(body, &got)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(PayoutResponse{TransferID: "tr_123", Status: "paid"})
	})

	transferID, err := c.Payout(context.Background(), testPayment())
	if err != nil {
		t.Fatalf("Payout: %v", err)
	}
	if transferID != "tr_123" {
		t.Errorf("transfer id = %q", transferID)
	}
	if !sigOK {
		t.Error("request signature did not verify")
	}
	if !got.Amount.Equal(decimal.RequireFromString("6800")) {
		t.Errorf("amount = %s, want physician payout 6800", got.Amount)
	}
	if got.IdempotencyKey != "pay-1" {
		t.Errorf("idempotency key = %q", got.IdempotencyKey)
	}
}

func TestClient_RejectedPayoutOpensCircuit(t *testing.T) {
	var calls atomic.Int32
	c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"insufficient balance"}`, http.StatusPaymentRequired)
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Payout(ctx, testPayment()); !errors.Is(err, ErrPayoutRejected) {
			t.Fatalf("attempt %d: expected ErrPayoutRejected, got %v", i+1, err)
		}
	}

	_, err := c.Payout(ctx, testPayment())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("open circuit should not reach the provider, calls=%d", calls.Load())
	}
	if s := c.Circuit(ctx); s.State != StateOpen {
		t.Errorf("circuit = %q, want open", s.State)
	}
}

func TestClient_EmptyTransferIDIsRejected(t *testing.T) {
	c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PayoutResponse{Status: "queued"})
	})

	if _, err := c.Payout(context.Background(), testPayment()); !errors.Is(err, ErrPayoutRejected) {
		t.Errorf("expected ErrPayoutRejected, got %v", err)
	}
}

func TestClient_RateLimited(t *testing.T) {
	c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PayoutResponse{TransferID: "tr"})
	})
	c.cfg.RateLimit = 1
	ctx := context.Background()

	if _, err := c.Payout(ctx, testPayment()); err != nil {
		t.Fatalf("first payout: %v", err)
	}
	if _, err := c.Payout(ctx, testPayment()); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	payload := []byte(`{"payment_id":"pay-1"}`)

	sig := Sign(payload, "s1")
	if len(sig) != 64 {
		t.Fatalf("signature should be 64 hex chars, got %d", len(sig))
	}
	if !Verify(payload, "s1", sig) {
		t.Error("signature should verify with the same secret")
	}
	if Verify(payload, "s2", sig) {
		t.Error("signature should not verify with another secret")
	}
	if Verify(payload, "s1", "not-hex") {
		t.Error("malformed signature should not verify")
	}
}
