package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/platform"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
	"github.com/Shubh17ss/locumbnb-sub003/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

var testNow = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)

func setupRouter(t *testing.T) http.Handler {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	mem := store.NewMemory()
	p := platform.New(platform.Options{
		Store:      mem,
		Jobs:       scheduler.NewMemoryStore(),
		Registerer: reg,
		Clock:      func() time.Time { return testNow },
		Logger:     logger,
	})

	return NewRouter(Deps{
		Workflows: p.Workflows,
		Payments:  p.Escrow,
		Events:    mem,
		Health:    p.Health,
		Hub:       p.Hub,
		Gatherer:  reg,
		Logger:    logger,
	})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

func submitBody(id string) map[string]any {
	return map[string]any{
		"assignment_id":    id,
		"physician_id":     "phy-1",
		"facility_id":      "fac-1",
		"assignment_value": "8000",
		"start_date":       "2025-03-01T00:00:00Z",
		"end_date":         "2025-04-01T00:00:00Z",
	}
}

func TestRouter_SubmitAndGetAssignment(t *testing.T) {
	h := setupRouter(t)

	rec := do(t, h, http.MethodPost, "/api/v1/assignments", submitBody("asg-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[workflowResponse](t, rec)
	if created.AssignmentID != "asg-1" || created.CurrentStage != domain.StageFacilityReview {
		t.Errorf("created = %s at %s", created.AssignmentID, created.CurrentStage)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/assignments", submitBody("asg-1"))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate submit: expected 409, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/assignments/asg-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/assignments/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown assignment: expected 404, got %d", rec.Code)
	}
}

func TestRouter_SubmitValidation(t *testing.T) {
	h := setupRouter(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing id", func(b map[string]any) { delete(b, "assignment_id") }},
		{"missing physician", func(b map[string]any) { delete(b, "physician_id") }},
		{"negative value", func(b map[string]any) { b["assignment_value"] = "-1" }},
		{"ends before start", func(b map[string]any) { b["end_date"] = "2025-02-01T00:00:00Z" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := submitBody("asg-v")
			tt.mutate(body)
			rec := do(t, h, http.MethodPost, "/api/v1/assignments", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRouter_ContractOpensPayment(t *testing.T) {
	h := setupRouter(t)
	do(t, h, http.MethodPost, "/api/v1/assignments", submitBody("asg-1"))

	if rec := do(t, h, http.MethodPost, "/api/v1/assignments/asg-1/approve", map[string]string{"actor": "fac-admin"}); rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/assignments/asg-1/sign", map[string]string{"role": "notary"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown signer role: expected 400, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/v1/assignments/asg-1/sign", map[string]string{"role": "facility"}); rec.Code != http.StatusConflict {
		t.Errorf("facility before physician: expected 409, got %d", rec.Code)
	}
	for _, role := range []string{"physician", "facility"} {
		rec := do(t, h, http.MethodPost, "/api/v1/assignments/asg-1/sign", map[string]string{"role": role, "signed_by": role + "-1"})
		if rec.Code != http.StatusOK {
			t.Fatalf("%s sign: %d %s", role, rec.Code, rec.Body.String())
		}
	}

	rec := do(t, h, http.MethodGet, "/api/v1/assignments/asg-1/payment", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("payment: %d %s", rec.Code, rec.Body.String())
	}
	p := decodeBody[domain.EscrowPayment](t, rec)
	if p.Status != domain.PaymentPendingFunding || p.PhysicianPayout.StringFixed(2) != "6800.00" {
		t.Errorf("payment = %s payout %s", p.Status, p.PhysicianPayout)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/payments/"+p.ID+"/fund", map[string]string{"funded_by": "fac-1"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("fund without reference: expected 400, got %d", rec.Code)
	}
	rec = do(t, h, http.MethodPost, "/api/v1/payments/"+p.ID+"/fund", map[string]string{"provider_transaction_id": "txn_1", "funded_by": "fac-1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("fund: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodPost, "/api/v1/payments/"+p.ID+"/disputes", map[string]string{"initiated_by": "fac-1", "role": "facility", "reason": "early"})
	if rec.Code != http.StatusConflict {
		t.Errorf("dispute before window: expected 409, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/assignments/asg-1", nil)
	wf := decodeBody[workflowResponse](t, rec)
	if wf.CurrentStage != domain.StageAssignmentScheduled {
		t.Errorf("stage after funding = %s", wf.CurrentStage)
	}
}

func TestRouter_Events(t *testing.T) {
	h := setupRouter(t)
	do(t, h, http.MethodPost, "/api/v1/assignments", submitBody("asg-1"))

	rec := do(t, h, http.MethodGet, "/api/v1/events?event_type=application.submitted", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	events := decodeBody[[]store.EventRecord](t, rec)
	if len(events) != 1 || events[0].Type != domain.EventApplicationSubmitted {
		t.Errorf("events = %+v", events)
	}

	rec = do(t, h, http.MethodGet, "/api/v1/events?event_type=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown type: expected 400, got %d", rec.Code)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	h := setupRouter(t)
	do(t, h, http.MethodPost, "/api/v1/assignments", submitBody("asg-1"))

	rec := do(t, h, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["status"] != "healthy" {
		t.Errorf("status = %v", body["status"])
	}

	rec = do(t, h, http.MethodGet, "/api/v1/provider-health", nil)
	ph := decodeBody[providerHealth](t, rec)
	if ph.Configured || ph.CircuitBreaker != nil {
		t.Errorf("provider reported without one configured: %+v", ph)
	}

	rec = do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "escrow_events_emitted_total") {
		t.Errorf("metrics missing bus counters: %d", rec.Code)
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestReadyHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name string
		deps map[string]Pinger
		want int
	}{
		{"all up", map[string]Pinger{"postgres": ok, "redis": ok}, http.StatusOK},
		{"redis down", map[string]Pinger{"postgres": ok, "redis": down}, http.StatusServiceUnavailable},
		{"no dependencies", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadyHandler(tt.deps, logger).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ready", nil))
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}
