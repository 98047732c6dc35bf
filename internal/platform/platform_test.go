package platform

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/escrow"
	"github.com/Shubh17ss/locumbnb-sub003/internal/health"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
	"github.com/Shubh17ss/locumbnb-sub003/internal/store"
	"github.com/Shubh17ss/locumbnb-sub003/internal/workflow"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

var (
	submittedAt     = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	assignmentStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	assignmentEnd   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	releaseAt       = time.Date(2025, 4, 5, 0, 0, 0, 0, time.UTC)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fakePayouts struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePayouts) Payout(_ context.Context, p domain.EscrowPayment) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "tr_" + p.ID, nil
}

type harness struct {
	p       *Platform
	store   *store.MemoryStore
	clock   *testClock
	payouts *fakePayouts
}

func setupPlatform(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store:   store.NewMemory(),
		clock:   &testClock{now: submittedAt},
		payouts: &fakePayouts{},
	}
	h.p = New(Options{
		Store:          h.store,
		Jobs:           scheduler.NewMemoryStore(),
		Payouts:        h.payouts,
		HandlerTimeout: 5 * time.Second,
		Registerer:     prometheus.NewRegistry(),
		Clock:          h.clock.Now,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

// contractExecuted submits, approves and signs an assignment, which opens
// its escrow payment.
func (h *harness) contractExecuted(t *testing.T, id string) domain.EscrowPayment {
	t.Helper()
	return h.contractExecutedFor(t, id, decimal.NewFromInt(8000))
}

func (h *harness) contractExecutedFor(t *testing.T, id string, value decimal.Decimal) domain.EscrowPayment {
	t.Helper()
	ctx := context.Background()
	wf := h.p.Workflows

	_, err := wf.Initialize(ctx, id, domain.AssignmentTerms{
		PhysicianID:     "phy-1",
		FacilityID:      "fac-1",
		AssignmentValue: value,
		StartDate:       assignmentStart,
		EndDate:         assignmentEnd,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := wf.HandleApplicationApproval(ctx, id, "fac-admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := wf.HandleSignature(ctx, id, domain.SignerPhysician, "phy-1"); err != nil {
		t.Fatalf("physician sign: %v", err)
	}
	if _, err := wf.HandleSignature(ctx, id, domain.SignerFacility, "fac-admin"); err != nil {
		t.Fatalf("facility sign: %v", err)
	}

	p, err := h.p.Escrow.GetByAssignment(ctx, id)
	if err != nil {
		t.Fatalf("escrow not opened for %s: %v", id, err)
	}
	return p
}

func (h *harness) stage(t *testing.T, id string) domain.WorkflowStage {
	t.Helper()
	w, err := h.p.Workflows.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get workflow: %v", err)
	}
	return w.CurrentStage
}

func (h *harness) outbox(t *testing.T, eventType domain.EventType) []store.EventRecord {
	t.Helper()
	records, err := h.store.ListEvents(context.Background(), string(eventType), 100)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	return records
}

func TestPlatform_AssignmentLifecycle(t *testing.T) {
	h := setupPlatform(t)
	ctx := context.Background()

	p := h.contractExecuted(t, "asg-1")
	if !p.PlatformFee.Amount.Equal(decimal.RequireFromString("1200.00")) ||
		!p.PhysicianPayout.Equal(decimal.RequireFromString("6800.00")) {
		t.Errorf("fee/payout = %s/%s", p.PlatformFee.Amount, p.PhysicianPayout)
	}
	if !p.ReleaseScheduledAt.Equal(releaseAt) {
		t.Errorf("release scheduled at %s", p.ReleaseScheduledAt)
	}
	if got := h.stage(t, "asg-1"); got != domain.StageEscrowFunding {
		t.Fatalf("stage after contract = %s", got)
	}

	if _, err := h.p.Escrow.Fund(ctx, p.ID, "txn_1", "fac-1"); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if got := h.stage(t, "asg-1"); got != domain.StageAssignmentScheduled {
		t.Fatalf("stage after funding = %s", got)
	}
	if len(h.outbox(t, domain.EventCalendarBlockDates)) != 1 {
		t.Error("calendar.block_dates not recorded")
	}

	h.clock.Set(assignmentStart)
	if _, err := h.p.Workflows.HandleAssignmentStart(ctx, "asg-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Set(assignmentEnd)
	if _, err := h.p.Workflows.HandleAssignmentCompletion(ctx, "asg-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	h.clock.Set(releaseAt.Add(-time.Minute))
	if n := h.p.Scheduler.RunDue(ctx); n != 0 {
		t.Fatalf("%d jobs ran before the release date", n)
	}

	h.clock.Set(releaseAt)
	if n := h.p.Scheduler.RunDue(ctx); n != 2 {
		t.Fatalf("expected auto release and release milestone, ran %d", n)
	}

	released, _ := h.p.Escrow.Get(ctx, p.ID)
	if released.Status != domain.PaymentReleased || h.payouts.calls != 1 {
		t.Fatalf("status = %s payouts = %d", released.Status, h.payouts.calls)
	}
	if got := h.stage(t, "asg-1"); got != domain.StageReviewPeriod {
		t.Fatalf("stage after release = %s", got)
	}

	err := h.p.Workflows.SubmitReview(ctx, domain.ReviewSubmitted{AssignmentID: "asg-1", ReviewerID: "fac-1", Rating: 5})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	if got := h.stage(t, "asg-1"); got != domain.StageWorkflowComplete {
		t.Fatalf("stage after review = %s", got)
	}
	if pct, _ := h.p.Workflows.Progress(ctx, "asg-1"); pct != 100 {
		t.Errorf("progress = %d", pct)
	}

	recorded := h.outbox(t, domain.EventWorkflowCompleted)
	if len(recorded) != 1 || !recorded[0].Processed {
		t.Errorf("workflow.completed outbox = %+v", recorded)
	}

	snap, err := h.p.Health.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != health.StatusHealthy || snap.Workflows.Completed != 1 || snap.Payments.ByStatus[domain.PaymentReleased] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.Events.HandlerErrors != 0 {
		t.Errorf("handler errors = %d", snap.Events.HandlerErrors)
	}
}

func TestPlatform_DisputeHoldsPaymentAndBlocksWorkflow(t *testing.T) {
	h := setupPlatform(t)
	ctx := context.Background()

	p := h.contractExecuted(t, "asg-1")
	late := h.contractExecuted(t, "asg-2")
	h.p.Escrow.Fund(ctx, p.ID, "txn_1", "fac-1")
	h.p.Escrow.Fund(ctx, late.ID, "txn_2", "fac-1")

	h.clock.Set(assignmentStart)
	h.p.Workflows.HandleAssignmentStart(ctx, "asg-1")
	h.clock.Set(assignmentEnd)
	h.p.Workflows.HandleAssignmentCompletion(ctx, "asg-1")

	h.clock.Set(time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC))
	held, hold, err := h.p.Escrow.InitiateDispute(ctx, escrow.DisputeRequest{
		PaymentID: p.ID,
		DisputeParams: escrow.DisputeParams{
			DisputeID:   "dsp-1",
			InitiatedBy: "fac-1",
			Role:        "facility",
			Reason:      "shifts missed",
		},
	})
	if err != nil {
		t.Fatalf("InitiateDispute: %v", err)
	}
	if held.Status != domain.PaymentHeld || !hold.HeldAmount.Equal(decimal.NewFromInt(8000)) {
		t.Errorf("held = %s amount %s", held.Status, hold.HeldAmount)
	}
	if len(h.outbox(t, domain.EventDisputeFeeCharged)) != 1 || len(h.outbox(t, domain.EventNotificationAdminEscalation)) != 1 {
		t.Error("dispute fee or escalation missing")
	}
	w, _ := h.p.Workflows.Get(ctx, "asg-1")
	if !w.Blocked() {
		t.Error("dispute must block the workflow")
	}

	h.clock.Set(time.Date(2025, 4, 3, 1, 0, 0, 0, time.UTC))
	_, _, err = h.p.Escrow.InitiateDispute(ctx, escrow.DisputeRequest{
		PaymentID:     late.ID,
		DisputeParams: escrow.DisputeParams{InitiatedBy: "fac-1", Role: "facility", Reason: "too late"},
	})
	var refused *escrow.DisputeRefusedError
	if !errors.As(err, &refused) || refused.Reason != escrow.ReasonWindowClosed {
		t.Errorf("late dispute: got %v", err)
	}

	_, err = h.p.Escrow.Fund(ctx, p.ID, "txn_3", "fac-1")
	var invalid *escrow.InvalidTransitionError
	if !errors.As(err, &invalid) || invalid.From != domain.PaymentHeld || invalid.To != domain.PaymentEscrowed {
		t.Errorf("funding a held payment: got %v", err)
	}

	h.clock.Set(releaseAt)
	h.p.Scheduler.RunDue(ctx)
	if got, _ := h.p.Escrow.Get(ctx, p.ID); got.Status != domain.PaymentHeld {
		t.Fatalf("held payment auto-released: %s", got.Status)
	}
	if got, _ := h.p.Escrow.Get(ctx, late.ID); got.Status != domain.PaymentReleased {
		t.Errorf("undisputed payment status = %s", got.Status)
	}
	if got := h.stage(t, "asg-1"); got != domain.StagePaymentRelease {
		t.Fatalf("stage while disputed = %s", got)
	}

	_, resolved, err := h.p.Escrow.ResolveDispute(ctx, escrow.ResolveRequest{
		DisputeID:  "dsp-1",
		Resolution: domain.ResolutionReleased,
		ResolvedBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if resolved.Status != domain.PaymentReleased {
		t.Errorf("status after resolution = %s", resolved.Status)
	}

	w, _ = h.p.Workflows.Get(ctx, "asg-1")
	if w.Blocked() || w.CurrentStage != domain.StageReviewPeriod {
		t.Errorf("after resolution: blocked=%v stage=%s", w.Blocked(), w.CurrentStage)
	}
	if h.payouts.calls != 2 {
		t.Errorf("payouts = %d, want 2", h.payouts.calls)
	}
}

func TestPlatform_ReleaseBeforeCompletionStillOpensReview(t *testing.T) {
	h := setupPlatform(t)
	ctx := context.Background()

	p := h.contractExecuted(t, "asg-1")
	if _, err := h.p.Escrow.Fund(ctx, p.ID, "txn_1", "fac-1"); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	h.clock.Set(assignmentStart)
	if _, err := h.p.Workflows.HandleAssignmentStart(ctx, "asg-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// the facility never marks the assignment complete before auto release
	h.clock.Set(releaseAt)
	if n := h.p.Scheduler.RunDue(ctx); n != 1 {
		t.Fatalf("expected only the auto release job, ran %d", n)
	}
	released, _ := h.p.Escrow.Get(ctx, p.ID)
	if released.Status != domain.PaymentReleased {
		t.Fatalf("status = %s", released.Status)
	}
	if got := h.stage(t, "asg-1"); got != domain.StageAssignmentActive {
		t.Fatalf("stage after early release = %s", got)
	}

	completedAt := releaseAt.Add(time.Hour)
	h.clock.Set(completedAt)
	if _, err := h.p.Workflows.HandleAssignmentCompletion(ctx, "asg-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	h.clock.Set(completedAt.Add(workflow.DefaultReleaseDelay))
	if n := h.p.Scheduler.RunDue(ctx); n != 1 {
		t.Fatalf("expected the release milestone job, ran %d", n)
	}
	if got := h.stage(t, "asg-1"); got != domain.StageReviewPeriod {
		t.Fatalf("stage after release milestone = %s, want review_period", got)
	}
	if len(h.outbox(t, domain.EventReviewRequested)) != 1 {
		t.Error("review.requested not recorded")
	}

	h.clock.Set(completedAt.Add(workflow.DefaultReleaseDelay + workflow.DefaultReviewPeriod))
	h.p.Scheduler.RunDue(ctx)
	if got := h.stage(t, "asg-1"); got != domain.StageWorkflowComplete {
		t.Fatalf("stage after review period = %s", got)
	}
	if pct, _ := h.p.Workflows.Progress(ctx, "asg-1"); pct != 100 {
		t.Errorf("progress = %d", pct)
	}
	if h.payouts.calls != 1 {
		t.Errorf("payouts = %d", h.payouts.calls)
	}
}

func TestPlatform_ZeroValueAssignment(t *testing.T) {
	h := setupPlatform(t)
	ctx := context.Background()

	p := h.contractExecutedFor(t, "asg-free", decimal.Zero)
	if !p.PlatformFee.Amount.IsZero() || !p.PhysicianPayout.IsZero() {
		t.Errorf("fee/payout = %s/%s", p.PlatformFee.Amount, p.PhysicianPayout)
	}
	if _, err := h.p.Escrow.Fund(ctx, p.ID, "txn_0", "fac-1"); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if got := h.stage(t, "asg-free"); got != domain.StageAssignmentScheduled {
		t.Fatalf("stage after funding = %s", got)
	}
}

func TestPlatform_EscrowFailureShowsAsBlocked(t *testing.T) {
	h := setupPlatform(t)
	ctx := context.Background()
	wf := h.p.Workflows

	_, err := wf.Initialize(ctx, "asg-bad", domain.AssignmentTerms{
		PhysicianID:     "phy-1",
		FacilityID:      "fac-1",
		AssignmentValue: decimal.NewFromInt(-100),
		StartDate:       assignmentStart,
		EndDate:         assignmentEnd,
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	wf.HandleApplicationApproval(ctx, "asg-bad", "fac-admin")
	wf.HandleSignature(ctx, "asg-bad", domain.SignerPhysician, "phy-1")
	if _, err := wf.HandleSignature(ctx, "asg-bad", domain.SignerFacility, "fac-admin"); err != nil {
		t.Fatalf("facility sign: %v", err)
	}

	w, err := wf.Get(ctx, "asg-bad")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.CurrentStage != domain.StageEscrowFunding || !w.Blocked() {
		t.Fatalf("stage = %s blocked = %v", w.CurrentStage, w.Blocked())
	}
	if len(h.outbox(t, domain.EventWorkflowError)) != 1 {
		t.Error("workflow.error not recorded")
	}

	snap, err := h.p.Health.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Workflows.Blocked != 1 {
		t.Errorf("blocked = %d", snap.Workflows.Blocked)
	}
}
