package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
	"github.com/Shubh17ss/locumbnb-sub003/internal/store"
	"github.com/shopspring/decimal"
)

var (
	t0              = time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	assignmentStart = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	assignmentEnd   = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
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

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	engine *Engine
	bus    *eventbus.Bus
	jobs   *scheduler.MemoryStore
	sched  *scheduler.Scheduler
	clock  *testClock

	mu     sync.Mutex
	events []domain.PlatformEvent
}

func setupEngine(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &testClock{now: t0}
	h := &harness{jobs: scheduler.NewMemoryStore(), clock: clock}

	h.bus = eventbus.New(logger, eventbus.WithClock(clock.Now))
	h.bus.Subscribe(domain.EventTypes(), func(e domain.PlatformEvent) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})

	h.sched = scheduler.New(h.jobs, logger, scheduler.Config{})
	h.sched.SetClock(clock.Now)

	h.engine = NewEngine(store.NewMemory(), h.bus, Config{}, logger)
	h.engine.SetClock(clock.Now)
	h.engine.SetScheduler(h.sched)
	h.engine.RegisterHandlers(h.bus)
	h.engine.RegisterJobs(h.sched)
	return h
}

func (h *harness) emitted(t domain.EventType) []domain.PlatformEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.PlatformEvent
	for _, e := range h.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (h *harness) types() []domain.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

func (h *harness) reset() {
	h.mu.Lock()
	h.events = nil
	h.mu.Unlock()
}

func testTerms() domain.AssignmentTerms {
	return domain.AssignmentTerms{
		PhysicianID:     "phy-1",
		FacilityID:      "fac-1",
		AssignmentValue: decimal.NewFromInt(8000),
		StartDate:       assignmentStart,
		EndDate:         assignmentEnd,
	}
}

func (h *harness) initialize(t *testing.T, id string) domain.WorkflowState {
	t.Helper()
	w, err := h.engine.Initialize(context.Background(), id, testTerms())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return w
}

func (h *harness) emit(t *testing.T, eventType domain.EventType, payload domain.Payload) {
	t.Helper()
	if _, err := h.bus.Emit(context.Background(), eventType, payload); err != nil {
		t.Fatalf("Emit %s: %v", eventType, err)
	}
}

// walkTo drives a fresh workflow forward until its current stage is target.
func (h *harness) walkTo(t *testing.T, id string, target domain.WorkflowStage) domain.WorkflowState {
	t.Helper()
	ctx := context.Background()
	w := h.initialize(t, id)

	for w.CurrentStage != target {
		var err error
		switch w.CurrentStage {
		case domain.StageFacilityReview:
			w, err = h.engine.HandleApplicationApproval(ctx, id, "fac-admin")
		case domain.StagePhysicianSignature:
			w, err = h.engine.HandlePhysicianSignature(ctx, id, "phy-1")
		case domain.StageFacilitySignature:
			w, err = h.engine.HandleFacilitySignature(ctx, id, "fac-admin")
		case domain.StageEscrowFunding:
			h.emit(t, domain.EventEscrowFunded, domain.EscrowFunded{AssignmentID: id, PaymentID: "pay-" + id})
			w, err = h.engine.Get(ctx, id)
		case domain.StageAssignmentScheduled:
			w, err = h.engine.HandleAssignmentStart(ctx, id)
		case domain.StageAssignmentActive:
			w, err = h.engine.HandleAssignmentCompletion(ctx, id)
		case domain.StageAssignmentCompleted:
			w, err = h.engine.HandlePaymentReleaseDue(ctx, id)
		case domain.StagePaymentRelease:
			h.emit(t, domain.EventEscrowReleased, domain.EscrowReleased{AssignmentID: id, PaymentID: "pay-" + id})
			w, err = h.engine.Get(ctx, id)
		case domain.StageReviewPeriod:
			w, err = h.engine.HandleWorkflowCompletion(ctx, id)
		default:
			t.Fatalf("cannot walk past %s", w.CurrentStage)
		}
		if err != nil {
			t.Fatalf("walking from %s: %v", w.CurrentStage, err)
		}
	}
	return w
}

func TestEngine_Initialize(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	w := h.initialize(t, "asg-1")

	if w.CurrentStage != domain.StageFacilityReview {
		t.Errorf("current stage = %s", w.CurrentStage)
	}
	if st := w.Stage(domain.StageApplicationSubmitted); st.Status != domain.StatusCompleted || st.CompletedAt == nil {
		t.Errorf("application_submitted = %+v", st)
	}
	if st := w.Stage(domain.StageFacilityReview); st.Status != domain.StatusInProgress {
		t.Errorf("facility_review = %s", st.Status)
	}
	if got := CalculateProgress(w); got != 8 {
		t.Errorf("progress = %d, want 8", got)
	}
	submitted := h.emitted(domain.EventApplicationSubmitted)
	if len(submitted) != 1 || submitted[0].UserID != "phy-1" {
		t.Fatalf("application.submitted = %+v", submitted)
	}

	if _, err := h.engine.Initialize(ctx, "asg-1", testTerms()); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second Initialize: got %v", err)
	}
}

func TestEngine_FullWalk(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := "asg-1"

	progress := []int{CalculateProgress(h.initialize(t, id))}
	record := func(w domain.WorkflowState, err error) domain.WorkflowState {
		t.Helper()
		if err != nil {
			t.Fatalf("transition failed at %s: %v", w.CurrentStage, err)
		}
		progress = append(progress, CalculateProgress(w))
		if w.CurrentStage != domain.StageWorkflowComplete && progress[len(progress)-1] == 100 {
			t.Fatalf("progress reached 100 at %s", w.CurrentStage)
		}
		return w
	}

	w := record(h.engine.HandleApplicationApproval(ctx, id, "fac-admin"))
	if w.CurrentStage != domain.StagePhysicianSignature {
		t.Fatalf("after approval at %s", w.CurrentStage)
	}
	if len(h.emitted(domain.EventContractSent)) != 1 {
		t.Error("contract.sent not emitted")
	}

	record(h.engine.HandleSignature(ctx, id, domain.SignerPhysician, "phy-1"))
	h.reset()
	w = record(h.engine.HandleSignature(ctx, id, domain.SignerFacility, "fac-admin"))
	if w.CurrentStage != domain.StageEscrowFunding {
		t.Fatalf("after facility signature at %s", w.CurrentStage)
	}
	wantOrder := []domain.EventType{
		domain.EventContractSigned,
		domain.EventContractExecuted,
		domain.EventWorkflowStageChanged,
		domain.EventEscrowRequested,
	}
	if got := h.types(); !equalTypes(got, wantOrder) {
		t.Errorf("facility signature events = %v, want %v", got, wantOrder)
	}
	req := h.emitted(domain.EventEscrowRequested)[0].Data.(domain.EscrowRequested)
	if req.AssignmentID != id || !req.Terms.AssignmentValue.Equal(decimal.NewFromInt(8000)) {
		t.Errorf("escrow_requested = %+v", req)
	}

	h.emit(t, domain.EventEscrowFunded, domain.EscrowFunded{AssignmentID: id, PaymentID: "pay-1"})
	w = record(h.engine.Get(ctx, id))
	if w.CurrentStage != domain.StageAssignmentScheduled {
		t.Fatalf("after funding at %s", w.CurrentStage)
	}
	block := h.emitted(domain.EventCalendarBlockDates)
	if len(block) != 1 || !block[0].Data.(domain.CalendarBlockDates).To.Equal(assignmentEnd) {
		t.Errorf("calendar.block_dates = %+v", block)
	}

	record(h.engine.HandleAssignmentStart(ctx, id))
	w = record(h.engine.HandleAssignmentCompletion(ctx, id))
	if w.CurrentStage != domain.StageAssignmentCompleted {
		t.Fatalf("after completion at %s", w.CurrentStage)
	}
	pending := h.jobs.Pending()
	if len(pending) != 1 || pending[0].Kind != scheduler.KindWorkflowPaymentRelease ||
		!pending[0].FireAt.Equal(t0.Add(DefaultReleaseDelay)) {
		t.Fatalf("pending jobs = %+v", pending)
	}

	h.clock.Advance(DefaultReleaseDelay)
	if n := h.sched.RunDue(ctx); n != 1 {
		t.Fatalf("RunDue ran %d jobs", n)
	}
	w = record(h.engine.Get(ctx, id))
	if w.CurrentStage != domain.StagePaymentRelease {
		t.Fatalf("after release due at %s", w.CurrentStage)
	}
	if len(h.emitted(domain.EventPaymentReleaseDue)) != 1 {
		t.Error("payment.release_due not emitted")
	}

	h.emit(t, domain.EventEscrowReleased, domain.EscrowReleased{AssignmentID: id, PaymentID: "pay-1"})
	w = record(h.engine.Get(ctx, id))
	if w.CurrentStage != domain.StageReviewPeriod {
		t.Fatalf("after payment release at %s", w.CurrentStage)
	}
	if len(h.emitted(domain.EventReviewRequested)) != 1 {
		t.Error("review.requested not emitted")
	}

	h.clock.Advance(24 * time.Hour)
	err := h.engine.SubmitReview(ctx, domain.ReviewSubmitted{AssignmentID: id, ReviewerID: "fac-admin", Rating: 5})
	if err != nil {
		t.Fatalf("SubmitReview: %v", err)
	}
	w = record(h.engine.Get(ctx, id))
	if w.CurrentStage != domain.StageWorkflowComplete || w.CompletedAt == nil {
		t.Fatalf("after review: stage %s completedAt %v", w.CurrentStage, w.CompletedAt)
	}
	if progress[len(progress)-1] != 100 {
		t.Errorf("final progress = %d", progress[len(progress)-1])
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Errorf("progress decreased: %v", progress)
			break
		}
	}

	completed := h.emitted(domain.EventWorkflowCompleted)
	if len(completed) != 1 {
		t.Fatalf("workflow.completed emitted %d times", len(completed))
	}
	if got := completed[0].Data.(domain.WorkflowCompleted).DurationDays; got != 5 {
		t.Errorf("duration = %d days, want 5", got)
	}

	// The review-close job finds the workflow already complete.
	h.clock.Advance(DefaultReviewPeriod)
	h.sched.RunDue(ctx)
	if n := len(h.emitted(domain.EventWorkflowCompleted)); n != 1 {
		t.Errorf("workflow.completed emitted %d times after review close", n)
	}
}

func equalTypes(a, b []domain.EventType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEngine_ReleaseBeforeMilestonePassesThroughPaymentRelease(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.walkTo(t, "asg-1", domain.StageAssignmentCompleted)

	h.emit(t, domain.EventEscrowReleased, domain.EscrowReleased{AssignmentID: "asg-1"})

	w, _ := h.engine.Get(ctx, "asg-1")
	if w.CurrentStage != domain.StageReviewPeriod {
		t.Fatalf("stage = %s", w.CurrentStage)
	}
	if st := w.Stage(domain.StagePaymentRelease); st.Status != domain.StatusCompleted {
		t.Errorf("payment_release = %s", st.Status)
	}

	// The milestone job fires later and is dropped.
	h.clock.Advance(DefaultReleaseDelay)
	h.sched.RunDue(ctx)
	w, _ = h.engine.Get(ctx, "asg-1")
	if w.CurrentStage != domain.StageReviewPeriod {
		t.Errorf("stale release job moved workflow to %s", w.CurrentStage)
	}
	if n := len(h.emitted(domain.EventPaymentReleaseDue)); n != 0 {
		t.Errorf("payment.release_due emitted %d times", n)
	}
}

func TestEngine_ReviewCloseJobCompletesWorkflow(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.walkTo(t, "asg-1", domain.StageReviewPeriod)

	h.clock.Advance(DefaultReviewPeriod - time.Minute)
	h.sched.RunDue(ctx)
	if w, _ := h.engine.Get(ctx, "asg-1"); w.CurrentStage != domain.StageReviewPeriod {
		t.Fatalf("review closed early: %s", w.CurrentStage)
	}

	h.clock.Advance(time.Minute)
	h.sched.RunDue(ctx)
	w, _ := h.engine.Get(ctx, "asg-1")
	if w.CurrentStage != domain.StageWorkflowComplete || CalculateProgress(w) != 100 {
		t.Errorf("stage = %s progress = %d", w.CurrentStage, CalculateProgress(w))
	}
}

func TestEngine_StageMismatch(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.initialize(t, "asg-1")

	_, err := h.engine.HandlePhysicianSignature(ctx, "asg-1", "phy-1")
	if !errors.Is(err, ErrStageMismatch) {
		t.Fatalf("got %v", err)
	}
	var mismatch *StageMismatchError
	if !errors.As(err, &mismatch) || mismatch.Expected != domain.StagePhysicianSignature || mismatch.Actual != domain.StageFacilityReview {
		t.Errorf("mismatch = %+v", mismatch)
	}

	if _, err := h.engine.HandleSignature(ctx, "asg-1", "witness", "x"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("invalid role: got %v", err)
	}
	if _, err := h.engine.HandleAssignmentStart(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing workflow: got %v", err)
	}

	// Funding for a workflow that is not waiting on escrow is ignored.
	h.emit(t, domain.EventEscrowFunded, domain.EscrowFunded{AssignmentID: "asg-1"})
	if w, _ := h.engine.Get(ctx, "asg-1"); w.CurrentStage != domain.StageFacilityReview {
		t.Errorf("stage = %s", w.CurrentStage)
	}
}

func TestEngine_Rejection(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.initialize(t, "asg-1")

	w, err := h.engine.HandleApplicationRejection(ctx, "asg-1", "fac-admin", "credentials expired")
	if err != nil {
		t.Fatalf("HandleApplicationRejection: %v", err)
	}
	if st := w.Stage(domain.StageFacilityReview); st.Status != domain.StatusFailed || st.Error != "credentials expired" {
		t.Errorf("facility_review = %+v", st)
	}
	if w.BlockedBy != "credentials expired" {
		t.Errorf("blockedBy = %q", w.BlockedBy)
	}
	if len(h.emitted(domain.EventApplicationRejected)) != 1 || len(h.emitted(domain.EventWorkflowError)) != 1 {
		t.Error("rejection events missing")
	}
}

func TestEngine_ResolveErrorIsStrict(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.initialize(t, "asg-1")
	h.initialize(t, "asg-2")

	h.engine.RecordError(ctx, "asg-1", "", "license check failed")
	w, err := h.engine.RecordError(ctx, "asg-1", domain.StageFacilityReview, "reference missing")
	if err != nil {
		t.Fatalf("RecordError: %v", err)
	}
	if len(w.Errors) != 2 || w.BlockedBy != "reference missing" || w.Errors[0].Stage != domain.StageFacilityReview {
		t.Fatalf("state = %+v", w)
	}

	blocked, _ := h.engine.GetBlockedWorkflows(ctx)
	if len(blocked) != 1 || blocked[0].AssignmentID != "asg-1" {
		t.Fatalf("blocked = %+v", blocked)
	}

	w, err = h.engine.ResolveError(ctx, "asg-1", 1)
	if err != nil {
		t.Fatalf("ResolveError(1): %v", err)
	}
	if w.BlockedBy != "license check failed" {
		t.Errorf("blockedBy after resolving newest = %q", w.BlockedBy)
	}
	resolved := h.emitted(domain.EventWorkflowErrorResolved)
	if len(resolved) != 1 || !resolved[0].Data.(domain.WorkflowErrorResolved).StillBlocked {
		t.Errorf("error_resolved = %+v", resolved)
	}

	w, _ = h.engine.ResolveError(ctx, "asg-1", 0)
	if w.Blocked() || w.Errors[0].ResolvedAt == nil {
		t.Errorf("still blocked: %+v", w)
	}

	if _, err := h.engine.ResolveError(ctx, "asg-1", 0); !errors.Is(err, ErrErrorResolved) {
		t.Errorf("resolving twice: got %v", err)
	}
	if _, err := h.engine.ResolveError(ctx, "asg-1", 5); !errors.Is(err, ErrErrorIndex) {
		t.Errorf("bad index: got %v", err)
	}
	if _, err := h.engine.RecordError(ctx, "asg-1", "", ""); err == nil {
		t.Error("empty message must be rejected")
	}
}

func TestEngine_DisputeBlocksAndResolutionUnblocks(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.walkTo(t, "asg-1", domain.StageAssignmentCompleted)

	h.emit(t, domain.EventDisputeInitiated, domain.DisputeInitiated{
		DisputeID:    "dsp-1",
		AssignmentID: "asg-1",
		Reason:       "hours not worked",
	})
	w, _ := h.engine.Get(ctx, "asg-1")
	if !w.Blocked() || !strings.HasPrefix(w.BlockedBy, "dispute dsp-1: ") {
		t.Fatalf("blockedBy = %q", w.BlockedBy)
	}
	if w.Errors[0].Stage != domain.StageAssignmentCompleted {
		t.Errorf("error stage = %s", w.Errors[0].Stage)
	}

	h.emit(t, domain.EventDisputeResolved, domain.DisputeResolved{DisputeID: "dsp-other", AssignmentID: "asg-1"})
	if w, _ := h.engine.Get(ctx, "asg-1"); !w.Blocked() {
		t.Fatal("an unrelated resolution must not unblock")
	}

	h.emit(t, domain.EventDisputeResolved, domain.DisputeResolved{DisputeID: "dsp-1", AssignmentID: "asg-1"})
	w, _ = h.engine.Get(ctx, "asg-1")
	if w.Blocked() || !w.Errors[0].Resolved {
		t.Errorf("after resolution: %+v", w)
	}
}

func TestEngine_SetStageStatus(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.initialize(t, "asg-1")

	if _, err := h.engine.SetStageStatus(ctx, "asg-1", domain.StageApplicationSubmitted, domain.StatusPending, ""); !errors.Is(err, ErrStageLocked) {
		t.Errorf("reopening completed stage: got %v", err)
	}
	if _, err := h.engine.SetStageStatus(ctx, "asg-1", domain.StageEscrowFunding, domain.StatusCompleted, ""); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("completing a future stage: got %v", err)
	}
	if _, err := h.engine.SetStageStatus(ctx, "asg-1", "bogus", domain.StatusCompleted, ""); !errors.Is(err, ErrUnknownStage) {
		t.Errorf("unknown stage: got %v", err)
	}

	w, err := h.engine.SetStageStatus(ctx, "asg-1", domain.StageFacilityReview, domain.StatusFailed, "facility unreachable")
	if err != nil {
		t.Fatalf("SetStageStatus: %v", err)
	}
	st := w.Stage(domain.StageFacilityReview)
	if st.Status != domain.StatusFailed || st.CompletedAt == nil || st.Error != "facility unreachable" {
		t.Errorf("stage = %+v", st)
	}
	if w.BlockedBy != "facility unreachable" || len(h.emitted(domain.EventWorkflowError)) != 1 {
		t.Errorf("error not recorded: %+v", w)
	}
}

func TestEngine_AdvanceIsForwardOnly(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.walkTo(t, "asg-1", domain.StagePhysicianSignature)

	if _, err := h.engine.Advance(ctx, "asg-1", domain.StageFacilityReview); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("backwards advance: got %v", err)
	}
	w, err := h.engine.Advance(ctx, "asg-1", domain.StageFacilitySignature)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if w.CurrentStage != domain.StageFacilitySignature || w.Stage(domain.StageFacilitySignature).Status != domain.StatusInProgress {
		t.Errorf("state = %+v", w)
	}
	if w.Stage(domain.StagePhysicianSignature).Status != domain.StatusInProgress {
		t.Error("Advance must not complete the stage it leaves")
	}
}

func TestEngine_SubmitReviewValidation(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.walkTo(t, "asg-1", domain.StageAssignmentActive)

	err := h.engine.SubmitReview(ctx, domain.ReviewSubmitted{AssignmentID: "asg-1", ReviewerID: "fac-admin", Rating: 4})
	if !errors.Is(err, ErrStageMismatch) {
		t.Errorf("review outside review period: got %v", err)
	}
	err = h.engine.SubmitReview(ctx, domain.ReviewSubmitted{AssignmentID: "asg-1", Rating: 0})
	if !errors.Is(err, ErrInvalidRating) {
		t.Errorf("rating 0: got %v", err)
	}
}

func TestEngine_DurationAndProgressQueries(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	h.walkTo(t, "asg-1", domain.StageEscrowFunding)

	h.clock.Advance(3*24*time.Hour + 23*time.Hour)
	days, err := h.engine.GetWorkflowDuration(ctx, "asg-1")
	if err != nil || days != 3 {
		t.Errorf("duration = %d, %v; want 3", days, err)
	}
	pct, err := h.engine.Progress(ctx, "asg-1")
	if err != nil || pct != 41 {
		t.Errorf("progress = %d, %v; want 41", pct, err)
	}

	all, _ := h.engine.GetAllWorkflows(ctx)
	if len(all) != 1 {
		t.Errorf("workflows = %d", len(all))
	}
}
