package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/Shubh17ss/locumbnb-sub003/internal/keymutex"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
)

const (
	DefaultReleaseDelay = 4 * 24 * time.Hour
	DefaultReviewPeriod = 7 * 24 * time.Hour
)

// Store persists workflow state. GetWorkflow returns (nil, nil) for an
// unknown assignment.
type Store interface {
	SaveWorkflow(ctx context.Context, w *domain.WorkflowState) error
	GetWorkflow(ctx context.Context, assignmentID string) (*domain.WorkflowState, error)
	ListWorkflows(ctx context.Context) ([]domain.WorkflowState, error)
}

type Emitter interface {
	Emit(ctx context.Context, eventType domain.EventType, payload domain.Payload, opts ...eventbus.EmitOption) (*domain.PlatformEvent, error)
}

type JobScheduler interface {
	Schedule(ctx context.Context, job scheduler.Job) error
}

// PaymentReader looks up the escrow payment of an assignment. It returns
// (nil, nil) when none exists.
type PaymentReader interface {
	GetPaymentByAssignment(ctx context.Context, assignmentID string) (*domain.EscrowPayment, error)
}

type Config struct {
	// ReleaseDelay separates assignment completion from the payment release
	// milestone.
	ReleaseDelay time.Duration
	// ReviewPeriod is how long the review stage stays open without a review.
	ReviewPeriod time.Duration
}

// Engine drives each assignment through the fixed stage sequence. Every
// transition loads the state under a per-assignment lock, checks the current
// stage, saves, and emits the resulting events after unlocking.
type Engine struct {
	store    Store
	bus      Emitter
	jobs     JobScheduler
	payments PaymentReader
	locks    *keymutex.Map
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(store Store, bus Emitter, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ReleaseDelay <= 0 {
		cfg.ReleaseDelay = DefaultReleaseDelay
	}
	if cfg.ReviewPeriod <= 0 {
		cfg.ReviewPeriod = DefaultReviewPeriod
	}
	return &Engine{
		store:  store,
		bus:    bus,
		locks:  keymutex.New(),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (e *Engine) SetScheduler(jobs JobScheduler) {
	e.jobs = jobs
}

// SetPayments lets the payment release milestone see escrow releases that
// happened before it was reached.
func (e *Engine) SetPayments(payments PaymentReader) {
	e.payments = payments
}

// SetClock overrides the time source. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

type pendingEvent struct {
	eventType domain.EventType
	payload   domain.Payload
}

func stageChanged(id string, from, to domain.WorkflowStage) pendingEvent {
	return pendingEvent{domain.EventWorkflowStageChanged, domain.StageChanged{AssignmentID: id, From: from, To: to}}
}

func actorOpts(actor string) []eventbus.EmitOption {
	if actor == "" || actor == "system" {
		return nil
	}
	return []eventbus.EmitOption{eventbus.WithUser(actor, "user")}
}

func (e *Engine) emit(ctx context.Context, actor string, events ...pendingEvent) {
	opts := actorOpts(actor)
	for _, ev := range events {
		if _, err := e.bus.Emit(ctx, ev.eventType, ev.payload, opts...); err != nil {
			e.logger.Error("failed to emit workflow event", "event_type", ev.eventType, "error", err)
		}
	}
}

func (e *Engine) load(ctx context.Context, id string) (domain.WorkflowState, error) {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return domain.WorkflowState{}, fmt.Errorf("loading workflow %s: %w", id, err)
	}
	if w == nil {
		return domain.WorkflowState{}, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return *w, nil
}

type mutation func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error)

// mutate applies fn to the stored state and persists it. Nothing is saved or
// emitted when fn fails.
func (e *Engine) mutate(ctx context.Context, id, actor string, fn mutation) (domain.WorkflowState, error) {
	unlock := e.locks.Lock(id)
	w, err := e.load(ctx, id)
	var events []pendingEvent
	if err == nil {
		now := e.now().UTC()
		events, err = fn(&w, now)
		if err == nil {
			w.UpdatedAt = now
			if serr := e.store.SaveWorkflow(ctx, &w); serr != nil {
				err = fmt.Errorf("saving workflow %s: %w", id, serr)
			}
		}
	}
	unlock()
	if err != nil {
		return domain.WorkflowState{}, err
	}

	e.emit(ctx, actor, events...)
	return w.Clone(), nil
}

func expect(w *domain.WorkflowState, stage domain.WorkflowStage) error {
	if w.CurrentStage != stage {
		return &StageMismatchError{AssignmentID: w.AssignmentID, Expected: stage, Actual: w.CurrentStage}
	}
	return nil
}

func complete(w *domain.WorkflowState, stage domain.WorkflowStage, now time.Time) {
	st := w.Stage(stage)
	if st.StartedAt == nil {
		st.StartedAt = &now
	}
	st.Status = domain.StatusCompleted
	st.CompletedAt = &now
}

func enter(w *domain.WorkflowState, stage domain.WorkflowStage, now time.Time) {
	w.CurrentStage = stage
	st := w.Stage(stage)
	if st.Status == domain.StatusPending {
		st.Status = domain.StatusInProgress
		st.StartedAt = &now
	}
}

// step completes the current stage and moves to its successor.
func step(w *domain.WorkflowState, now time.Time) pendingEvent {
	from := w.CurrentStage
	to, _ := from.Next()
	complete(w, from, now)
	enter(w, to, now)
	return stageChanged(w.AssignmentID, from, to)
}

// Initialize creates the workflow for a submitted application and moves it
// into facility review.
func (e *Engine) Initialize(ctx context.Context, assignmentID string, terms domain.AssignmentTerms) (domain.WorkflowState, error) {
	if assignmentID == "" {
		return domain.WorkflowState{}, fmt.Errorf("workflow: assignment id is required")
	}

	unlock := e.locks.Lock(assignmentID)
	existing, err := e.store.GetWorkflow(ctx, assignmentID)
	if err != nil {
		unlock()
		return domain.WorkflowState{}, fmt.Errorf("checking existing workflow: %w", err)
	}
	if existing != nil {
		unlock()
		return domain.WorkflowState{}, fmt.Errorf("workflow %s: %w", assignmentID, ErrAlreadyExists)
	}

	now := e.now().UTC()
	w := domain.WorkflowState{
		AssignmentID: assignmentID,
		CurrentStage: domain.StageApplicationSubmitted,
		Stages:       make([]domain.WorkflowStageStatus, len(domain.Stages)),
		StartedAt:    now,
		Errors:       []domain.WorkflowError{},
		Terms:        terms,
		UpdatedAt:    now,
	}
	for i, s := range domain.Stages {
		w.Stages[i] = domain.WorkflowStageStatus{Stage: s, Status: domain.StatusPending}
	}
	enter(&w, domain.StageApplicationSubmitted, now)
	changed := step(&w, now)

	if err := e.store.SaveWorkflow(ctx, &w); err != nil {
		unlock()
		return domain.WorkflowState{}, fmt.Errorf("saving workflow: %w", err)
	}
	unlock()

	e.logger.Info("workflow initialized", "assignment_id", assignmentID)
	e.emit(ctx, terms.PhysicianID,
		pendingEvent{domain.EventApplicationSubmitted, domain.ApplicationSubmitted{AssignmentID: assignmentID, Terms: terms}},
		changed,
	)
	return w.Clone(), nil
}

// Advance moves the stage pointer to stage without completing anything. It
// refuses to move backwards.
func (e *Engine) Advance(ctx context.Context, assignmentID string, stage domain.WorkflowStage) (domain.WorkflowState, error) {
	if stage.Index() < 0 {
		return domain.WorkflowState{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		from := w.CurrentStage
		if stage.Index() < from.Index() {
			return nil, &StageMismatchError{AssignmentID: w.AssignmentID, Expected: stage, Actual: from}
		}
		if stage == from {
			return nil, nil
		}
		enter(w, stage, now)
		return []pendingEvent{stageChanged(w.AssignmentID, from, stage)}, nil
	})
}

// SetStageStatus overwrites the status of one stage. A non-empty errMsg is
// also recorded as a workflow error. Completed stages are final, and a stage
// ahead of the current one cannot be marked completed.
func (e *Engine) SetStageStatus(ctx context.Context, assignmentID string, stage domain.WorkflowStage, status domain.StageStatus, errMsg string) (domain.WorkflowState, error) {
	if stage.Index() < 0 {
		return domain.WorkflowState{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	return e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		st := w.Stage(stage)
		if st.Status == domain.StatusCompleted && status != domain.StatusCompleted {
			return nil, fmt.Errorf("%w: %s", ErrStageLocked, stage)
		}
		if status == domain.StatusCompleted && stage.Index() > w.CurrentStage.Index() {
			return nil, &StageMismatchError{AssignmentID: w.AssignmentID, Expected: stage, Actual: w.CurrentStage}
		}

		st.Status = status
		switch {
		case status.Terminal():
			if st.StartedAt == nil {
				st.StartedAt = &now
			}
			st.CompletedAt = &now
		case status == domain.StatusInProgress && st.StartedAt == nil:
			st.StartedAt = &now
		}
		if errMsg == "" {
			return nil, nil
		}
		st.Error = errMsg
		return []pendingEvent{recordError(w, stage, errMsg, now)}, nil
	})
}

func recordError(w *domain.WorkflowState, stage domain.WorkflowStage, msg string, now time.Time) pendingEvent {
	w.Errors = append(w.Errors, domain.WorkflowError{Stage: stage, Error: msg, Timestamp: now})
	w.BlockedBy = msg
	return pendingEvent{domain.EventWorkflowError, domain.WorkflowErrorRecorded{
		AssignmentID: w.AssignmentID,
		Stage:        stage,
		Error:        msg,
		Index:        len(w.Errors) - 1,
	}}
}

// RecordError appends an error against stage, or the current stage when
// stage is empty, and marks the workflow blocked.
func (e *Engine) RecordError(ctx context.Context, assignmentID string, stage domain.WorkflowStage, msg string) (domain.WorkflowState, error) {
	if msg == "" {
		return domain.WorkflowState{}, fmt.Errorf("workflow: error message is required")
	}
	if stage != "" && stage.Index() < 0 {
		return domain.WorkflowState{}, fmt.Errorf("%w: %s", ErrUnknownStage, stage)
	}
	w, err := e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if stage == "" {
			stage = w.CurrentStage
		}
		return []pendingEvent{recordError(w, stage, msg, now)}, nil
	})
	if err == nil {
		e.logger.Warn("workflow blocked", "assignment_id", assignmentID, "stage", stage, "error", msg)
	}
	return w, err
}

// ResolveError marks the error at index resolved. The workflow stays blocked
// by the latest unresolved error if any remain.
func (e *Engine) ResolveError(ctx context.Context, assignmentID string, index int) (domain.WorkflowState, error) {
	return e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if index < 0 || index >= len(w.Errors) {
			return nil, fmt.Errorf("%w: %d", ErrErrorIndex, index)
		}
		if w.Errors[index].Resolved {
			return nil, fmt.Errorf("%w: %d", ErrErrorResolved, index)
		}
		return []pendingEvent{resolveError(w, index, now)}, nil
	})
}

func resolveError(w *domain.WorkflowState, index int, now time.Time) pendingEvent {
	w.Errors[index].Resolved = true
	w.Errors[index].ResolvedAt = &now

	w.BlockedBy = ""
	for i := len(w.Errors) - 1; i >= 0; i-- {
		if !w.Errors[i].Resolved {
			w.BlockedBy = w.Errors[i].Error
			break
		}
	}
	return pendingEvent{domain.EventWorkflowErrorResolved, domain.WorkflowErrorResolved{
		AssignmentID: w.AssignmentID,
		Index:        index,
		StillBlocked: w.Blocked(),
	}}
}

// resolveMatching resolves the most recent unresolved error whose message
// starts with prefix. It is a no-op when none matches.
func (e *Engine) resolveMatching(ctx context.Context, assignmentID, prefix string) (domain.WorkflowState, error) {
	return e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		for i := len(w.Errors) - 1; i >= 0; i-- {
			if !w.Errors[i].Resolved && strings.HasPrefix(w.Errors[i].Error, prefix) {
				return []pendingEvent{resolveError(w, i, now)}, nil
			}
		}
		return nil, nil
	})
}

func (e *Engine) Get(ctx context.Context, assignmentID string) (domain.WorkflowState, error) {
	return e.load(ctx, assignmentID)
}

func (e *Engine) GetAllWorkflows(ctx context.Context) ([]domain.WorkflowState, error) {
	return e.store.ListWorkflows(ctx)
}

// GetBlockedWorkflows returns workflows held by an unresolved error.
func (e *Engine) GetBlockedWorkflows(ctx context.Context) ([]domain.WorkflowState, error) {
	all, err := e.store.ListWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	var blocked []domain.WorkflowState
	for _, w := range all {
		if w.Blocked() {
			blocked = append(blocked, w)
		}
	}
	return blocked, nil
}

// GetWorkflowDuration returns the whole days the workflow has been running.
func (e *Engine) GetWorkflowDuration(ctx context.Context, assignmentID string) (int, error) {
	w, err := e.load(ctx, assignmentID)
	if err != nil {
		return 0, err
	}
	return Duration(w, e.now().UTC()), nil
}

// Progress returns the completed-stage percentage for one workflow.
func (e *Engine) Progress(ctx context.Context, assignmentID string) (int, error) {
	w, err := e.load(ctx, assignmentID)
	if err != nil {
		return 0, err
	}
	return CalculateProgress(w), nil
}
