package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
)

// HandlerPriority runs workflow handlers after escrow's.
const HandlerPriority = 20

type HandlerRegistry interface {
	RegisterHandler(eventType domain.EventType, priority int, fn eventbus.HandlerFunc)
}

type JobRegistry interface {
	Handle(kind string, fn scheduler.HandlerFunc)
}

func (e *Engine) RegisterHandlers(reg HandlerRegistry) {
	reg.RegisterHandler(domain.EventEscrowFunded, HandlerPriority, e.handleEscrowFunded)
	reg.RegisterHandler(domain.EventEscrowReleased, HandlerPriority, e.handleEscrowReleased)
	reg.RegisterHandler(domain.EventReviewSubmitted, HandlerPriority, e.handleReviewSubmitted)
	reg.RegisterHandler(domain.EventDisputeInitiated, HandlerPriority, e.handleDisputeInitiated)
	reg.RegisterHandler(domain.EventDisputeResolved, HandlerPriority, e.handleDisputeResolved)
}

func (e *Engine) RegisterJobs(reg JobRegistry) {
	reg.Handle(scheduler.KindWorkflowPaymentRelease, func(ctx context.Context, job scheduler.Job) error {
		_, err := e.HandlePaymentReleaseDue(ctx, job.Key)
		return e.skipStale(err, job.Kind, job.Key)
	})
	reg.Handle(scheduler.KindWorkflowReviewClose, func(ctx context.Context, job scheduler.Job) error {
		_, err := e.HandleWorkflowCompletion(ctx, job.Key)
		return e.skipStale(err, job.Kind, job.Key)
	})
}

// skipStale swallows errors that mean the workflow already moved on or was
// never created; retrying those cannot succeed.
func (e *Engine) skipStale(err error, trigger, assignmentID string) error {
	if errors.Is(err, ErrStageMismatch) || errors.Is(err, ErrNotFound) {
		e.logger.Info("workflow transition skipped",
			"trigger", trigger,
			"assignment_id", assignmentID,
			"reason", err.Error(),
		)
		return nil
	}
	return err
}

// disputeErrorPrefix tags the workflow error recorded for a dispute so the
// resolution can find it again.
func disputeErrorPrefix(disputeID string) string {
	return "dispute " + disputeID + ": "
}

func (e *Engine) handleEscrowFunded(ctx context.Context, event domain.PlatformEvent) error {
	f, ok := event.Data.(domain.EscrowFunded)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}
	_, err := e.HandleEscrowFunding(ctx, f.AssignmentID)
	return e.skipStale(err, string(event.Type), f.AssignmentID)
}

func (e *Engine) handleEscrowReleased(ctx context.Context, event domain.PlatformEvent) error {
	r, ok := event.Data.(domain.EscrowReleased)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}
	_, err := e.HandlePaymentRelease(ctx, r.AssignmentID)
	return e.skipStale(err, string(event.Type), r.AssignmentID)
}

func (e *Engine) handleReviewSubmitted(ctx context.Context, event domain.PlatformEvent) error {
	r, ok := event.Data.(domain.ReviewSubmitted)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}
	_, err := e.HandleWorkflowCompletion(ctx, r.AssignmentID)
	return e.skipStale(err, string(event.Type), r.AssignmentID)
}

func (e *Engine) handleDisputeInitiated(ctx context.Context, event domain.PlatformEvent) error {
	d, ok := event.Data.(domain.DisputeInitiated)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}
	_, err := e.RecordError(ctx, d.AssignmentID, "", disputeErrorPrefix(d.DisputeID)+d.Reason)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (e *Engine) handleDisputeResolved(ctx context.Context, event domain.PlatformEvent) error {
	d, ok := event.Data.(domain.DisputeResolved)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}
	_, err := e.resolveMatching(ctx, d.AssignmentID, disputeErrorPrefix(d.DisputeID))
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
