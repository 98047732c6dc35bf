package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
)

// HandleApplicationApproval approves the application and sends the contract,
// leaving the workflow waiting on the physician signature.
func (e *Engine) HandleApplicationApproval(ctx context.Context, assignmentID, approvedBy string) (domain.WorkflowState, error) {
	return e.mutate(ctx, assignmentID, approvedBy, func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StageFacilityReview); err != nil {
			return nil, err
		}
		events := []pendingEvent{
			{domain.EventApplicationApproved, domain.ApplicationApproved{AssignmentID: w.AssignmentID, ApprovedBy: approvedBy}},
			step(w, now),
			{domain.EventContractSent, domain.ContractSent{
				AssignmentID: w.AssignmentID,
				PhysicianID:  w.Terms.PhysicianID,
				FacilityID:   w.Terms.FacilityID,
			}},
		}
		return append(events, step(w, now)), nil
	})
}

// HandleApplicationRejection fails the facility review and blocks the
// workflow with the rejection reason.
func (e *Engine) HandleApplicationRejection(ctx context.Context, assignmentID, rejectedBy, reason string) (domain.WorkflowState, error) {
	if reason == "" {
		reason = "application rejected"
	}
	return e.mutate(ctx, assignmentID, rejectedBy, func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StageFacilityReview); err != nil {
			return nil, err
		}
		st := w.Stage(domain.StageFacilityReview)
		st.Status = domain.StatusFailed
		st.CompletedAt = &now
		st.Error = reason
		return []pendingEvent{
			{domain.EventApplicationRejected, domain.ApplicationRejected{AssignmentID: w.AssignmentID, Reason: reason}},
			recordError(w, domain.StageFacilityReview, reason, now),
		}, nil
	})
}

// HandleSignature dispatches a contract signature to the matching stage.
func (e *Engine) HandleSignature(ctx context.Context, assignmentID string, role domain.SignerRole, signedBy string) (domain.WorkflowState, error) {
	switch role {
	case domain.SignerPhysician:
		return e.HandlePhysicianSignature(ctx, assignmentID, signedBy)
	case domain.SignerFacility:
		return e.HandleFacilitySignature(ctx, assignmentID, signedBy)
	}
	return domain.WorkflowState{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
}

func (e *Engine) HandlePhysicianSignature(ctx context.Context, assignmentID, signedBy string) (domain.WorkflowState, error) {
	return e.mutate(ctx, assignmentID, signedBy, func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StagePhysicianSignature); err != nil {
			return nil, err
		}
		return []pendingEvent{
			{domain.EventContractSigned, domain.ContractSigned{
				AssignmentID: w.AssignmentID,
				Role:         domain.SignerPhysician,
				SignedBy:     signedBy,
				SignedAt:     now,
			}},
			step(w, now),
		}, nil
	})
}

// HandleFacilitySignature executes the contract and asks the escrow engine to
// open a payment for the assignment.
func (e *Engine) HandleFacilitySignature(ctx context.Context, assignmentID, signedBy string) (domain.WorkflowState, error) {
	return e.mutate(ctx, assignmentID, signedBy, func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StageFacilitySignature); err != nil {
			return nil, err
		}
		return []pendingEvent{
			{domain.EventContractSigned, domain.ContractSigned{
				AssignmentID: w.AssignmentID,
				Role:         domain.SignerFacility,
				SignedBy:     signedBy,
				SignedAt:     now,
			}},
			{domain.EventContractExecuted, domain.ContractExecuted{AssignmentID: w.AssignmentID, ExecutedAt: now}},
			step(w, now),
			{domain.EventEscrowRequested, domain.EscrowRequested{
				AssignmentID: w.AssignmentID,
				Terms:        w.Terms,
				RequestedBy:  signedBy,
			}},
		}, nil
	})
}

// HandleEscrowFunding schedules the assignment once its escrow is funded and
// blocks the physician's calendar for the assignment dates.
func (e *Engine) HandleEscrowFunding(ctx context.Context, assignmentID string) (domain.WorkflowState, error) {
	return e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StageEscrowFunding); err != nil {
			return nil, err
		}
		return []pendingEvent{
			step(w, now),
			{domain.EventAssignmentScheduled, domain.AssignmentScheduled{
				AssignmentID: w.AssignmentID,
				StartDate:    w.Terms.StartDate,
				EndDate:      w.Terms.EndDate,
			}},
			{domain.EventCalendarBlockDates, domain.CalendarBlockDates{
				AssignmentID: w.AssignmentID,
				PhysicianID:  w.Terms.PhysicianID,
				From:         w.Terms.StartDate,
				To:           w.Terms.EndDate,
			}},
		}, nil
	})
}

func (e *Engine) HandleAssignmentStart(ctx context.Context, assignmentID string) (domain.WorkflowState, error) {
	return e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StageAssignmentScheduled); err != nil {
			return nil, err
		}
		return []pendingEvent{
			step(w, now),
			{domain.EventAssignmentStarted, domain.AssignmentStarted{AssignmentID: w.AssignmentID, StartedAt: now}},
		}, nil
	})
}

// HandleAssignmentCompletion closes the active assignment and schedules the
// payment release milestone ReleaseDelay later.
func (e *Engine) HandleAssignmentCompletion(ctx context.Context, assignmentID string) (domain.WorkflowState, error) {
	var dueAt time.Time
	w, err := e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StageAssignmentActive); err != nil {
			return nil, err
		}
		dueAt = now.Add(e.cfg.ReleaseDelay)
		return []pendingEvent{
			step(w, now),
			{domain.EventAssignmentCompleted, domain.AssignmentCompleted{
				AssignmentID:     w.AssignmentID,
				CompletedAt:      now,
				PaymentReleaseAt: dueAt,
			}},
		}, nil
	})
	if err != nil {
		return w, err
	}
	e.schedule(ctx, scheduler.KindWorkflowPaymentRelease, assignmentID, dueAt)
	return w, nil
}

// HandlePaymentReleaseDue marks the payment release milestone reached. If the
// escrow already paid out while the assignment was still running, the
// release event found the workflow too early, so the review period opens
// here instead.
func (e *Engine) HandlePaymentReleaseDue(ctx context.Context, assignmentID string) (domain.WorkflowState, error) {
	w, err := e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StageAssignmentCompleted); err != nil {
			return nil, err
		}
		return []pendingEvent{
			step(w, now),
			{domain.EventPaymentReleaseDue, domain.PaymentReleaseDue{AssignmentID: w.AssignmentID, DueAt: now}},
		}, nil
	})
	if err != nil {
		return w, err
	}

	released, err := e.paymentReleased(ctx, assignmentID)
	if err != nil {
		e.logger.Error("failed to check payment status", "assignment_id", assignmentID, "error", err)
		return w, nil
	}
	if !released {
		return w, nil
	}
	next, err := e.HandlePaymentRelease(ctx, assignmentID)
	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, ErrStageMismatch):
		// the release event got there first
		return e.load(ctx, assignmentID)
	}
	return w, err
}

func (e *Engine) paymentReleased(ctx context.Context, assignmentID string) (bool, error) {
	if e.payments == nil {
		return false, nil
	}
	p, err := e.payments.GetPaymentByAssignment(ctx, assignmentID)
	if err != nil {
		return false, err
	}
	return p != nil && p.Status == domain.PaymentReleased, nil
}

// HandlePaymentRelease opens the review period once the escrow has paid out.
// A release that lands before the milestone job passes through
// payment_release on the way.
func (e *Engine) HandlePaymentRelease(ctx context.Context, assignmentID string) (domain.WorkflowState, error) {
	var closesAt time.Time
	w, err := e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		var events []pendingEvent
		if w.CurrentStage == domain.StageAssignmentCompleted {
			events = append(events, step(w, now))
		}
		if err := expect(w, domain.StagePaymentRelease); err != nil {
			return nil, err
		}
		closesAt = now.Add(e.cfg.ReviewPeriod)
		return append(events,
			step(w, now),
			pendingEvent{domain.EventReviewRequested, domain.ReviewRequested{AssignmentID: w.AssignmentID, ClosesAt: closesAt}},
		), nil
	})
	if err != nil {
		return w, err
	}
	e.schedule(ctx, scheduler.KindWorkflowReviewClose, assignmentID, closesAt)
	return w, nil
}

// SubmitReview publishes a review for an assignment in its review period.
// The workflow completes when the review event is handled.
func (e *Engine) SubmitReview(ctx context.Context, review domain.ReviewSubmitted) error {
	if review.Rating < 1 || review.Rating > 5 {
		return ErrInvalidRating
	}
	w, err := e.load(ctx, review.AssignmentID)
	if err != nil {
		return err
	}
	if err := expect(&w, domain.StageReviewPeriod); err != nil {
		return err
	}
	_, err = e.bus.Emit(ctx, domain.EventReviewSubmitted, review, actorOpts(review.ReviewerID)...)
	return err
}

// HandleWorkflowCompletion closes the review period and finishes the
// workflow.
func (e *Engine) HandleWorkflowCompletion(ctx context.Context, assignmentID string) (domain.WorkflowState, error) {
	w, err := e.mutate(ctx, assignmentID, "", func(w *domain.WorkflowState, now time.Time) ([]pendingEvent, error) {
		if err := expect(w, domain.StageReviewPeriod); err != nil {
			return nil, err
		}
		changed := step(w, now)
		complete(w, domain.StageWorkflowComplete, now)
		w.CompletedAt = &now
		return []pendingEvent{
			changed,
			{domain.EventWorkflowCompleted, domain.WorkflowCompleted{
				AssignmentID: w.AssignmentID,
				CompletedAt:  now,
				DurationDays: Duration(*w, now),
			}},
		}, nil
	})
	if err == nil {
		e.logger.Info("workflow completed", "assignment_id", assignmentID, "duration_days", Duration(w, *w.CompletedAt))
	}
	return w, err
}

func (e *Engine) schedule(ctx context.Context, kind, assignmentID string, at time.Time) {
	if e.jobs == nil {
		return
	}
	err := e.jobs.Schedule(ctx, scheduler.Job{Kind: kind, Key: assignmentID, FireAt: at})
	if err != nil {
		e.logger.Error("failed to schedule workflow job",
			"kind", kind,
			"assignment_id", assignmentID,
			"fire_at", at,
			"error", err,
		)
	}
}
