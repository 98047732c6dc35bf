package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/eventbus"
	"github.com/Shubh17ss/locumbnb-sub003/internal/scheduler"
)

// HandlerPriority orders escrow handlers ahead of default observers.
const HandlerPriority = 10

// HandlerRegistry is the subset of *eventbus.Bus used to wire handlers.
type HandlerRegistry interface {
	RegisterHandler(eventType domain.EventType, priority int, fn eventbus.HandlerFunc)
}

// JobRegistry is the subset of *scheduler.Scheduler used to wire job kinds.
type JobRegistry interface {
	Handle(kind string, fn scheduler.HandlerFunc)
}

func (s *Service) RegisterHandlers(reg HandlerRegistry) {
	reg.RegisterHandler(domain.EventEscrowRequested, HandlerPriority, s.handleEscrowRequested)
	reg.RegisterHandler(domain.EventDisputeInitiated, HandlerPriority, s.handleDisputeInitiated)
}

func (s *Service) RegisterJobs(reg JobRegistry) {
	reg.Handle(scheduler.KindEscrowAutoRelease, s.handleAutoRelease)
}

func (s *Service) handleEscrowRequested(ctx context.Context, event domain.PlatformEvent) error {
	req, ok := event.Data.(domain.EscrowRequested)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}
	t := req.Terms
	_, err := s.CreateForAssignment(ctx, CreateParams{
		AssignmentID:    req.AssignmentID,
		PhysicianID:     t.PhysicianID,
		FacilityID:      t.FacilityID,
		AssignmentValue: t.AssignmentValue,
		CreatedBy:       req.RequestedBy,
		StartDate:       t.StartDate,
		EndDate:         t.EndDate,
		PhysicianName:   t.PhysicianName,
		FacilityName:    t.FacilityName,
		Specialty:       t.Specialty,
	})
	if err != nil {
		s.recordFailure(ctx, req.AssignmentID, domain.StageEscrowFunding, fmt.Errorf("opening escrow: %w", err))
	}
	return err
}

// recordFailure surfaces err on the assignment's workflow so it shows up as
// blocked instead of waiting on an event that will never come.
func (s *Service) recordFailure(ctx context.Context, assignmentID string, stage domain.WorkflowStage, err error) {
	if s.failures == nil {
		return
	}
	if _, rerr := s.failures.RecordError(ctx, assignmentID, stage, err.Error()); rerr != nil {
		s.logger.Error("failed to record escrow failure on workflow",
			"assignment_id", assignmentID,
			"error", err,
			"record_error", rerr,
		)
	}
}

// handleDisputeInitiated charges the flat dispute fee to the initiating
// party and escalates the dispute to an admin.
func (s *Service) handleDisputeInitiated(ctx context.Context, event domain.PlatformEvent) error {
	d, ok := event.Data.(domain.DisputeInitiated)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", event.Data, event.Type)
	}

	s.emit(ctx, "",
		pendingEvent{domain.EventDisputeFeeCharged, domain.DisputeFeeCharged{
			PaymentID:    d.PaymentID,
			AssignmentID: d.AssignmentID,
			DisputeID:    d.DisputeID,
			ChargedTo:    d.InitiatedBy,
			Amount:       s.cfg.DisputeFee,
		}},
		pendingEvent{domain.EventNotificationAdminEscalation, domain.AdminEscalation{
			AssignmentID: d.AssignmentID,
			PaymentID:    d.PaymentID,
			DisputeID:    d.DisputeID,
			Subject:      "Payment dispute opened: " + d.Reason,
			Priority:     "high",
		}},
	)
	return nil
}

// handleAutoRelease runs the scheduled release. An early job is moved to the
// payment's release time; a payment that can no longer auto-release drops
// the job.
func (s *Service) handleAutoRelease(ctx context.Context, job scheduler.Job) error {
	p, err := s.ReleaseIfDue(ctx, job.Key)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotDue):
		if s.jobs == nil {
			return nil
		}
		job.FireAt = p.ReleaseScheduledAt
		job.Attempt = 0
		return s.jobs.Schedule(ctx, job)
	case errors.Is(err, ErrAlreadyReleased), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotFound):
		s.logger.Info("auto release skipped", "payment_id", job.Key, "reason", err.Error())
		return nil
	}
	return err
}
