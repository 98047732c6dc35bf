package escrow

import (
	"errors"
	"fmt"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("escrow: invalid transition")
	ErrAlreadyReleased   = errors.New("escrow: payment already released")
	ErrAlreadyDisputed   = errors.New("escrow: payment already disputed")
	ErrDisputeNotAllowed = errors.New("escrow: dispute not allowed")
	ErrNotDue            = errors.New("escrow: payment not due for release")
	ErrHoldResolved      = errors.New("escrow: dispute hold already resolved")
	ErrHoldMismatch      = errors.New("escrow: hold does not belong to payment")
	ErrInvalidAmount     = errors.New("escrow: invalid amount")
	ErrInvalidSchedule   = errors.New("escrow: assignment ends before it starts")
	ErrInvalidResolution = errors.New("escrow: invalid dispute resolution")
	ErrMissingReference  = errors.New("escrow: provider transaction id is required")
	ErrNotFound          = errors.New("escrow: not found")
)

// InvalidTransitionError names the rejected status change. It matches
// ErrInvalidTransition under errors.Is.
type InvalidTransitionError struct {
	From domain.PaymentStatus
	To   domain.PaymentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escrow: invalid transition %s -> %s", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// DisputeRefusedError carries the eligibility reason for a refused dispute.
type DisputeRefusedError struct {
	Reason string
}

func (e *DisputeRefusedError) Error() string {
	return "escrow: dispute not allowed: " + e.Reason
}

func (e *DisputeRefusedError) Is(target error) bool {
	if target == ErrDisputeNotAllowed {
		return true
	}
	return e.Reason == ReasonAlreadyDisputed && target == ErrAlreadyDisputed
}
