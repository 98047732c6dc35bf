package escrow

import (
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultFeePercentage is the platform cut applied when none is configured.
var DefaultFeePercentage = decimal.NewFromInt(15)

const (
	FundingLead     = 24 * time.Hour
	ReleaseDelay    = 96 * time.Hour
	DisputeCutoff   = 48 * time.Hour
	DefaultProvider = "stripe"
)

// Dispute refusal reasons reported by CanDispute.
const (
	ReasonAlreadyDisputed = "already disputed"
	ReasonNotEscrowed     = "payment not escrowed"
	ReasonWindowNotOpen   = "window not open"
	ReasonWindowClosed    = "window closed"
)

var hundred = decimal.NewFromInt(100)

// transitions lists the allowed payment status changes. Cancellation is
// handled separately: every status except cancelled may be cancelled.
var transitions = map[domain.PaymentStatus][]domain.PaymentStatus{
	domain.PaymentPendingFunding: {domain.PaymentEscrowed},
	domain.PaymentEscrowed:       {domain.PaymentReleased, domain.PaymentHeld},
	domain.PaymentHeld:           {domain.PaymentReleased, domain.PaymentRefunded},
}

// ValidateTransition returns an *InvalidTransitionError unless from -> to is
// an allowed status change.
func ValidateTransition(from, to domain.PaymentStatus) error {
	if to == domain.PaymentCancelled && from != domain.PaymentCancelled {
		return nil
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to}
}

// ComputeFee returns the platform fee on amount at percentage, rounded to
// cents half away from zero.
func ComputeFee(amount, percentage decimal.Decimal, at time.Time) (domain.PlatformFee, error) {
	if amount.IsNegative() || percentage.IsNegative() || percentage.GreaterThan(hundred) {
		return domain.PlatformFee{}, ErrInvalidAmount
	}
	return domain.PlatformFee{
		Percentage:   percentage,
		Amount:       amount.Mul(percentage).Div(hundred).Round(2),
		CalculatedAt: at,
	}, nil
}

// ComputeSchedule derives the funding deadline, dispute window and release
// time from the assignment dates. Both window bounds are inclusive.
func ComputeSchedule(start, end time.Time) (domain.PaymentSchedule, error) {
	if end.Before(start) {
		return domain.PaymentSchedule{}, ErrInvalidSchedule
	}
	release := end.Add(ReleaseDelay)
	return domain.PaymentSchedule{
		FundingDeadline:    start.Add(-FundingLead),
		DisputeWindowStart: end,
		DisputeWindowEnd:   release.Add(-DisputeCutoff),
		ReleaseScheduledAt: release,
	}, nil
}

// CreateParams describes a new escrow payment. A zero FeePercentage with
// Valid unset falls back to DefaultFeePercentage.
type CreateParams struct {
	AssignmentID    string
	PhysicianID     string
	FacilityID      string
	AssignmentValue decimal.Decimal
	FeePercentage   decimal.NullDecimal
	Provider        string
	CreatedBy       string
	StartDate       time.Time
	EndDate         time.Time
	PhysicianName   string
	FacilityName    string
	Specialty       string
}

// Create builds a pending_funding payment for an assignment.
func Create(params CreateParams, now time.Time) (domain.EscrowPayment, error) {
	if params.AssignmentValue.IsNegative() {
		return domain.EscrowPayment{}, ErrInvalidAmount
	}
	pct := DefaultFeePercentage
	if params.FeePercentage.Valid {
		pct = params.FeePercentage.Decimal
	}
	fee, err := ComputeFee(params.AssignmentValue, pct, now)
	if err != nil {
		return domain.EscrowPayment{}, err
	}
	sched, err := ComputeSchedule(params.StartDate, params.EndDate)
	if err != nil {
		return domain.EscrowPayment{}, err
	}
	provider := params.Provider
	if provider == "" {
		provider = DefaultProvider
	}

	return domain.EscrowPayment{
		ID:                 uuid.NewString(),
		AssignmentID:       params.AssignmentID,
		PhysicianID:        params.PhysicianID,
		FacilityID:         params.FacilityID,
		AssignmentValue:    params.AssignmentValue,
		PlatformFee:        fee,
		PhysicianPayout:    params.AssignmentValue.Sub(fee.Amount),
		Provider:           provider,
		Status:             domain.PaymentPendingFunding,
		FundingDeadline:    sched.FundingDeadline,
		ReleaseScheduledAt: sched.ReleaseScheduledAt,
		DisputeWindowStart: sched.DisputeWindowStart,
		DisputeWindowEnd:   sched.DisputeWindowEnd,
		CreatedAt:          now,
		UpdatedAt:          now,
		CreatedBy:          params.CreatedBy,
		LastModifiedBy:     params.CreatedBy,
		Metadata: domain.PaymentMetadata{
			AssignmentStart: params.StartDate,
			AssignmentEnd:   params.EndDate,
			PhysicianName:   params.PhysicianName,
			FacilityName:    params.FacilityName,
			Specialty:       params.Specialty,
		},
	}, nil
}

// Fund records the provider's confirmation that the facility paid in.
func Fund(p domain.EscrowPayment, providerTxnID, actor string, now time.Time) (domain.EscrowPayment, error) {
	if err := ValidateTransition(p.Status, domain.PaymentEscrowed); err != nil {
		return p, err
	}
	if providerTxnID == "" {
		return p, ErrMissingReference
	}
	p.Status = domain.PaymentEscrowed
	p.ProviderTransactionID = providerTxnID
	p.FundedAt = &now
	touch(&p, actor, now)
	return p, nil
}

// DisputeEligibility is the answer to "may this payment be disputed now".
type DisputeEligibility struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// CanDispute checks the dispute window. Reasons are checked in order: an
// existing dispute, a payment that is not escrowed, then the window bounds.
func CanDispute(p domain.EscrowPayment, now time.Time) DisputeEligibility {
	switch {
	case p.DisputeInitiatedAt != nil:
		return DisputeEligibility{Reason: ReasonAlreadyDisputed}
	case p.Status != domain.PaymentEscrowed:
		return DisputeEligibility{Reason: ReasonNotEscrowed}
	case now.Before(p.DisputeWindowStart):
		return DisputeEligibility{Reason: ReasonWindowNotOpen}
	case now.After(p.DisputeWindowEnd):
		return DisputeEligibility{Reason: ReasonWindowClosed}
	}
	return DisputeEligibility{Allowed: true}
}

// DisputeParams identifies who disputes a payment and why.
type DisputeParams struct {
	DisputeID   string
	InitiatedBy string
	Role        string
	Reason      string
}

// InitiateDispute moves an escrowed payment to held and opens a hold over
// the full assignment value.
func InitiateDispute(p domain.EscrowPayment, params DisputeParams, now time.Time) (domain.EscrowPayment, domain.DisputePaymentHold, error) {
	if elig := CanDispute(p, now); !elig.Allowed {
		return p, domain.DisputePaymentHold{}, &DisputeRefusedError{Reason: elig.Reason}
	}
	if err := ValidateTransition(p.Status, domain.PaymentHeld); err != nil {
		return p, domain.DisputePaymentHold{}, err
	}
	disputeID := params.DisputeID
	if disputeID == "" {
		disputeID = uuid.NewString()
	}

	p.Status = domain.PaymentHeld
	p.DisputeInitiatedAt = &now
	touch(&p, params.InitiatedBy, now)

	hold := domain.DisputePaymentHold{
		ID:             uuid.NewString(),
		PaymentID:      p.ID,
		DisputeID:      disputeID,
		HeldAt:         now,
		HeldBy:         params.InitiatedBy,
		HeldByRole:     params.Role,
		Reason:         params.Reason,
		OriginalAmount: p.AssignmentValue,
		HeldAmount:     p.AssignmentValue,
	}
	return p, hold, nil
}

// Release pays out an escrowed payment on request.
func Release(p domain.EscrowPayment, actor string, now time.Time) (domain.EscrowPayment, error) {
	if p.Status == domain.PaymentReleased {
		return p, ErrAlreadyReleased
	}
	if err := ValidateTransition(p.Status, domain.PaymentReleased); err != nil {
		return p, err
	}
	if p.Status != domain.PaymentEscrowed {
		return p, &InvalidTransitionError{From: p.Status, To: domain.PaymentReleased}
	}
	return markReleased(p, actor, now), nil
}

// ShouldAutoRelease reports whether the scheduled release is due: the
// payment is escrowed, undisputed and its release time has passed.
func ShouldAutoRelease(p domain.EscrowPayment, now time.Time) bool {
	return p.Status == domain.PaymentEscrowed &&
		p.DisputeInitiatedAt == nil &&
		!now.Before(p.ReleaseScheduledAt)
}

// ReleaseScheduled is the automatic release run by the scheduler.
func ReleaseScheduled(p domain.EscrowPayment, now time.Time) (domain.EscrowPayment, error) {
	if p.Status == domain.PaymentReleased {
		return p, ErrAlreadyReleased
	}
	if p.Status != domain.PaymentEscrowed {
		return p, &InvalidTransitionError{From: p.Status, To: domain.PaymentReleased}
	}
	if !ShouldAutoRelease(p, now) {
		return p, ErrNotDue
	}
	return markReleased(p, "system", now), nil
}

// ResolutionAmounts splits the held amount for split and admin_override
// resolutions. It is ignored for released and refunded.
type ResolutionAmounts struct {
	Released decimal.Decimal
	Refunded decimal.Decimal
}

// ResolveDispute closes a hold. Released and refunded move the whole held
// amount and finish the payment; split must account for exactly the held
// amount and admin_override for at most it, and both leave the payment held
// for manual settlement.
func ResolveDispute(hold domain.DisputePaymentHold, p domain.EscrowPayment, resolution domain.DisputeResolution, amounts ResolutionAmounts, actor string, now time.Time) (domain.DisputePaymentHold, domain.EscrowPayment, error) {
	if hold.Resolved() {
		return hold, p, ErrHoldResolved
	}
	if hold.PaymentID != p.ID {
		return hold, p, ErrHoldMismatch
	}
	if !resolution.Valid() {
		return hold, p, ErrInvalidResolution
	}
	if p.Status != domain.PaymentHeld {
		return hold, p, &InvalidTransitionError{From: p.Status, To: resolutionStatus(resolution)}
	}

	var released, refunded decimal.Decimal
	switch resolution {
	case domain.ResolutionReleased:
		if err := ValidateTransition(p.Status, domain.PaymentReleased); err != nil {
			return hold, p, err
		}
		released = hold.HeldAmount
		p = markReleased(p, actor, now)
	case domain.ResolutionRefunded:
		if err := ValidateTransition(p.Status, domain.PaymentRefunded); err != nil {
			return hold, p, err
		}
		refunded = hold.HeldAmount
		p.Status = domain.PaymentRefunded
		touch(&p, actor, now)
	case domain.ResolutionSplit, domain.ResolutionAdminOverride:
		released, refunded = amounts.Released, amounts.Refunded
		if released.IsNegative() || refunded.IsNegative() {
			return hold, p, ErrInvalidAmount
		}
		total := released.Add(refunded)
		if resolution == domain.ResolutionSplit && !total.Equal(hold.HeldAmount) {
			return hold, p, ErrInvalidAmount
		}
		if total.GreaterThan(hold.HeldAmount) {
			return hold, p, ErrInvalidAmount
		}
		touch(&p, actor, now)
	}

	hold.HeldAmount = hold.HeldAmount.Sub(released).Sub(refunded)
	hold.ResolvedAt = &now
	hold.Resolution = &resolution
	hold.ReleasedAmount = &released
	hold.RefundedAmount = &refunded
	return hold, p, nil
}

// Cancel ends a payment from any status other than cancelled.
func Cancel(p domain.EscrowPayment, actor string, now time.Time) (domain.EscrowPayment, error) {
	if err := ValidateTransition(p.Status, domain.PaymentCancelled); err != nil {
		return p, err
	}
	p.Status = domain.PaymentCancelled
	touch(&p, actor, now)
	return p, nil
}

func resolutionStatus(r domain.DisputeResolution) domain.PaymentStatus {
	switch r {
	case domain.ResolutionReleased:
		return domain.PaymentReleased
	case domain.ResolutionRefunded:
		return domain.PaymentRefunded
	}
	return domain.PaymentHeld
}

func markReleased(p domain.EscrowPayment, actor string, now time.Time) domain.EscrowPayment {
	p.Status = domain.PaymentReleased
	p.ReleasedAt = &now
	touch(&p, actor, now)
	return p
}

func touch(p *domain.EscrowPayment, actor string, now time.Time) {
	p.UpdatedAt = now
	if actor != "" {
		p.LastModifiedBy = actor
	}
}
