package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPendingFunding PaymentStatus = "pending_funding"
	PaymentEscrowed       PaymentStatus = "escrowed"
	PaymentReleased       PaymentStatus = "released"
	PaymentHeld           PaymentStatus = "held"
	PaymentRefunded       PaymentStatus = "refunded"
	PaymentCancelled      PaymentStatus = "cancelled"
)

type PlatformFee struct {
	Percentage   decimal.Decimal `json:"percentage"`
	Amount       decimal.Decimal `json:"amount"`
	CalculatedAt time.Time       `json:"calculated_at"`
}

// PaymentSchedule holds the timestamps derived from the assignment dates.
type PaymentSchedule struct {
	FundingDeadline    time.Time `json:"funding_deadline"`
	DisputeWindowStart time.Time `json:"dispute_window_start"`
	DisputeWindowEnd   time.Time `json:"dispute_window_end"`
	ReleaseScheduledAt time.Time `json:"release_scheduled_at"`
}

// PaymentMetadata is display-only context; nothing decides on it.
type PaymentMetadata struct {
	AssignmentStart time.Time `json:"assignment_start"`
	AssignmentEnd   time.Time `json:"assignment_end"`
	PhysicianName   string    `json:"physician_name,omitempty"`
	FacilityName    string    `json:"facility_name,omitempty"`
	Specialty       string    `json:"specialty,omitempty"`
}

type EscrowPayment struct {
	ID                    string          `json:"id"`
	AssignmentID          string          `json:"assignment_id"`
	PhysicianID           string          `json:"physician_id"`
	FacilityID            string          `json:"facility_id"`
	AssignmentValue       decimal.Decimal `json:"assignment_value"`
	PlatformFee           PlatformFee     `json:"platform_fee"`
	PhysicianPayout       decimal.Decimal `json:"physician_payout"`
	Provider              string          `json:"provider"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
	Status                PaymentStatus   `json:"status"`

	FundingDeadline    time.Time  `json:"funding_deadline"`
	FundedAt           *time.Time `json:"funded_at,omitempty"`
	ReleaseScheduledAt time.Time  `json:"release_scheduled_at"`
	ReleasedAt         *time.Time `json:"released_at,omitempty"`
	DisputeWindowStart time.Time  `json:"dispute_window_start"`
	DisputeWindowEnd   time.Time  `json:"dispute_window_end"`
	DisputeInitiatedAt *time.Time `json:"dispute_initiated_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	CreatedBy      string `json:"created_by"`
	LastModifiedBy string `json:"last_modified_by"`

	Metadata PaymentMetadata `json:"metadata"`
}

type DisputeResolution string

const (
	ResolutionReleased      DisputeResolution = "released"
	ResolutionRefunded      DisputeResolution = "refunded"
	ResolutionSplit         DisputeResolution = "split"
	ResolutionAdminOverride DisputeResolution = "admin_override"
)

// Valid reports whether r is a known resolution.
func (r DisputeResolution) Valid() bool {
	switch r {
	case ResolutionReleased, ResolutionRefunded, ResolutionSplit, ResolutionAdminOverride:
		return true
	}
	return false
}

type DisputePaymentHold struct {
	ID             string             `json:"id"`
	PaymentID      string             `json:"payment_id"`
	DisputeID      string             `json:"dispute_id"`
	HeldAt         time.Time          `json:"held_at"`
	HeldBy         string             `json:"held_by"`
	HeldByRole     string             `json:"held_by_role"`
	Reason         string             `json:"reason"`
	OriginalAmount decimal.Decimal    `json:"original_amount"`
	HeldAmount     decimal.Decimal    `json:"held_amount"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
	Resolution     *DisputeResolution `json:"resolution,omitempty"`
	ReleasedAmount *decimal.Decimal   `json:"released_amount,omitempty"`
	RefundedAmount *decimal.Decimal   `json:"refunded_amount,omitempty"`
}

// Resolved reports whether the hold reached its terminal state.
func (h DisputePaymentHold) Resolved() bool {
	return h.ResolvedAt != nil
}
