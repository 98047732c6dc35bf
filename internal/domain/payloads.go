package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payload is the typed body of a PlatformEvent. Each catalog entry has one
// payload struct; the method ties the struct back to its event type.
type Payload interface {
	EventType() EventType
}

type ApplicationSubmitted struct {
	AssignmentID string          `json:"assignment_id"`
	Terms        AssignmentTerms `json:"terms"`
}

func (ApplicationSubmitted) EventType() EventType { return EventApplicationSubmitted }

type ApplicationApproved struct {
	AssignmentID string `json:"assignment_id"`
	ApprovedBy   string `json:"approved_by,omitempty"`
}

func (ApplicationApproved) EventType() EventType { return EventApplicationApproved }

type ApplicationRejected struct {
	AssignmentID string `json:"assignment_id"`
	Reason       string `json:"reason"`
}

func (ApplicationRejected) EventType() EventType { return EventApplicationRejected }

type ContractSent struct {
	AssignmentID string `json:"assignment_id"`
	PhysicianID  string `json:"physician_id"`
	FacilityID   string `json:"facility_id"`
}

func (ContractSent) EventType() EventType { return EventContractSent }

// SignerRole identifies the party signing a contract.
type SignerRole string

const (
	SignerPhysician SignerRole = "physician"
	SignerFacility  SignerRole = "facility"
)

type ContractSigned struct {
	AssignmentID string     `json:"assignment_id"`
	Role         SignerRole `json:"role"`
	SignedBy     string     `json:"signed_by,omitempty"`
	SignedAt     time.Time  `json:"signed_at"`
}

func (ContractSigned) EventType() EventType { return EventContractSigned }

type ContractExecuted struct {
	AssignmentID string    `json:"assignment_id"`
	ExecutedAt   time.Time `json:"executed_at"`
}

func (ContractExecuted) EventType() EventType { return EventContractExecuted }

// EscrowRequested asks the escrow engine to open a payment for an assignment
// whose contract has been executed.
type EscrowRequested struct {
	AssignmentID string          `json:"assignment_id"`
	Terms        AssignmentTerms `json:"terms"`
	RequestedBy  string          `json:"requested_by,omitempty"`
}

func (EscrowRequested) EventType() EventType { return EventEscrowRequested }

type EscrowCreated struct {
	PaymentID       string          `json:"payment_id"`
	AssignmentID    string          `json:"assignment_id"`
	AssignmentValue decimal.Decimal `json:"assignment_value"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	FundingDeadline time.Time       `json:"funding_deadline"`
}

func (EscrowCreated) EventType() EventType { return EventEscrowCreated }

type EscrowFunded struct {
	PaymentID             string    `json:"payment_id"`
	AssignmentID          string    `json:"assignment_id"`
	ProviderTransactionID string    `json:"provider_transaction_id"`
	FundedAt              time.Time `json:"funded_at"`
	ReleaseScheduledAt    time.Time `json:"release_scheduled_at"`
}

func (EscrowFunded) EventType() EventType { return EventEscrowFunded }

type EscrowHeld struct {
	PaymentID    string          `json:"payment_id"`
	AssignmentID string          `json:"assignment_id"`
	DisputeID    string          `json:"dispute_id"`
	HeldAmount   decimal.Decimal `json:"held_amount"`
}

func (EscrowHeld) EventType() EventType { return EventEscrowHeld }

type EscrowReleased struct {
	PaymentID       string          `json:"payment_id"`
	AssignmentID    string          `json:"assignment_id"`
	PhysicianPayout decimal.Decimal `json:"physician_payout"`
	ReleasedAt      time.Time       `json:"released_at"`
	Automatic       bool            `json:"automatic"`
	TransferID      string          `json:"transfer_id,omitempty"`
}

func (EscrowReleased) EventType() EventType { return EventEscrowReleased }

type EscrowRefunded struct {
	PaymentID      string          `json:"payment_id"`
	AssignmentID   string          `json:"assignment_id"`
	RefundedAmount decimal.Decimal `json:"refunded_amount"`
}

func (EscrowRefunded) EventType() EventType { return EventEscrowRefunded }

type EscrowCancelled struct {
	PaymentID    string        `json:"payment_id"`
	AssignmentID string        `json:"assignment_id"`
	From         PaymentStatus `json:"from"`
}

func (EscrowCancelled) EventType() EventType { return EventEscrowCancelled }

type PaymentReleaseDue struct {
	AssignmentID string    `json:"assignment_id"`
	DueAt        time.Time `json:"due_at"`
}

func (PaymentReleaseDue) EventType() EventType { return EventPaymentReleaseDue }

type DisputeFeeCharged struct {
	PaymentID    string          `json:"payment_id"`
	AssignmentID string          `json:"assignment_id"`
	DisputeID    string          `json:"dispute_id"`
	ChargedTo    string          `json:"charged_to"`
	Amount       decimal.Decimal `json:"amount"`
}

func (DisputeFeeCharged) EventType() EventType { return EventDisputeFeeCharged }

type AssignmentScheduled struct {
	AssignmentID string    `json:"assignment_id"`
	StartDate    time.Time `json:"start_date"`
	EndDate      time.Time `json:"end_date"`
}

func (AssignmentScheduled) EventType() EventType { return EventAssignmentScheduled }

type AssignmentStarted struct {
	AssignmentID string    `json:"assignment_id"`
	StartedAt    time.Time `json:"started_at"`
}

func (AssignmentStarted) EventType() EventType { return EventAssignmentStarted }

type AssignmentCompleted struct {
	AssignmentID     string    `json:"assignment_id"`
	CompletedAt      time.Time `json:"completed_at"`
	PaymentReleaseAt time.Time `json:"payment_release_at"`
}

func (AssignmentCompleted) EventType() EventType { return EventAssignmentCompleted }

type DisputeInitiated struct {
	DisputeID    string          `json:"dispute_id"`
	PaymentID    string          `json:"payment_id"`
	AssignmentID string          `json:"assignment_id"`
	HoldID       string          `json:"hold_id"`
	InitiatedBy  string          `json:"initiated_by"`
	Role         string          `json:"role"`
	Reason       string          `json:"reason"`
	HeldAmount   decimal.Decimal `json:"held_amount"`
}

func (DisputeInitiated) EventType() EventType { return EventDisputeInitiated }

type DisputeResolved struct {
	DisputeID      string            `json:"dispute_id"`
	PaymentID      string            `json:"payment_id"`
	AssignmentID   string            `json:"assignment_id"`
	Resolution     DisputeResolution `json:"resolution"`
	ReleasedAmount decimal.Decimal   `json:"released_amount"`
	RefundedAmount decimal.Decimal   `json:"refunded_amount"`
	PaymentStatus  PaymentStatus     `json:"payment_status"`
}

func (DisputeResolved) EventType() EventType { return EventDisputeResolved }

type ReviewRequested struct {
	AssignmentID string    `json:"assignment_id"`
	ClosesAt     time.Time `json:"closes_at"`
}

func (ReviewRequested) EventType() EventType { return EventReviewRequested }

type ReviewSubmitted struct {
	AssignmentID string `json:"assignment_id"`
	ReviewerID   string `json:"reviewer_id"`
	Rating       int    `json:"rating"`
	Comment      string `json:"comment,omitempty"`
}

func (ReviewSubmitted) EventType() EventType { return EventReviewSubmitted }

type AdminEscalation struct {
	AssignmentID string `json:"assignment_id"`
	PaymentID    string `json:"payment_id,omitempty"`
	DisputeID    string `json:"dispute_id,omitempty"`
	Subject      string `json:"subject"`
	Priority     string `json:"priority"`
}

func (AdminEscalation) EventType() EventType { return EventNotificationAdminEscalation }

type CalendarBlockDates struct {
	AssignmentID string    `json:"assignment_id"`
	PhysicianID  string    `json:"physician_id"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
}

func (CalendarBlockDates) EventType() EventType { return EventCalendarBlockDates }

type StageChanged struct {
	AssignmentID string        `json:"assignment_id"`
	From         WorkflowStage `json:"from"`
	To           WorkflowStage `json:"to"`
}

func (StageChanged) EventType() EventType { return EventWorkflowStageChanged }

type WorkflowErrorRecorded struct {
	AssignmentID string        `json:"assignment_id"`
	Stage        WorkflowStage `json:"stage"`
	Error        string        `json:"error"`
	Index        int           `json:"index"`
}

func (WorkflowErrorRecorded) EventType() EventType { return EventWorkflowError }

type WorkflowErrorResolved struct {
	AssignmentID string `json:"assignment_id"`
	Index        int    `json:"index"`
	StillBlocked bool   `json:"still_blocked"`
}

func (WorkflowErrorResolved) EventType() EventType { return EventWorkflowErrorResolved }

type WorkflowCompleted struct {
	AssignmentID string    `json:"assignment_id"`
	CompletedAt  time.Time `json:"completed_at"`
	DurationDays int       `json:"duration_days"`
}

func (WorkflowCompleted) EventType() EventType { return EventWorkflowCompleted }

// GenericPayload carries events whose shape is owned by an external
// collaborator (notifications, vendor billing, violations).
type GenericPayload struct {
	Type   EventType      `json:"-"`
	Fields map[string]any `json:"fields"`
}

func (g GenericPayload) EventType() EventType { return g.Type }
