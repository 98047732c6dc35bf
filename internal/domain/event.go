package domain

import (
	"time"
)

// EventType is the closed catalog of platform events, namespaced category.verb.
type EventType string

const (
	EventApplicationSubmitted EventType = "application.submitted"
	EventApplicationApproved  EventType = "application.approved"
	EventApplicationRejected  EventType = "application.rejected"

	EventContractSent     EventType = "contract.sent"
	EventContractSigned   EventType = "contract.signed"
	EventContractExecuted EventType = "contract.executed"

	EventEscrowRequested   EventType = "payment.escrow_requested"
	EventEscrowCreated     EventType = "payment.escrow_created"
	EventEscrowFunded      EventType = "payment.escrow_funded"
	EventEscrowHeld        EventType = "payment.escrow_held"
	EventEscrowReleased    EventType = "payment.escrow_released"
	EventEscrowRefunded    EventType = "payment.escrow_refunded"
	EventEscrowCancelled   EventType = "payment.escrow_cancelled"
	EventPaymentReleaseDue EventType = "payment.release_due"
	EventDisputeFeeCharged EventType = "payment.dispute_fee_charged"

	EventAssignmentScheduled EventType = "assignment.scheduled"
	EventAssignmentStarted   EventType = "assignment.started"
	EventAssignmentCompleted EventType = "assignment.completed"

	EventDisputeInitiated EventType = "dispute.initiated"
	EventDisputeResolved  EventType = "dispute.resolved"

	EventReviewRequested EventType = "review.requested"
	EventReviewSubmitted EventType = "review.submitted"

	EventNotificationAdminEscalation EventType = "notification.admin_escalation"
	EventNotificationSend            EventType = "notification.send"

	EventCalendarBlockDates EventType = "calendar.block_dates"

	EventVendorBillingRecorded EventType = "vendor.billing_recorded"

	EventViolationDetected EventType = "violation.detected"

	EventWorkflowStageChanged  EventType = "workflow.stage_changed"
	EventWorkflowError         EventType = "workflow.error"
	EventWorkflowErrorResolved EventType = "workflow.error_resolved"
	EventWorkflowCompleted     EventType = "workflow.completed"
)

var eventCatalog = map[EventType]struct{}{
	EventApplicationSubmitted:        {},
	EventApplicationApproved:         {},
	EventApplicationRejected:         {},
	EventContractSent:                {},
	EventContractSigned:              {},
	EventContractExecuted:            {},
	EventEscrowRequested:             {},
	EventEscrowCreated:               {},
	EventEscrowFunded:                {},
	EventEscrowHeld:                  {},
	EventEscrowReleased:              {},
	EventEscrowRefunded:              {},
	EventEscrowCancelled:             {},
	EventPaymentReleaseDue:           {},
	EventDisputeFeeCharged:           {},
	EventAssignmentScheduled:         {},
	EventAssignmentStarted:           {},
	EventAssignmentCompleted:         {},
	EventDisputeInitiated:            {},
	EventDisputeResolved:             {},
	EventReviewRequested:             {},
	EventReviewSubmitted:             {},
	EventNotificationAdminEscalation: {},
	EventNotificationSend:            {},
	EventCalendarBlockDates:          {},
	EventVendorBillingRecorded:       {},
	EventViolationDetected:           {},
	EventWorkflowStageChanged:        {},
	EventWorkflowError:               {},
	EventWorkflowErrorResolved:       {},
	EventWorkflowCompleted:           {},
}

// Valid reports whether t belongs to the event catalog.
func (t EventType) Valid() bool {
	_, ok := eventCatalog[t]
	return ok
}

// EventTypes returns every catalog entry. Order is unspecified.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventCatalog))
	for t := range eventCatalog {
		out = append(out, t)
	}
	return out
}

// EventSource identifies who caused an event.
type EventSource string

const (
	SourceSystem EventSource = "system"
	SourceUser   EventSource = "user"
	SourceAdmin  EventSource = "admin"
	SourceVendor EventSource = "vendor"
)

// EventMetadata carries correlation data for an event.
type EventMetadata struct {
	SessionID string `json:"session_id,omitempty"`
}

// PlatformEvent is an immutable fact emitted on the event bus. Only the
// processing bookkeeping fields change after construction.
type PlatformEvent struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Source    EventSource   `json:"source"`
	UserID    string        `json:"user_id,omitempty"`
	UserType  string        `json:"user_type,omitempty"`
	Data      Payload       `json:"data"`
	Metadata  EventMetadata `json:"metadata"`

	Processed   bool       `json:"processed"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}
