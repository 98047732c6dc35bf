package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// WorkflowStage is one of the twelve fixed assignment milestones.
type WorkflowStage string

const (
	StageApplicationSubmitted WorkflowStage = "application_submitted"
	StageFacilityReview       WorkflowStage = "facility_review"
	StageContractSent         WorkflowStage = "contract_sent"
	StagePhysicianSignature   WorkflowStage = "physician_signature"
	StageFacilitySignature    WorkflowStage = "facility_signature"
	StageEscrowFunding        WorkflowStage = "escrow_funding"
	StageAssignmentScheduled  WorkflowStage = "assignment_scheduled"
	StageAssignmentActive     WorkflowStage = "assignment_active"
	StageAssignmentCompleted  WorkflowStage = "assignment_completed"
	StagePaymentRelease       WorkflowStage = "payment_release"
	StageReviewPeriod         WorkflowStage = "review_period"
	StageWorkflowComplete     WorkflowStage = "workflow_complete"
)

// Stages is the canonical stage order; the terminal stage is last.
var Stages = []WorkflowStage{
	StageApplicationSubmitted,
	StageFacilityReview,
	StageContractSent,
	StagePhysicianSignature,
	StageFacilitySignature,
	StageEscrowFunding,
	StageAssignmentScheduled,
	StageAssignmentActive,
	StageAssignmentCompleted,
	StagePaymentRelease,
	StageReviewPeriod,
	StageWorkflowComplete,
}

// Index returns the position of s in Stages, or -1.
func (s WorkflowStage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the stage after s. The terminal stage has no successor.
func (s WorkflowStage) Next() (WorkflowStage, bool) {
	i := s.Index()
	if i < 0 || i == len(Stages)-1 {
		return "", false
	}
	return Stages[i+1], true
}

type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
	StatusSkipped    StageStatus = "skipped"
)

// Terminal reports whether the status closes the stage.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

type WorkflowStageStatus struct {
	Stage       WorkflowStage `json:"stage"`
	Status      StageStatus   `json:"status"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       string        `json:"error,omitempty"`
}

type WorkflowError struct {
	Stage      WorkflowStage `json:"stage"`
	Error      string        `json:"error"`
	Timestamp  time.Time     `json:"timestamp"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// AssignmentTerms are captured when the application is submitted and feed
// escrow creation and the calendar block.
type AssignmentTerms struct {
	PhysicianID     string          `json:"physician_id"`
	FacilityID      string          `json:"facility_id"`
	PhysicianName   string          `json:"physician_name,omitempty"`
	FacilityName    string          `json:"facility_name,omitempty"`
	Specialty       string          `json:"specialty,omitempty"`
	AssignmentValue decimal.Decimal `json:"assignment_value"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         time.Time       `json:"end_date"`
}

type WorkflowState struct {
	AssignmentID string                `json:"assignment_id"`
	CurrentStage WorkflowStage         `json:"current_stage"`
	Stages       []WorkflowStageStatus `json:"stages"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	BlockedBy    string                `json:"blocked_by,omitempty"`
	Errors       []WorkflowError       `json:"errors"`
	Terms        AssignmentTerms       `json:"terms"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Stage returns a pointer to the status record for stage, or nil.
func (w *WorkflowState) Stage(stage WorkflowStage) *WorkflowStageStatus {
	for i := range w.Stages {
		if w.Stages[i].Stage == stage {
			return &w.Stages[i]
		}
	}
	return nil
}

// Blocked reports whether an unresolved error holds the workflow.
func (w *WorkflowState) Blocked() bool {
	return w.BlockedBy != ""
}

// Clone returns a deep copy safe to hand to callers outside the engine lock.
func (w WorkflowState) Clone() WorkflowState {
	out := w
	out.Stages = append([]WorkflowStageStatus(nil), w.Stages...)
	out.Errors = append([]WorkflowError(nil), w.Errors...)
	return out
}
