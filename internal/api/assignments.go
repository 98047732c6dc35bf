package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/escrow"
	"github.com/Shubh17ss/locumbnb-sub003/internal/workflow"
	"github.com/go-chi/chi/v5"
)

type AssignmentHandler struct {
	workflows *workflow.Engine
	payments  *escrow.Service
	logger    *slog.Logger
	now       func() time.Time
}

func NewAssignmentHandler(workflows *workflow.Engine, payments *escrow.Service, logger *slog.Logger) *AssignmentHandler {
	return &AssignmentHandler{workflows: workflows, payments: payments, logger: logger, now: time.Now}
}

type workflowResponse struct {
	domain.WorkflowState
	Progress     int `json:"progress"`
	DurationDays int `json:"duration_days"`
}

func (h *AssignmentHandler) view(w domain.WorkflowState) workflowResponse {
	return workflowResponse{
		WorkflowState: w,
		Progress:      workflow.CalculateProgress(w),
		DurationDays:  workflow.Duration(w, h.now().UTC()),
	}
}

type submitApplicationRequest struct {
	AssignmentID string `json:"assignment_id"`
	domain.AssignmentTerms
}

func (h *AssignmentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitApplicationRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch {
	case req.AssignmentID == "":
		respondError(w, http.StatusBadRequest, "assignment_id is required")
		return
	case req.PhysicianID == "" || req.FacilityID == "":
		respondError(w, http.StatusBadRequest, "physician_id and facility_id are required")
		return
	case req.AssignmentValue.IsNegative():
		respondError(w, http.StatusBadRequest, "assignment_value must not be negative")
		return
	case req.StartDate.IsZero() || !req.EndDate.After(req.StartDate):
		respondError(w, http.StatusBadRequest, "end_date must be after start_date")
		return
	}

	state, err := h.workflows.Initialize(r.Context(), req.AssignmentID, req.AssignmentTerms)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, h.view(state))
}

func (h *AssignmentHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		all []domain.WorkflowState
		err error
	)
	if r.URL.Query().Get("blocked") == "true" {
		all, err = h.workflows.GetBlockedWorkflows(r.Context())
	} else {
		all, err = h.workflows.GetAllWorkflows(r.Context())
	}
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}

	out := make([]workflowResponse, 0, len(all))
	for _, wf := range all {
		out = append(out, h.view(wf))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *AssignmentHandler) Get(w http.ResponseWriter, r *http.Request) {
	state, err := h.workflows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, h.view(state))
}

// Payment returns the escrow payment opened for the assignment.
func (h *AssignmentHandler) Payment(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.GetByAssignment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type actorRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// transition runs a workflow step that only needs the assignment id and an
// optional acting user.
func (h *AssignmentHandler) transition(fn func(r *http.Request, id string, req actorRequest) (domain.WorkflowState, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorRequest
		if err := decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		state, err := fn(r, chi.URLParam(r, "id"), req)
		if err != nil {
			respondServiceError(w, h.logger, err)
			return
		}
		respondJSON(w, http.StatusOK, h.view(state))
	}
}

func (h *AssignmentHandler) Approve() http.HandlerFunc {
	return h.transition(func(r *http.Request, id string, req actorRequest) (domain.WorkflowState, error) {
		return h.workflows.HandleApplicationApproval(r.Context(), id, req.Actor)
	})
}

func (h *AssignmentHandler) Reject() http.HandlerFunc {
	return h.transition(func(r *http.Request, id string, req actorRequest) (domain.WorkflowState, error) {
		return h.workflows.HandleApplicationRejection(r.Context(), id, req.Actor, req.Reason)
	})
}

func (h *AssignmentHandler) Start() http.HandlerFunc {
	return h.transition(func(r *http.Request, id string, _ actorRequest) (domain.WorkflowState, error) {
		return h.workflows.HandleAssignmentStart(r.Context(), id)
	})
}

func (h *AssignmentHandler) Complete() http.HandlerFunc {
	return h.transition(func(r *http.Request, id string, _ actorRequest) (domain.WorkflowState, error) {
		return h.workflows.HandleAssignmentCompletion(r.Context(), id)
	})
}

type signRequest struct {
	Role     domain.SignerRole `json:"role"`
	SignedBy string            `json:"signed_by"`
}

func (h *AssignmentHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	state, err := h.workflows.HandleSignature(r.Context(), chi.URLParam(r, "id"), req.Role, req.SignedBy)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, h.view(state))
}

type reviewRequest struct {
	ReviewerID string `json:"reviewer_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
}

func (h *AssignmentHandler) Review(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReviewerID == "" {
		respondError(w, http.StatusBadRequest, "reviewer_id is required")
		return
	}

	id := chi.URLParam(r, "id")
	err := h.workflows.SubmitReview(r.Context(), domain.ReviewSubmitted{
		AssignmentID: id,
		ReviewerID:   req.ReviewerID,
		Rating:       req.Rating,
		Comment:      req.Comment,
	})
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	state, err := h.workflows.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, h.view(state))
}

type recordErrorRequest struct {
	Stage domain.WorkflowStage `json:"stage,omitempty"`
	Error string               `json:"error"`
}

func (h *AssignmentHandler) RecordError(w http.ResponseWriter, r *http.Request) {
	var req recordErrorRequest
	if err := decode(r, &req); err != nil || req.Error == "" {
		respondError(w, http.StatusBadRequest, "error is required")
		return
	}
	state, err := h.workflows.RecordError(r.Context(), chi.URLParam(r, "id"), req.Stage, req.Error)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, h.view(state))
}

func (h *AssignmentHandler) ResolveError(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "index must be an integer")
		return
	}
	state, err := h.workflows.ResolveError(r.Context(), chi.URLParam(r, "id"), index)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, h.view(state))
}
