package api

import (
	"log/slog"
	"net/http"

	"github.com/Shubh17ss/locumbnb-sub003/internal/domain"
	"github.com/Shubh17ss/locumbnb-sub003/internal/escrow"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type PaymentHandler struct {
	payments *escrow.Service
	logger   *slog.Logger
}

func NewPaymentHandler(payments *escrow.Service, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.payments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.payments.Stats(r.Context())
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Eligibility reports whether a dispute may be opened right now.
func (h *PaymentHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	e, err := h.payments.Eligibility(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

type fundRequest struct {
	ProviderTransactionID string `json:"provider_transaction_id"`
	FundedBy              string `json:"funded_by"`
}

func (h *PaymentHandler) Fund(w http.ResponseWriter, r *http.Request) {
	var req fundRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := h.payments.Fund(r.Context(), chi.URLParam(r, "id"), req.ProviderTransactionID, req.FundedBy)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := h.payments.Release(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := h.payments.Cancel(r.Context(), chi.URLParam(r, "id"), req.Actor)
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

type disputeRequest struct {
	DisputeID   string `json:"dispute_id,omitempty"`
	InitiatedBy string `json:"initiated_by"`
	Role        string `json:"role"`
	Reason      string `json:"reason"`
}

type disputeResponse struct {
	Payment domain.EscrowPayment      `json:"payment"`
	Hold    domain.DisputePaymentHold `json:"hold"`
}

func (h *PaymentHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.InitiatedBy == "" || req.Reason == "" {
		respondError(w, http.StatusBadRequest, "initiated_by and reason are required")
		return
	}

	p, hold, err := h.payments.InitiateDispute(r.Context(), escrow.DisputeRequest{
		PaymentID: chi.URLParam(r, "id"),
		DisputeParams: escrow.DisputeParams{
			DisputeID:   req.DisputeID,
			InitiatedBy: req.InitiatedBy,
			Role:        req.Role,
			Reason:      req.Reason,
		},
	})
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusCreated, disputeResponse{Payment: p, Hold: hold})
}

type resolveRequest struct {
	Resolution     domain.DisputeResolution `json:"resolution"`
	ReleasedAmount decimal.Decimal          `json:"released_amount"`
	RefundedAmount decimal.Decimal          `json:"refunded_amount"`
	ResolvedBy     string                   `json:"resolved_by"`
}

func (h *PaymentHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	hold, p, err := h.payments.ResolveDispute(r.Context(), escrow.ResolveRequest{
		DisputeID:  chi.URLParam(r, "id"),
		Resolution: req.Resolution,
		Amounts: escrow.ResolutionAmounts{
			Released: req.ReleasedAmount,
			Refunded: req.RefundedAmount,
		},
		ResolvedBy: req.ResolvedBy,
	})
	if err != nil {
		respondServiceError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, disputeResponse{Payment: p, Hold: hold})
}
