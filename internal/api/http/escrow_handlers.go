package httpapi

import (
	"net/http"

	"github.com/shopspring/decimal"

	appEscrow "github.com/safetrade/escrow-engine/internal/application/escrow"
	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

type openTransactionRequest struct {
	SellerID string          `json:"sellerId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type transitionRequest struct {
	Target   escrow.Status     `json:"target"`
	Expected escrow.Status     `json:"expected"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// openTransaction starts an escrow with the calling buyer as the paying party.
func (s *Server) openTransaction(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	if actor.Role != escrow.RoleBuyer {
		respondError(w, http.StatusForbidden, "FORBIDDEN", "only buyers open transactions")
		return
	}
	var req openTransactionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	t, err := s.escrowSvc.Open(r.Context(), appEscrow.NewTransaction{
		BuyerID:  actor.ID,
		SellerID: req.SellerID,
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, escrow.NewView(t, s.escrowSvc.Now()))
}

func (s *Server) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	view, err := s.escrowSvc.View(r.Context(), id, actorFromContext(r.Context()))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) listActions(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	actions, err := s.escrowSvc.AvailableActions(r.Context(), id, actorFromContext(r.Context()))
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"transactionId": id, "actions": actions})
}

func (s *Server) applyTransition(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	var req transitionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if req.Target == "" || req.Expected == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "target and expected are required")
		return
	}
	t, err := s.escrowSvc.ApplyTransition(r.Context(), id, actorFromContext(r.Context()), req.Target, req.Expected, req.Metadata)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, escrow.NewView(t, s.escrowSvc.Now()))
}
