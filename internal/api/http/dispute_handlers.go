package httpapi

import (
	"fmt"
	"net/http"

	"github.com/safetrade/escrow-engine/internal/domain/dispute"
	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

type createDisputeRequest struct {
	Reason      dispute.Reason `json:"reason"`
	Description string         `json:"description"`
}

type resolveDisputeRequest struct {
	Resolution dispute.Status `json:"resolution"`
	Note       string         `json:"note"`
}

func (s *Server) createDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "transactionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid transactionId")
		return
	}
	var req createDisputeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	d, err := s.disputeSvc.CreateDispute(r.Context(), id, actorFromContext(r.Context()), req.Reason, req.Description)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

// getDispute is visible to admins and to the parties of the disputed transaction.
func (s *Server) getDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "disputeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid disputeId")
		return
	}
	d, err := s.disputeSvc.GetDispute(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	actor := actorFromContext(r.Context())
	if actor.Role != escrow.RoleAdmin {
		t, err := s.escrowSvc.Get(r.Context(), d.TransactionID)
		if err != nil {
			s.respondDomainError(w, err)
			return
		}
		if !t.IsParty(actor) {
			s.respondDomainError(w, fmt.Errorf("%w: %s", escrow.ErrUnauthorized, actor))
			return
		}
	}
	respondJSON(w, http.StatusOK, d)
}

func (s *Server) resolveDispute(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "disputeId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid disputeId")
		return
	}
	var req resolveDisputeRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	d, err := s.disputeSvc.ResolveDispute(r.Context(), id, actorFromContext(r.Context()), req.Resolution, req.Note)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}
