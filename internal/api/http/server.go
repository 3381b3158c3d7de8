package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/safetrade/escrow-engine/internal/application/consistency"
	appDispute "github.com/safetrade/escrow-engine/internal/application/dispute"
	appEscrow "github.com/safetrade/escrow-engine/internal/application/escrow"
	"github.com/safetrade/escrow-engine/internal/domain/dispute"
	"github.com/safetrade/escrow-engine/internal/domain/escrow"
	"github.com/safetrade/escrow-engine/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	escrowSvc  *appEscrow.Service
	disputeSvc *appDispute.Manager
	validator  *consistency.Validator
	sseHub     *sse.Hub
	gatherer   prometheus.Gatherer
	logger     zerolog.Logger
}

func NewServer(
	escrowSvc *appEscrow.Service,
	disputeSvc *appDispute.Manager,
	validator *consistency.Validator,
	sseHub *sse.Hub,
	gatherer prometheus.Gatherer,
	logger zerolog.Logger,
) *Server {
	return &Server{
		escrowSvc:  escrowSvc,
		disputeSvc: disputeSvc,
		validator:  validator,
		sseHub:     sseHub,
		gatherer:   gatherer,
		logger:     logger.With().Str("service", "http").Logger(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireActor)

		// SSE streams stay open, so they get no request timeout.
		r.Get("/events", s.sseEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Route("/transactions", func(r chi.Router) {
				r.Post("/", s.openTransaction)
				r.Get("/{transactionId}", s.getTransaction)
				r.Get("/{transactionId}/actions", s.listActions)
				r.Post("/{transactionId}/transitions", s.applyTransition)
				r.Post("/{transactionId}/disputes", s.createDispute)
			})

			r.Route("/disputes", func(r chi.Router) {
				r.Get("/{disputeId}", s.getDispute)
				r.With(s.requireRole(escrow.RoleAdmin)).Post("/{disputeId}/resolve", s.resolveDispute)
			})

			r.Route("/admin", func(r chi.Router) {
				r.With(s.requireRole(escrow.RoleAdmin)).Get("/consistency", s.consistencyReport)
			})
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps service errors to status codes.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, escrow.ErrTransactionNotFound), errors.Is(err, dispute.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, escrow.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, escrow.ErrInvalidTransition):
		respondError(w, http.StatusUnprocessableEntity, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, escrow.ErrAlreadyTerminal):
		respondError(w, http.StatusConflict, "ALREADY_TERMINAL", err.Error())
	case errors.Is(err, escrow.ErrStaleState):
		respondError(w, http.StatusConflict, "STALE_STATE", err.Error())
	case errors.Is(err, dispute.ErrAlreadyOpen):
		respondError(w, http.StatusConflict, "DISPUTE_ALREADY_OPEN", err.Error())
	case errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, dispute.ErrInvalidReason),
		errors.Is(err, dispute.ErrInvalidResolutionStatus):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, escrow.ErrPreconditionFailed):
		respondError(w, http.StatusFailedDependency, "PRECONDITION_FAILED", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) consistencyReport(w http.ResponseWriter, r *http.Request) {
	if s.validator == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "validator disabled")
		return
	}
	rep, ok := s.validator.Last()
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no validation run yet")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"healthy": rep.Healthy(), "report": rep})
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	actor := actorFromContext(r.Context())
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := sse.NewClient(clientID, actor.ID)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			_, _ = w.Write([]byte("id: " + msg.ID + "\nevent: " + msg.Event + "\ndata: "))
			_, _ = w.Write(msg.Data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
