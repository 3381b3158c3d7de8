package httpapi

import (
	"net/http"
	"strings"

	"github.com/safetrade/escrow-engine/internal/domain/escrow"
)

// Authentication happens upstream. The gateway forwards the caller as
// X-Actor-ID and X-Actor-Role.
const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
)

func (s *Server) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerActorID))
		role := escrow.Role(strings.ToUpper(strings.TrimSpace(r.Header.Get(headerActorRole))))
		if id == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing "+headerActorID)
			return
		}
		switch role {
		case escrow.RoleBuyer, escrow.RoleSeller, escrow.RoleAdmin:
		case escrow.RoleSystem:
			respondError(w, http.StatusForbidden, "FORBIDDEN", "SYSTEM is reserved for internal workers")
			return
		default:
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid "+headerActorRole)
			return
		}
		ctx := withActor(r.Context(), escrow.Actor{Role: role, ID: id})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireRole(roles ...escrow.Role) func(http.Handler) http.Handler {
	allowed := make(map[escrow.Role]struct{})
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := actorFromContext(r.Context())
			if _, ok := allowed[actor.Role]; !ok {
				respondError(w, http.StatusForbidden, "FORBIDDEN", "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
