package jwttoken

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/platform/httputil"
	authmw "anchorid/pkg/platform/middleware/auth"
)

// Revoker adds a token ID to the revocation list until expiresAt.
type Revoker interface {
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
}

// SessionHandler lets a caller end the session held by its bearer token.
type SessionHandler struct {
	revoker Revoker
	logger  *slog.Logger
}

func NewSessionHandler(revoker Revoker, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{revoker: revoker, logger: logger}
}

func (h *SessionHandler) Register(r chi.Router) {
	r.Delete("/session", h.HandleRevoke)
}

// HandleRevoke revokes the presented token. Other tokens of the same account
// stay valid.
func (h *SessionHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, ok := authmw.ClaimsFromContext(ctx)
	if !ok || claims.JTI == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "no token to revoke"))
		return
	}
	if err := h.revoker.Revoke(ctx, claims.JTI, claims.ExpiresAt); err != nil {
		h.logger.ErrorContext(ctx, "token revocation failed", "error", err)
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeStorage, "failed to revoke token"))
		return
	}
	h.logger.InfoContext(ctx, "token revoked", "subject", claims.Subject, "jti", claims.JTI)
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"revoked": true})
}
