// Package handler exposes credential issuance over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"anchorid/internal/credential/models"
	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/platform/httputil"
	"anchorid/pkg/requestcontext"
)

// Service defines the issuance operation the handler depends on.
type Service interface {
	Issue(ctx context.Context, req models.IssueRequest) (*models.IssueResult, error)
}

type Handler struct {
	logger *slog.Logger
	issuer Service
}

func New(issuer Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, issuer: issuer}
}

// Register registers the credential routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/credentials", h.HandleIssue)
}

// HandleIssue issues a credential signed by the authenticated issuer. A settlement
// that is not yet final answers 202.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[models.IssueRequest](w, r)
	if !ok {
		return
	}
	if _, err := identity.RequireSelf(ctx, req.Issuer); err != nil {
		h.logger.WarnContext(ctx, "credential issuance by non-issuer",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	res, err := h.issuer.Issue(ctx, *req)
	if err != nil {
		attrs := []any{"request_id", requestcontext.RequestID(ctx), "claim_id", req.ClaimID, "error", err}
		if code := dErrors.CodeOf(err); code == dErrors.CodeValidation || code == dErrors.CodeErased {
			h.logger.WarnContext(ctx, "credential issuance refused", attrs...)
		} else {
			h.logger.ErrorContext(ctx, "credential issuance failed", attrs...)
		}
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusCreated
	if res.Settlement.Pending() {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, res)
}
