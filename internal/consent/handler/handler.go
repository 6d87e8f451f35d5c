// Package handler exposes the consent ledger over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"anchorid/internal/consent/models"
	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/platform/httputil"
	"anchorid/pkg/requestcontext"
)

// Service defines the consent operations the handler depends on.
type Service interface {
	Grant(ctx context.Context, req models.GrantRequest) (*models.Record, error)
	Revoke(ctx context.Context, req models.RevokeRequest) (int, error)
	List(ctx context.Context, subject string) ([]*models.Record, error)
}

// Handler handles consent endpoints. Only the subject may grant, revoke or list
// its own consents.
type Handler struct {
	logger  *slog.Logger
	consent Service
}

// New creates a new consent Handler.
func New(consent Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, consent: consent}
}

// Register registers the consent routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/consents", h.HandleGrant)
	r.Post("/consents/revoke", h.HandleRevoke)
	r.Get("/consents/{subject}", h.HandleList)
}

type revokeResponse struct {
	Revoked int `json:"revoked"`
}

type listResponse struct {
	Consents []*models.Record `json:"consents"`
}

// HandleGrant records a new consent for the authenticated subject.
func (h *Handler) HandleGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[models.GrantRequest](w, r)
	if !ok {
		return
	}
	if _, err := identity.RequireSelf(ctx, req.Subject); err != nil {
		h.logger.WarnContext(ctx, "consent grant by non-subject", "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}

	record, err := h.consent.Grant(ctx, *req)
	if err != nil {
		h.logFailure(ctx, "failed to grant consent", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

// HandleRevoke soft-deletes the matching active consents.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, ok := httputil.DecodeAndPrepare[models.RevokeRequest](w, r)
	if !ok {
		return
	}
	if _, err := identity.RequireSelf(ctx, req.Subject); err != nil {
		httputil.WriteError(w, err)
		return
	}

	n, err := h.consent.Revoke(ctx, *req)
	if err != nil {
		h.logFailure(ctx, "failed to revoke consent", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, revokeResponse{Revoked: n})
}

// HandleList returns every consent record of the subject, active or not.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject := chi.URLParam(r, "subject")
	if _, err := identity.RequireSelf(ctx, subject); err != nil {
		httputil.WriteError(w, err)
		return
	}

	records, err := h.consent.List(ctx, subject)
	if err != nil {
		h.logFailure(ctx, "failed to list consents", err)
		httputil.WriteError(w, err)
		return
	}
	if records == nil {
		records = []*models.Record{}
	}
	httputil.WriteJSON(w, http.StatusOK, listResponse{Consents: records})
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	attrs := []any{"request_id", requestcontext.RequestID(ctx), "error", err}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeStorage:
		h.logger.ErrorContext(ctx, msg, attrs...)
	default:
		h.logger.WarnContext(ctx, msg, attrs...)
	}
}
