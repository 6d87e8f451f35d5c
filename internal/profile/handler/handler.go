// Package handler exposes profile documents over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"anchorid/internal/identity"
	"anchorid/internal/profile/models"
	"anchorid/internal/profile/service"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/platform/httputil"
	"anchorid/pkg/requestcontext"
)

// Service defines the profile operations the handler depends on.
type Service interface {
	Get(ctx context.Context, subject string) (*models.Document, error)
	Upsert(ctx context.Context, req models.UpsertRequest) (*service.WriteResult, error)
}

type Handler struct {
	logger   *slog.Logger
	profiles Service
}

func New(profiles Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, profiles: profiles}
}

// Register registers the profile routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Get("/profiles/{subject}", h.HandleGet)
	r.Put("/profiles/{subject}", h.HandleUpsert)
}

// upsertBody is the PUT payload; the subject comes from the path and the
// service validates the assembled request.
type upsertBody struct {
	Context    string                     `json:"context"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
	Links      map[string]string          `json:"links,omitempty"`
}

// HandleGet returns the caller's own profile.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := identity.RequireSelf(ctx, chi.URLParam(r, "subject"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	doc, err := h.profiles.Get(ctx, subject.String())
	if err != nil {
		h.logFailure(ctx, "failed to load profile", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, doc)
}

// HandleUpsert merges attributes and links into the caller's profile.
func (h *Handler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := identity.RequireSelf(ctx, chi.URLParam(r, "subject"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	body, ok := httputil.DecodeAndPrepare[upsertBody](w, r)
	if !ok {
		return
	}
	req := models.UpsertRequest{
		Subject:    subject.String(),
		Context:    body.Context,
		Attributes: body.Attributes,
		Links:      body.Links,
	}

	res, err := h.profiles.Upsert(ctx, req)
	if err != nil {
		h.logFailure(ctx, "failed to update profile", err)
		httputil.WriteError(w, err)
		return
	}
	status := http.StatusOK
	if res.Settlement != nil && res.Settlement.Pending() {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, res)
}

func (h *Handler) logFailure(ctx context.Context, msg string, err error) {
	attrs := []any{"request_id", requestcontext.RequestID(ctx), "error", err}
	switch dErrors.CodeOf(err) {
	case dErrors.CodeInternal, dErrors.CodeStorage, dErrors.CodeSettlement:
		h.logger.ErrorContext(ctx, msg, attrs...)
	default:
		h.logger.WarnContext(ctx, msg, attrs...)
	}
}
