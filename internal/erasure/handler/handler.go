// Package handler exposes subject erasure over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"anchorid/internal/erasure/service"
	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/platform/httputil"
	"anchorid/pkg/requestcontext"
)

type Service interface {
	EraseSubject(ctx context.Context, subject, reason string) (*service.Result, error)
}

type Handler struct {
	logger *slog.Logger
	eraser Service
}

func New(eraser Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, eraser: eraser}
}

// Register registers the erasure route with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Delete("/subjects/{subject}", h.HandleErase)
}

// HandleErase erases the authenticated subject. The optional reason query
// parameter is recorded on the tombstone.
func (h *Handler) HandleErase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	subject, err := identity.RequireSelf(ctx, chi.URLParam(r, "subject"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.eraser.EraseSubject(ctx, subject.String(), r.URL.Query().Get("reason"))
	if err != nil {
		attrs := []any{"request_id", requestcontext.RequestID(ctx), "error", err}
		if dErrors.CodeOf(err) == dErrors.CodeInternal || dErrors.CodeOf(err) == dErrors.CodeStorage {
			h.logger.ErrorContext(ctx, "erasure failed", attrs...)
		} else {
			h.logger.WarnContext(ctx, "erasure refused", attrs...)
		}
		httputil.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if res.Settlement != nil && res.Settlement.Pending() {
		status = http.StatusAccepted
	}
	httputil.WriteJSON(w, status, res)
}
