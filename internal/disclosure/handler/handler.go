// Package handler exposes disclosure verification over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"anchorid/internal/disclosure/models"
	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/platform/httputil"
	"anchorid/pkg/requestcontext"
)

// Service defines the verification operation the handler depends on.
type Service interface {
	Verify(ctx context.Context, req models.VerifyRequest) (*models.Result, error)
}

type Handler struct {
	logger   *slog.Logger
	verifier Service
}

func New(verifier Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, verifier: verifier}
}

// Register registers the disclosure routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/disclosures/verify", h.HandleVerify)
}

// verifyResponse carries the error code alongside both maps so a 403 still
// tells the verifier why each claim was withheld.
type verifyResponse struct {
	Error     string                     `json:"error,omitempty"`
	Disclosed map[string]json.RawMessage `json:"disclosed"`
	Denied    map[string]string          `json:"denied"`
}

// HandleVerify answers 200 when anything was disclosed and 403 when every claim was denied.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller, ok := identity.Caller(ctx)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "verifier identity required"))
		return
	}
	req, ok := httputil.DecodeAndPrepare[models.VerifyRequest](w, r)
	if !ok {
		return
	}
	req.Verifier = caller.String()

	res, err := h.verifier.Verify(ctx, *req)
	if err != nil {
		h.logger.ErrorContext(ctx, "disclosure verification failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	resp := verifyResponse{Disclosed: res.Disclosed, Denied: res.Denied}
	if res.AllDenied() {
		resp.Error = string(dErrors.CodeForbidden)
		httputil.WriteJSON(w, http.StatusForbidden, resp)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
