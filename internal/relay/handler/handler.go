// Package handler exposes the gasless relay over HTTP.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"anchorid/internal/chain"
	"anchorid/internal/relay"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/platform/httputil"
	"anchorid/pkg/requestcontext"
)

type Service interface {
	Relay(ctx context.Context, req chain.ForwardRequest, sig []byte) (*relay.Result, error)
}

type Handler struct {
	logger *slog.Logger
	relay  Service
}

func New(svc Service, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, relay: svc}
}

// Register registers the relay route with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/relay", h.HandleRelay)
}

type relayResponse struct {
	Success bool        `json:"success"`
	TxHash  string      `json:"tx_hash,omitempty"`
	State   relay.State `json:"state"`
	Reached relay.State `json:"reached,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HandleRelay does not require a bearer token: the forward request signature
// is the only credential.
func (h *Handler) HandleRelay(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[relay.Request](w, r)
	if !ok {
		return
	}
	sig, err := signing.DecodeSignature(req.Signature)
	if err != nil {
		httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeValidation, "malformed signature: "+signing.FailureClass(err)))
		return
	}

	res, err := h.relay.Relay(ctx, req.Forward, sig)
	if err != nil && res == nil {
		h.logger.ErrorContext(ctx, "relay failed",
			"from", req.Forward.From,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	resp := relayResponse{State: res.State, Reached: res.Reached, Reason: res.Reason}
	if err != nil {
		resp.Error = string(dErrors.CodeOf(err))
		status := dErrors.ToHTTPStatus(dErrors.CodeOf(err))
		if res.Reason == relay.ReasonThrottled {
			status = http.StatusTooManyRequests
		}
		httputil.WriteJSON(w, status, resp)
		return
	}

	resp.Success = true
	if res.Outcome != nil && res.Outcome.TxHash != nil {
		resp.TxHash = res.Outcome.TxHash.Hex()
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}
