package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"anchorid/internal/platform/kafka/consumer"
	audit "anchorid/pkg/platform/audit"
	auditpostgres "anchorid/pkg/platform/audit/store/postgres"

	"github.com/google/uuid"
)

// SecurityHandler processes security and operational audit events from Kafka.
type SecurityHandler struct {
	store  EventWriter
	logger *slog.Logger
}

// NewSecurityHandler creates a security event handler.
func NewSecurityHandler(store EventWriter, logger *slog.Logger) *SecurityHandler {
	return &SecurityHandler{
		store:  store,
		logger: logger,
	}
}

// Handle processes a security audit event.
func (h *SecurityHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	eventID, err := uuid.Parse(string(msg.Key))
	if err != nil {
		h.logger.Warn("failed to parse security event ID",
			"key", string(msg.Key),
			"error", err,
		)
		return nil
	}

	var payload auditpostgres.Payload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		h.logger.Warn("failed to unmarshal security payload",
			"event_id", eventID,
			"error", err,
		)
		return nil
	}

	event := payload.ToEvent()
	if event.Category == "" {
		event.Category = audit.CategorySecurity
	}
	if event.Severity == "" {
		event.Severity = audit.SeverityInfo
	}

	if err := h.store.AppendWithID(ctx, eventID, event); err != nil {
		h.logger.Error("failed to store security event",
			"event_id", eventID,
			"action", event.Action,
			"error", err,
		)
		return fmt.Errorf("store security event: %w", err)
	}

	h.logger.Debug("stored security event",
		"event_id", eventID,
		"action", event.Action,
		"severity", event.Severity,
	)
	return nil
}
