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

// EventWriter materializes consumed events.
type EventWriter interface {
	AppendWithID(ctx context.Context, eventID uuid.UUID, event audit.Event) error
}

// ComplianceHandler processes compliance audit events from Kafka.
// Events are written to audit_events for long-term retention.
type ComplianceHandler struct {
	store  EventWriter
	logger *slog.Logger
}

// NewComplianceHandler creates a compliance event handler.
func NewComplianceHandler(store EventWriter, logger *slog.Logger) *ComplianceHandler {
	return &ComplianceHandler{
		store:  store,
		logger: logger,
	}
}

// Handle processes a compliance audit event.
func (h *ComplianceHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	eventID, err := uuid.Parse(string(msg.Key))
	if err != nil {
		h.logger.Error("CRITICAL: failed to parse compliance event ID",
			"key", string(msg.Key),
			"error", err,
		)
		// Malformed messages are committed so they never block the partition.
		return nil
	}

	var payload auditpostgres.Payload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		h.logger.Error("CRITICAL: failed to unmarshal compliance payload",
			"event_id", eventID,
			"error", err,
		)
		return nil
	}

	if payload.Subject == "" || payload.Action == "" {
		h.logger.Error("CRITICAL: compliance event missing subject or action",
			"event_id", eventID,
			"action", payload.Action,
		)
		return nil
	}

	event := payload.ToEvent()
	event.Category = audit.CategoryCompliance

	if err := h.store.AppendWithID(ctx, eventID, event); err != nil {
		h.logger.Error("failed to store compliance event",
			"event_id", eventID,
			"action", event.Action,
			"error", err,
		)
		return fmt.Errorf("store compliance event: %w", err)
	}

	h.logger.Debug("stored compliance event",
		"event_id", eventID,
		"action", event.Action,
	)
	return nil
}
