package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies, storage backends, and routing.
type EventCategory string

const (
	// CategoryCompliance covers events with legal/regulatory significance:
	// consent changes, erasure, credential issuance.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events relevant to security monitoring:
	// relay rejections, signature failures, throttling.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity that can be sampled.
	CategoryOperations EventCategory = "operations"
)

// Event is the transport-agnostic record persisted by stores and relayed to Kafka.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	Subject   string
	Action    string
	ClaimID   string
	Purpose   string
	Context   string
	Verifier  string
	Decision  string
	Reason    string
	RequestID string
	ActorID   string
	Severity  Severity
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
}

type AuditEvent string

const (
	// Consent events
	EventConsentGranted AuditEvent = "consent_granted"
	EventConsentRevoked AuditEvent = "consent_revoked"
	EventConsentErased  AuditEvent = "consent_erased"

	// Credential and profile events
	EventCredentialIssued AuditEvent = "credential_issued"
	EventProfileUpdated   AuditEvent = "profile_updated"
	EventSubjectErased    AuditEvent = "subject_erased"

	// Relay events
	EventRelayRejected  AuditEvent = "relay_rejected"
	EventRelayExecuted  AuditEvent = "relay_executed"
	EventRelayThrottled AuditEvent = "relay_throttled"

	// Disclosure events
	EventSignatureRejected AuditEvent = "signature_rejected"
	EventAnchorMismatch    AuditEvent = "anchor_mismatch"

	// Settlement events
	EventAnchorSubmitted AuditEvent = "anchor_submitted"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventConsentGranted:   CategoryCompliance,
	EventConsentRevoked:   CategoryCompliance,
	EventConsentErased:    CategoryCompliance,
	EventCredentialIssued: CategoryCompliance,
	EventProfileUpdated:   CategoryCompliance,
	EventSubjectErased:    CategoryCompliance,

	EventRelayRejected:     CategorySecurity,
	EventRelayThrottled:    CategorySecurity,
	EventSignatureRejected: CategorySecurity,
	EventAnchorMismatch:    CategorySecurity,

	EventRelayExecuted:   CategoryOperations,
	EventAnchorSubmitted: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// ComplianceEvent captures regulatory-significant actions requiring guaranteed persistence.
// Use with the compliance publisher for fail-closed semantics.
type ComplianceEvent struct {
	Timestamp time.Time
	Subject   string // Canonical subject address (required)
	Action    string // e.g. "consent_granted" (required)
	ClaimID   string
	Purpose   string
	Context   string
	Verifier  string
	Decision  string
	Reason    string
	RequestID string
	ActorID   string
}

// Category returns CategoryCompliance (always).
func (e ComplianceEvent) Category() EventCategory { return CategoryCompliance }

// ToEvent converts to the stored Event shape.
func (e ComplianceEvent) ToEvent() Event {
	return Event{
		Category:  CategoryCompliance,
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		ClaimID:   e.ClaimID,
		Purpose:   e.Purpose,
		Context:   e.Context,
		Verifier:  e.Verifier,
		Decision:  e.Decision,
		Reason:    e.Reason,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
	}
}

// SecurityEvent captures security-relevant actions for SIEM and alerting.
// Events are processed asynchronously with buffering.
type SecurityEvent struct {
	Timestamp time.Time
	Subject   string
	Action    string
	Reason    string
	RequestID string
	ActorID   string
	Severity  Severity
}

// Severity levels for security events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Category returns CategorySecurity (always).
func (e SecurityEvent) Category() EventCategory { return CategorySecurity }

// ToEvent converts to the stored Event shape.
func (e SecurityEvent) ToEvent() Event {
	return Event{
		Category:  CategorySecurity,
		Timestamp: e.Timestamp,
		Subject:   e.Subject,
		Action:    e.Action,
		Reason:    e.Reason,
		RequestID: e.RequestID,
		ActorID:   e.ActorID,
		Severity:  e.Severity,
	}
}
