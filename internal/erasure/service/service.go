// Package service erases a subject: disclosure records are anonymized, consent
// is revoked and redacted, content is unpinned and the profile is tombstoned.
package service

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"anchorid/internal/content"
	"anchorid/internal/identity"
	profileservice "anchorid/internal/profile/service"
	"anchorid/internal/settlement"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/requestcontext"
)

// DefaultReason is recorded on tombstones when the caller gives none.
const DefaultReason = "subject request"

// Profiles reads profile state and writes tombstones.
type Profiles interface {
	Snapshot(ctx context.Context, subject identity.Address) (*profileservice.Snapshot, error)
	WriteTombstone(ctx context.Context, subject identity.Address, reason string) (*profileservice.WriteResult, error)
}

// Disclosures anonymizes disclosure records in place.
type Disclosures interface {
	AnonymizeSubject(ctx context.Context, subject string) (int, error)
}

// Consents revokes and redacts a subject's consent records.
type Consents interface {
	EraseSubject(ctx context.Context, subject identity.Address) (int, error)
}

// Unpinner releases content pins.
type Unpinner interface {
	Unpin(ctx context.Context, id content.ID) (bool, error)
}

// AuditPublisher records compliance events. Emit failures abort the erasure
// before the tombstone is written.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// Result summarizes one erasure.
type Result struct {
	Subject               string              `json:"subject"`
	AlreadyErased         bool                `json:"already_erased"`
	DisclosuresAnonymized int                 `json:"disclosures_anonymized"`
	ConsentsErased        int                 `json:"consents_erased"`
	Unpinned              int                 `json:"unpinned"`
	TombstoneID           string              `json:"tombstone_id,omitempty"`
	Settlement            *settlement.Outcome `json:"settlement,omitempty"`
}

type Service struct {
	profiles    Profiles
	disclosures Disclosures
	consents    Consents
	pins        Unpinner
	auditor     AuditPublisher
	logger      *slog.Logger
	inflight    singleflight.Group
}

type Option func(*Service)

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) { s.auditor = p }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(profiles Profiles, disclosures Disclosures, consents Consents, pins Unpinner, opts ...Option) *Service {
	s := &Service{
		profiles:    profiles,
		disclosures: disclosures,
		consents:    consents,
		pins:        pins,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EraseSubject runs the erasure for rawSubject. Erasing an erased subject is a
// successful no-op. Concurrent erasures of one subject share a single run.
func (s *Service) EraseSubject(ctx context.Context, rawSubject, reason string) (*Result, error) {
	subject, err := identity.Parse(rawSubject)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultReason
	}

	v, err, _ := s.inflight.Do(string(subject), func() (any, error) {
		return s.erase(ctx, subject, reason)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Result)
	return &res, nil
}

func (s *Service) erase(ctx context.Context, subject identity.Address, reason string) (*Result, error) {
	snap, err := s.profiles.Snapshot(ctx, subject)
	if err != nil {
		return nil, err
	}
	res := &Result{Subject: subject.String()}
	if snap.Erased {
		res.AlreadyErased = true
		return res, nil
	}

	if res.DisclosuresAnonymized, err = s.disclosures.AnonymizeSubject(ctx, string(subject)); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to anonymize disclosure records")
	}
	if res.ConsentsErased, err = s.consents.EraseSubject(ctx, subject); err != nil {
		return nil, err
	}
	res.Unpinned = s.unpin(ctx, snap)

	if err := s.emit(ctx, subject, reason); err != nil {
		return nil, err
	}
	written, err := s.profiles.WriteTombstone(ctx, subject, reason)
	if err != nil {
		s.logger.ErrorContext(ctx, "tombstone write failed after records were anonymized",
			"subject", subject,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, err
	}
	res.TombstoneID = written.ContentID
	res.Settlement = written.Settlement

	s.logger.InfoContext(ctx, "subject erased",
		"disclosures_anonymized", res.DisclosuresAnonymized,
		"consents_erased", res.ConsentsErased,
		"unpinned", res.Unpinned,
		"tombstone_id", res.TombstoneID,
		"settlement", res.Settlement.String(),
		"request_id", requestcontext.RequestID(ctx),
	)
	return res, nil
}

// unpin releases the profile and every referenced credential. Failures are logged only.
func (s *Service) unpin(ctx context.Context, snap *profileservice.Snapshot) int {
	var ids []content.ID
	if snap.ContentID != "" {
		ids = append(ids, content.ID(snap.ContentID))
	}
	if snap.Document != nil {
		for _, ref := range snap.Document.CredentialRefs() {
			ids = append(ids, content.ID(ref.ContentID))
		}
	}

	var released int
	for _, id := range ids {
		ok, err := s.pins.Unpin(ctx, id)
		if err != nil {
			s.logger.WarnContext(ctx, "unpin failed during erasure",
				"content_id", id,
				"request_id", requestcontext.RequestID(ctx),
				"error", err,
			)
			continue
		}
		if ok {
			released++
		}
	}
	return released
}

func (s *Service) emit(ctx context.Context, subject identity.Address, reason string) error {
	if s.auditor == nil {
		return nil
	}
	err := s.auditor.Emit(ctx, audit.ComplianceEvent{
		Subject:   subject.String(),
		Action:    string(audit.EventSubjectErased),
		Decision:  "erased",
		Reason:    reason,
		RequestID: requestcontext.RequestID(ctx),
		ActorID:   requestcontext.Caller(ctx),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record erasure audit event")
	}
	return nil
}
