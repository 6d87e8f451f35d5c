package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"anchorid/internal/consent/models"
	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/platform/sentinel"
	"anchorid/pkg/requestcontext"
)

// Store persists consent records.
type Store interface {
	Insert(ctx context.Context, record *models.Record) error
	FindActiveByKey(ctx context.Context, key models.Key, now time.Time) (*models.Record, error)
	FindActive(ctx context.Context, subject, claimID, purpose, scope string, now time.Time) ([]*models.Record, error)
	Revoke(ctx context.Context, filter models.Filter, now time.Time) (int, error)
	ListBySubject(ctx context.Context, subject string) ([]*models.Record, error)
	EraseSubject(ctx context.Context, subject string, now time.Time) (int, error)
}

// AuditPublisher records compliance events. Emit failures abort the mutation.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// ErasureChecker reports whether a subject has been tombstoned.
type ErasureChecker interface {
	IsErased(ctx context.Context, subject identity.Address) (bool, error)
}

// Service is the only writer of consent records.
type Service struct {
	store   Store
	tx      ConsentStoreTx
	auditor AuditPublisher
	erasure ErasureChecker
	logger  *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithTx replaces the default in-process sharded transaction.
func WithTx(tx ConsentStoreTx) Option {
	return func(s *Service) { s.tx = tx }
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) { s.auditor = p }
}

// WithErasureChecker rejects grants for tombstoned subjects.
func WithErasureChecker(c ErasureChecker) Option {
	return func(s *Service) { s.erasure = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(store Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.tx == nil {
		s.tx = NewShardedTx(store)
	}
	return s
}

// Grant records consent. A second active grant for the same
// (subject, claim, context) is rejected, never merged.
func (s *Service) Grant(ctx context.Context, req models.GrantRequest) (*models.Record, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	subject, _ := identity.Parse(req.Subject)
	var verifier identity.Address
	if req.Verifier != "" {
		verifier, _ = identity.Parse(req.Verifier)
	}

	now := requestcontext.Now(ctx)
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, dErrors.New(dErrors.CodeValidation, "expires_at must be in the future")
	}
	if err := s.ensureNotErased(ctx, subject); err != nil {
		return nil, err
	}

	record := &models.Record{
		ID:        uuid.NewString(),
		Subject:   string(subject),
		ClaimID:   req.ClaimID,
		Purpose:   req.Purpose,
		Context:   req.Context,
		Verifier:  verifier,
		IssuedAt:  now,
		ExpiresAt: req.ExpiresAt,
	}

	err := s.tx.RunInTx(WithLockKey(ctx, record.Subject), func(ctx context.Context, store Store) error {
		existing, err := store.FindActiveByKey(ctx, record.Key(), now)
		switch {
		case err == nil && existing != nil:
			return dErrors.Newf(dErrors.CodeConflict,
				"active consent already exists for claim %q in context %q", record.ClaimID, record.Context)
		case err != nil && !errors.Is(err, sentinel.ErrNotFound):
			return dErrors.Wrap(err, dErrors.CodeStorage, "failed to read consent ledger")
		}
		// The audit event precedes the insert: a failed emit leaves no record.
		if err := s.emit(ctx, audit.EventConsentGranted, record, "granted"); err != nil {
			return err
		}
		if err := store.Insert(ctx, record); err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "failed to write consent record")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "consent granted",
		"consent_id", record.ID,
		"claim_id", record.ClaimID,
		"context", record.Context,
		"purpose", record.Purpose,
		"request_id", requestcontext.RequestID(ctx),
	)
	return record, nil
}

// Revoke soft-deletes every matching active record and returns how many changed.
func (s *Service) Revoke(ctx context.Context, req models.RevokeRequest) (int, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return 0, err
	}
	subject, _ := identity.Parse(req.Subject)
	filter := models.Filter{
		Subject: string(subject),
		ClaimID: req.ClaimID,
		Context: req.Context,
		Purpose: req.Purpose,
	}
	now := requestcontext.Now(ctx)

	var revoked int
	err := s.tx.RunInTx(WithLockKey(ctx, filter.Subject), func(ctx context.Context, store Store) error {
		n, err := store.Revoke(ctx, filter, now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "failed to revoke consent")
		}
		revoked = n
		if n == 0 {
			return nil
		}
		return s.emit(ctx, audit.EventConsentRevoked, &models.Record{
			Subject: filter.Subject,
			ClaimID: filter.ClaimID,
			Context: filter.Context,
			Purpose: filter.Purpose,
		}, "revoked")
	})
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "consent revoked",
		"claim_id", filter.ClaimID,
		"context", filter.Context,
		"revoked", revoked,
		"request_id", requestcontext.RequestID(ctx),
	)
	return revoked, nil
}

// FindActive returns an active record admitting verifier for the purpose, or a
// missing-consent error that names only the context and purpose.
func (s *Service) FindActive(ctx context.Context, subject identity.Address, claimID, purpose, scope string, verifier identity.Address) (*models.Record, error) {
	if scope == "" {
		scope = models.DefaultContext
	}
	records, err := s.store.FindActive(ctx, string(subject), claimID, purpose, scope, requestcontext.Now(ctx))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to read consent ledger")
	}
	for _, r := range records {
		if r.Admits(verifier) {
			return r, nil
		}
	}
	return nil, dErrors.Newf(dErrors.CodeMissingConsent,
		"no valid consent for purpose %q in context %q", purpose, scope)
}

// List returns every record for subject, including revoked ones.
func (s *Service) List(ctx context.Context, subject string) ([]*models.Record, error) {
	addr, err := identity.Parse(subject)
	if err != nil {
		return nil, err
	}
	records, err := s.store.ListBySubject(ctx, string(addr))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to list consents")
	}
	return records, nil
}

// EraseSubject revokes all active records and redacts identifying fields.
func (s *Service) EraseSubject(ctx context.Context, subject identity.Address) (int, error) {
	now := requestcontext.Now(ctx)
	var erased int
	err := s.tx.RunInTx(WithLockKey(ctx, string(subject)), func(ctx context.Context, store Store) error {
		n, err := store.EraseSubject(ctx, string(subject), now)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeStorage, "failed to erase consents")
		}
		erased = n
		return s.emit(ctx, audit.EventConsentErased, &models.Record{Subject: string(subject)}, "erased")
	})
	if err != nil {
		return 0, err
	}
	return erased, nil
}

func (s *Service) ensureNotErased(ctx context.Context, subject identity.Address) error {
	if s.erasure == nil {
		return nil
	}
	erased, err := s.erasure.IsErased(ctx, subject)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeStorage, "failed to check erasure state")
	}
	if erased {
		return dErrors.New(dErrors.CodeErased, "subject has been erased")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, action audit.AuditEvent, r *models.Record, decision string) error {
	if s.auditor == nil {
		return nil
	}
	err := s.auditor.Emit(ctx, audit.ComplianceEvent{
		Subject:  r.Subject,
		Action:   string(action),
		ClaimID:  r.ClaimID,
		Purpose:  r.Purpose,
		Context:  r.Context,
		Verifier: string(r.Verifier),
		Decision: decision,
		ActorID:  requestcontext.Caller(ctx),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record consent audit event")
	}
	return nil
}
