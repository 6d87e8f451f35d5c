// Package service issues signed credentials and anchors their commitments on chain.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"anchorid/internal/anchor"
	"anchorid/internal/chain"
	"anchorid/internal/content"
	"anchorid/internal/credential/models"
	"anchorid/internal/identity"
	profilemodels "anchorid/internal/profile/models"
	"anchorid/internal/settlement"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/requestcontext"
)

var tracer = otel.Tracer("anchorid/internal/credential")

// Keyring resolves issuer signing keys.
type Keyring interface {
	Signer(addr identity.Address) (*signing.PrivateKey, bool)
}

// Anchors produces registry write calls.
type Anchors interface {
	WriteCall(subject identity.Address, key, value chain.Hash) chain.Call
}

// Settler applies chain writes.
type Settler interface {
	Settle(ctx context.Context, from identity.Address, call chain.Call) (*settlement.Outcome, error)
}

// Profiles tracks tombstones and the subject's credential references.
type Profiles interface {
	IsErased(ctx context.Context, subject identity.Address) (bool, error)
	AddCredentialRef(ctx context.Context, subject identity.Address, ref profilemodels.CredentialRef) error
}

// AuditPublisher records compliance events. Emit failures abort the issuance.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// Service issues credentials. Content is always written before the anchor.
type Service struct {
	keys     Keyring
	content  content.Store
	anchors  Anchors
	settler  Settler
	profiles Profiles
	auditor  AuditPublisher
	metrics  *Metrics
	logger   *slog.Logger
}

type Option func(*Service)

// WithProfiles enables tombstone checks and profile reference updates.
func WithProfiles(p Profiles) Option {
	return func(s *Service) { s.profiles = p }
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) { s.auditor = p }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(keys Keyring, store content.Store, anchors Anchors, settler Settler, opts ...Option) *Service {
	s := &Service{
		keys:    keys,
		content: store,
		anchors: anchors,
		settler: settler,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue signs, stores and anchors one credential. A settlement failure leaves the
// stored content orphaned, which is acceptable; no anchor ever points at absent content.
func (s *Service) Issue(ctx context.Context, req models.IssueRequest) (result *models.IssueResult, err error) {
	ctx, span := tracer.Start(ctx, "credential.Issue")
	defer func() {
		if err != nil {
			s.metrics.IncOutcome(string(dErrors.CodeOf(err)))
			span.RecordError(err)
			span.SetStatus(codes.Error, dErrors.Message(err))
		}
		span.End()
	}()

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	issuer, _ := identity.Parse(req.Issuer)
	subject, _ := identity.Parse(req.Subject)
	span.SetAttributes(
		attribute.String("credential.claim_id", req.ClaimID),
		attribute.String("credential.context", req.Context),
	)

	key, ok := s.keys.Signer(issuer)
	if !ok {
		return nil, dErrors.New(dErrors.CodeValidation, "issuer has no signing key")
	}
	if err := s.ensureNotErased(ctx, subject); err != nil {
		return nil, err
	}

	issuedAt := requestcontext.Now(ctx).UTC().Truncate(time.Second)
	cred := models.NewUnsigned(issuer, subject, req.ClaimID, req.Purpose, req.Context, req.Claim, issuedAt)
	if err := sign(cred, key, issuedAt); err != nil {
		return nil, err
	}

	if err := s.emit(ctx, req, issuer, subject); err != nil {
		return nil, err
	}

	id, err := s.content.Put(ctx, cred)
	if err != nil {
		s.logger.ErrorContext(ctx, "credential content write failed",
			"claim_id", req.ClaimID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store credential")
	}

	commitment := anchor.Commitment(id)
	call := s.anchors.WriteCall(subject, anchor.ClaimKey(req.ClaimID), commitment)
	outcome, err := s.settler.Settle(ctx, subject, call)
	if err != nil {
		s.logger.ErrorContext(ctx, "anchor settlement failed; content left orphaned",
			"content_id", id,
			"claim_id", req.ClaimID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			err = dErrors.Wrap(err, dErrors.CodeSettlement, "failed to anchor credential")
		}
		return nil, err
	}

	s.linkProfile(ctx, subject, profilemodels.CredentialRef{
		ContentID: string(id),
		Context:   req.Context,
		ClaimID:   req.ClaimID,
		IssuedAt:  issuedAt,
	})

	cred.DisclosureMeta.ContentID = string(id)
	s.metrics.IncOutcome(string(outcome.Status))
	span.SetAttributes(attribute.String("credential.content_id", string(id)))
	s.logger.InfoContext(ctx, "credential issued",
		"content_id", id,
		"claim_id", req.ClaimID,
		"settlement", outcome.String(),
		"request_id", requestcontext.RequestID(ctx),
	)

	return &models.IssueResult{
		Credential: cred,
		ContentID:  string(id),
		Commitment: commitment,
		Settlement: outcome,
	}, nil
}

func sign(cred *models.Credential, key *signing.PrivateKey, created time.Time) error {
	unsigned, err := json.Marshal(cred)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "credential is not serializable")
	}
	payload, err := models.SigningPayload(unsigned)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "canonicalize credential")
	}
	sig, err := key.SignPersonal(payload)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "sign credential")
	}
	cred.Proof = &models.Proof{
		Type:      models.ProofType,
		Created:   created,
		Signature: signing.EncodeSignature(sig),
	}
	return nil
}

func (s *Service) emit(ctx context.Context, req models.IssueRequest, issuer, subject identity.Address) error {
	if s.auditor == nil {
		return nil
	}
	err := s.auditor.Emit(ctx, audit.ComplianceEvent{
		Subject:   subject.String(),
		Action:    string(audit.EventCredentialIssued),
		ClaimID:   req.ClaimID,
		Purpose:   req.Purpose,
		Context:   req.Context,
		RequestID: requestcontext.RequestID(ctx),
		ActorID:   issuer.String(),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record issuance audit event")
	}
	return nil
}

func (s *Service) ensureNotErased(ctx context.Context, subject identity.Address) error {
	if s.profiles == nil {
		return nil
	}
	erased, err := s.profiles.IsErased(ctx, subject)
	if err != nil {
		return err
	}
	if erased {
		return dErrors.New(dErrors.CodeErased, "subject has been erased")
	}
	return nil
}

// linkProfile is best effort: the credential is already anchored.
func (s *Service) linkProfile(ctx context.Context, subject identity.Address, ref profilemodels.CredentialRef) {
	if s.profiles == nil {
		return
	}
	if err := s.profiles.AddCredentialRef(ctx, subject, ref); err != nil {
		s.logger.WarnContext(ctx, "profile reference update failed",
			"content_id", ref.ContentID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
	}
}
