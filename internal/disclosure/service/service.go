// Package service decides, claim by claim, what a verifier may see about a subject.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	consentmodels "anchorid/internal/consent/models"
	"anchorid/internal/content"
	credentialmodels "anchorid/internal/credential/models"
	"anchorid/internal/disclosure/models"
	"anchorid/internal/identity"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/platform/jsonpath"
	"anchorid/pkg/requestcontext"
)

var tracer = otel.Tracer("anchorid/internal/disclosure")

// Store appends disclosure records.
type Store interface {
	Append(ctx context.Context, r *models.Record) error
}

// Consents looks up active consent for one claim.
type Consents interface {
	FindActive(ctx context.Context, subject identity.Address, claimID, purpose, scope string, verifier identity.Address) (*consentmodels.Record, error)
}

// Anchors confirms a credential's on-chain commitment.
type Anchors interface {
	Verify(ctx context.Context, subject identity.Address, claimID string, contentID content.ID) (bool, error)
}

// SecurityPublisher receives best-effort security signals.
type SecurityPublisher interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

type Service struct {
	content  content.Store
	consents Consents
	records  Store
	anchors  Anchors
	security SecurityPublisher
	metrics  *Metrics
	logger   *slog.Logger
}

type Option func(*Service)

// WithAnchors enables the on-chain commitment check.
func WithAnchors(a Anchors) Option {
	return func(s *Service) { s.anchors = a }
}

func WithSecurityPublisher(p SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func New(store content.Store, consents Consents, records Store, opts ...Option) *Service {
	s := &Service{
		content:  store,
		consents: consents,
		records:  records,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// request is a validated VerifyRequest.
type request struct {
	subject  identity.Address
	verifier identity.Address
	purpose  string
	context  string
}

// Verify evaluates every ref in order. Per-claim failures become denials; only
// an unreachable content store, consent ledger or record store aborts the batch.
func (s *Service) Verify(ctx context.Context, req models.VerifyRequest) (result *models.Result, err error) {
	ctx, span := tracer.Start(ctx, "disclosure.Verify")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, dErrors.Message(err))
		}
		span.End()
	}()

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	verifier, err := identity.Parse(req.Verifier)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnauthorized, "verifier identity is invalid")
	}
	subject, _ := identity.Parse(req.Subject)
	r := request{subject: subject, verifier: verifier, purpose: req.Purpose, context: req.Context}
	span.SetAttributes(
		attribute.String("disclosure.purpose", r.purpose),
		attribute.Int("disclosure.refs", len(req.Refs)),
	)

	result = models.NewResult()
	for _, ref := range req.Refs {
		d, err := s.evaluate(ctx, r, ref)
		if err != nil {
			return nil, err
		}
		s.metrics.IncDecision(d.IsDisclosed())
		if !d.IsDisclosed() {
			s.logger.InfoContext(ctx, "claim denied",
				"claim_id", ref.ClaimID,
				"content_id", ref.ContentID,
				"reason", d.Reason(),
				"request_id", requestcontext.RequestID(ctx),
			)
		}
		result.Add(ref.ClaimID, d)
	}
	return result, nil
}

func (s *Service) evaluate(ctx context.Context, r request, ref models.Ref) (models.Decision, error) {
	raw, err := s.content.Get(ctx, content.ID(ref.ContentID))
	if err != nil {
		switch content.CategoryOf(err) {
		case content.CategoryNotFound, content.CategoryBadData:
			return models.Denied(models.ReasonMissingProof), nil
		}
		return models.Decision{}, dErrors.Wrap(err, dErrors.CodeStorage, "content store unavailable")
	}
	sig := gjson.GetBytes(raw, "proof.signature")
	if !sig.Exists() || sig.String() == "" {
		return models.Denied(models.ReasonMissingProof), nil
	}

	var cred credentialmodels.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return models.Denied(s.rejectSignature(ctx, r, ref, models.SignatureClassFormat, "document is not a credential")), nil
	}
	if reason := s.checkSignature(ctx, r, ref, raw, &cred, sig.String()); reason != "" {
		return models.Denied(reason), nil
	}

	if cred.CredentialSubject == identity.Erased {
		return models.Denied(models.ReasonSubjectErased), nil
	}
	declared, err := identity.Parse(cred.CredentialSubject)
	if err != nil || declared != r.subject {
		return models.Denied(models.ReasonSubjectMismatch), nil
	}
	if !strings.EqualFold(cred.DisclosureMeta.Context, r.context) {
		return models.Denied(models.ContextMismatch(cred.DisclosureMeta.Context, r.context)), nil
	}
	if cred.DisclosureMeta.ClaimID != ref.ClaimID {
		return models.Denied(models.ReasonClaimMismatch), nil
	}

	if s.anchors != nil {
		ok, err := s.anchors.Verify(ctx, r.subject, cred.DisclosureMeta.ClaimID, content.ID(ref.ContentID))
		if err != nil {
			return models.Decision{}, dErrors.Wrap(err, dErrors.CodeStorage, "anchor registry unavailable")
		}
		if !ok {
			s.emitSecurity(ctx, r, audit.EventAnchorMismatch, ref.ContentID, audit.SeverityCritical)
			return models.Denied(models.ReasonAnchorMismatch), nil
		}
	}

	// Contexts matched case-insensitively; the credential's spelling keys consent.
	r.context = cred.DisclosureMeta.Context
	if _, err := s.consents.FindActive(ctx, r.subject, ref.ClaimID, r.purpose, r.context, r.verifier); err != nil {
		if !dErrors.HasCode(err, dErrors.CodeMissingConsent) {
			return models.Decision{}, err
		}
		if err := s.record(ctx, r, ref.ClaimID, false); err != nil {
			return models.Decision{}, err
		}
		return models.Denied(models.ReasonNoConsent), nil
	}

	value, ok := leaf(cred.Claim, ref.ClaimID)
	if !ok {
		return models.Denied(models.ReasonClaimNotPresent), nil
	}
	if err := s.record(ctx, r, ref.ClaimID, true); err != nil {
		return models.Decision{}, err
	}
	return models.Disclosed(value), nil
}

// checkSignature returns a denial reason, or "" when the declared issuer signed the document.
func (s *Service) checkSignature(ctx context.Context, r request, ref models.Ref, raw []byte, cred *credentialmodels.Credential, encoded string) string {
	issuer, err := identity.Parse(cred.Issuer)
	if err != nil {
		return s.rejectSignature(ctx, r, ref, models.SignatureClassFormat, "issuer is not an address")
	}
	payload, err := credentialmodels.SigningPayload(raw)
	if err != nil {
		return s.rejectSignature(ctx, r, ref, models.SignatureClassFormat, "document cannot be canonicalized")
	}
	sig, err := signing.DecodeSignature(encoded)
	if err == nil {
		var signer identity.Address
		if signer, err = signing.RecoverPersonal(payload, sig); err == nil {
			if strings.EqualFold(string(signer), string(issuer)) {
				return ""
			}
			return s.rejectSignature(ctx, r, ref, models.SignatureClassSignerMismatch, "recovered "+string(signer))
		}
	}
	class := signing.FailureClass(err)
	if class == "" {
		class = models.SignatureClassFormat
	}
	return s.rejectSignature(ctx, r, ref, class, err.Error())
}

// leaf extracts the final dot-segment of claimID from the claim body. A body
// that nests the value under the full claim path is accepted too.
func leaf(claim json.RawMessage, claimID string) (json.RawMessage, bool) {
	segments := strings.Split(claimID, ".")
	key := segments[len(segments)-1]
	if key == "" {
		return nil, false
	}
	for _, path := range []string{jsonpath.Escape(key), jsonpath.Join(segments...)} {
		v := gjson.GetBytes(claim, path)
		if v.Exists() && v.Type != gjson.Null {
			return json.RawMessage(v.Raw), true
		}
	}
	return nil, false
}

func (s *Service) record(ctx context.Context, r request, claimID string, satisfied bool) error {
	now := requestcontext.Now(ctx).UTC()
	rec := &models.Record{
		ID:               ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Subject:          string(r.subject),
		Verifier:         string(r.verifier),
		ClaimID:          claimID,
		Purpose:          r.purpose,
		Context:          r.context,
		ConsentSatisfied: satisfied,
		DisclosedAt:      now.Truncate(time.Microsecond),
	}
	if err := s.records.Append(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "disclosure record write failed",
			"claim_id", claimID,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to record disclosure")
	}
	return nil
}

// rejectSignature reports the failure and returns the caller-visible denial.
func (s *Service) rejectSignature(ctx context.Context, r request, ref models.Ref, class, detail string) string {
	s.logger.WarnContext(ctx, "credential signature rejected",
		"content_id", ref.ContentID,
		"class", class,
		"detail", detail,
		"request_id", requestcontext.RequestID(ctx),
	)
	s.emitSecurity(ctx, r, audit.EventSignatureRejected, ref.ContentID+": "+class, audit.SeverityWarning)
	return models.InvalidSignature(class)
}

func (s *Service) emitSecurity(ctx context.Context, r request, action audit.AuditEvent, reason string, severity audit.Severity) {
	if s.security == nil {
		return
	}
	s.security.Emit(ctx, audit.SecurityEvent{
		Timestamp: requestcontext.Now(ctx),
		Subject:   string(r.subject),
		Action:    string(action),
		Reason:    reason,
		RequestID: requestcontext.RequestID(ctx),
		ActorID:   string(r.verifier),
		Severity:  severity,
	})
}
