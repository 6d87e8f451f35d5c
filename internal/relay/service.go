// Package relay submits subject-signed forward requests through a sponsor key.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"anchorid/internal/chain"
	"anchorid/internal/identity"
	"anchorid/internal/settlement"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/requestcontext"
)

// Allowlist decides which accounts the sponsor pays for.
type Allowlist interface {
	IsAllowed(ctx context.Context, account identity.Address) (bool, error)
}

// Submitter sends a call from the sponsor account.
type Submitter interface {
	Submit(ctx context.Context, call chain.Call) (*settlement.Outcome, error)
}

// SecurityEmitter receives rejected-relay events.
type SecurityEmitter interface {
	Emit(ctx context.Context, event audit.SecurityEvent)
}

// Service validates forward requests and executes them through the forwarder.
type Service struct {
	allowlist  Allowlist
	client     chain.Client
	sponsor    Submitter
	domain     chain.Domain
	gasCeiling uint64
	limiter    *accountLimiter
	nonces     *nonceBook
	security   SecurityEmitter
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRateLimit throttles each account to perSecond requests with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Service) {
		if perSecond > 0 {
			s.limiter = newAccountLimiter(perSecond, burst)
		}
	}
}

func WithSecurityEmitter(e SecurityEmitter) Option {
	return func(s *Service) { s.security = e }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a relay for the forwarder described by domain.
func NewService(allowlist Allowlist, client chain.Client, sponsor Submitter, domain chain.Domain, gasCeiling uint64, opts ...Option) *Service {
	s := &Service{
		allowlist:  allowlist,
		client:     client,
		sponsor:    sponsor,
		domain:     domain,
		gasCeiling: gasCeiling,
		nonces:     newNonceBook(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Relay runs every check before anything is submitted. The declared From is only
// trusted once the recovered signer matches it.
func (s *Service) Relay(ctx context.Context, req chain.ForwardRequest, sig []byte) (*Result, error) {
	from := req.From
	state := StateReceived

	allowed, err := s.allowlist.IsAllowed(ctx, from)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to read relay allowlist")
	}
	if !allowed {
		return s.reject(ctx, from, state, audit.EventRelayRejected, ReasonNotAllowlisted, "")
	}

	if req.Gas > s.gasCeiling {
		return s.reject(ctx, from, state, audit.EventRelayRejected, ReasonGasCeiling, "")
	}

	signer, err := req.RecoverSigner(s.domain, sig)
	if err != nil {
		return s.reject(ctx, from, state, audit.EventSignatureRejected, signatureReason(signing.FailureClass(err)), err.Error())
	}
	if signer != from {
		return s.reject(ctx, from, state, audit.EventSignatureRejected, signatureReason(ClassSignerMismatch), "recovered "+string(signer))
	}
	state = StateSignatureVerified

	now := requestcontext.Now(ctx)
	if !s.limiter.allow(from, now) {
		return s.reject(ctx, from, state, audit.EventRelayThrottled, ReasonThrottled, "")
	}

	if req.Deadline < uint64(now.Unix()) {
		return s.reject(ctx, from, state, audit.EventRelayRejected, ReasonExpired, "")
	}

	onChain, err := settlement.ForwarderNonce(ctx, s.client, s.domain.VerifyingContract, from)
	if err != nil {
		return nil, err
	}
	release, ok := s.nonces.claim(from, onChain, req.Nonce, time.Unix(int64(req.Deadline), 0), now)
	if !ok {
		return s.reject(ctx, from, state, audit.EventRelayRejected, ReasonNonceMismatch, "")
	}

	outcome, err := s.sponsor.Submit(ctx, chain.Call{
		Method: chain.SigExecute,
		To:     s.domain.VerifyingContract,
		Data:   chain.EncodeExecute(req, sig),
	})
	if err != nil {
		release()
		if errors.Is(err, chain.ErrReverted) {
			return s.reject(ctx, from, state, audit.EventRelayRejected, ReasonReverted, err.Error())
		}
		return nil, err
	}

	final := StateExecuted
	if outcome.Status == settlement.StatusSubmitted {
		final = StateSubmitted
	}
	s.logger.InfoContext(ctx, "relay accepted",
		"from", from,
		"to", req.To,
		"nonce", req.Nonce,
		"state", final,
		"status", outcome.Status,
		"request_id", requestcontext.RequestID(ctx),
	)
	return &Result{State: final, Outcome: outcome}, nil
}

func signatureReason(class string) string {
	if class == "" {
		return ReasonBadSignature
	}
	return ReasonBadSignature + ": " + class
}

func (s *Service) reject(ctx context.Context, from identity.Address, reached State, action audit.AuditEvent, reason, detail string) (*Result, error) {
	s.logger.WarnContext(ctx, "relay rejected",
		"from", from,
		"reached", reached,
		"reason", reason,
		"detail", detail,
		"request_id", requestcontext.RequestID(ctx),
	)
	if s.security != nil {
		severity := audit.SeverityWarning
		if action == audit.EventSignatureRejected {
			severity = audit.SeverityCritical
		}
		s.security.Emit(ctx, audit.SecurityEvent{
			Subject:   string(from),
			Action:    string(action),
			Reason:    reason,
			RequestID: requestcontext.RequestID(ctx),
			Severity:  severity,
		})
	}
	return &Result{State: StateRejected, Reached: reached, Reason: reason}, dErrors.New(dErrors.CodeSettlement, "relay rejected: "+reason)
}
