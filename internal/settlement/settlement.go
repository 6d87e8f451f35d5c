// Package settlement turns encoded contract calls into on-chain state changes
// using one of three strategies fixed at startup.
package settlement

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"anchorid/internal/chain"
	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/requestcontext"
)

const (
	defaultForwardGas = 200_000
	defaultForwardTTL = 10 * time.Minute
)

// Layer dispatches Settle to the configured mode.
type Layer struct {
	mode    Mode
	client  chain.Client
	signer  *Signer
	domain  chain.Domain
	logger  *slog.Logger
	metrics *Metrics

	preparedGas uint64
	forwardGas  uint64
	forwardTTL  time.Duration
}

// Option configures a Layer.
type Option func(*Layer)

// WithSigner supplies the custodial signer used in direct mode.
func WithSigner(s *Signer) Option {
	return func(l *Layer) { l.signer = s }
}

// WithForwarder supplies the forwarder domain used in relayed mode.
func WithForwarder(domain chain.Domain) Option {
	return func(l *Layer) { l.domain = domain }
}

func WithForwardGas(gas uint64) Option {
	return func(l *Layer) {
		if gas > 0 {
			l.forwardGas = gas
		}
	}
}

// WithForwardTTL sets how long a relayed envelope stays valid.
func WithForwardTTL(d time.Duration) Option {
	return func(l *Layer) {
		if d > 0 {
			l.forwardTTL = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) { l.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(l *Layer) { l.metrics = m }
}

// New validates that mode has what it needs.
func New(mode Mode, client chain.Client, opts ...Option) (*Layer, error) {
	l := &Layer{
		mode:        mode,
		client:      client,
		logger:      slog.Default(),
		preparedGas: defaultGasLimit,
		forwardGas:  defaultForwardGas,
		forwardTTL:  defaultForwardTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	switch mode {
	case ModeDirect:
		if l.signer == nil {
			return nil, dErrors.New(dErrors.CodeValidation, "direct settlement requires a custodian key")
		}
	case ModeRelayed:
		if l.domain.VerifyingContract.IsZero() {
			return nil, dErrors.New(dErrors.CodeValidation, "relayed settlement requires a forwarder address")
		}
	case ModePrepared:
	default:
		return nil, dErrors.Newf(dErrors.CodeValidation, "unknown settlement mode %q", mode)
	}
	return l, nil
}

// Mode returns the configured mode.
func (l *Layer) Mode() Mode { return l.mode }

// Settle applies call on behalf of from.
func (l *Layer) Settle(ctx context.Context, from identity.Address, call chain.Call) (*Outcome, error) {
	var (
		out *Outcome
		err error
	)
	switch l.mode {
	case ModeDirect:
		out, err = l.signer.Submit(ctx, call)
	case ModePrepared:
		out, err = l.prepare(ctx, from, call)
	case ModeRelayed:
		out, err = l.envelope(ctx, from, call)
	}
	if err != nil {
		l.metrics.IncFailure(l.mode)
		l.logger.ErrorContext(ctx, "settlement failed",
			"mode", l.mode,
			"method", call.Method,
			"from", from,
			"error", err,
		)
		return nil, err
	}
	l.metrics.IncOutcome(out)
	trace.SpanFromContext(ctx).AddEvent("settlement", trace.WithAttributes(
		attribute.String("settlement.mode", string(out.Mode)),
		attribute.String("settlement.status", string(out.Status)),
	))
	l.logger.InfoContext(ctx, "settlement outcome",
		"mode", out.Mode,
		"status", out.Status,
		"method", call.Method,
		"request_id", requestcontext.RequestID(ctx),
	)
	return out, nil
}

func (l *Layer) prepare(ctx context.Context, from identity.Address, call chain.Call) (*Outcome, error) {
	chainID, err := l.client.ChainID(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to read chain id")
	}
	nonce, err := l.client.PendingNonce(ctx, from)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to read account nonce")
	}
	value := "0"
	if call.Value != nil {
		value = call.Value.String()
	}
	return &Outcome{
		Mode:   ModePrepared,
		Status: StatusAwaitingSignature,
		Unsigned: &UnsignedTx{
			From:    from,
			To:      call.To,
			Data:    chain.EncodeHex(call.Data),
			ChainID: chainID,
			Value:   value,
			Nonce:   nonce,
			Gas:     l.preparedGas,
		},
	}, nil
}

func (l *Layer) envelope(ctx context.Context, from identity.Address, call chain.Call) (*Outcome, error) {
	nonce, err := ForwarderNonce(ctx, l.client, l.domain.VerifyingContract, from)
	if err != nil {
		return nil, err
	}
	req := chain.ForwardRequest{
		From:     from,
		To:       call.To,
		Value:    big.NewInt(0),
		Gas:      l.forwardGas,
		Nonce:    nonce,
		Deadline: uint64(requestcontext.Now(ctx).Add(l.forwardTTL).Unix()),
		Data:     call.Data,
	}
	return &Outcome{
		Mode:   ModeRelayed,
		Status: StatusAwaitingSignature,
		Forward: &ForwardEnvelope{
			Request: req,
			Domain:  l.domain,
			Digest:  chain.EncodeHex(req.Digest(l.domain)),
		},
	}, nil
}

// ForwarderNonce reads forwarder.nonces(account).
func ForwarderNonce(ctx context.Context, client chain.Client, forwarder, account identity.Address) (uint64, error) {
	ret, err := client.Call(ctx, chain.CallMsg{To: forwarder, Data: chain.EncodeNonces(account)})
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to read forwarder nonce")
	}
	n, err := chain.DecodeUint(ret)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to decode forwarder nonce")
	}
	if !n.IsUint64() {
		return 0, dErrors.New(dErrors.CodeSettlement, "forwarder nonce out of range")
	}
	return n.Uint64(), nil
}
