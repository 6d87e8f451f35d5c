package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"anchorid/internal/chain"
	"anchorid/internal/identity"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
)

const (
	defaultGasLimit       = 300_000
	defaultConfirmTimeout = 15 * time.Second
	defaultPollInterval   = 250 * time.Millisecond
)

// Signer submits calls from a custodial key. Sequence numbers are allocated under
// an exclusive lock, seeded from the chain's pending nonce and resynchronised after
// any failed submission.
type Signer struct {
	client chain.Client
	key    *signing.PrivateKey
	logger *slog.Logger

	gasLimit       uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration

	mu      sync.Mutex
	chainID *big.Int
	next    uint64
	synced  bool
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

func WithGasLimit(gas uint64) SignerOption {
	return func(s *Signer) {
		if gas > 0 {
			s.gasLimit = gas
		}
	}
}

// WithConfirmTimeout bounds how long Submit waits for one confirmation.
func WithConfirmTimeout(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.confirmTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) SignerOption {
	return func(s *Signer) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithSignerLogger(logger *slog.Logger) SignerOption {
	return func(s *Signer) { s.logger = logger }
}

// NewSigner creates a direct signer for key.
func NewSigner(client chain.Client, key *signing.PrivateKey, opts ...SignerOption) *Signer {
	s := &Signer{
		client:         client,
		key:            key,
		logger:         slog.Default(),
		gasLimit:       defaultGasLimit,
		confirmTimeout: defaultConfirmTimeout,
		pollInterval:   defaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Address is the signing account.
func (s *Signer) Address() identity.Address { return s.key.Address() }

// Submit signs and sends call, then waits for one confirmation. When the wait
// times out the outcome is StatusSubmitted rather than an error. A mined but
// reverted transaction is a settlement error wrapping chain.ErrReverted.
func (s *Signer) Submit(ctx context.Context, call chain.Call) (*Outcome, error) {
	hash, err := s.send(ctx, call)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()
	receipt, err := chain.WaitForReceipt(waitCtx, s.client, hash, s.pollInterval)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		s.logger.WarnContext(ctx, "confirmation wait timed out",
			"tx_hash", hash.Hex(),
			"timeout", s.confirmTimeout,
		)
		return &Outcome{Mode: ModeDirect, Status: StatusSubmitted, TxHash: &hash}, nil
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to confirm transaction")
	}

	if !receipt.Succeeded() {
		reason := receipt.RevertReason
		if reason == "" {
			reason = "execution reverted"
		}
		return nil, dErrors.Wrap(
			fmt.Errorf("%w: %s", chain.ErrReverted, reason),
			dErrors.CodeSettlement,
			"transaction rejected: "+reason,
		)
	}
	return &Outcome{Mode: ModeDirect, Status: StatusConfirmed, TxHash: &hash}, nil
}

func (s *Signer) send(ctx context.Context, call chain.Call) (chain.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainID == nil {
		id, err := s.client.ChainID(ctx)
		if err != nil {
			return chain.ZeroHash, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to read chain id")
		}
		s.chainID = id
	}
	if !s.synced {
		n, err := s.client.PendingNonce(ctx, s.key.Address())
		if err != nil {
			return chain.ZeroHash, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to read account nonce")
		}
		s.next = n
		s.synced = true
	}

	tx, err := chain.SignTx(chain.Transaction{
		ChainID: s.chainID,
		Nonce:   s.next,
		To:      call.To,
		Value:   call.Value,
		Gas:     s.gasLimit,
		Data:    call.Data,
	}, s.key)
	if err != nil {
		return chain.ZeroHash, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to sign transaction")
	}
	hash, err := s.client.SendTransaction(ctx, tx)
	if err != nil {
		s.synced = false
		s.logger.WarnContext(ctx, "transaction submission failed",
			"nonce", tx.Tx.Nonce,
			"method", call.Method,
			"error", err,
		)
		return chain.ZeroHash, dErrors.Wrap(err, dErrors.CodeSettlement, "failed to submit transaction")
	}
	s.next++
	return hash, nil
}
