package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"anchorid/internal/identity"
)

// Errors returned by ledger clients.
var (
	ErrReceiptPending = errors.New("chain: transaction not yet mined")
	ErrUnknownTx      = errors.New("chain: unknown transaction")
	ErrNonceMismatch  = errors.New("chain: nonce mismatch")
	ErrBadSignature   = errors.New("chain: invalid transaction signature")
	ErrWrongChain     = errors.New("chain: wrong chain id")
	ErrInsufficient   = errors.New("chain: insufficient funds for gas")
	ErrReverted       = errors.New("chain: execution reverted")
)

// Client is the ledger port injected into the anchor store, settlement layer and relay.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, msg CallMsg) ([]byte, error)
	PendingNonce(ctx context.Context, account identity.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *SignedTransaction) (Hash, error)
	Receipt(ctx context.Context, txHash Hash) (*Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx ends. The caller
// bounds the wait through ctx.
func WaitForReceipt(ctx context.Context, c Client, txHash Hash, interval time.Duration) (*Receipt, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		receipt, err := c.Receipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ErrReceiptPending) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
