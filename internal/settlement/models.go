package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"anchorid/internal/chain"
	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
)

// Mode selects how state changes reach the chain. It is fixed at startup.
type Mode string

const (
	ModeDirect   Mode = "direct"
	ModePrepared Mode = "prepared"
	ModeRelayed  Mode = "relayed"
)

// ParseMode validates a configured settlement mode.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeDirect, ModePrepared, ModeRelayed:
		return m, nil
	default:
		return "", dErrors.Newf(dErrors.CodeValidation, "unknown settlement mode %q", raw)
	}
}

// Status is the settlement state reported to callers.
type Status string

const (
	StatusConfirmed         Status = "confirmed"
	StatusSubmitted         Status = "submitted"
	StatusAwaitingSignature Status = "awaiting_signature"
)

// UnsignedTx is returned in prepared mode for the subject to sign and broadcast.
type UnsignedTx struct {
	From    identity.Address `json:"from"`
	To      identity.Address `json:"to"`
	Data    string           `json:"data"`
	ChainID *big.Int         `json:"chainId"`
	Value   string           `json:"value"`
	Nonce   uint64           `json:"nonce"`
	Gas     uint64           `json:"gas"`
}

// ForwardEnvelope is returned in relayed mode. The subject signs Digest and posts
// Request with the signature to the relay.
type ForwardEnvelope struct {
	Request chain.ForwardRequest `json:"request"`
	Domain  chain.Domain         `json:"domain"`
	Digest  string               `json:"digest"`
}

// Outcome describes what happened to a settled call.
type Outcome struct {
	Mode     Mode             `json:"mode"`
	Status   Status           `json:"status"`
	TxHash   *chain.Hash      `json:"txHash,omitempty"`
	Unsigned *UnsignedTx      `json:"unsigned,omitempty"`
	Forward  *ForwardEnvelope `json:"forward,omitempty"`
}

// Pending reports whether the state change is not yet confirmed on chain.
func (o *Outcome) Pending() bool {
	return o == nil || o.Status != StatusConfirmed
}

func (o *Outcome) String() string {
	if o == nil {
		return "<nil>"
	}
	if o.TxHash != nil {
		return fmt.Sprintf("%s/%s %s", o.Mode, o.Status, o.TxHash.Hex())
	}
	return fmt.Sprintf("%s/%s", o.Mode, o.Status)
}
