package relay

import (
	"strings"

	"anchorid/internal/chain"
	"anchorid/internal/settlement"
	dErrors "anchorid/pkg/domain-errors"
)

// State tracks a relayed request through verification and execution.
type State string

const (
	StateReceived          State = "received"
	StateSignatureVerified State = "signature_verified"
	StateSubmitted         State = "submitted"
	StateExecuted          State = "executed"
	StateRejected          State = "rejected"
)

// Rejection reasons, named after the failed check.
const (
	ReasonNotAllowlisted = "sponsor not allowlisted"
	ReasonGasCeiling     = "gas exceeds ceiling"
	ReasonBadSignature   = "invalid signature"
	ReasonThrottled      = "rate limited"
	ReasonNonceMismatch  = "nonce mismatch"
	ReasonExpired        = "request expired"
	ReasonReverted       = "execution reverted"
)

// ClassSignerMismatch is the signature failure class for a well-formed
// signature that recovers to an account other than From.
const ClassSignerMismatch = "signer mismatch"

// Request is a signed forward request as posted by a subject.
type Request struct {
	Forward   chain.ForwardRequest `json:"request"`
	Signature string               `json:"signature"`
}

func (r *Request) Normalize() {
	r.Signature = strings.TrimSpace(r.Signature)
}

func (r *Request) Validate() error {
	if r.Signature == "" {
		return dErrors.New(dErrors.CodeValidation, "signature is required")
	}
	if r.Forward.From.IsZero() || r.Forward.To.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "request needs from and to")
	}
	return nil
}

// Result reports how the relay handled a request. Reached is the last state
// passed before a rejection. A request whose transaction was sent but not yet
// confirmed ends in StateSubmitted.
type Result struct {
	State   State               `json:"state"`
	Reached State               `json:"reached,omitempty"`
	Reason  string              `json:"reason,omitempty"`
	Outcome *settlement.Outcome `json:"outcome,omitempty"`
}
