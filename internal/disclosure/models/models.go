// Package models defines disclosure requests, per-claim decisions and the
// append-only disclosure record.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
)

// DefaultContext applies when a verify request names no context.
const DefaultContext = "default"

// maxRefs bounds one verification batch.
const maxRefs = 64

// Denial reasons reported to verifiers.
const (
	ReasonMissingProof     = "missing proof"
	ReasonInvalidSignature = "invalid signature"
	ReasonSubjectErased    = "subject erased"
	ReasonSubjectMismatch  = "subject mismatch"
	ReasonAnchorMismatch   = "anchor mismatch"
	ReasonNoConsent        = "no valid consent"
	ReasonClaimNotPresent  = "claim not present"
	ReasonClaimMismatch    = "claim mismatch"
)

// Signature failure classes beyond the recovery checks named by the signing package.
const (
	SignatureClassFormat         = "format"
	SignatureClassSignerMismatch = "signer mismatch"
)

// InvalidSignature names the failed signature check in the denial.
func InvalidSignature(class string) string {
	if class == "" {
		return ReasonInvalidSignature
	}
	return ReasonInvalidSignature + ": " + class
}

// ContextMismatch names both contexts so the verifier can tell what went wrong.
func ContextMismatch(credential, requested string) string {
	return fmt.Sprintf("context mismatch: credential context %q does not match requested context %q", credential, requested)
}

// Ref names one credential to disclose a claim from.
type Ref struct {
	ContentID string `json:"content_id"`
	ClaimID   string `json:"claim_id"`
}

// VerifyRequest asks for a batch of claims about one subject. Verifier is the
// authenticated caller, never taken from the body.
type VerifyRequest struct {
	Subject  string `json:"subject"`
	Verifier string `json:"-"`
	Purpose  string `json:"purpose"`
	Context  string `json:"context"`
	Refs     []Ref  `json:"refs"`
}

func (r *VerifyRequest) Normalize() {
	r.Subject = strings.TrimSpace(r.Subject)
	r.Purpose = strings.TrimSpace(r.Purpose)
	r.Context = strings.TrimSpace(r.Context)
	if r.Context == "" {
		r.Context = DefaultContext
	}
	for i := range r.Refs {
		r.Refs[i].ContentID = strings.TrimSpace(r.Refs[i].ContentID)
		r.Refs[i].ClaimID = strings.TrimSpace(r.Refs[i].ClaimID)
	}
}

func (r *VerifyRequest) Validate() error {
	if _, err := identity.Parse(r.Subject); err != nil {
		return err
	}
	if r.Purpose == "" {
		return dErrors.New(dErrors.CodeValidation, "purpose is required")
	}
	if len(r.Refs) == 0 {
		return dErrors.New(dErrors.CodeValidation, "at least one ref is required")
	}
	if len(r.Refs) > maxRefs {
		return dErrors.Newf(dErrors.CodeValidation, "at most %d refs per request", maxRefs)
	}
	seen := make(map[string]struct{}, len(r.Refs))
	for _, ref := range r.Refs {
		if ref.ContentID == "" || ref.ClaimID == "" {
			return dErrors.New(dErrors.CodeValidation, "refs need content_id and claim_id")
		}
		if _, dup := seen[ref.ClaimID]; dup {
			return dErrors.Newf(dErrors.CodeValidation, "claim %q requested twice", ref.ClaimID)
		}
		seen[ref.ClaimID] = struct{}{}
	}
	return nil
}

// Decision is the outcome for one ref: either a disclosed value or a denial reason.
type Decision struct {
	value  json.RawMessage
	reason string
}

// Disclosed builds a positive decision.
func Disclosed(value json.RawMessage) Decision { return Decision{value: value} }

// Denied builds a negative decision.
func Denied(reason string) Decision { return Decision{reason: reason} }

// IsDisclosed reports whether the claim value may be returned.
func (d Decision) IsDisclosed() bool { return d.reason == "" }

func (d Decision) Value() json.RawMessage { return d.value }

func (d Decision) Reason() string { return d.reason }

// Result aggregates decisions keyed by claim id.
type Result struct {
	Disclosed map[string]json.RawMessage `json:"disclosed"`
	Denied    map[string]string          `json:"denied"`
}

func NewResult() *Result {
	return &Result{Disclosed: map[string]json.RawMessage{}, Denied: map[string]string{}}
}

// Add files d under claimID.
func (r *Result) Add(claimID string, d Decision) {
	if d.IsDisclosed() {
		r.Disclosed[claimID] = d.Value()
		return
	}
	r.Denied[claimID] = d.Reason()
}

// AllDenied reports whether nothing at all was disclosed.
func (r *Result) AllDenied() bool {
	return len(r.Disclosed) == 0 && len(r.Denied) > 0
}

// Record is the append-only audit trail of a disclosure decision. Rows are only
// ever anonymized, never removed.
type Record struct {
	ID               string    `json:"id"`
	Subject          string    `json:"subject"`
	Verifier         string    `json:"verifier"`
	ClaimID          string    `json:"claim_id"`
	Purpose          string    `json:"purpose"`
	Context          string    `json:"context"`
	ConsentSatisfied bool      `json:"consent_satisfied"`
	DisclosedAt      time.Time `json:"disclosed_at"`
}
