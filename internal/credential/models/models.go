// Package models holds the signed credential document and its canonical encoding.
package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"anchorid/internal/chain"
	"anchorid/internal/content"
	"anchorid/internal/identity"
	"anchorid/internal/settlement"
	dErrors "anchorid/pkg/domain-errors"
)

// DefaultContext applies when an issue request names no context.
const DefaultContext = "default"

// ProofType names the EIP-191 secp256k1 proof attached to credentials.
const ProofType = "EcdsaSecp256k1RecoverySignature2020"

var (
	documentContext = []string{"https://www.w3.org/2018/credentials/v1"}
	documentType    = []string{"VerifiableCredential", "AnchoredClaimCredential"}
)

// Credential is immutable once its proof is attached. The signature covers every
// field except Proof and DisclosureMeta.ContentID.
type Credential struct {
	Context           []string        `json:"@context"`
	Type              []string        `json:"type"`
	Issuer            string          `json:"issuer"`
	CredentialSubject string          `json:"credentialSubject"`
	IssuanceDate      time.Time       `json:"issuanceDate"`
	Claim             json.RawMessage `json:"claim"`
	DisclosureMeta    DisclosureMeta  `json:"disclosureMeta"`
	Proof             *Proof          `json:"proof,omitempty"`
}

// DisclosureMeta scopes a credential to a context and purpose.
type DisclosureMeta struct {
	Context         string `json:"context"`
	ClaimID         string `json:"claimId"`
	Purpose         string `json:"purpose"`
	ConsentRequired bool   `json:"consentRequired"`
	// ContentID is added after signing and never covered by the proof.
	ContentID string `json:"contentId,omitempty"`
}

// Proof carries the issuer's signature over the canonical unsigned document.
type Proof struct {
	Type      string    `json:"type"`
	Created   time.Time `json:"created"`
	Signature string    `json:"signature"`
}

// NewUnsigned builds the document to be signed.
func NewUnsigned(issuer, subject identity.Address, claimID, purpose, scope string, claim json.RawMessage, issuedAt time.Time) *Credential {
	return &Credential{
		Context:           append([]string(nil), documentContext...),
		Type:              append([]string(nil), documentType...),
		Issuer:            issuer.DID(),
		CredentialSubject: subject.DID(),
		IssuanceDate:      issuedAt.UTC(),
		Claim:             claim,
		DisclosureMeta: DisclosureMeta{
			Context:         scope,
			ClaimID:         claimID,
			Purpose:         purpose,
			ConsentRequired: true,
		},
	}
}

// SigningPayload returns the canonical bytes the proof signs: the document with
// proof and disclosureMeta.contentId removed.
func SigningPayload(doc []byte) ([]byte, error) {
	stripped, err := sjson.DeleteBytes(doc, "proof")
	if err != nil {
		return nil, err
	}
	stripped, err = sjson.DeleteBytes(stripped, "disclosureMeta.contentId")
	if err != nil {
		return nil, err
	}
	return content.Canonical(stripped)
}

// IssueRequest is the input to credential issuance.
type IssueRequest struct {
	Issuer  string          `json:"issuer"`
	Subject string          `json:"subject"`
	ClaimID string          `json:"claim_id"`
	Claim   json.RawMessage `json:"claim"`
	Context string          `json:"context"`
	Purpose string          `json:"purpose"`
}

// Normalize trims identifiers and applies the default context.
func (r *IssueRequest) Normalize() {
	r.Issuer = strings.TrimSpace(r.Issuer)
	r.Subject = strings.TrimSpace(r.Subject)
	r.ClaimID = strings.TrimSpace(r.ClaimID)
	r.Context = strings.TrimSpace(r.Context)
	r.Purpose = strings.TrimSpace(r.Purpose)
	if r.Context == "" {
		r.Context = DefaultContext
	}
}

// Validate checks the issuance preconditions that need no collaborators.
func (r *IssueRequest) Validate() error {
	if r.ClaimID == "" {
		return dErrors.New(dErrors.CodeValidation, "claim_id is required")
	}
	if r.Purpose == "" {
		return dErrors.New(dErrors.CodeValidation, "purpose is required")
	}
	if !hasBody(r.Claim) {
		return dErrors.New(dErrors.CodeValidation, "claim must be a non-empty JSON object")
	}
	if _, err := identity.Parse(r.Subject); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid subject")
	}
	if _, err := identity.Parse(r.Issuer); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid issuer")
	}
	return nil
}

func hasBody(claim json.RawMessage) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(claim, &obj); err != nil {
		return false
	}
	return len(obj) > 0
}

// IssueResult reports the enriched credential and how its anchor settled.
type IssueResult struct {
	Credential *Credential         `json:"credential"`
	ContentID  string              `json:"content_id"`
	Commitment chain.Hash          `json:"commitment"`
	Settlement *settlement.Outcome `json:"settlement"`
}
