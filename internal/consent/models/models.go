package models

import (
	"strings"
	"time"

	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
)

// DefaultContext applies when a request names no context.
const DefaultContext = "default"

// Record is one consent grant. At most one active record exists per
// (subject, claimID, context). An empty Verifier admits any verifier in the context.
type Record struct {
	ID        string           `json:"id"`
	Subject   string           `json:"subject"`
	ClaimID   string           `json:"claim_id"`
	Purpose   string           `json:"purpose"`
	Context   string           `json:"context"`
	Verifier  identity.Address `json:"verifier,omitempty"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	RevokedAt *time.Time       `json:"revoked_at,omitempty"`
}

// IsActive reports whether the record is neither revoked nor expired at now.
func (r *Record) IsActive(now time.Time) bool {
	if r.RevokedAt != nil {
		return false
	}
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// Admits reports whether verifier may rely on this record.
func (r *Record) Admits(verifier identity.Address) bool {
	return r.Verifier == "" || r.Verifier == verifier
}

// Key is the uniqueness tuple for active grants.
type Key struct {
	Subject string
	ClaimID string
	Context string
}

func (k Key) String() string {
	return k.Subject + "|" + k.ClaimID + "|" + k.Context
}

// Key returns the record's uniqueness tuple.
func (r *Record) Key() Key {
	return Key{Subject: r.Subject, ClaimID: r.ClaimID, Context: r.Context}
}

// GrantRequest is the input to a consent grant.
type GrantRequest struct {
	Subject   string     `json:"subject"`
	ClaimID   string     `json:"claim_id"`
	Purpose   string     `json:"purpose"`
	Context   string     `json:"context"`
	Verifier  string     `json:"verifier,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Normalize trims input and applies the default context.
func (r *GrantRequest) Normalize() {
	r.Subject = strings.TrimSpace(r.Subject)
	r.ClaimID = strings.TrimSpace(r.ClaimID)
	r.Purpose = strings.TrimSpace(r.Purpose)
	r.Context = strings.TrimSpace(r.Context)
	r.Verifier = strings.TrimSpace(r.Verifier)
	if r.Context == "" {
		r.Context = DefaultContext
	}
}

// Validate checks required fields and formats.
func (r *GrantRequest) Validate() error {
	if _, err := identity.Parse(r.Subject); err != nil {
		return err
	}
	if r.ClaimID == "" {
		return dErrors.New(dErrors.CodeValidation, "claim_id is required")
	}
	if r.Purpose == "" {
		return dErrors.New(dErrors.CodeValidation, "purpose is required")
	}
	if r.Verifier != "" {
		if _, err := identity.Parse(r.Verifier); err != nil {
			return dErrors.Wrap(err, dErrors.CodeValidation, "invalid verifier")
		}
	}
	return nil
}

// RevokeRequest selects active records to revoke. Empty Context or Purpose match any.
type RevokeRequest struct {
	Subject string `json:"subject"`
	ClaimID string `json:"claim_id"`
	Context string `json:"context,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

func (r *RevokeRequest) Normalize() {
	r.Subject = strings.TrimSpace(r.Subject)
	r.ClaimID = strings.TrimSpace(r.ClaimID)
	r.Context = strings.TrimSpace(r.Context)
	r.Purpose = strings.TrimSpace(r.Purpose)
}

func (r *RevokeRequest) Validate() error {
	if _, err := identity.Parse(r.Subject); err != nil {
		return err
	}
	if r.ClaimID == "" {
		return dErrors.New(dErrors.CodeValidation, "claim_id is required")
	}
	return nil
}

// Filter selects records for revocation.
type Filter struct {
	Subject string
	ClaimID string
	Context string
	Purpose string
}

// Matches reports whether r falls under f. Empty filter fields match anything.
func (f Filter) Matches(r *Record) bool {
	if r.Subject != f.Subject {
		return false
	}
	if f.ClaimID != "" && r.ClaimID != f.ClaimID {
		return false
	}
	if f.Context != "" && r.Context != f.Context {
		return false
	}
	if f.Purpose != "" && r.Purpose != f.Purpose {
		return false
	}
	return true
}
