// Package models defines profile documents, tombstones and the pointer index entry.
package models

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
)

// DefaultContext applies when an upsert names no context.
const DefaultContext = "default"

// AnchorScope is the ProfileKey scope under which the current document is anchored.
// One document holds every context, so a single anchor covers it.
const AnchorScope = "document"

// Document is a subject's profile. Sections are keyed by context.
type Document struct {
	Subject   string              `json:"subject"`
	UpdatedAt time.Time           `json:"updatedAt"`
	Contexts  map[string]*Section `json:"contexts"`
}

// Section holds one context's attributes, links and credential references.
type Section struct {
	Attributes  map[string]json.RawMessage `json:"attributes,omitempty"`
	Links       map[string]string          `json:"links,omitempty"`
	Credentials []CredentialRef            `json:"credentials,omitempty"`
}

// CredentialRef points at an issued credential.
type CredentialRef struct {
	ContentID string    `json:"contentId"`
	Context   string    `json:"context"`
	ClaimID   string    `json:"claimId"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// CredentialRefs lists every reference across all contexts.
func (d *Document) CredentialRefs() []CredentialRef {
	if d == nil {
		return nil
	}
	var refs []CredentialRef
	for _, section := range d.Contexts {
		if section != nil {
			refs = append(refs, section.Credentials...)
		}
	}
	return refs
}

// Tombstone permanently replaces an erased subject's profile.
type Tombstone struct {
	Subject  string    `json:"subject"`
	Erased   bool      `json:"erased"`
	ErasedAt time.Time `json:"erasedAt"`
	Reason   string    `json:"reason"`
}

// NewTombstone builds the terminal document for subject.
func NewTombstone(subject identity.Address, reason string, at time.Time) Tombstone {
	return Tombstone{Subject: subject.String(), Erased: true, ErasedAt: at.UTC(), Reason: reason}
}

// IsTombstone reports whether raw is a tombstone document.
func IsTombstone(raw []byte) bool {
	return gjson.GetBytes(raw, "erased").Bool()
}

// Pointer is the index entry mapping a subject to its current profile content.
type Pointer struct {
	ContentID string    `json:"content_id"`
	Erased    bool      `json:"erased"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpsertRequest merges attributes and links into one context of a profile.
type UpsertRequest struct {
	Subject    string                     `json:"subject"`
	Context    string                     `json:"context"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
	Links      map[string]string          `json:"links,omitempty"`
}

func (r *UpsertRequest) Normalize() {
	r.Subject = strings.TrimSpace(r.Subject)
	r.Context = strings.TrimSpace(r.Context)
	if r.Context == "" {
		r.Context = DefaultContext
	}
	for k, v := range r.Links {
		r.Links[k] = strings.TrimSpace(v)
	}
}

func (r *UpsertRequest) Validate() error {
	if _, err := identity.Parse(r.Subject); err != nil {
		return err
	}
	if len(r.Attributes) == 0 && len(r.Links) == 0 {
		return dErrors.New(dErrors.CodeValidation, "attributes or links are required")
	}
	for k, v := range r.Attributes {
		if strings.TrimSpace(k) == "" {
			return dErrors.New(dErrors.CodeValidation, "attribute names must not be blank")
		}
		if !json.Valid(v) {
			return dErrors.Newf(dErrors.CodeValidation, "attribute %q is not valid JSON", k)
		}
	}
	for k, v := range r.Links {
		if strings.TrimSpace(k) == "" {
			return dErrors.New(dErrors.CodeValidation, "link names must not be blank")
		}
		u, err := url.Parse(v)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return dErrors.Newf(dErrors.CodeValidation, "link %q must be an absolute http(s) URL", k)
		}
	}
	return nil
}
