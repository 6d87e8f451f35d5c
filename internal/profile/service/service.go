// Package service maintains per-subject profile documents and their tombstones.
//
// Every write produces a new content-addressed document, moves the pointer index
// to it and anchors its commitment under anchor.ProfileKey(models.AnchorScope).
package service

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"anchorid/internal/anchor"
	"anchorid/internal/chain"
	"anchorid/internal/content"
	"anchorid/internal/identity"
	"anchorid/internal/profile/models"
	"anchorid/internal/settlement"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/platform/jsonpath"
	"anchorid/pkg/platform/sentinel"
	"anchorid/pkg/requestcontext"
)

const numSubjectShards = 64

// PointerStore is the subject to current-content index.
type PointerStore interface {
	Get(ctx context.Context, subject identity.Address) (*models.Pointer, error)
	Put(ctx context.Context, subject identity.Address, p models.Pointer) error
}

// Anchors reads and encodes registry entries.
type Anchors interface {
	Value(ctx context.Context, subject identity.Address, key chain.Hash) (chain.Hash, error)
	WriteCall(subject identity.Address, key, value chain.Hash) chain.Call
}

// Settler applies chain writes.
type Settler interface {
	Settle(ctx context.Context, from identity.Address, call chain.Call) (*settlement.Outcome, error)
}

// AuditPublisher records compliance events. Emit failures abort the write.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.ComplianceEvent) error
}

// WriteResult describes one persisted profile revision.
type WriteResult struct {
	Document   *models.Document    `json:"document,omitempty"`
	ContentID  string              `json:"content_id"`
	Settlement *settlement.Outcome `json:"settlement"`
}

// Snapshot is the current profile state of a subject.
type Snapshot struct {
	Document  *models.Document
	ContentID string
	Erased    bool
}

// Service reads and writes profile documents. Writes for one subject are serialized.
type Service struct {
	content  content.Store
	pointers PointerStore
	anchors  Anchors
	settler  Settler
	auditor  AuditPublisher
	logger   *slog.Logger
	shards   [numSubjectShards]sync.Mutex
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) { s.auditor = p }
}

func New(store content.Store, pointers PointerStore, anchors Anchors, settler Settler, opts ...Option) *Service {
	s := &Service{
		content:  store,
		pointers: pointers,
		anchors:  anchors,
		settler:  settler,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) lock(subject identity.Address) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(subject))
	mu := &s.shards[h.Sum32()%numSubjectShards]
	mu.Lock()
	return mu.Unlock
}

// Get returns the subject's current profile.
func (s *Service) Get(ctx context.Context, rawSubject string) (*models.Document, error) {
	subject, err := identity.Parse(rawSubject)
	if err != nil {
		return nil, err
	}
	snap, err := s.Snapshot(ctx, subject)
	if err != nil {
		return nil, err
	}
	if snap.Erased {
		return nil, dErrors.New(dErrors.CodeErased, "subject has been erased")
	}
	if snap.Document == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "profile not found")
	}
	return snap.Document, nil
}

// IsErased reports whether subject's profile is a tombstone. Lookup failures fail closed.
func (s *Service) IsErased(ctx context.Context, subject identity.Address) (bool, error) {
	st, err := s.load(ctx, subject)
	if err != nil {
		return false, err
	}
	return st.erased, nil
}

// Snapshot loads the current document, if any, and its tombstone state.
func (s *Service) Snapshot(ctx context.Context, subject identity.Address) (*Snapshot, error) {
	st, err := s.load(ctx, subject)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Erased: st.erased}
	if st.pointer != nil {
		snap.ContentID = st.pointer.ContentID
	}
	if st.raw != nil && !st.erased {
		var doc models.Document
		if err := json.Unmarshal(st.raw, &doc); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "profile document is malformed")
		}
		snap.Document = &doc
	}
	return snap, nil
}

// Upsert merges attributes and links into one context, creating the profile on first write.
func (s *Service) Upsert(ctx context.Context, req models.UpsertRequest) (*WriteResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	subject, _ := identity.Parse(req.Subject)

	unlock := s.lock(subject)
	defer unlock()

	raw, err := s.loadWritable(ctx, subject)
	if err != nil {
		return nil, err
	}
	raw, err = mergeSection(raw, req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "merge profile")
	}
	if s.auditor != nil {
		err := s.auditor.Emit(ctx, audit.ComplianceEvent{
			Subject:   subject.String(),
			Action:    string(audit.EventProfileUpdated),
			Context:   req.Context,
			RequestID: requestcontext.RequestID(ctx),
			ActorID:   requestcontext.Caller(ctx),
		})
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record profile audit event")
		}
	}
	return s.write(ctx, subject, raw)
}

// AddCredentialRef records ref under its context. A reference already present is a no-op.
func (s *Service) AddCredentialRef(ctx context.Context, subject identity.Address, ref models.CredentialRef) error {
	unlock := s.lock(subject)
	defer unlock()

	raw, err := s.loadWritable(ctx, subject)
	if err != nil {
		return err
	}
	path := "contexts." + jsonpath.Escape(ref.Context) + ".credentials"
	if gjson.GetBytes(raw, path+`.#(contentId=="`+ref.ContentID+`")`).Exists() {
		return nil
	}
	if raw, err = ensure(raw, path, "[]"); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "merge credential reference")
	}
	entry, err := json.Marshal(ref)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "encode credential reference")
	}
	if raw, err = sjson.SetRawBytes(raw, path+".-1", entry); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "merge credential reference")
	}
	_, err = s.write(ctx, subject, raw)
	return err
}

// WriteTombstone irreversibly replaces the profile with a tombstone and anchors it.
func (s *Service) WriteTombstone(ctx context.Context, subject identity.Address, reason string) (*WriteResult, error) {
	unlock := s.lock(subject)
	defer unlock()

	now := requestcontext.Now(ctx)
	id, err := s.content.Put(ctx, models.NewTombstone(subject, reason, now))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store tombstone")
	}
	if err := s.pointers.Put(ctx, subject, models.Pointer{ContentID: string(id), Erased: true, UpdatedAt: now}); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to update profile index")
	}
	outcome, err := s.settle(ctx, subject, id)
	if err != nil {
		return nil, err
	}
	return &WriteResult{ContentID: string(id), Settlement: outcome}, nil
}

type state struct {
	pointer *models.Pointer
	raw     []byte
	erased  bool
}

// load resolves the current profile. A subject missing from the index is only
// treated as new when its profile anchor is unset too.
func (s *Service) load(ctx context.Context, subject identity.Address) (*state, error) {
	ptr, err := s.pointers.Get(ctx, subject)
	if errors.Is(err, sentinel.ErrNotFound) {
		value, err := s.anchors.Value(ctx, subject, anchor.ProfileKey(models.AnchorScope))
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeStorage, "profile anchor lookup failed")
		}
		if !value.IsZero() {
			s.logger.ErrorContext(ctx, "anchored profile missing from pointer index",
				"subject", subject,
				"request_id", requestcontext.RequestID(ctx),
			)
			return nil, dErrors.New(dErrors.CodeStorage, "profile index is out of sync with its anchor")
		}
		return &state{}, nil
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "profile index lookup failed")
	}
	if ptr.Erased {
		return &state{pointer: ptr, erased: true}, nil
	}

	raw, err := s.content.Get(ctx, content.ID(ptr.ContentID))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "profile content unavailable")
	}
	return &state{pointer: ptr, raw: raw, erased: models.IsTombstone(raw)}, nil
}

func (s *Service) loadWritable(ctx context.Context, subject identity.Address) ([]byte, error) {
	st, err := s.load(ctx, subject)
	if err != nil {
		return nil, err
	}
	if st.erased {
		return nil, dErrors.New(dErrors.CodeErased, "subject has been erased")
	}
	if st.raw == nil {
		return json.Marshal(models.Document{Subject: subject.String(), Contexts: map[string]*models.Section{}})
	}
	return st.raw, nil
}

func (s *Service) write(ctx context.Context, subject identity.Address, raw []byte) (*WriteResult, error) {
	now := requestcontext.Now(ctx).UTC()
	raw, err := sjson.SetBytes(raw, "updatedAt", now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "stamp profile")
	}
	canon, err := content.Canonical(raw)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "canonicalize profile")
	}

	id, err := s.content.Put(ctx, json.RawMessage(canon))
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to store profile")
	}
	err = s.pointers.Put(ctx, subject, models.Pointer{ContentID: string(id), UpdatedAt: now})
	if errors.Is(err, sentinel.ErrErased) {
		return nil, dErrors.New(dErrors.CodeErased, "subject has been erased")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeStorage, "failed to update profile index")
	}

	outcome, err := s.settle(ctx, subject, id)
	if err != nil {
		return nil, err
	}

	var doc models.Document
	if err := json.Unmarshal(canon, &doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode profile")
	}
	return &WriteResult{Document: &doc, ContentID: string(id), Settlement: outcome}, nil
}

func (s *Service) settle(ctx context.Context, subject identity.Address, id content.ID) (*settlement.Outcome, error) {
	call := s.anchors.WriteCall(subject, anchor.ProfileKey(models.AnchorScope), anchor.Commitment(id))
	outcome, err := s.settler.Settle(ctx, subject, call)
	if err != nil {
		s.logger.ErrorContext(ctx, "profile anchor settlement failed",
			"content_id", id,
			"request_id", requestcontext.RequestID(ctx),
			"error", err,
		)
		if dErrors.CodeOf(err) == dErrors.CodeInternal {
			err = dErrors.Wrap(err, dErrors.CodeSettlement, "failed to anchor profile")
		}
		return nil, err
	}
	return outcome, nil
}

func mergeSection(raw []byte, req models.UpsertRequest) ([]byte, error) {
	base := "contexts." + jsonpath.Escape(req.Context)
	var err error
	if len(req.Attributes) > 0 {
		if raw, err = ensure(raw, base+".attributes", "{}"); err != nil {
			return nil, err
		}
	}
	if len(req.Links) > 0 {
		if raw, err = ensure(raw, base+".links", "{}"); err != nil {
			return nil, err
		}
	}
	for k, v := range req.Attributes {
		if raw, err = sjson.SetRawBytes(raw, base+".attributes."+jsonpath.Escape(k), v); err != nil {
			return nil, err
		}
	}
	for k, v := range req.Links {
		if raw, err = sjson.SetBytes(raw, base+".links."+jsonpath.Escape(k), v); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// ensure creates the container at path so numeric child keys stay object keys.
func ensure(raw []byte, path, empty string) ([]byte, error) {
	if gjson.GetBytes(raw, path).Exists() {
		return raw, nil
	}
	return sjson.SetRawBytes(raw, path, []byte(empty))
}
