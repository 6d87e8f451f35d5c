package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"anchorid/internal/anchor"
	"anchorid/internal/chain/memledger"
	"anchorid/internal/content"
	"anchorid/internal/content/memory"
	contentmocks "anchorid/internal/content/mocks"
	"anchorid/internal/identity"
	"anchorid/internal/profile/models"
	"anchorid/internal/profile/store"
	"anchorid/internal/settlement"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/requestcontext"
)

type ProfileServiceSuite struct {
	suite.Suite
	ctx      context.Context
	ledger   *memledger.Ledger
	anchors  *anchor.Store
	layer    *settlement.Layer
	content  *memory.Store
	pointers *store.InMemoryPointerStore
	service  *Service
	subject  identity.Address
}

func TestProfileServiceSuite(t *testing.T) {
	suite.Run(t, new(ProfileServiceSuite))
}

func (s *ProfileServiceSuite) SetupTest() {
	custodian, err := signing.GenerateKey()
	s.Require().NoError(err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	s.ledger = memledger.New(memledger.WithCustodian(custodian.Address()))
	s.anchors = anchor.New(s.ledger, s.ledger.Registry())
	s.layer, err = settlement.New(settlement.ModeDirect, s.ledger,
		settlement.WithSigner(settlement.NewSigner(s.ledger, custodian, settlement.WithPollInterval(time.Millisecond))),
		settlement.WithLogger(logger),
	)
	s.Require().NoError(err)
	s.content = memory.New()
	s.pointers = store.NewInMemoryPointerStore()
	s.service = New(s.content, s.pointers, s.anchors, s.layer, WithLogger(logger))
	s.subject = identity.MustParse("0x6666666666666666666666666666666666666666")
}

func (s *ProfileServiceSuite) upsert(scope string, attrs map[string]string, links map[string]string) *WriteResult {
	raw := make(map[string]json.RawMessage, len(attrs))
	for k, v := range attrs {
		raw[k] = json.RawMessage(v)
	}
	res, err := s.service.Upsert(s.ctx, models.UpsertRequest{
		Subject:    s.subject.DID(),
		Context:    scope,
		Attributes: raw,
		Links:      links,
	})
	s.Require().NoError(err)
	return res
}

func (s *ProfileServiceSuite) TestUpsertCreatesThenMerges() {
	first := s.upsert("hr", map[string]string{"name": `"Ada"`}, nil)
	s.Equal(settlement.StatusConfirmed, first.Settlement.Status)

	second := s.upsert("social", nil, map[string]string{"site": "https://ada.example"})
	third := s.upsert("hr", map[string]string{"title": `"Engineer"`, "name": `"Ada L."`}, nil)
	s.NotEqual(first.ContentID, second.ContentID)

	doc, err := s.service.Get(s.ctx, s.subject.String())
	s.Require().NoError(err)
	s.Equal(s.subject.String(), doc.Subject)
	s.JSONEq(`"Ada L."`, string(doc.Contexts["hr"].Attributes["name"]))
	s.JSONEq(`"Engineer"`, string(doc.Contexts["hr"].Attributes["title"]))
	s.Equal("https://ada.example", doc.Contexts["social"].Links["site"])

	value, err := s.anchors.Value(s.ctx, s.subject, anchor.ProfileKey(models.AnchorScope))
	s.Require().NoError(err)
	s.Equal(anchor.Commitment(content.ID(third.ContentID)), value)
}

func (s *ProfileServiceSuite) TestUnusualKeysStayObjectKeys() {
	s.upsert("2026", map[string]string{"0": `1`, "a.b": `true`}, nil)

	doc, err := s.service.Get(s.ctx, s.subject.String())
	s.Require().NoError(err)
	s.Require().Contains(doc.Contexts, "2026")
	s.JSONEq(`1`, string(doc.Contexts["2026"].Attributes["0"]))
	s.JSONEq(`true`, string(doc.Contexts["2026"].Attributes["a.b"]))
}

func (s *ProfileServiceSuite) TestAddCredentialRefIsIdempotent() {
	ref := models.CredentialRef{ContentID: "bafkreiabc", Context: "hr", ClaimID: "degree", IssuedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s.Require().NoError(s.service.AddCredentialRef(s.ctx, s.subject, ref))
	writes := s.content.Len()
	s.Require().NoError(s.service.AddCredentialRef(s.ctx, s.subject, ref))
	s.Equal(writes, s.content.Len(), "duplicate reference must not write a new revision")

	doc, err := s.service.Get(s.ctx, s.subject.String())
	s.Require().NoError(err)
	s.Equal([]models.CredentialRef{ref}, doc.CredentialRefs())
}

func (s *ProfileServiceSuite) TestTombstoneBlocksRecreation() {
	s.upsert("hr", map[string]string{"name": `"Ada"`}, nil)

	res, err := s.service.WriteTombstone(s.ctx, s.subject, "subject request")
	s.Require().NoError(err)
	s.Equal(settlement.StatusConfirmed, res.Settlement.Status)

	erased, err := s.service.IsErased(s.ctx, s.subject)
	s.Require().NoError(err)
	s.True(erased)

	_, err = s.service.Upsert(s.ctx, models.UpsertRequest{
		Subject:    s.subject.String(),
		Attributes: map[string]json.RawMessage{"name": json.RawMessage(`"again"`)},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeErased), "got %v", err)

	err = s.service.AddCredentialRef(s.ctx, s.subject, models.CredentialRef{ContentID: "bafkreixyz", Context: "hr"})
	s.True(dErrors.HasCode(err, dErrors.CodeErased))

	_, err = s.service.Get(s.ctx, s.subject.String())
	s.True(dErrors.HasCode(err, dErrors.CodeErased))
}

func (s *ProfileServiceSuite) TestTombstoneDetectedFromContent() {
	id, err := s.content.Put(s.ctx, models.NewTombstone(s.subject, "legacy", time.Now()))
	s.Require().NoError(err)
	s.Require().NoError(s.pointers.Put(s.ctx, s.subject, models.Pointer{ContentID: string(id)}))

	erased, err := s.service.IsErased(s.ctx, s.subject)
	s.Require().NoError(err)
	s.True(erased)
}

func (s *ProfileServiceSuite) TestAnchoredProfileMissingFromIndexFailsClosed() {
	s.upsert("hr", map[string]string{"name": `"Ada"`}, nil)
	s.service.pointers = store.NewInMemoryPointerStore()

	_, err := s.service.IsErased(s.ctx, s.subject)
	s.True(dErrors.HasCode(err, dErrors.CodeStorage), "got %v", err)
}

func (s *ProfileServiceSuite) TestContentFetchFailureFailsClosed() {
	ctrl := gomock.NewController(s.T())
	broken := contentmocks.NewMockStore(ctrl)
	broken.EXPECT().Get(gomock.Any(), content.ID("bafkreiunreachable")).
		Return(nil, content.NewStoreError(content.CategoryUnavailable, "gateway down", errors.New("timeout")))

	s.Require().NoError(s.pointers.Put(s.ctx, s.subject, models.Pointer{ContentID: "bafkreiunreachable"}))
	svc := New(broken, s.pointers, s.anchors, s.layer)

	_, err := svc.IsErased(s.ctx, s.subject)
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))
}

func (s *ProfileServiceSuite) TestGetUnknownProfile() {
	_, err := s.service.Get(s.ctx, s.subject.String())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.service.Get(s.ctx, "did:ethr:nothex")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}
