package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"anchorid/internal/anchor"
	"anchorid/internal/chain"
	"anchorid/internal/chain/memledger"
	"anchorid/internal/content"
	"anchorid/internal/content/memory"
	contentmocks "anchorid/internal/content/mocks"
	"anchorid/internal/credential/models"
	"anchorid/internal/credential/service/mocks"
	"anchorid/internal/identity"
	profileservice "anchorid/internal/profile/service"
	profilestore "anchorid/internal/profile/store"
	"anchorid/internal/settlement"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/platform/audit/publishers/compliance"
	auditmemory "anchorid/pkg/platform/audit/store/memory"
	"anchorid/pkg/requestcontext"
)

type IssueSuite struct {
	suite.Suite
	ctx      context.Context
	logger   *slog.Logger
	issuer   *signing.PrivateKey
	keyring  *signing.Keyring
	ledger   *memledger.Ledger
	anchors  *anchor.Store
	layer    *settlement.Layer
	content  *memory.Store
	profiles *profileservice.Service
	service  *Service
	subject  identity.Address
}

func TestIssueSuite(t *testing.T) {
	suite.Run(t, new(IssueSuite))
}

func (s *IssueSuite) SetupTest() {
	var err error
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 2, 3, 4, 5, 6, 789, time.UTC))

	s.issuer, err = signing.GenerateKey()
	s.Require().NoError(err)
	custodian, err := signing.GenerateKey()
	s.Require().NoError(err)
	s.keyring = signing.NewKeyring(s.issuer)

	s.ledger = memledger.New(memledger.WithCustodian(custodian.Address()))
	s.anchors = anchor.New(s.ledger, s.ledger.Registry())
	s.layer, err = settlement.New(settlement.ModeDirect, s.ledger,
		settlement.WithSigner(settlement.NewSigner(s.ledger, custodian, settlement.WithPollInterval(time.Millisecond))),
		settlement.WithLogger(s.logger),
	)
	s.Require().NoError(err)

	s.content = memory.New()
	s.profiles = profileservice.New(s.content, profilestore.NewInMemoryPointerStore(), s.anchors, s.layer,
		profileservice.WithLogger(s.logger))
	s.service = New(s.keyring, s.content, s.anchors, s.layer,
		WithProfiles(s.profiles),
		WithMetrics(NewMetrics(prometheus.NewRegistry())),
		WithLogger(s.logger),
	)
	s.subject = identity.MustParse("0x9999999999999999999999999999999999999999")
}

func (s *IssueSuite) request() models.IssueRequest {
	return models.IssueRequest{
		Issuer:  s.issuer.Address().DID(),
		Subject: s.subject.DID(),
		ClaimID: "identity.email",
		Claim:   json.RawMessage(`{"identity":{"email":"ada@example.org"}}`),
		Context: "profile",
		Purpose: "login",
	}
}

func (s *IssueSuite) TestIssueRoundTrip() {
	res, err := s.service.Issue(s.ctx, s.request())
	s.Require().NoError(err)

	s.Equal(settlement.StatusConfirmed, res.Settlement.Status)
	s.Equal(res.ContentID, res.Credential.DisclosureMeta.ContentID)
	s.Equal(anchor.Commitment(content.ID(res.ContentID)), res.Commitment)
	s.Equal(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC), res.Credential.IssuanceDate)

	raw, err := s.content.Get(s.ctx, content.ID(res.ContentID))
	s.Require().NoError(err)
	s.NotContains(string(raw), "contentId", "stored credential is never enriched")

	payload, err := models.SigningPayload(raw)
	s.Require().NoError(err)
	sig, err := signing.DecodeSignature(res.Credential.Proof.Signature)
	s.Require().NoError(err)
	signer, err := signing.RecoverPersonal(payload, sig)
	s.Require().NoError(err)
	s.Equal(s.issuer.Address(), signer)

	enriched, err := json.Marshal(res.Credential)
	s.Require().NoError(err)
	enrichedPayload, err := models.SigningPayload(enriched)
	s.Require().NoError(err)
	s.Equal(string(payload), string(enrichedPayload))

	ok, err := s.anchors.Verify(s.ctx, s.subject, "identity.email", content.ID(res.ContentID))
	s.Require().NoError(err)
	s.True(ok)

	doc, err := s.profiles.Get(s.ctx, s.subject.String())
	s.Require().NoError(err)
	refs := doc.CredentialRefs()
	s.Require().Len(refs, 1)
	s.Equal(res.ContentID, refs[0].ContentID)
	s.Equal("profile", refs[0].Context)
}

func (s *IssueSuite) TestDefaultContext() {
	req := s.request()
	req.Context = "  "
	res, err := s.service.Issue(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.DefaultContext, res.Credential.DisclosureMeta.Context)
}

func (s *IssueSuite) TestIssuerWithoutKey() {
	req := s.request()
	req.Issuer = "0x1234567890123456789012345678901234567890"
	_, err := s.service.Issue(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	s.Zero(s.content.Len())
}

func (s *IssueSuite) TestErasedSubject() {
	_, err := s.profiles.WriteTombstone(s.ctx, s.subject, "request")
	s.Require().NoError(err)
	before := s.content.Len()

	_, err = s.service.Issue(s.ctx, s.request())
	s.True(dErrors.HasCode(err, dErrors.CodeErased), "got %v", err)
	s.Equal(before, s.content.Len())
}

func (s *IssueSuite) TestContentFailureSkipsChainWrite() {
	ctrl := gomock.NewController(s.T())
	broken := contentmocks.NewMockStore(ctrl)
	broken.EXPECT().Put(gomock.Any(), gomock.Any()).
		Return(content.ID(""), content.NewStoreError(content.CategoryUnavailable, "node down", errors.New("dial")))
	settler := mocks.NewMockSettler(ctrl)

	svc := New(s.keyring, broken, s.anchors, settler, WithLogger(s.logger))
	_, err := svc.Issue(s.ctx, s.request())
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))
}

func (s *IssueSuite) TestSettlementFailureLeavesContentOrphaned() {
	ctrl := gomock.NewController(s.T())
	settler := mocks.NewMockSettler(ctrl)
	settler.EXPECT().Settle(gomock.Any(), s.subject, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ identity.Address, call chain.Call) (*settlement.Outcome, error) {
			s.Equal(chain.SigSetClaim, call.Method)
			return nil, chain.ErrReverted
		})
	profiles := mocks.NewMockProfiles(ctrl)
	profiles.EXPECT().IsErased(gomock.Any(), s.subject).Return(false, nil)

	svc := New(s.keyring, s.content, s.anchors, settler, WithProfiles(profiles), WithLogger(s.logger))
	_, err := svc.Issue(s.ctx, s.request())
	s.True(dErrors.HasCode(err, dErrors.CodeSettlement))
	s.Equal(1, s.content.Len(), "content is written before the anchor and stays orphaned")

	value, err := s.anchors.Value(s.ctx, s.subject, anchor.ClaimKey("identity.email"))
	s.Require().NoError(err)
	s.True(value.IsZero())
}

func (s *IssueSuite) TestProfileFailureIsBestEffort() {
	ctrl := gomock.NewController(s.T())
	profiles := mocks.NewMockProfiles(ctrl)
	profiles.EXPECT().IsErased(gomock.Any(), s.subject).Return(false, nil)
	profiles.EXPECT().AddCredentialRef(gomock.Any(), s.subject, gomock.Any()).
		Return(dErrors.New(dErrors.CodeStorage, "profile content unavailable"))

	svc := New(s.keyring, s.content, s.anchors, s.layer, WithProfiles(profiles), WithLogger(s.logger))
	res, err := svc.Issue(s.ctx, s.request())
	s.Require().NoError(err)
	s.NotEmpty(res.Credential.DisclosureMeta.ContentID)
}

func (s *IssueSuite) TestPreparedModeReturnsDescriptor() {
	layer, err := settlement.New(settlement.ModePrepared, s.ledger, settlement.WithLogger(s.logger))
	s.Require().NoError(err)
	svc := New(s.keyring, s.content, s.anchors, layer, WithLogger(s.logger))

	res, err := svc.Issue(s.ctx, s.request())
	s.Require().NoError(err)
	s.Equal(settlement.StatusAwaitingSignature, res.Settlement.Status)
	s.Require().NotNil(res.Settlement.Unsigned)
	s.Equal(s.ledger.Registry(), res.Settlement.Unsigned.To)

	_, err = s.content.Get(s.ctx, content.ID(res.ContentID))
	s.NoError(err, "content is fetchable before the anchor is submitted")
}

func (s *IssueSuite) TestIssuanceIsAudited() {
	auditLog := auditmemory.NewInMemoryStore()
	svc := New(s.keyring, s.content, s.anchors, s.layer, WithAuditPublisher(compliance.New(auditLog)), WithLogger(s.logger))

	_, err := svc.Issue(s.ctx, s.request())
	s.Require().NoError(err)

	events, err := auditLog.ListBySubject(s.ctx, s.subject.String())
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventCredentialIssued), events[0].Action)
	s.Equal(s.issuer.Address().String(), events[0].ActorID)
}

func (s *IssueSuite) TestAuditFailureAbortsBeforeContentWrite() {
	auditLog := auditmemory.NewInMemoryStore()
	auditLog.FailAppends(true)
	svc := New(s.keyring, s.content, s.anchors, s.layer, WithAuditPublisher(compliance.New(auditLog)), WithLogger(s.logger))

	_, err := svc.Issue(s.ctx, s.request())
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.Zero(s.content.Len())
}
