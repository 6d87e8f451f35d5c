package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"anchorid/internal/consent/models"
	"anchorid/internal/consent/service/mocks"
	"anchorid/internal/consent/store"
	"anchorid/internal/identity"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/platform/audit/publishers/compliance"
	auditmemory "anchorid/pkg/platform/audit/store/memory"
	"anchorid/pkg/requestcontext"
)

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,ErasureChecker

const (
	subject  = "0x1111111111111111111111111111111111111111"
	verifier = "0x2222222222222222222222222222222222222222"
	stranger = "0x3333333333333333333333333333333333333333"
)

type ConsentServiceSuite struct {
	suite.Suite
	ctx      context.Context
	store    *store.InMemoryStore
	auditLog *auditmemory.InMemoryStore
	service  *Service
}

func TestConsentServiceSuite(t *testing.T) {
	suite.Run(t, new(ConsentServiceSuite))
}

func (s *ConsentServiceSuite) SetupTest() {
	s.ctx = requestcontext.WithTime(context.Background(), time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	s.store = store.NewInMemoryStore()
	s.auditLog = auditmemory.NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.service = New(s.store,
		WithAuditPublisher(compliance.New(s.auditLog)),
		WithLogger(logger),
	)
}

func grant(claim, scope, purpose string) models.GrantRequest {
	return models.GrantRequest{Subject: subject, ClaimID: claim, Context: scope, Purpose: purpose}
}

func (s *ConsentServiceSuite) TestGrantRecordsAndAudits() {
	rec, err := s.service.Grant(s.ctx, grant("email", "work", "kyc"))
	s.Require().NoError(err)
	s.NotEmpty(rec.ID)
	s.Equal("work", rec.Context)

	events, err := s.auditLog.ListBySubject(s.ctx, subject)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventConsentGranted), events[0].Action)
	s.Equal(audit.CategoryCompliance, events[0].Category)
}

func (s *ConsentServiceSuite) TestGrantAcceptsDIDSubject() {
	req := grant("email", "", "kyc")
	req.Subject = "did:ethr:0x1111111111111111111111111111111111111111"
	rec, err := s.service.Grant(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(subject, rec.Subject)
	s.Equal(models.DefaultContext, rec.Context)
}

func (s *ConsentServiceSuite) TestDuplicateActiveGrantIsRejected() {
	_, err := s.service.Grant(s.ctx, grant("email", "work", "kyc"))
	s.Require().NoError(err)

	// Uniqueness is on (subject, claim, context); a different purpose is still a duplicate.
	_, err = s.service.Grant(s.ctx, grant("email", "work", "marketing"))
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	_, err = s.service.Grant(s.ctx, grant("email", "personal", "kyc"))
	s.NoError(err)
}

func (s *ConsentServiceSuite) TestRevokeThenRegrant() {
	_, err := s.service.Grant(s.ctx, grant("email", "work", "kyc"))
	s.Require().NoError(err)

	n, err := s.service.Revoke(s.ctx, models.RevokeRequest{Subject: subject, ClaimID: "email", Context: "work"})
	s.Require().NoError(err)
	s.Equal(1, n)

	_, err = s.service.FindActive(s.ctx, subject, "email", "kyc", "work", verifier)
	s.True(dErrors.HasCode(err, dErrors.CodeMissingConsent))

	_, err = s.service.Grant(s.ctx, grant("email", "work", "kyc"))
	s.NoError(err)
}

func (s *ConsentServiceSuite) TestRevokeWithoutMatchesReturnsZero() {
	n, err := s.service.Revoke(s.ctx, models.RevokeRequest{Subject: subject, ClaimID: "email"})
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *ConsentServiceSuite) TestFindActiveHonoursVerifierBinding() {
	req := grant("email", "work", "kyc")
	req.Verifier = verifier
	_, err := s.service.Grant(s.ctx, req)
	s.Require().NoError(err)

	rec, err := s.service.FindActive(s.ctx, subject, "email", "kyc", "work", verifier)
	s.Require().NoError(err)
	s.Equal(identity.Address(verifier), rec.Verifier)

	_, err = s.service.FindActive(s.ctx, subject, "email", "kyc", "work", stranger)
	s.True(dErrors.HasCode(err, dErrors.CodeMissingConsent))
}

func (s *ConsentServiceSuite) TestMissingConsentDoesNotNameSubject() {
	_, err := s.service.FindActive(s.ctx, subject, "email", "kyc", "work", verifier)
	s.Require().Error(err)
	msg := dErrors.Message(err)
	s.Contains(msg, `"kyc"`)
	s.Contains(msg, `"work"`)
	s.False(strings.Contains(err.Error(), subject))
}

func (s *ConsentServiceSuite) TestExpiredConsentIsInactive() {
	expires := requestcontext.Now(s.ctx).Add(time.Hour)
	req := grant("email", "work", "kyc")
	req.ExpiresAt = &expires
	_, err := s.service.Grant(s.ctx, req)
	s.Require().NoError(err)

	later := requestcontext.WithTime(s.ctx, expires.Add(time.Second))
	_, err = s.service.FindActive(later, subject, "email", "kyc", "work", verifier)
	s.True(dErrors.HasCode(err, dErrors.CodeMissingConsent))

	// An expired record no longer blocks a new grant.
	_, err = s.service.Grant(later, grant("email", "work", "kyc"))
	s.NoError(err)
}

func (s *ConsentServiceSuite) TestGrantRejectsPastExpiry() {
	past := requestcontext.Now(s.ctx).Add(-time.Hour)
	req := grant("email", "work", "kyc")
	req.ExpiresAt = &past
	_, err := s.service.Grant(s.ctx, req)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ConsentServiceSuite) TestGrantFailsClosedOnAuditFailure() {
	s.auditLog.FailAppends(true)
	_, err := s.service.Grant(s.ctx, grant("email", "work", "kyc"))
	s.Require().Error(err)

	records, err := s.service.List(s.ctx, subject)
	s.Require().NoError(err)
	s.Empty(records)
}

func (s *ConsentServiceSuite) TestConcurrentGrantsYieldOneRecord() {
	const workers = 32
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.service.Grant(s.ctx, grant("email", "work", "kyc"))
			switch {
			case err == nil:
				succeeded.Add(1)
			case dErrors.HasCode(err, dErrors.CodeConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), succeeded.Load())
	s.Equal(int32(workers-1), conflicts.Load())
}

func (s *ConsentServiceSuite) TestEraseSubjectRedacts() {
	_, err := s.service.Grant(s.ctx, grant("email", "work", "kyc"))
	s.Require().NoError(err)
	_, err = s.service.Grant(s.ctx, grant("phone", "work", "kyc"))
	s.Require().NoError(err)

	n, err := s.service.EraseSubject(s.ctx, identity.MustParse(subject))
	s.Require().NoError(err)
	s.Equal(2, n)

	records, err := s.service.List(s.ctx, subject)
	s.Require().NoError(err)
	s.Empty(records)
}

func (s *ConsentServiceSuite) TestGrantRejectsErasedSubject() {
	ctrl := gomock.NewController(s.T())
	checker := mocks.NewMockErasureChecker(ctrl)
	checker.EXPECT().IsErased(gomock.Any(), identity.MustParse(subject)).Return(true, nil)

	svc := New(s.store, WithErasureChecker(checker))
	_, err := svc.Grant(s.ctx, grant("email", "work", "kyc"))
	s.True(dErrors.HasCode(err, dErrors.CodeErased))
}

func (s *ConsentServiceSuite) TestStoreFailureIsStorageError() {
	ctrl := gomock.NewController(s.T())
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().FindActiveByKey(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil, errors.New("connection reset"))

	svc := New(st)
	_, err := svc.Grant(s.ctx, grant("email", "work", "kyc"))
	s.True(dErrors.HasCode(err, dErrors.CodeStorage))
}

func (s *ConsentServiceSuite) TestCancelledContextAbortsTransaction() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.service.Grant(ctx, grant("email", "work", "kyc"))
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}
