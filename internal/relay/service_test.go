package relay

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"anchorid/internal/anchor"
	"anchorid/internal/chain"
	"anchorid/internal/chain/memledger"
	"anchorid/internal/relay/store"
	"anchorid/internal/settlement"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
	audit "anchorid/pkg/platform/audit"
	"anchorid/pkg/platform/audit/publishers/security"
	auditmemory "anchorid/pkg/platform/audit/store/memory"
)

const gasCeiling = 250_000

type RelaySuite struct {
	suite.Suite
	ctx       context.Context
	ledger    *memledger.Ledger
	subject   *signing.PrivateKey
	sponsor   *signing.PrivateKey
	allowlist *store.InMemoryAllowlist
	auditLog  *auditmemory.InMemoryStore
	security  *security.Publisher
	service   *Service
}

func TestRelaySuite(t *testing.T) {
	suite.Run(t, new(RelaySuite))
}

func (s *RelaySuite) SetupTest() {
	var err error
	s.ctx = context.Background()
	s.subject, err = signing.GenerateKey()
	s.Require().NoError(err)
	s.sponsor, err = signing.GenerateKey()
	s.Require().NoError(err)
	s.ledger = memledger.New()
	s.allowlist = store.NewInMemoryAllowlist(s.subject.Address())
	s.auditLog = auditmemory.NewInMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.security = security.New(s.auditLog, security.WithLogger(logger))
	s.service = s.newService()
}

func (s *RelaySuite) TearDownTest() {
	_ = s.security.Close()
}

func (s *RelaySuite) newService(opts ...Option) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithLogger(logger), WithSecurityEmitter(s.security)}, opts...)
	return NewService(s.allowlist, s.ledger, settlement.NewSigner(s.ledger, s.sponsor), s.ledger.Domain(), gasCeiling, opts...)
}

func (s *RelaySuite) request(nonce uint64) chain.ForwardRequest {
	call := anchor.New(s.ledger, s.ledger.Registry()).WriteCall(s.subject.Address(), anchor.ClaimKey("email"), anchor.Commitment("bafkreia"))
	return chain.ForwardRequest{
		From:     s.subject.Address(),
		To:       call.To,
		Value:    big.NewInt(0),
		Gas:      100_000,
		Nonce:    nonce,
		Deadline: uint64(time.Now().Add(time.Hour).Unix()),
		Data:     call.Data,
	}
}

func (s *RelaySuite) sign(req chain.ForwardRequest, key *signing.PrivateKey) []byte {
	sig, err := key.Sign(req.Digest(s.ledger.Domain()))
	s.Require().NoError(err)
	return sig
}

func (s *RelaySuite) forwarderNonce() uint64 {
	n, err := settlement.ForwarderNonce(s.ctx, s.ledger, s.ledger.Forwarder(), s.subject.Address())
	s.Require().NoError(err)
	return n
}

func (s *RelaySuite) assertRejected(res *Result, err error, reason string) {
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeSettlement))
	s.Require().NotNil(res)
	s.Equal(StateRejected, res.State)
	s.Equal(reason, res.Reason)
	s.Contains(err.Error(), reason)
}

// unconfirmed returns a service whose sponsor transactions wait in the pool
// until the test mines them.
func (s *RelaySuite) unconfirmed() *Service {
	s.ledger = memledger.New(memledger.WithManualMining())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer := settlement.NewSigner(s.ledger, s.sponsor,
		settlement.WithConfirmTimeout(20*time.Millisecond),
		settlement.WithPollInterval(5*time.Millisecond))
	return NewService(s.allowlist, s.ledger, signer, s.ledger.Domain(), gasCeiling,
		WithLogger(logger), WithSecurityEmitter(s.security))
}

func (s *RelaySuite) TestExecutesValidRequest() {
	req := s.request(0)
	res, err := s.service.Relay(s.ctx, req, s.sign(req, s.subject))
	s.Require().NoError(err)
	s.Equal(StateExecuted, res.State)
	s.Empty(res.Reached)
	s.Equal(settlement.StatusConfirmed, res.Outcome.Status)

	ok, err := anchor.New(s.ledger, s.ledger.Registry()).Verify(s.ctx, s.subject.Address(), "email", "bafkreia")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(uint64(1), s.forwarderNonce())
}

func (s *RelaySuite) TestReplayIsRejectedAsNonceMismatch() {
	req := s.request(0)
	sig := s.sign(req, s.subject)
	_, err := s.service.Relay(s.ctx, req, sig)
	s.Require().NoError(err)

	res, err := s.service.Relay(s.ctx, req, sig)
	s.assertRejected(res, err, ReasonNonceMismatch)
	s.Equal(StateSignatureVerified, res.Reached)
}

func (s *RelaySuite) TestReplayWhileUnconfirmedIsRejected() {
	svc := s.unconfirmed()
	req := s.request(0)
	sig := s.sign(req, s.subject)

	res, err := svc.Relay(s.ctx, req, sig)
	s.Require().NoError(err)
	s.Equal(StateSubmitted, res.State)
	s.Equal(settlement.StatusSubmitted, res.Outcome.Status)
	s.Equal(uint64(0), s.forwarderNonce())

	res, err = svc.Relay(s.ctx, req, sig)
	s.assertRejected(res, err, ReasonNonceMismatch)

	s.Equal(1, s.ledger.Mine())
	s.Equal(uint64(1), s.forwarderNonce())
}

func (s *RelaySuite) TestNextNonceAcceptedWhileUnconfirmed() {
	svc := s.unconfirmed()
	first := s.request(0)
	_, err := svc.Relay(s.ctx, first, s.sign(first, s.subject))
	s.Require().NoError(err)

	second := s.request(1)
	res, err := svc.Relay(s.ctx, second, s.sign(second, s.subject))
	s.Require().NoError(err)
	s.Equal(StateSubmitted, res.State)

	s.Equal(2, s.ledger.Mine())
	s.Equal(uint64(2), s.forwarderNonce())
}

func (s *RelaySuite) TestConcurrentDuplicatesSubmitOnce() {
	svc := s.unconfirmed()
	req := s.request(0)
	sig := s.sign(req, s.subject)

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Relay(s.ctx, req, sig)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				accepted++
				return
			}
			if res != nil && res.Reason == ReasonNonceMismatch {
				rejected++
			}
		}()
	}
	wg.Wait()

	s.Equal(1, accepted)
	s.Equal(attempts-1, rejected)
	s.Equal(1, s.ledger.Mine())
}

func (s *RelaySuite) TestReservationLapsesAtDeadline() {
	book := newNonceBook()
	now := time.Now()
	account := s.subject.Address()

	_, ok := book.claim(account, 0, 0, now.Add(time.Second), now)
	s.Require().True(ok)
	_, ok = book.claim(account, 0, 0, now.Add(time.Minute), now)
	s.False(ok, "nonce held until the first deadline")

	_, ok = book.claim(account, 0, 0, now.Add(time.Minute), now.Add(2*time.Second))
	s.True(ok, "an expired reservation frees the on-chain nonce")
}

func (s *RelaySuite) TestReleasedReservationFreesNonce() {
	book := newNonceBook()
	now := time.Now()
	account := s.subject.Address()

	release, ok := book.claim(account, 0, 0, now.Add(time.Minute), now)
	s.Require().True(ok)
	release()
	_, ok = book.claim(account, 0, 0, now.Add(time.Minute), now)
	s.True(ok)
}

func (s *RelaySuite) TestNonAllowlistedRejectedDespiteValidSignature() {
	s.Require().NoError(s.allowlist.Remove(s.ctx, s.subject.Address()))
	req := s.request(0)
	res, err := s.service.Relay(s.ctx, req, s.sign(req, s.subject))
	s.assertRejected(res, err, ReasonNotAllowlisted)
	s.Equal(uint64(0), s.forwarderNonce())
}

func (s *RelaySuite) TestGasCeiling() {
	req := s.request(0)
	req.Gas = gasCeiling + 1
	res, err := s.service.Relay(s.ctx, req, s.sign(req, s.subject))
	s.assertRejected(res, err, ReasonGasCeiling)
}

func (s *RelaySuite) TestSignerMustMatchFrom() {
	other, err := signing.GenerateKey()
	s.Require().NoError(err)
	req := s.request(0)
	res, err := s.service.Relay(s.ctx, req, s.sign(req, other))
	s.assertRejected(res, err, ReasonBadSignature+": "+ClassSignerMismatch)
	s.Equal(StateReceived, res.Reached)
	s.Equal(uint64(0), s.forwarderNonce())
}

func (s *RelaySuite) TestMalformedSignature() {
	req := s.request(0)
	res, err := s.service.Relay(s.ctx, req, []byte{1, 2, 3})
	s.assertRejected(res, err, ReasonBadSignature+": "+signing.ErrSignatureFormat.Error())
}

func (s *RelaySuite) TestHighSSignatureNamesClass() {
	req := s.request(0)
	sig := s.sign(req, s.subject)
	for i := 32; i < 64; i++ {
		sig[i] = 0xff
	}
	res, err := s.service.Relay(s.ctx, req, sig)
	s.assertRejected(res, err, ReasonBadSignature+": "+signing.ErrNonCanonicalS.Error())
	s.Equal(StateReceived, res.Reached)
}

func (s *RelaySuite) TestTamperedRequestFailsRecovery() {
	req := s.request(0)
	sig := s.sign(req, s.subject)
	req.Gas = 120_000
	res, err := s.service.Relay(s.ctx, req, sig)
	s.assertRejected(res, err, ReasonBadSignature+": "+ClassSignerMismatch)
}

func (s *RelaySuite) TestExpiredDeadline() {
	req := s.request(0)
	req.Deadline = uint64(time.Now().Add(-time.Minute).Unix())
	res, err := s.service.Relay(s.ctx, req, s.sign(req, s.subject))
	s.assertRejected(res, err, ReasonExpired)
}

func (s *RelaySuite) TestThrottlesPerAccount() {
	svc := s.newService(WithRateLimit(0.001, 1))
	req := s.request(0)
	_, err := svc.Relay(s.ctx, req, s.sign(req, s.subject))
	s.Require().NoError(err)

	next := s.request(1)
	res, err := svc.Relay(s.ctx, next, s.sign(next, s.subject))
	s.assertRejected(res, err, ReasonThrottled)
}

func (s *RelaySuite) TestRejectionsEmitSecurityEvents() {
	other, err := signing.GenerateKey()
	s.Require().NoError(err)
	req := s.request(0)
	_, _ = s.service.Relay(s.ctx, req, s.sign(req, other))
	s.Require().NoError(s.security.Close())

	events, err := s.auditLog.ListBySubject(s.ctx, string(s.subject.Address()))
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventSignatureRejected), events[0].Action)
	s.Equal(audit.SeverityCritical, events[0].Severity)
	s.Equal(ReasonBadSignature+": "+ClassSignerMismatch, events[0].Reason)
}
