package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"anchorid/internal/anchor"
	"anchorid/internal/chain"
	"anchorid/internal/chain/memledger"
	"anchorid/internal/content"
	"anchorid/internal/signing"
	dErrors "anchorid/pkg/domain-errors"
)

type SettlementSuite struct {
	suite.Suite
	ctx       context.Context
	custodian *signing.PrivateKey
	subject   *signing.PrivateKey
	logger    *slog.Logger
}

func TestSettlementSuite(t *testing.T) {
	suite.Run(t, new(SettlementSuite))
}

func (s *SettlementSuite) SetupTest() {
	var err error
	s.ctx = context.Background()
	s.custodian, err = signing.GenerateKey()
	s.Require().NoError(err)
	s.subject, err = signing.GenerateKey()
	s.Require().NoError(err)
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *SettlementSuite) anchorCall(ledger *memledger.Ledger, claimID, cid string) chain.Call {
	return anchor.New(ledger, ledger.Registry()).WriteCall(s.subject.Address(), anchor.ClaimKey(claimID), anchor.Commitment(content.ID(cid)))
}

func (s *SettlementSuite) TestParseMode() {
	mode, err := ParseMode(" Relayed ")
	s.Require().NoError(err)
	s.Equal(ModeRelayed, mode)

	_, err = ParseMode("teleport")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *SettlementSuite) TestNewRequiresModeDependencies() {
	ledger := memledger.New()
	_, err := New(ModeDirect, ledger)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	_, err = New(ModeRelayed, ledger)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	_, err = New(ModePrepared, ledger)
	s.NoError(err)
}

func (s *SettlementSuite) TestDirectConfirms() {
	ledger := memledger.New(memledger.WithCustodian(s.custodian.Address()))
	layer, err := New(ModeDirect, ledger, WithSigner(NewSigner(ledger, s.custodian)), WithLogger(s.logger))
	s.Require().NoError(err)

	out, err := layer.Settle(s.ctx, s.subject.Address(), s.anchorCall(ledger, "email", "bafkreia"))
	s.Require().NoError(err)
	s.Equal(StatusConfirmed, out.Status)
	s.Require().NotNil(out.TxHash)
	s.False(out.Pending())

	ok, err := anchor.New(ledger, ledger.Registry()).Verify(s.ctx, s.subject.Address(), "email", "bafkreia")
	s.Require().NoError(err)
	s.True(ok)
}

func (s *SettlementSuite) TestDirectTimeoutReportsSubmitted() {
	ledger := memledger.New(memledger.WithCustodian(s.custodian.Address()), memledger.WithManualMining())
	signer := NewSigner(ledger, s.custodian, WithConfirmTimeout(30*time.Millisecond), WithPollInterval(5*time.Millisecond))
	layer, err := New(ModeDirect, ledger, WithSigner(signer), WithLogger(s.logger))
	s.Require().NoError(err)

	first, err := layer.Settle(s.ctx, s.subject.Address(), s.anchorCall(ledger, "a", "bafkreia"))
	s.Require().NoError(err)
	s.Equal(StatusSubmitted, first.Status)

	second, err := layer.Settle(s.ctx, s.subject.Address(), s.anchorCall(ledger, "b", "bafkreib"))
	s.Require().NoError(err)
	s.Equal(StatusSubmitted, second.Status)

	s.Equal(2, ledger.Mine())
	for _, h := range []*chain.Hash{first.TxHash, second.TxHash} {
		receipt, err := ledger.Receipt(s.ctx, *h)
		s.Require().NoError(err)
		s.True(receipt.Succeeded())
	}
}

func (s *SettlementSuite) TestDirectRejectedIsSettlementError() {
	// No custodian grant: the registry refuses writes for another subject.
	ledger := memledger.New()
	layer, err := New(ModeDirect, ledger, WithSigner(NewSigner(ledger, s.custodian)), WithLogger(s.logger))
	s.Require().NoError(err)

	_, err = layer.Settle(s.ctx, s.subject.Address(), s.anchorCall(ledger, "email", "bafkreia"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeSettlement))
	s.True(errors.Is(err, chain.ErrReverted))
}

func (s *SettlementSuite) TestDirectResyncsAfterOutOfBandNonceUse() {
	ledger := memledger.New(memledger.WithCustodian(s.custodian.Address()))
	signer := NewSigner(ledger, s.custodian)
	_, err := signer.Submit(s.ctx, s.anchorCall(ledger, "a", "bafkreia"))
	s.Require().NoError(err)

	// Another process spends the next nonce behind the signer's back.
	chainID, _ := ledger.ChainID(s.ctx)
	tx, err := chain.SignTx(chain.Transaction{ChainID: chainID, Nonce: 1, To: ledger.Registry(), Gas: 100_000,
		Data: s.anchorCall(ledger, "x", "bafkreix").Data}, s.custodian)
	s.Require().NoError(err)
	_, err = ledger.SendTransaction(s.ctx, tx)
	s.Require().NoError(err)

	_, err = signer.Submit(s.ctx, s.anchorCall(ledger, "b", "bafkreib"))
	s.Require().Error(err)
	s.True(errors.Is(err, chain.ErrNonceMismatch))

	out, err := signer.Submit(s.ctx, s.anchorCall(ledger, "b", "bafkreib"))
	s.Require().NoError(err)
	s.Equal(StatusConfirmed, out.Status)
}

func (s *SettlementSuite) TestDirectConcurrentSubmissionsGetDistinctNonces() {
	ledger := memledger.New(memledger.WithCustodian(s.custodian.Address()))
	signer := NewSigner(ledger, s.custodian)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := signer.Submit(s.ctx, s.anchorCall(ledger, string(rune('a'+i)), "bafkrei"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}
	n, err := ledger.PendingNonce(s.ctx, s.custodian.Address())
	s.Require().NoError(err)
	s.Equal(uint64(16), n)
}

func (s *SettlementSuite) TestPreparedReturnsUnsignedTransaction() {
	ledger := memledger.New()
	layer, err := New(ModePrepared, ledger, WithLogger(s.logger))
	s.Require().NoError(err)

	call := s.anchorCall(ledger, "email", "bafkreia")
	out, err := layer.Settle(s.ctx, s.subject.Address(), call)
	s.Require().NoError(err)
	s.Equal(StatusAwaitingSignature, out.Status)
	s.Require().NotNil(out.Unsigned)
	s.Equal(chain.EncodeHex(call.Data), out.Unsigned.Data)
	s.Equal(int64(31337), out.Unsigned.ChainID.Int64())

	// The subject signs and broadcasts it themselves.
	data, err := chain.DecodeHex(out.Unsigned.Data)
	s.Require().NoError(err)
	tx, err := chain.SignTx(chain.Transaction{
		ChainID: out.Unsigned.ChainID,
		Nonce:   out.Unsigned.Nonce,
		To:      out.Unsigned.To,
		Gas:     out.Unsigned.Gas,
		Data:    data,
	}, s.subject)
	s.Require().NoError(err)
	hash, err := ledger.SendTransaction(s.ctx, tx)
	s.Require().NoError(err)
	receipt, err := ledger.Receipt(s.ctx, hash)
	s.Require().NoError(err)
	s.True(receipt.Succeeded(), receipt.RevertReason)
}

func (s *SettlementSuite) TestRelayedEnvelopeExecutesThroughForwarder() {
	ledger := memledger.New()
	layer, err := New(ModeRelayed, ledger, WithForwarder(ledger.Domain()), WithLogger(s.logger))
	s.Require().NoError(err)

	out, err := layer.Settle(s.ctx, s.subject.Address(), s.anchorCall(ledger, "email", "bafkreia"))
	s.Require().NoError(err)
	s.Require().NotNil(out.Forward)
	env := out.Forward
	s.Equal(uint64(0), env.Request.Nonce)
	s.Equal(chain.EncodeHex(env.Request.Digest(ledger.Domain())), env.Digest)

	sig, err := s.subject.Sign(env.Request.Digest(env.Domain))
	s.Require().NoError(err)
	sponsor := NewSigner(ledger, s.custodian)
	res, err := sponsor.Submit(s.ctx, chain.Call{
		Method: chain.SigExecute,
		To:     ledger.Forwarder(),
		Data:   chain.EncodeExecute(env.Request, sig),
	})
	s.Require().NoError(err)
	s.Equal(StatusConfirmed, res.Status)

	nonce, err := ForwarderNonce(s.ctx, ledger, ledger.Forwarder(), s.subject.Address())
	s.Require().NoError(err)
	s.Equal(uint64(1), nonce)
}
