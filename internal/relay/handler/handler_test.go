package handler

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"anchorid/internal/chain"
	"anchorid/internal/identity"
	"anchorid/internal/relay"
	"anchorid/internal/relay/handler/mocks"
	"anchorid/internal/settlement"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

type RelayHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestRelayHandlerSuite(t *testing.T) {
	suite.Run(t, new(RelayHandlerSuite))
}

func (s *RelayHandlerSuite) SetupTest() {
	s.service = mocks.NewMockService(gomock.NewController(s.T()))
	s.router = chi.NewRouter()
	New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

func payload(signature string) relay.Request {
	return relay.Request{
		Forward: chain.ForwardRequest{
			From:     identity.MustParse("0x7070707070707070707070707070707070707070"),
			To:       identity.MustParse("0x8080808080808080808080808080808080808080"),
			Value:    big.NewInt(0),
			Gas:      100_000,
			Nonce:    3,
			Deadline: 1_900_000_000,
			Data:     []byte{0xde, 0xad},
		},
		Signature: signature,
	}
}

var validSignature = "0x" + strings.Repeat("ab", 65)

func (s *RelayHandlerSuite) TestExecuted() {
	hash := chain.Hash{0x01, 0x02}
	s.service.EXPECT().Relay(gomock.Any(), gomock.Any(), gomock.Len(65)).DoAndReturn(
		func(_ context.Context, req chain.ForwardRequest, _ []byte) (*relay.Result, error) {
			s.Equal(uint64(3), req.Nonce)
			s.Equal([]byte{0xde, 0xad}, req.Data)
			return &relay.Result{
				State:   relay.StateExecuted,
				Outcome: &settlement.Outcome{Mode: settlement.ModeRelayed, Status: settlement.StatusConfirmed, TxHash: &hash},
			}, nil
		})

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/relay", payload(validSignature)))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[relayResponse](s.T(), rr)
	s.True(resp.Success)
	s.Equal(hash.Hex(), resp.TxHash)
	s.Equal(relay.StateExecuted, resp.State)
}

func (s *RelayHandlerSuite) TestRejectedReportsReason() {
	s.service.EXPECT().Relay(gomock.Any(), gomock.Any(), gomock.Any()).Return(
		&relay.Result{State: relay.StateRejected, Reached: relay.StateSignatureVerified, Reason: relay.ReasonNonceMismatch},
		dErrors.New(dErrors.CodeSettlement, "relay rejected: "+relay.ReasonNonceMismatch))

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/relay", payload(validSignature)))

	testutil.AssertStatus(s.T(), rr, http.StatusBadGateway)
	resp := testutil.UnmarshalResponse[relayResponse](s.T(), rr)
	s.False(resp.Success)
	s.Equal(relay.ReasonNonceMismatch, resp.Reason)
	s.Equal(relay.StateSignatureVerified, resp.Reached)
	s.Equal(string(dErrors.CodeSettlement), resp.Error)
}

func (s *RelayHandlerSuite) TestUnconfirmedReportsSubmitted() {
	hash := chain.Hash{0x03}
	s.service.EXPECT().Relay(gomock.Any(), gomock.Any(), gomock.Any()).Return(&relay.Result{
		State:   relay.StateSubmitted,
		Outcome: &settlement.Outcome{Mode: settlement.ModeDirect, Status: settlement.StatusSubmitted, TxHash: &hash},
	}, nil)

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/relay", payload(validSignature)))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[relayResponse](s.T(), rr)
	s.Equal(relay.StateSubmitted, resp.State)
	s.Equal(hash.Hex(), resp.TxHash)
}

func (s *RelayHandlerSuite) TestThrottledAnswers429() {
	s.service.EXPECT().Relay(gomock.Any(), gomock.Any(), gomock.Any()).Return(
		&relay.Result{State: relay.StateRejected, Reason: relay.ReasonThrottled},
		dErrors.New(dErrors.CodeSettlement, "relay rejected: "+relay.ReasonThrottled))

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/relay", payload(validSignature)))
	testutil.AssertStatus(s.T(), rr, http.StatusTooManyRequests)
}

func (s *RelayHandlerSuite) TestMalformedInputNeverReachesService() {
	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/relay", payload("0xzz")))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))

	rr = testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/relay", payload("")))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
}

func (s *RelayHandlerSuite) TestChainUnavailable() {
	s.service.EXPECT().Relay(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(nil, dErrors.New(dErrors.CodeStorage, "failed to read relay allowlist"))

	rr := testutil.DoRequest(s.router, testutil.NewJSONRequest(s.T(), http.MethodPost, "/relay", payload(validSignature)))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadGateway, string(dErrors.CodeStorage))
}
