package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"anchorid/internal/identity"
	"anchorid/internal/platform/config"
	"anchorid/internal/signing"
	"anchorid/pkg/testutil"
)

const (
	issuerKey    = "0x1111111111111111111111111111111111111111111111111111111111111111"
	custodianKey = "0x2222222222222222222222222222222222222222222222222222222222222222"
	sponsorKey   = "0x3333333333333333333333333333333333333333333333333333333333333333"
)

// FlowSuite drives the assembled router against in-memory stores and the
// embedded ledger in direct settlement mode.
type FlowSuite struct {
	suite.Suite
	app      *app
	issuer   identity.Address
	subject  identity.Address
	verifier identity.Address
}

func TestFlowSuite(t *testing.T) {
	suite.Run(t, new(FlowSuite))
}

func (s *FlowSuite) SetupTest() {
	issuer, err := signing.ParsePrivateKey(issuerKey)
	s.Require().NoError(err)
	s.issuer = issuer.Address()
	s.subject = identity.MustParse("0x00000000000000000000000000000000000000c1")
	s.verifier = identity.MustParse("0x00000000000000000000000000000000000000d2")

	cfg := &config.Config{
		Auth:       config.AuthConfig{JWTSigningKey: "flow-test", JWTIssuer: "anchorid", JWTAudience: "anchorid-api"},
		Chain:      config.ChainConfig{ChainID: 31337, ForwarderName: "ERC2771Forwarder", ForwarderVersion: "1"},
		Settlement: config.SettlementConfig{Mode: "direct", CustodianKey: custodianKey, ConfirmTimeout: 5 * time.Second, GasLimit: 150_000, ForwardTTL: time.Minute},
		Relay:      config.RelayConfig{SponsorKey: sponsorKey, GasCeiling: 500_000, RatePerSecond: 10, Burst: 10},
		Issuer:     config.IssuerConfig{Keys: []string{issuerKey}},
		Disclosure: config.DisclosureConfig{AnchorCheck: true},
	}
	reg := prometheus.NewRegistry()
	a, err := build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), reg, reg)
	s.Require().NoError(err)
	s.app = a
}

func (s *FlowSuite) TearDownTest() {
	s.app.Close()
}

func (s *FlowSuite) do(as identity.Address, method, path string, body any) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = testutil.NewRequest(s.T(), method, path)
	} else {
		req = testutil.NewJSONRequest(s.T(), method, path, body)
	}
	if as != "" {
		token, err := s.app.jwt.GenerateAccessToken(as, time.Minute)
		s.Require().NoError(err)
		testutil.WithBearer(req, token)
	}
	return testutil.DoRequest(s.app.router, req)
}

func (s *FlowSuite) issue(claimID string, claim string) string {
	rr := s.do(s.issuer, http.MethodPost, "/credentials", map[string]any{
		"issuer":   s.issuer.String(),
		"subject":  s.subject.String(),
		"claim_id": claimID,
		"claim":    json.RawMessage(claim),
		"purpose":  "kyc",
	})
	s.Require().Equal(http.StatusCreated, rr.Code, rr.Body.String())
	res := testutil.UnmarshalResponse[struct {
		ContentID string `json:"content_id"`
	}](s.T(), rr)
	s.Require().NotEmpty(res.ContentID)
	return res.ContentID
}

func (s *FlowSuite) grant(claimID string) *httptest.ResponseRecorder {
	return s.do(s.subject, http.MethodPost, "/consents", map[string]any{
		"subject":  s.subject.String(),
		"claim_id": claimID,
		"purpose":  "kyc",
		"verifier": s.verifier.String(),
	})
}

type verifyBody struct {
	Error     string                     `json:"error"`
	Disclosed map[string]json.RawMessage `json:"disclosed"`
	Denied    map[string]string          `json:"denied"`
}

func (s *FlowSuite) verify(refs ...map[string]string) (int, *verifyBody) {
	rr := s.do(s.verifier, http.MethodPost, "/disclosures/verify", map[string]any{
		"subject": s.subject.String(),
		"purpose": "kyc",
		"refs":    refs,
	})
	code := rr.Code
	return code, testutil.UnmarshalResponse[verifyBody](s.T(), rr)
}

func ref(contentID, claimID string) map[string]string {
	return map[string]string{"content_id": contentID, "claim_id": claimID}
}

func (s *FlowSuite) TestIssueGrantVerifyRevoke() {
	cid := s.issue("email", `{"email":"ada@example.org"}`)

	code, body := s.verify(ref(cid, "email"))
	s.Equal(http.StatusForbidden, code)
	s.Equal("forbidden", body.Error)
	s.Equal("no valid consent", body.Denied["email"])

	s.Require().Equal(http.StatusCreated, s.grant("email").Code)

	code, body = s.verify(ref(cid, "email"))
	s.Require().Equal(http.StatusOK, code)
	s.JSONEq(`"ada@example.org"`, string(body.Disclosed["email"]))
	s.Empty(body.Denied)

	rr := s.do(s.subject, http.MethodPost, "/consents/revoke", map[string]any{
		"subject":  s.subject.String(),
		"claim_id": "email",
	})
	s.Require().Equal(http.StatusOK, rr.Code)
	testutil.AssertJSONContains(s.T(), rr, "revoked", float64(1))

	code, body = s.verify(ref(cid, "email"))
	s.Equal(http.StatusForbidden, code)
	s.Equal("no valid consent", body.Denied["email"])
}

func (s *FlowSuite) TestPartialDisclosure() {
	email := s.issue("email", `{"email":"ada@example.org"}`)
	phone := s.issue("phone", `{"phone":"+44 20 7946 0000"}`)
	s.Require().Equal(http.StatusCreated, s.grant("email").Code)

	code, body := s.verify(ref(email, "email"), ref(phone, "phone"))

	s.Equal(http.StatusOK, code)
	s.Contains(body.Disclosed, "email")
	s.Equal("no valid consent", body.Denied["phone"])
}

func (s *FlowSuite) TestRefCannotBorrowAnotherClaimsCredential() {
	cid := s.issue("email", `{"email":"ada@example.org","phone":"+15550100"}`)
	s.Require().Equal(http.StatusCreated, s.grant("phone").Code)

	code, body := s.verify(ref(cid, "phone"))

	s.Equal(http.StatusForbidden, code)
	s.Empty(body.Disclosed)
	s.Equal("claim mismatch", body.Denied["phone"])
}

func (s *FlowSuite) TestDeniedReasonPerClaim() {
	cid := s.issue("email", `{"email":"ada@example.org"}`)

	rr := s.do(s.verifier, http.MethodPost, "/disclosures/verify", map[string]any{
		"subject": s.subject.String(),
		"purpose": "kyc",
		"refs":    []map[string]string{ref(cid, "email")},
	})

	testutil.AssertStatus(s.T(), rr, http.StatusForbidden)
	testutil.AssertJSONContains(s.T(), rr, "denied.email", "no valid consent")
}

func (s *FlowSuite) TestDuplicateConsentConflicts() {
	s.Require().Equal(http.StatusCreated, s.grant("email").Code)

	rr := s.grant("email")

	testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
}

func (s *FlowSuite) TestConsentOnlyBySubject() {
	rr := s.do(s.verifier, http.MethodPost, "/consents", map[string]any{
		"subject":  s.subject.String(),
		"claim_id": "email",
		"purpose":  "kyc",
	})

	testutil.AssertStatusAndError(s.T(), rr, http.StatusForbidden, "forbidden")
}

func (s *FlowSuite) TestErasureBlocksRecreation() {
	cid := s.issue("email", `{"email":"ada@example.org"}`)
	s.Require().Equal(http.StatusCreated, s.grant("email").Code)

	rr := s.do(s.subject, http.MethodDelete, "/subjects/"+s.subject.String()+"?reason=withdrawn", nil)
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	testutil.AssertJSONContains(s.T(), rr, "consents_erased", float64(1))

	code, body := s.verify(ref(cid, "email"))
	s.Equal(http.StatusForbidden, code)
	s.NotContains(body.Disclosed, "email")

	testutil.AssertStatusAndError(s.T(), s.grant("email"), http.StatusGone, "subject_erased")

	rr = s.do(s.issuer, http.MethodPost, "/credentials", map[string]any{
		"issuer":   s.issuer.String(),
		"subject":  s.subject.String(),
		"claim_id": "email",
		"claim":    json.RawMessage(`{"email":"ada@example.org"}`),
		"purpose":  "kyc",
	})
	testutil.AssertStatusAndError(s.T(), rr, http.StatusGone, "subject_erased")

	rr = s.do(s.subject, http.MethodDelete, "/subjects/"+s.subject.String(), nil)
	s.Require().Equal(http.StatusOK, rr.Code)
	testutil.AssertJSONContains(s.T(), rr, "already_erased", true)
}

func (s *FlowSuite) TestSessionRevocation() {
	token, err := s.app.jwt.GenerateAccessToken(s.subject, time.Minute)
	s.Require().NoError(err)
	authed := func(method, path string) *httptest.ResponseRecorder {
		return testutil.DoRequest(s.app.router, testutil.WithBearer(testutil.NewRequest(s.T(), method, path), token))
	}

	rr := authed(http.MethodDelete, "/session")
	s.Require().Equal(http.StatusOK, rr.Code, rr.Body.String())
	testutil.AssertJSONContains(s.T(), rr, "revoked", true)

	testutil.AssertStatusAndError(s.T(), authed(http.MethodGet, "/consents/"+s.subject.String()), http.StatusUnauthorized, "unauthorized")
	testutil.AssertStatusOK(s.T(), s.do(s.subject, http.MethodGet, "/consents/"+s.subject.String(), nil))
}

func (s *FlowSuite) TestRelayIsPublicAndValidates() {
	rr := testutil.DoRequest(s.app.router, testutil.NewRequestWithBody(s.T(), http.MethodPost, "/relay", `{}`))

	s.Equal(http.StatusBadRequest, rr.Code)
}

func (s *FlowSuite) TestDevNodeServesLedger() {
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ledger_chainId","params":[]}`))
	req.Header.Set("Content-Type", "application/json")

	rr := testutil.DoRequest(s.app.router, req)

	s.Equal(http.StatusOK, rr.Code)
	testutil.AssertJSONHasKey(s.T(), rr, "result")
}

func (s *FlowSuite) TestHealthAndMetrics() {
	testutil.AssertStatusOK(s.T(), s.do("", http.MethodGet, "/healthz", nil))

	rr := s.do("", http.MethodGet, "/metrics", nil)
	testutil.AssertStatusOK(s.T(), rr)
	s.Contains(rr.Body.String(), "anchorid_http_requests_total")
}
