package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"anchorid/internal/disclosure/handler/mocks"
	"anchorid/internal/disclosure/models"
	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/testutil"
)

//go:generate mockgen -source=handler.go -destination=mocks/mocks.go -package=mocks Service

const (
	subject  = "0x3030303030303030303030303030303030303030"
	verifier = "0x4040404040404040404040404040404040404040"
)

type DisclosureHandlerSuite struct {
	suite.Suite
	service *mocks.MockService
	router  chi.Router
}

func TestDisclosureHandlerSuite(t *testing.T) {
	suite.Run(t, new(DisclosureHandlerSuite))
}

func (s *DisclosureHandlerSuite) SetupTest() {
	s.service = mocks.NewMockService(gomock.NewController(s.T()))
	s.router = chi.NewRouter()
	New(s.service, slog.New(slog.NewTextHandler(io.Discard, nil))).Register(s.router)
}

func body() map[string]any {
	return map[string]any{
		"subject": subject,
		"purpose": "login",
		"context": "profile",
		"refs": []map[string]string{
			{"content_id": "bafkreiemail", "claim_id": "identity.email"},
			{"content_id": "bafkreiname", "claim_id": "identity.name"},
		},
	}
}

func (s *DisclosureHandlerSuite) post(caller string) *http.Request {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/disclosures/verify", body())
	if caller != "" {
		req = testutil.WithCaller(req, caller)
	}
	return req
}

func (s *DisclosureHandlerSuite) TestPartialDisclosureAnswers200() {
	s.service.EXPECT().Verify(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req models.VerifyRequest) (*models.Result, error) {
			s.Equal(verifier, req.Verifier, "verifier comes from the authenticated caller")
			res := models.NewResult()
			res.Add("identity.name", models.Disclosed(json.RawMessage(`"Ada"`)))
			res.Add("identity.email", models.Denied(models.ReasonNoConsent))
			return res, nil
		})

	rr := testutil.DoRequest(s.router, s.post(verifier))

	testutil.AssertStatusOK(s.T(), rr)
	resp := testutil.UnmarshalResponse[verifyResponse](s.T(), rr)
	s.Empty(resp.Error)
	s.JSONEq(`"Ada"`, string(resp.Disclosed["identity.name"]))
	s.Equal(models.ReasonNoConsent, resp.Denied["identity.email"])
}

func (s *DisclosureHandlerSuite) TestAllDeniedAnswers403WithReasons() {
	res := models.NewResult()
	res.Add("identity.name", models.Denied(models.ReasonInvalidSignature))
	res.Add("identity.email", models.Denied(models.ReasonNoConsent))
	s.service.EXPECT().Verify(gomock.Any(), gomock.Any()).Return(res, nil)

	rr := testutil.DoRequest(s.router, s.post(verifier))

	testutil.AssertStatus(s.T(), rr, http.StatusForbidden)
	resp := testutil.UnmarshalResponse[verifyResponse](s.T(), rr)
	s.Equal(string(dErrors.CodeForbidden), resp.Error)
	s.Equal(models.ReasonInvalidSignature, resp.Denied["identity.name"])
	s.Empty(resp.Disclosed)
}

func (s *DisclosureHandlerSuite) TestUnauthenticated() {
	rr := testutil.DoRequest(s.router, s.post(""))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, string(dErrors.CodeUnauthorized))
}

func (s *DisclosureHandlerSuite) TestValidationRejectedBeforeService() {
	req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/disclosures/verify", map[string]any{
		"subject": subject,
		"purpose": "login",
	})
	rr := testutil.DoRequest(s.router, testutil.WithCaller(req, verifier))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, string(dErrors.CodeValidation))
}

func (s *DisclosureHandlerSuite) TestStorageFailure() {
	s.service.EXPECT().Verify(gomock.Any(), gomock.Any()).
		Return(nil, dErrors.Wrap(errors.New("gateway down"), dErrors.CodeStorage, "content store unavailable"))

	rr := testutil.DoRequest(s.router, s.post(verifier))
	testutil.AssertStatusAndError(s.T(), rr, http.StatusBadGateway, string(dErrors.CodeStorage))
}
