// Package testutil holds request builders and response assertions shared by
// handler, router and end-to-end flow tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const contentTypeJSON = "application/json"

// NewJSONRequest marshals body and returns a request carrying it as JSON.
// A nil body produces an empty JSON request.
func NewJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()

	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err, "marshal request body")
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", contentTypeJSON)
	return req
}

// NewRequestWithBody sends a raw JSON document, for malformed or partial payloads.
func NewRequestWithBody(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentTypeJSON)
	return req
}

func NewRequest(t *testing.T, method, path string) *http.Request {
	t.Helper()
	return httptest.NewRequest(method, path, nil)
}

// WithBearer sets the Authorization header.
func WithBearer(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

// DoRequest serves req on handler and returns the recorded response.
func DoRequest(handler http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

// responseJSON returns the recorded body without draining it, so several
// assertions can read the same response.
func responseJSON(t *testing.T, rr *httptest.ResponseRecorder) []byte {
	t.Helper()
	raw := rr.Body.Bytes()
	require.True(t, gjson.ValidBytes(raw), "response is not JSON: %s", raw)
	return raw
}

// UnmarshalResponse decodes the response body into T.
func UnmarshalResponse[T any](t *testing.T, rr *httptest.ResponseRecorder) *T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(responseJSON(t, rr), &out), "decode response")
	return &out
}

// UnmarshalErrorResponse decodes the {"error","message"} envelope.
func UnmarshalErrorResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	out := map[string]string{}
	gjson.ParseBytes(responseJSON(t, rr)).ForEach(func(k, v gjson.Result) bool {
		if v.Type == gjson.String {
			out[k.String()] = v.String()
		}
		return true
	})
	return out
}

func AssertStatus(t *testing.T, rr *httptest.ResponseRecorder, expected int) {
	t.Helper()
	assert.Equal(t, expected, rr.Code, "unexpected status code, body: %s", rr.Body.String())
}

func AssertStatusOK(t *testing.T, rr *httptest.ResponseRecorder) {
	t.Helper()
	AssertStatus(t, rr, http.StatusOK)
}

// AssertErrorCode checks the machine-readable "error" field of an error envelope.
func AssertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	assert.Equal(t, expectedCode, gjson.GetBytes(responseJSON(t, rr), "error").String(), "unexpected error code")
}

func AssertStatusAndError(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus int, expectedCode string) {
	t.Helper()
	AssertStatus(t, rr, expectedStatus)
	AssertErrorCode(t, rr, expectedCode)
}

// AssertJSONContains compares the value at a gjson path ("revoked",
// "denied.email"). Numbers decode as float64.
func AssertJSONContains(t *testing.T, rr *httptest.ResponseRecorder, path string, expectedValue any) {
	t.Helper()
	res := gjson.GetBytes(responseJSON(t, rr), path)
	require.True(t, res.Exists(), "path %q not found in response", path)
	assert.Equal(t, expectedValue, res.Value(), "unexpected value at %q", path)
}

func AssertJSONHasKey(t *testing.T, rr *httptest.ResponseRecorder, path string) {
	t.Helper()
	assert.True(t, gjson.GetBytes(responseJSON(t, rr), path).Exists(), "path %q not found in response", path)
}
