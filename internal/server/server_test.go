package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/finimport/internal/handlers"
	"github.com/rumor-ml/commons.systems/finimport/internal/middleware"
	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
)

const qifUpload = `!Type:Bank
D12/30/2025
T-20.00
PHOME DEPOT
^
`

func newTestServer(t *testing.T, auth func(http.Handler) http.Handler) *httptest.Server {
	t.Helper()
	api := handlers.NewAPIHandler(pipeline.NewImporter(), nil, nil, 0)
	srv := httptest.NewServer(New(api, auth, zerolog.Nop()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postFile(t *testing.T, url, filename, content string, fields map[string]string, header http.Header) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, url, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, middleware.LocalUser("local"))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_ImportLocalUser(t *testing.T) {
	srv := newTestServer(t, middleware.LocalUser("local"))

	resp := postFile(t, srv.URL+"/api/imports", "home.qif", qifUpload, map[string]string{"accountId": "checking"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body handlers.ImportResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Result)
	assert.Equal(t, 1, body.Unique)
	assert.Equal(t, "HOME DEPOT", body.Verdicts[0].Transaction.Description)
}

func TestServer_CountRoute(t *testing.T) {
	srv := newTestServer(t, middleware.LocalUser("local"))

	resp := postFile(t, srv.URL+"/api/imports/count", "home.qif", qifUpload, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
}

func TestServer_RequiresAuth(t *testing.T) {
	auth := middleware.NewAuthMiddleware(nil)
	srv := newTestServer(t, auth.RequireAuth)

	resp := postFile(t, srv.URL+"/api/imports", "home.qif", qifUpload, map[string]string{"accountId": "checking"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, middleware.LocalUser("local"))

	resp, err := http.Get(srv.URL + "/api/imports")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
