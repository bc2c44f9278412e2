package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/finimport/internal/dedup"
	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/firestore"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/middleware"
	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
)

const checkingOFX = `OFXHEADER:100
DATA:OFXSGML
VERSION:102

<OFX>
<BANKMSGSRSV1>
<STMTTRNRS>
<STMTRS>
<CURDEF>USD
<BANKACCTFROM>
<BANKID>121000358
<ACCTID>000123456789
<ACCTTYPE>CHECKING
</BANKACCTFROM>
<BANKTRANLIST>
<STMTTRN>
<TRNTYPE>CREDIT
<DTPOSTED>20251215
<TRNAMT>49.27
<FITID>2025121501
<NAME>REFUND
</STMTTRN>
<STMTTRN>
<TRNTYPE>DEBIT
<DTPOSTED>20251230
<TRNAMT>-134.39
<FITID>2025123001
<NAME>GROCERY OUTLET
</STMTTRN>
</BANKTRANLIST>
</STMTRS>
</STMTTRNRS>
</BANKMSGSRSV1>
</OFX>
`

const exportCSV = "Date,Amount,Desc\n2025-01-02,-4.50,COFFEE\n2025-01-03,10.00,REFUND\n"

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*firestore.ImportSession
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*firestore.ImportSession)}
}

func (f *fakeSessions) CreateImportSession(ctx context.Context, s *firestore.ImportSession) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeSessions) GetImportSession(ctx context.Context, id string) (*firestore.ImportSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return s, nil
}

func (f *fakeSessions) all() []*firestore.ImportSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*firestore.ImportSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func newTestHandler(t *testing.T) (*APIHandler, *fakeSessions) {
	t.Helper()
	store, err := dedup.OpenFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	sessions := newFakeSessions()
	importer := pipeline.NewImporter(pipeline.WithKeyLookup(store))
	return NewAPIHandler(importer, store, sessions, 0), sessions
}

// uploadRequest builds a multipart upload; an empty userID sends it
// unauthenticated.
func uploadRequest(t *testing.T, path, userID, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if userID != "" {
		req = req.WithContext(middleware.WithAuth(req.Context(), middleware.AuthInfo{UserID: userID}))
	}
	return req
}

func decodeImport(t *testing.T, w *httptest.ResponseRecorder) ImportResponse {
	t.Helper()
	var resp ImportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	require.NotNil(t, resp.Result)
	return resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp.Error
}

func TestHealthCheck(t *testing.T) {
	w := httptest.NewRecorder()
	HealthCheck(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestImportFile_Unauthorized(t *testing.T) {
	h, _ := newTestHandler(t)
	w := httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "", "checking.ofx", checkingOFX, map[string]string{"accountId": "checking"}))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestImportFile_Preview(t *testing.T) {
	h, sessions := newTestHandler(t)
	w := httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", "checking.ofx", checkingOFX, map[string]string{"accountId": "checking"}))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeImport(t, w)
	assert.False(t, resp.Committed)
	assert.Equal(t, domain.FormatOFX, resp.Format)
	assert.Equal(t, 2, resp.Unique)
	require.Len(t, resp.Verdicts, 2)
	assert.Equal(t, domain.DirectionCredit, resp.Verdicts[0].Transaction.Direction)
	assert.Empty(t, sessions.all(), "previews are not recorded")
}

func TestImportFile_CommitThenReimport(t *testing.T) {
	h, sessions := newTestHandler(t)
	fields := map[string]string{"accountId": "checking", "commit": "true"}

	w := httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", "checking.ofx", checkingOFX, fields))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decodeImport(t, w)
	assert.True(t, first.Committed)
	assert.Equal(t, 2, first.Unique)

	w = httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", "checking.ofx", checkingOFX, fields))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	second := decodeImport(t, w)
	assert.Equal(t, 0, second.Unique)
	assert.Equal(t, 2, second.Duplicates)

	recorded := sessions.all()
	require.Len(t, recorded, 2)
	for _, s := range recorded {
		assert.Equal(t, "user-1", s.UserID)
		assert.Equal(t, firestore.ImportSessionStatusCompleted, s.Status)
		assert.Equal(t, "ofx", s.Format)
	}
}

func TestImportFile_KeysScopedPerUser(t *testing.T) {
	h, _ := newTestHandler(t)
	fields := map[string]string{"accountId": "checking", "commit": "true"}

	w := httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", "checking.ofx", checkingOFX, fields))
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-2", "checking.ofx", checkingOFX, fields))
	require.Equal(t, http.StatusCreated, w.Code)
	resp := decodeImport(t, w)
	assert.Equal(t, 2, resp.Unique, "another user's keys must not count as duplicates")
}

func TestImportFile_ConcurrentCommitsSameAccount(t *testing.T) {
	h, _ := newTestHandler(t)
	fields := map[string]string{"accountId": "checking", "commit": "true"}

	const n = 4
	codes := make([]int, n)
	bodies := make([]*httptest.ResponseRecorder, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		req := uploadRequest(t, "/api/imports", "user-1", "checking.ofx", checkingOFX, fields)
		wg.Add(1)
		go func(i int, req *http.Request) {
			defer wg.Done()
			w := httptest.NewRecorder()
			h.ImportFile(w, req)
			codes[i] = w.Code
			bodies[i] = w
		}(i, req)
	}
	wg.Wait()

	unique := 0
	for i := 0; i < n; i++ {
		require.Equal(t, http.StatusCreated, codes[i])
		unique += decodeImport(t, bodies[i]).Unique
	}
	assert.Equal(t, 2, unique, "each key is new exactly once across concurrent imports")
}

func TestImportFile_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		fields   map[string]string
		wantCode int
		wantMsg  string
	}{
		{
			name:     "no file",
			fields:   map[string]string{"accountId": "checking"},
			wantCode: http.StatusBadRequest,
			wantMsg:  "No file uploaded",
		},
		{
			name:     "missing account",
			filename: "checking.ofx",
			content:  checkingOFX,
			wantCode: http.StatusBadRequest,
			wantMsg:  "accountId is required",
		},
		{
			name:     "binary content",
			filename: "checking.ofx",
			content:  "OFXHEADER:100\x00\x01",
			fields:   map[string]string{"accountId": "checking"},
			wantCode: http.StatusBadRequest,
			wantMsg:  "checking.ofx:",
		},
		{
			name:     "csv without mapping",
			filename: "export.csv",
			content:  exportCSV,
			fields:   map[string]string{"accountId": "checking"},
			wantCode: http.StatusBadRequest,
			wantMsg:  "requires a column mapping",
		},
		{
			name:     "malformed mapping",
			filename: "export.csv",
			content:  exportCSV,
			fields:   map[string]string{"accountId": "checking", "mapping": "{"},
			wantCode: http.StatusBadRequest,
			wantMsg:  "mapping",
		},
		{
			name:     "ofx without structure",
			filename: "checking.ofx",
			content:  "OFXHEADER:100\nnothing else here\n",
			fields:   map[string]string{"accountId": "checking"},
			wantCode: http.StatusUnprocessableEntity,
			wantMsg:  "could not be read",
		},
		{
			name:     "unrecognized date",
			filename: "export.csv",
			content:  "Date,Amount\nsometime,1.00\n",
			fields:   map[string]string{"accountId": "checking", "mapping": `{"date":"Date","amount":"Amount"}`},
			wantCode: http.StatusUnprocessableEntity,
			wantMsg:  "record 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHandler(t)
			w := httptest.NewRecorder()
			h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", tt.filename, tt.content, tt.fields))

			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Contains(t, decodeError(t, w), tt.wantMsg)
		})
	}
}

func TestImportFile_ErrorSessionRecorded(t *testing.T) {
	h, sessions := newTestHandler(t)
	w := httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", "checking.ofx", "\x00\x00", map[string]string{"accountId": "checking"}))
	require.Equal(t, http.StatusBadRequest, w.Code)

	recorded := sessions.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, firestore.ImportSessionStatusError, recorded[0].Status)
	assert.NotEmpty(t, recorded[0].ID)
	assert.Contains(t, recorded[0].Error, "checking.ofx")
}

func TestImportFile_LogsRequestFields(t *testing.T) {
	h, _ := newTestHandler(t)
	var buf bytes.Buffer
	req := uploadRequest(t, "/api/imports", "user-1", "checking.ofx", "\x00\x00", map[string]string{"accountId": "checking"})
	req = req.WithContext(logger.WithContext(req.Context(), logger.NewWithWriter(&buf)))

	w := httptest.NewRecorder()
	h.ImportFile(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	out := buf.String()
	assert.Contains(t, out, `"message":"import rejected"`)
	assert.Contains(t, out, `"user":"user-1"`)
	assert.Contains(t, out, `"account":"checking"`)
	assert.Contains(t, out, `"filename":"checking.ofx"`)
	assert.Contains(t, out, `"commit":false`)
}

func TestImportFile_CSVWithMapping(t *testing.T) {
	h, _ := newTestHandler(t)
	w := httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", "export.csv", exportCSV, map[string]string{
		"accountId": "checking",
		"mapping":   `{"date":"Date","amount":"Amount","description":"Desc"}`,
	}))

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeImport(t, w)
	require.Len(t, resp.Verdicts, 2)
	assert.Equal(t, "COFFEE", resp.Verdicts[0].Transaction.Description)
	assert.Equal(t, domain.DirectionDebit, resp.Verdicts[0].Transaction.Direction)
}

func TestImportFile_CommitWithoutStore(t *testing.T) {
	h := NewAPIHandler(pipeline.NewImporter(), nil, nil, 0)
	w := httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", "checking.ofx", checkingOFX, map[string]string{"accountId": "checking", "commit": "true"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestImportFile_SizeCeiling(t *testing.T) {
	store, err := dedup.OpenFileStore(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	h := NewAPIHandler(pipeline.NewImporter(pipeline.WithKeyLookup(store), pipeline.WithMaxUploadBytes(64)), store, nil, 64)

	w := httptest.NewRecorder()
	h.ImportFile(w, uploadRequest(t, "/api/imports", "user-1", "checking.ofx", checkingOFX, map[string]string{"accountId": "checking"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w), "checking.ofx")
}

func TestCountRecords(t *testing.T) {
	h, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	h.CountRecords(w, uploadRequest(t, "/api/imports/count", "user-1", "checking.ofx", checkingOFX, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"filename":"checking.ofx","count":2}`, w.Body.String())

	w = httptest.NewRecorder()
	h.CountRecords(w, uploadRequest(t, "/api/imports/count", "user-1", "export.csv", exportCSV, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"filename":"export.csv","count":2}`, w.Body.String())

	w = httptest.NewRecorder()
	h.CountRecords(w, uploadRequest(t, "/api/imports/count", "user-1", "archive.zip", "PK", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.CountRecords(w, uploadRequest(t, "/api/imports/count", "", "checking.ofx", checkingOFX, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetImportSession(t *testing.T) {
	h, sessions := newTestHandler(t)
	require.NoError(t, sessions.CreateImportSession(context.Background(), &firestore.ImportSession{
		ID:     "session-1",
		UserID: "user-1",
		Status: firestore.ImportSessionStatusCompleted,
	}))

	get := func(userID, id string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/imports/"+id, nil)
		req.SetPathValue("id", id)
		req = req.WithContext(middleware.WithAuth(req.Context(), middleware.AuthInfo{UserID: userID}))
		w := httptest.NewRecorder()
		h.GetImportSession(w, req)
		return w
	}

	w := get("user-1", "session-1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "session-1"))

	assert.Equal(t, http.StatusNotFound, get("user-2", "session-1").Code, "sessions of other users are hidden")
	assert.Equal(t, http.StatusNotFound, get("user-1", "missing").Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(domain.ErrRejectedUpload))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(domain.ErrUnparseableFile))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&pipeline.RecordError{Err: domain.ErrUnrecognizedValue}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
