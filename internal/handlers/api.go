// Package handlers serves the upload API: synchronous imports, record counts
// for previews, and import session lookups.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/rumor-ml/commons.systems/finimport/internal/dedup"
	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/firestore"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/middleware"
	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
	"github.com/rumor-ml/commons.systems/finimport/internal/validate"
)

// multipartOverhead is the allowance for form fields and boundaries on top
// of the file size ceiling.
const multipartOverhead = 1 << 20

// SessionStore records import sessions.
type SessionStore interface {
	CreateImportSession(ctx context.Context, session *firestore.ImportSession) error
	GetImportSession(ctx context.Context, sessionID string) (*firestore.ImportSession, error)
}

// APIHandler handles API requests
type APIHandler struct {
	importer *pipeline.Importer
	store    dedup.KeyStore // nil: imports are never committed
	sessions SessionStore   // nil: sessions are not recorded
	maxBytes int64
	locks    accountLocks
}

// NewAPIHandler creates a new API handler. importer must have been built with
// store as its key lookup.
func NewAPIHandler(importer *pipeline.Importer, store dedup.KeyStore, sessions SessionStore, maxBytes int64) *APIHandler {
	if maxBytes <= 0 {
		maxBytes = validate.DefaultMaxUploadBytes
	}
	return &APIHandler{
		importer: importer,
		store:    store,
		sessions: sessions,
		maxBytes: maxBytes,
	}
}

// accountLocks serializes commits per account so that two concurrent
// imports cannot both classify the same key as new.
type accountLocks struct {
	m sync.Map // account -> *sync.Mutex
}

func (l *accountLocks) lock(account string) func() {
	v, _ := l.m.LoadOrStore(account, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// scopedAccount confines import keys to the authenticated user.
func scopedAccount(userID, accountID string) string {
	return userID + "/" + accountID
}

type errorResponse struct {
	Error string `json:"error"`
}

type countResponse struct {
	Filename string `json:"filename"`
	Count    int    `json:"count"`
}

// ImportResponse is the body of a successful import.
type ImportResponse struct {
	*pipeline.Result
	Committed bool `json:"committed"`
}

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ImportFile handles POST /api/imports.
//
// Form fields: file (required), accountId (required), mapping (JSON column
// mapping, CSV only), commit ("true" saves the unique transactions).
func (h *APIHandler) ImportFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, ok := middleware.GetUserID(ctx)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filename, content, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	accountID := strings.TrimSpace(r.FormValue("accountId"))
	if accountID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "accountId is required"})
		return
	}

	var mapping *domain.ColumnMapping
	if raw := r.FormValue("mapping"); raw != "" {
		mapping = &domain.ColumnMapping{}
		if err := json.Unmarshal([]byte(raw), mapping); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "mapping is not a valid JSON column mapping"})
			return
		}
	}

	commit, _ := strconv.ParseBool(r.FormValue("commit"))
	if commit && h.store == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "this server does not store imports; retry without commit"})
		return
	}

	account := scopedAccount(userID, accountID)
	log := logger.WithFields(logger.FromContext(ctx), map[string]interface{}{
		"user":     userID,
		"account":  accountID,
		"filename": filename,
		"commit":   commit,
	})
	ctx = logger.WithContext(ctx, log)
	if commit {
		unlock := h.locks.lock(account)
		defer unlock()
	}

	res, err := h.importer.Import(ctx, pipeline.Request{
		Filename:  filename,
		Content:   content,
		AccountID: account,
		Mapping:   mapping,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			log.Error().Err(err).Msg("import failed")
		} else {
			log.Info().Err(err).Msg("import rejected")
		}
		h.recordSession(ctx, userID, account, filename, nil, err)
		writeJSON(w, status, errorResponse{Error: pipeline.UserMessage(err)})
		return
	}

	if commit {
		if err := h.store.Save(ctx, account, res.UniqueTransactions()); err != nil {
			log.Error().Err(err).Msg("failed to save import")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: pipeline.UserMessage(err)})
			return
		}
		h.recordSession(ctx, userID, account, filename, res, nil)
	}

	status := http.StatusOK
	if commit {
		status = http.StatusCreated
	}
	writeJSON(w, status, ImportResponse{Result: res, Committed: commit})
}

// CountRecords handles POST /api/imports/count
func (h *APIHandler) CountRecords(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetUserID(r.Context()); !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	filename, content, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	if _, err := validate.NewFileValidator(h.maxBytes).Validate(filename, int64(len(content)), content); err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: pipeline.UserMessage(err)})
		return
	}

	n, err := pipeline.Count(r.Context(), filename, content)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: pipeline.UserMessage(err)})
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Filename: filename, Count: n})
}

// GetImportSession handles GET /api/imports/{id}
func (h *APIHandler) GetImportSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.sessions == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	session, err := h.sessions.GetImportSession(r.Context(), r.PathValue("id"))
	if err != nil || session.UserID != userID {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// readUpload reads the "file" form field, bounded by the upload ceiling.
// On failure it writes the response and returns ok=false.
func (h *APIHandler) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(h.maxBytes + multipartOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file exceeds the upload size limit"})
			return "", nil, false
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Failed to parse form"})
		return "", nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "No file uploaded"})
		return "", nil, false
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, h.maxBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Failed to read uploaded file"})
		return "", nil, false
	}
	return header.Filename, content, true
}

func (h *APIHandler) recordSession(ctx context.Context, userID, account, filename string, res *pipeline.Result, importErr error) {
	if h.sessions == nil {
		return
	}
	session := &firestore.ImportSession{
		UserID:    userID,
		AccountID: account,
		Filename:  filename,
		Status:    firestore.ImportSessionStatusCompleted,
	}
	if res != nil {
		session.ID = res.SessionID
		session.Format = res.Format.String()
		session.Parsed = res.Parsed
		session.Skipped = res.Skipped
		session.Duplicates = res.Duplicates
		session.RuleMatched = res.RuleStats.Matched
	}
	if importErr != nil {
		session.ID = uuid.NewString()
		session.Status = firestore.ImportSessionStatusError
		session.Error = pipeline.UserMessage(importErr)
	}
	if err := h.sessions.CreateImportSession(ctx, session); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("session", session.ID).Msg("failed to record import session")
	}
}

// statusFor maps the import error taxonomy to HTTP status codes.
func statusFor(err error) int {
	var record *pipeline.RecordError
	switch {
	case errors.Is(err, domain.ErrRejectedUpload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnparseableFile), errors.As(err, &record):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
