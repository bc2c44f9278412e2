// Package pipeline runs an upload end to end: validate, parse, normalize,
// apply import rules and classify duplicates. It never writes to storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/rumor-ml/commons.systems/finimport/internal/dedup"
	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
	"github.com/rumor-ml/commons.systems/finimport/internal/registry"
	"github.com/rumor-ml/commons.systems/finimport/internal/rules"
	"github.com/rumor-ml/commons.systems/finimport/internal/textenc"
	"github.com/rumor-ml/commons.systems/finimport/internal/transform"
	"github.com/rumor-ml/commons.systems/finimport/internal/validate"
)

// Request is one uploaded file.
type Request struct {
	Filename string
	Content  []byte

	// AccountID is the destination account used to scope duplicate lookups.
	// Empty scopes each transaction by its source account.
	AccountID string

	// Mapping is required for CSV uploads.
	Mapping *domain.ColumnMapping

	// Limit bounds the number of parsed records; 0 means no limit.
	Limit int
}

// Result contains the outcome of importing a single file
type Result struct {
	SessionID  string                       `json:"sessionId"`
	Filename   string                       `json:"filename"`
	Format     domain.Format                `json:"format"`
	Accounts   []*domain.AccountContext     `json:"accounts,omitempty"`
	Verdicts   []domain.DuplicateVerdict    `json:"transactions"`
	Parsed     int                          `json:"parsed"`
	Skipped    int                          `json:"skipped"`
	Unique     int                          `json:"unique"`
	Duplicates int                          `json:"duplicates"`
	RuleStats  rules.Stats                  `json:"ruleStats"`
	Warnings   []validate.ValidationWarning `json:"warnings,omitempty"`
}

// UniqueTransactions returns the transactions not classified as duplicates.
func (r *Result) UniqueTransactions() []*domain.NormalizedTransaction {
	out := make([]*domain.NormalizedTransaction, 0, r.Unique)
	for i := range r.Verdicts {
		if !r.Verdicts[i].IsDuplicate {
			out = append(out, &r.Verdicts[i].Transaction)
		}
	}
	return out
}

// Importer orchestrates one import request at a time. It holds no state
// between requests; parsers are created per request.
type Importer struct {
	validator *validate.FileValidator
	rules     *rules.Engine
	lookup    dedup.KeyLookup
	commit    CommitFunc
	sessionID func() string
}

// Option configures an Importer.
type Option func(*Importer)

// WithRules sets the import rules applied to every transaction.
func WithRules(engine *rules.Engine) Option {
	return func(im *Importer) { im.rules = engine }
}

// WithKeyLookup sets the existing-key lookup used for duplicate detection.
func WithKeyLookup(lookup dedup.KeyLookup) Option {
	return func(im *Importer) { im.lookup = lookup }
}

// WithMaxUploadBytes overrides the upload size ceiling.
func WithMaxUploadBytes(n int64) Option {
	return func(im *Importer) { im.validator = validate.NewFileValidator(n) }
}

// NewImporter creates an importer. Without options it applies no rules and
// flags only duplicates within the uploaded file.
func NewImporter(opts ...Option) *Importer {
	im := &Importer{
		validator: validate.NewFileValidator(0),
		sessionID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// Import runs the whole pipeline for one upload. It fails atomically: either
// every surviving record is returned or an error is.
func (im *Importer) Import(ctx context.Context, req Request) (*Result, error) {
	log := logger.FromContext(ctx).With().Str("filename", req.Filename).Logger()

	format, err := im.validator.Validate(req.Filename, int64(len(req.Content)), req.Content)
	if err != nil {
		return nil, err
	}

	if format == domain.FormatCSV {
		if req.Mapping == nil {
			return nil, &validate.RejectionError{Filename: req.Filename, Reason: "CSV import requires a column mapping"}
		}
		if err := req.Mapping.Validate(); err != nil {
			return nil, &validate.RejectionError{Filename: req.Filename, Reason: err.Error()}
		}
	}

	text, err := textenc.Decode(req.Content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", req.Filename, domain.ErrUnparseableFile, err)
	}

	p, err := registry.ForFormat(format)
	if err != nil {
		return nil, err
	}

	raws, err := parser.ParseToFlatList(ctx, p, text, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Filename, err)
	}

	result := &Result{
		SessionID: im.sessionID(),
		Filename:  req.Filename,
		Format:    format,
		Parsed:    len(raws),
	}

	normalizer := transform.NewNormalizer(transform.FileID(req.Content), req.Mapping)
	txns := make([]*domain.NormalizedTransaction, 0, len(raws))
	seenAccounts := make(map[*domain.AccountContext]bool)

	for _, raw := range raws {
		if raw.Account != nil && !seenAccounts[raw.Account] {
			seenAccounts[raw.Account] = true
			result.Accounts = append(result.Accounts, raw.Account)
		}

		txn, err := normalizer.Normalize(raw)
		if errors.Is(err, domain.ErrMissingField) {
			result.Skipped++
			log.Debug().Int("index", raw.Index).Int("line", raw.Line).Err(err).Msg("skipping record")
			continue
		}
		if err != nil {
			return nil, &RecordError{Filename: req.Filename, Index: raw.Index, Line: raw.Line, Err: err}
		}
		txns = append(txns, txn)
	}

	check := validate.ValidateTransactions(txns)
	if err := check.Err(); err != nil {
		return nil, fmt.Errorf("%s: normalized transactions failed validation: %w", req.Filename, err)
	}
	result.Warnings = check.Warnings
	for _, w := range check.Warnings {
		log.Debug().Str("entity", w.Entity).Str("id", w.ID).Msg(w.Message)
	}

	if im.rules != nil {
		stats, err := im.rules.ApplyAll(txns)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to apply import rules: %w", req.Filename, err)
		}
		result.RuleStats = stats
	} else {
		result.RuleStats = rules.Stats{Total: len(txns), Unmatched: len(txns), Usage: map[int64]int{}}
	}

	partition, err := dedup.NewDetector(im.lookup, nil).Partition(ctx, req.AccountID, txns)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Filename, err)
	}
	result.Verdicts = partition.Verdicts
	result.Unique = partition.Unique
	result.Duplicates = partition.Duplicates

	log.Info().
		Str("session_id", result.SessionID).
		Str("format", format.String()).
		Int("parsed", result.Parsed).
		Int("skipped", result.Skipped).
		Int("matched", result.RuleStats.Matched).
		Int("duplicates", result.Duplicates).
		Msg("import complete")

	return result, nil
}

// Count returns the number of records in an upload for previews. CSV files
// are line-counted; OFX and QIF files are fully parsed.
func Count(ctx context.Context, filename string, content []byte) (int, error) {
	p, err := registry.ForFile(filename)
	if err != nil {
		return 0, err
	}
	text, err := textenc.Decode(content)
	if err != nil {
		return 0, fmt.Errorf("%s: %w: %w", filename, domain.ErrUnparseableFile, err)
	}
	n, err := p.CountRecords(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filename, err)
	}
	return n, nil
}
