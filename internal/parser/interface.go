package parser

import (
	"context"
	"fmt"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

// Parser is the strategy interface for all statement format parsers.
// Implementations are constructed per import and hold no state between calls.
type Parser interface {
	// Name returns parser identifier (e.g., "ofx", "qif")
	Name() string

	// Format returns the statement format this parser reads
	Format() domain.Format

	// CanParse checks if parser can handle this file.
	// header holds the first bytes of the file and may be shorter than 512 bytes.
	CanParse(path string, header []byte) bool

	// Stream extracts records from content in source order and hands them to e.
	// It stops early, without error, once e.Emit returns false.
	Stream(ctx context.Context, content string, e Emitter) error

	// CountRecords returns the number of records Stream would produce.
	CountRecords(ctx context.Context, content string) (int, error)
}

// Emitter receives parser output.
type Emitter interface {
	// OpenAccount starts a new account section. Records emitted afterwards
	// belong to it until the next call.
	OpenAccount(acct *domain.AccountContext)

	// Emit receives one record and reports whether the parser should continue.
	Emit(txn RawTransaction) bool
}

// RawSplit is one split line exactly as written in the source.
type RawSplit struct {
	Category domain.CategoryPath
	Amount   string
	Percent  string
	Memo     string
}

// RawTransaction represents a transaction before normalization.
// All values are verbatim source text; typing happens in the normalizer.
type RawTransaction struct {
	Format  domain.Format
	Account *domain.AccountContext // set by the collecting emitter
	Index   int                    // position across all accounts, set by the collecting emitter

	Date        string
	UserDate    string // OFX DTUSER
	Amount      string
	Description string
	Vendor      string
	Memo        string
	Reference   string
	FITID       string
	TxnType     string
	Cleared     string
	Address     []string
	Category    *domain.CategoryPath
	Splits      []RawSplit
	Investment  *domain.Investment
	ContentID   string // QIF content hash

	Fields map[string]string // CSV cells keyed by header
	Line   int               // 1-based source line of the record start, 0 if unknown
}

// ParsedAccount is one account section and its records.
// Context is nil for formats without account metadata (CSV).
type ParsedAccount struct {
	Context      *domain.AccountContext
	Transactions []RawTransaction
}

// Result is the structured output of a full parse.
type Result struct {
	Accounts []ParsedAccount
}

// TransactionCount returns the number of records across all accounts.
func (r *Result) TransactionCount() int {
	n := 0
	for _, a := range r.Accounts {
		n += len(a.Transactions)
	}
	return n
}

// Parse runs p over content and groups the records by account.
func Parse(ctx context.Context, p Parser, content string) (*Result, error) {
	c := &collector{}
	if err := p.Stream(ctx, content, c); err != nil {
		return nil, fmt.Errorf("%s parse failed: %w", p.Name(), err)
	}
	return &Result{Accounts: c.accounts}, nil
}

// ParseToFlatList runs p over content and returns all records in one list,
// each tagged with its account. When limit > 0 parsing stops as soon as limit
// records have been produced.
func ParseToFlatList(ctx context.Context, p Parser, content string, limit int) ([]RawTransaction, error) {
	f := &flattener{limit: limit}
	if err := p.Stream(ctx, content, f); err != nil {
		return nil, fmt.Errorf("%s parse failed: %w", p.Name(), err)
	}
	return f.txns, nil
}

// CountByParsing counts records with a full streaming pass.
func CountByParsing(ctx context.Context, p Parser, content string) (int, error) {
	c := &counter{}
	if err := p.Stream(ctx, content, c); err != nil {
		return 0, fmt.Errorf("%s count failed: %w", p.Name(), err)
	}
	return c.n, nil
}

type collector struct {
	accounts []ParsedAccount
	next     int
}

func (c *collector) OpenAccount(acct *domain.AccountContext) {
	c.accounts = append(c.accounts, ParsedAccount{Context: acct})
}

func (c *collector) Emit(txn RawTransaction) bool {
	if len(c.accounts) == 0 {
		c.accounts = append(c.accounts, ParsedAccount{})
	}
	last := &c.accounts[len(c.accounts)-1]
	txn.Account = last.Context
	txn.Index = c.next
	c.next++
	last.Transactions = append(last.Transactions, txn)
	return true
}

type flattener struct {
	current *domain.AccountContext
	txns    []RawTransaction
	limit   int
}

func (f *flattener) OpenAccount(acct *domain.AccountContext) {
	f.current = acct
}

func (f *flattener) Emit(txn RawTransaction) bool {
	if f.limit > 0 && len(f.txns) >= f.limit {
		return false
	}
	txn.Account = f.current
	txn.Index = len(f.txns)
	f.txns = append(f.txns, txn)
	return f.limit <= 0 || len(f.txns) < f.limit
}

type counter struct {
	n int
}

func (c *counter) OpenAccount(*domain.AccountContext) {}

func (c *counter) Emit(RawTransaction) bool {
	c.n++
	return true
}
