// Package sqlite is a SQLite persistence boundary for imported transactions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

// maxKeysPerQuery keeps IN lists well under SQLite's host parameter limit.
const maxKeysPerQuery = 500

const schema = `
CREATE TABLE IF NOT EXISTS imported_transactions (
	account_id  TEXT NOT NULL,
	import_key  TEXT NOT NULL,
	date        TEXT NOT NULL,
	amount      TEXT NOT NULL,
	direction   TEXT NOT NULL,
	description TEXT NOT NULL,
	memo        TEXT NOT NULL DEFAULT '',
	vendor      TEXT,
	reference   TEXT NOT NULL DEFAULT '',
	format      TEXT NOT NULL,
	category_id INTEGER,
	rule_id     INTEGER,
	imported_at TEXT NOT NULL,
	PRIMARY KEY (account_id, import_key)
)`

// Store provides database access
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ExistingKeys returns which of keys are stored for accountID, with one
// query per chunk of keys.
func (s *Store) ExistingKeys(ctx context.Context, accountID string, keys []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for start := 0; start < len(keys); start += maxKeysPerQuery {
		end := min(start+maxKeysPerQuery, len(keys))
		chunk := keys[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, accountID)
		for _, k := range chunk {
			args = append(args, k)
		}
		query := `SELECT import_key FROM imported_transactions WHERE account_id = ? AND import_key IN (?` +
			strings.Repeat(",?", len(chunk)-1) + `)`

		if err := s.collectKeys(ctx, found, query, args); err != nil {
			return nil, fmt.Errorf("failed to query import keys for account %s: %w", accountID, err)
		}
	}
	return found, nil
}

func (s *Store) collectKeys(ctx context.Context, found map[string]bool, query string, args []any) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return fmt.Errorf("scan import key: %w", err)
		}
		found[key] = true
	}
	return rows.Err()
}

// Save inserts txns in one database transaction. Rows whose key already
// exists for the account are left unchanged. An empty accountID scopes each
// transaction by its source account.
func (s *Store) Save(ctx context.Context, accountID string, txns []*domain.NormalizedTransaction) error {
	if len(txns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO imported_transactions
			(account_id, import_key, date, amount, direction, description, memo, vendor, reference, format, category_id, rule_id, imported_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, import_key) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	importedAt := s.now().UTC().Format(time.RFC3339)
	for _, txn := range txns {
		acct := accountID
		if acct == "" {
			acct = txn.AccountKey()
		}
		var ruleID sql.NullInt64
		if txn.MatchedRule != nil {
			ruleID = sql.NullInt64{Int64: txn.MatchedRule.ID, Valid: true}
		}
		var categoryID sql.NullInt64
		if txn.CategoryID != nil {
			categoryID = sql.NullInt64{Int64: *txn.CategoryID, Valid: true}
		}
		var vendor sql.NullString
		if txn.Vendor != nil {
			vendor = sql.NullString{String: *txn.Vendor, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			acct, txn.ImportKey, txn.Date, txn.Amount.String(), string(txn.Direction),
			txn.Description, txn.Memo, vendor, txn.Reference, txn.Format.String(),
			categoryID, ruleID, importedAt,
		); err != nil {
			return fmt.Errorf("failed to insert transaction %d: %w", txn.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Count returns the number of stored transactions for an account.
func (s *Store) Count(ctx context.Context, accountID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM imported_transactions WHERE account_id = ?`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}
