// Package dedup classifies normalized transactions as new or already imported
// by import key membership, and persists seen keys to a JSON state file.
package dedup

import (
	"context"
	"fmt"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
)

// KeyFunc derives the dedup key of a transaction. An empty key means none
// could be derived.
type KeyFunc func(txn *domain.NormalizedTransaction) string

// ImportKey is the default KeyFunc.
func ImportKey(txn *domain.NormalizedTransaction) string {
	return txn.ImportKey
}

// Detector classifies transactions against a KeyLookup. A nil lookup means
// nothing has been persisted yet; only repeats within a batch are flagged.
type Detector struct {
	lookup KeyLookup
	key    KeyFunc
}

// NewDetector creates a detector. key defaults to ImportKey when nil.
func NewDetector(lookup KeyLookup, key KeyFunc) *Detector {
	if key == nil {
		key = ImportKey
	}
	return &Detector{lookup: lookup, key: key}
}

// Classify reports whether txn was already imported into accountID.
// Transactions without a key are never duplicates; there is no fuzzy
// date/amount fallback.
func (d *Detector) Classify(ctx context.Context, accountID string, txn *domain.NormalizedTransaction) (bool, error) {
	key := d.key(txn)
	if key == "" || d.lookup == nil {
		return false, nil
	}
	existing, err := d.lookup.ExistingKeys(ctx, accountID, []string{key})
	if err != nil {
		return false, fmt.Errorf("failed to look up import key: %w", err)
	}
	return existing[key], nil
}

// Result is the outcome of Partition.
type Result struct {
	Verdicts   []domain.DuplicateVerdict
	Unique     int
	Duplicates int
}

// UniqueTransactions returns the transactions classified as new, in order.
func (r Result) UniqueTransactions() []*domain.NormalizedTransaction {
	out := make([]*domain.NormalizedTransaction, 0, r.Unique)
	for i := range r.Verdicts {
		if !r.Verdicts[i].IsDuplicate {
			out = append(out, &r.Verdicts[i].Transaction)
		}
	}
	return out
}

// Partition classifies a batch. It issues one ExistingKeys call per account,
// never one per transaction. When accountID is empty each transaction is
// scoped by its own source account. Later occurrences of a key already seen
// in the same batch are duplicates.
func (d *Detector) Partition(ctx context.Context, accountID string, txns []*domain.NormalizedTransaction) (Result, error) {
	scope := func(txn *domain.NormalizedTransaction) string {
		if accountID != "" {
			return accountID
		}
		return txn.AccountKey()
	}

	// Collect distinct keys per account in first-seen order.
	var accounts []string
	keysByAccount := make(map[string][]string)
	seenKey := make(map[string]map[string]bool)
	for _, txn := range txns {
		key := d.key(txn)
		if key == "" {
			continue
		}
		acct := scope(txn)
		if seenKey[acct] == nil {
			seenKey[acct] = make(map[string]bool)
			accounts = append(accounts, acct)
		}
		if !seenKey[acct][key] {
			seenKey[acct][key] = true
			keysByAccount[acct] = append(keysByAccount[acct], key)
		}
	}

	existing := make(map[string]map[string]bool, len(accounts))
	if d.lookup != nil {
		for _, acct := range accounts {
			found, err := d.lookup.ExistingKeys(ctx, acct, keysByAccount[acct])
			if err != nil {
				return Result{}, fmt.Errorf("failed to look up import keys for account %q: %w", acct, err)
			}
			existing[acct] = found
		}
	}

	log := logger.FromContext(ctx)
	result := Result{Verdicts: make([]domain.DuplicateVerdict, 0, len(txns))}
	inBatch := make(map[string]map[string]bool, len(accounts))
	for _, txn := range txns {
		dup := false
		if key := d.key(txn); key != "" {
			acct := scope(txn)
			if inBatch[acct] == nil {
				inBatch[acct] = make(map[string]bool)
			}
			switch {
			case existing[acct][key]:
				dup = true
			case inBatch[acct][key]:
				dup = true
				log.Debug().Str("import_key", key).Int("index", txn.Index).Msg("repeated import key within batch")
			}
			inBatch[acct][key] = true
		}

		if dup {
			result.Duplicates++
		} else {
			result.Unique++
		}
		result.Verdicts = append(result.Verdicts, domain.DuplicateVerdict{Transaction: *txn, IsDuplicate: dup})
	}

	return result, nil
}
