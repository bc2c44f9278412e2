package dedup

import (
	"context"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

// KeyLookup answers which import keys are already persisted for an account.
// The persistence layer implements it; the detector only reads through it.
//
//go:generate mockgen -destination=mocks/mock_lookup.go -source=interface.go KeyLookup
type KeyLookup interface {
	// ExistingKeys returns the subset of keys already stored for accountID.
	// Keys absent from the result are treated as new.
	ExistingKeys(ctx context.Context, accountID string, keys []string) (map[string]bool, error)
}

// KeyStore is a KeyLookup that can also record a finished import.
type KeyStore interface {
	KeyLookup
	Save(ctx context.Context, accountID string, txns []*domain.NormalizedTransaction) error
}
