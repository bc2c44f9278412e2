package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/rumor-ml/commons.systems/finimport/internal/config"
	"github.com/rumor-ml/commons.systems/finimport/internal/dedup"
	"github.com/rumor-ml/commons.systems/finimport/internal/firestore"
	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
	"github.com/rumor-ml/commons.systems/finimport/internal/store/sqlite"
)

// keyStore is the opened persistence boundary for one CLI run.
type keyStore struct {
	dedup.KeyStore
	sessions *firestore.Client // nil unless the store is Firestore
	close    func() error
}

// openStore opens the configured store. It returns nil for StoreNone, in
// which case only duplicates within each file are detected.
func openStore(ctx context.Context, sc config.StoreConfig) (*keyStore, error) {
	switch sc.Kind {
	case config.StoreNone, "":
		return nil, nil
	case config.StoreState:
		fs, err := dedup.OpenFileStore(sc.Path)
		if err != nil {
			return nil, err
		}
		return &keyStore{KeyStore: fs, close: func() error { return nil }}, nil
	case config.StoreSQLite:
		db, err := sqlite.Open(ctx, sc.Path)
		if err != nil {
			return nil, err
		}
		return &keyStore{KeyStore: db, close: db.Close}, nil
	case config.StoreFirestore:
		client, err := firestore.NewClient(ctx, sc.ProjectID, sc.CredsFile)
		if err != nil {
			return nil, err
		}
		return &keyStore{KeyStore: client, sessions: client, close: client.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", sc.Kind)
	}
}

// commit saves the unique transactions of res and, on Firestore, records
// the import session.
func (s *keyStore) commit(ctx context.Context, accountID string, res *pipeline.Result) error {
	if err := s.Save(ctx, accountID, res.UniqueTransactions()); err != nil {
		return err
	}
	return s.recordSession(ctx, accountID, res.Filename, res, nil)
}

// recordSession writes an import session document. It is a no-op on stores
// other than Firestore.
func (s *keyStore) recordSession(ctx context.Context, accountID, filename string, res *pipeline.Result, importErr error) error {
	if s.sessions == nil {
		return nil
	}
	session := &firestore.ImportSession{
		ID:        uuid.NewString(),
		AccountID: accountID,
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
		session.Status = firestore.ImportSessionStatusError
		session.Error = pipeline.UserMessage(importErr)
	}
	return s.sessions.CreateImportSession(ctx, session)
}
