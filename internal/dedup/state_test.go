package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

func TestNewState(t *testing.T) {
	state := NewState()

	if state.Version != CurrentVersion {
		t.Errorf("Version = %d, want %d", state.Version, CurrentVersion)
	}
	if state.Accounts == nil {
		t.Error("Accounts map should be initialized")
	}
}

func TestState_RecordKey(t *testing.T) {
	state := NewState()
	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(24 * time.Hour)

	if err := state.RecordKey("acct", "k1", "2025-01-01", first); err != nil {
		t.Fatalf("RecordKey() error = %v", err)
	}
	if err := state.RecordKey("acct", "k1", "2025-01-01", second); err != nil {
		t.Fatalf("RecordKey() error = %v", err)
	}

	record := state.Accounts["acct"]["k1"]
	if record.Count != 2 {
		t.Errorf("Count = %d, want 2", record.Count)
	}
	if !record.FirstSeen.Equal(first) || !record.LastSeen.Equal(second) {
		t.Errorf("FirstSeen/LastSeen = %v/%v", record.FirstSeen, record.LastSeen)
	}

	if !state.IsDuplicate("acct", "k1") {
		t.Error("IsDuplicate() = false for recorded key")
	}
	if state.IsDuplicate("other", "k1") {
		t.Error("keys must be scoped per account")
	}

	if err := state.RecordKey("acct", "", "", first); err == nil {
		t.Error("RecordKey() should reject an empty key")
	}
}

func TestSaveAndLoadState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	state := NewState()
	if err := state.RecordKey("acct", "k1", "2025-01-01", time.Now()); err != nil {
		t.Fatalf("RecordKey() error = %v", err)
	}
	if err := SaveState(state, path); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after save")
	}

	loaded, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if !loaded.IsDuplicate("acct", "k1") {
		t.Error("loaded state lost the recorded key")
	}
	if loaded.Metadata.TotalKeys != 1 {
		t.Errorf("TotalKeys = %d, want 1", loaded.Metadata.TotalKeys)
	}
}

func TestLoadState_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadState(filepath.Join(dir, "missing.json")); !os.IsNotExist(err) {
		t.Errorf("LoadState() missing file error = %v, want not-exist", err)
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(corrupt); err == nil {
		t.Error("LoadState() should fail on corrupt JSON")
	}

	old := filepath.Join(dir, "old.json")
	if err := os.WriteFile(old, []byte(`{"version": 1, "fingerprints": {}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(old); err == nil {
		t.Error("LoadState() should reject an unsupported version")
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	store, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore() error = %v", err)
	}

	txn, err := domain.NewNormalizedTransaction("2025-02-02", decimal.NewFromInt(3), domain.DirectionCredit, "ofx_9_X")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, "acct", []*domain.NormalizedTransaction{txn}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	reopened, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("OpenFileStore() error = %v", err)
	}
	found, err := reopened.ExistingKeys(ctx, "acct", []string{"ofx_9_X", "ofx_9_Y"})
	if err != nil {
		t.Fatalf("ExistingKeys() error = %v", err)
	}
	if !found["ofx_9_X"] || found["ofx_9_Y"] {
		t.Errorf("ExistingKeys() = %v, want only ofx_9_X", found)
	}
}

func TestFileStore_ImplementsKeyStore(t *testing.T) {
	var _ KeyStore = (*FileStore)(nil)
}
