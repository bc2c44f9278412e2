package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

// State represents the set of imported keys per account.
type State struct {
	Version  int                              `json:"version"`
	Accounts map[string]map[string]*KeyRecord `json:"accounts"` // account -> import key -> record
	Metadata StateMetadata                    `json:"metadata"`
}

// KeyRecord tracks an import key across multiple imports.
type KeyRecord struct {
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
	Count     int       `json:"count"`
	Date      string    `json:"date,omitempty"`
}

// StateMetadata contains aggregate statistics about the state.
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	TotalKeys   int       `json:"totalKeys"`
}

const (
	// CurrentVersion is the current state file format version
	CurrentVersion = 2
)

// NewState creates an empty state.
func NewState() *State {
	return &State{
		Version:  CurrentVersion,
		Accounts: make(map[string]map[string]*KeyRecord),
		Metadata: StateMetadata{
			LastUpdated: time.Now(),
		},
	}
}

// LoadState loads a state file from disk.
// Returns os.IsNotExist error if file doesn't exist (caller should handle).
func LoadState(filePath string) (*State, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err // Preserve os.IsNotExist for caller
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}

	if state.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported state file version %d (current version: %d)", state.Version, CurrentVersion)
	}

	if state.Accounts == nil {
		state.Accounts = make(map[string]map[string]*KeyRecord)
	}

	return &state, nil
}

// SaveState atomically writes the state to disk.
// Uses atomic write pattern: write to temp file, then rename.
// Ensures parent directory exists.
func SaveState(state *State, filePath string) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	state.Metadata.LastUpdated = time.Now()
	state.Metadata.TotalKeys = state.totalKeys()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempFile := filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// IsDuplicate checks if a key was recorded for the account.
func (s *State) IsDuplicate(accountID, key string) bool {
	_, exists := s.Accounts[accountID][key]
	return exists
}

// RecordKey records an import key for an account.
// If new: creates record with firstSeen=timestamp, count=1.
// If exists: updates lastSeen=timestamp, increments count.
func (s *State) RecordKey(accountID, key, date string, timestamp time.Time) error {
	if key == "" {
		return fmt.Errorf("import key cannot be empty")
	}

	keys := s.Accounts[accountID]
	if keys == nil {
		keys = make(map[string]*KeyRecord)
		s.Accounts[accountID] = keys
	}

	if record, exists := keys[key]; exists {
		record.LastSeen = timestamp
		record.Count++
		return nil
	}
	keys[key] = &KeyRecord{
		FirstSeen: timestamp,
		LastSeen:  timestamp,
		Count:     1,
		Date:      date,
	}
	return nil
}

func (s *State) totalKeys() int {
	n := 0
	for _, keys := range s.Accounts {
		n += len(keys)
	}
	return n
}

// FileStore is a KeyStore backed by a JSON state file.
type FileStore struct {
	path  string
	mu    sync.Mutex
	state *State
	now   func() time.Time
}

// OpenFileStore loads the state file at path, starting empty if it does not
// exist yet.
func OpenFileStore(path string) (*FileStore, error) {
	state, err := LoadState(path)
	if errors.Is(err, os.ErrNotExist) {
		state = NewState()
	} else if err != nil {
		return nil, fmt.Errorf("failed to open state file %q: %w", path, err)
	}
	return &FileStore{path: path, state: state, now: time.Now}, nil
}

// ExistingKeys implements KeyLookup.
func (f *FileStore) ExistingKeys(ctx context.Context, accountID string, keys []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	found := make(map[string]bool)
	for _, key := range keys {
		if f.state.IsDuplicate(accountID, key) {
			found[key] = true
		}
	}
	return found, nil
}

// Save records the import keys of txns and writes the state file.
// An empty accountID scopes each transaction by its source account.
func (f *FileStore) Save(ctx context.Context, accountID string, txns []*domain.NormalizedTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts := f.now()
	for _, txn := range txns {
		acct := accountID
		if acct == "" {
			acct = txn.AccountKey()
		}
		if err := f.state.RecordKey(acct, txn.ImportKey, txn.Date, ts); err != nil {
			return fmt.Errorf("transaction %d: %w", txn.Index, err)
		}
	}
	return SaveState(f.state, f.path)
}

// State returns the in-memory state.
func (f *FileStore) State() *State {
	return f.state
}
