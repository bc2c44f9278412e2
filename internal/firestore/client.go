// Package firestore persists imported transactions to Cloud Firestore and
// answers existing-key lookups for duplicate detection.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

const (
	transactionsCollection = "finimport-transactions"
	sessionsCollection     = "finimport-sessions"

	// maxInValues is the Firestore limit on values in an "in" filter.
	maxInValues = 30
)

// docNamespace scopes transaction document ids.
var docNamespace = uuid.MustParse("0b7c1f0e-5a43-4c8e-9d2a-6f1f3e0a9b21")

// Client wraps Firestore client with import-specific operations
type Client struct {
	Firestore *firestore.Client
	app       *firebase.App
	projectID string
	now       func() time.Time
}

// NewClient creates a new Firestore client. credsPath may be empty to use
// Application Default Credentials.
func NewClient(ctx context.Context, projectID, credsPath string) (*Client, error) {
	conf := &firebase.Config{ProjectID: projectID}

	var opts []option.ClientOption
	if credsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credsPath))
	}

	app, err := firebase.NewApp(ctx, conf, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}

	firestoreClient, err := app.Firestore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &Client{
		Firestore: firestoreClient,
		app:       app,
		projectID: projectID,
		now:       time.Now,
	}, nil
}

// Auth returns a Firebase Auth client for the same project, used to verify
// ID tokens on the upload API.
func (c *Client) Auth(ctx context.Context) (*auth.Client, error) {
	client, err := c.app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firebase Auth client: %w", err)
	}
	return client, nil
}

// Close closes the Firestore client
func (c *Client) Close() error {
	return c.Firestore.Close()
}

// Transaction represents an imported transaction in Firestore
type Transaction struct {
	ID          string    `firestore:"id"`
	AccountID   string    `firestore:"accountId"`
	ImportKey   string    `firestore:"importKey"`
	Date        string    `firestore:"date"`
	Amount      string    `firestore:"amount"` // decimal string, always non-negative
	Direction   string    `firestore:"direction"`
	Description string    `firestore:"description"`
	Memo        string    `firestore:"memo,omitempty"`
	Vendor      string    `firestore:"vendor,omitempty"`
	Reference   string    `firestore:"reference,omitempty"`
	Format      string    `firestore:"format"`
	CategoryID  *int64    `firestore:"categoryId,omitempty"`
	RuleID      *int64    `firestore:"ruleId,omitempty"`
	CreatedAt   time.Time `firestore:"createdAt"`
}

// Validate checks if the Transaction has valid data
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("transaction ID is required")
	}
	if t.AccountID == "" {
		return fmt.Errorf("account ID is required")
	}
	if t.ImportKey == "" {
		return fmt.Errorf("import key is required")
	}
	if _, err := time.Parse(domain.DateLayout, t.Date); err != nil {
		return fmt.Errorf("invalid date format (expected YYYY-MM-DD): %w", err)
	}
	return nil
}

// DocID returns the document id for an import key. Import keys may contain
// characters that are invalid in document paths, so the id is a name-based
// UUID over account and key.
func DocID(accountID, importKey string) string {
	return uuid.NewSHA1(docNamespace, []byte(accountID+"\x00"+importKey)).String()
}

// FromNormalized converts a pipeline transaction to its document form.
func FromNormalized(accountID string, txn *domain.NormalizedTransaction, createdAt time.Time) *Transaction {
	doc := &Transaction{
		ID:          DocID(accountID, txn.ImportKey),
		AccountID:   accountID,
		ImportKey:   txn.ImportKey,
		Date:        txn.Date,
		Amount:      txn.Amount.StringFixed(2),
		Direction:   string(txn.Direction),
		Description: txn.Description,
		Memo:        txn.Memo,
		Vendor:      txn.VendorName(),
		Reference:   txn.Reference,
		Format:      txn.Format.String(),
		CategoryID:  txn.CategoryID,
		CreatedAt:   createdAt,
	}
	if txn.MatchedRule != nil {
		id := txn.MatchedRule.ID
		doc.RuleID = &id
	}
	return doc
}

// ExistingKeys returns which of keys are stored for accountID. Keys are
// queried in chunks that fit a single "in" filter.
func (c *Client) ExistingKeys(ctx context.Context, accountID string, keys []string) (map[string]bool, error) {
	found := make(map[string]bool)
	for _, chunk := range chunkKeys(keys, maxInValues) {
		iter := c.Firestore.Collection(transactionsCollection).
			Where("accountId", "==", accountID).
			Where("importKey", "in", chunk).
			Select("importKey").
			Documents(ctx)

		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, fmt.Errorf("failed to query import keys for account %s: %w", accountID, err)
			}
			if key, ok := doc.Data()["importKey"].(string); ok {
				found[key] = true
			}
		}
		iter.Stop()
	}
	return found, nil
}

// Save writes txns as documents under accountID. An empty accountID scopes
// each transaction by its source account.
func (c *Client) Save(ctx context.Context, accountID string, txns []*domain.NormalizedTransaction) error {
	if len(txns) == 0 {
		return nil
	}

	createdAt := c.now()
	bw := c.Firestore.BulkWriter(ctx)

	jobs := make([]*firestore.BulkWriterJob, 0, len(txns))
	for _, txn := range txns {
		acct := accountID
		if acct == "" {
			acct = txn.AccountKey()
		}
		doc := FromNormalized(acct, txn, createdAt)
		if err := doc.Validate(); err != nil {
			bw.End()
			return fmt.Errorf("invalid transaction %d: %w", txn.Index, err)
		}
		job, err := bw.Set(c.Firestore.Collection(transactionsCollection).Doc(doc.ID), doc)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue transaction %d: %w", txn.Index, err)
		}
		jobs = append(jobs, job)
	}
	bw.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to write transaction %d: %w", txns[i].Index, err)
		}
	}
	return nil
}

// ImportSessionStatus represents the status of an import session
type ImportSessionStatus string

const (
	ImportSessionStatusCompleted ImportSessionStatus = "completed"
	ImportSessionStatusError     ImportSessionStatus = "error"
)

// ImportSession records one import run in Firestore
type ImportSession struct {
	ID          string              `firestore:"id"`
	UserID      string              `firestore:"userId,omitempty"` // set by the upload API
	AccountID   string              `firestore:"accountId"`
	Filename    string              `firestore:"filename"`
	Format      string              `firestore:"format"`
	Status      ImportSessionStatus `firestore:"status"`
	Parsed      int                 `firestore:"parsed"`
	Skipped     int                 `firestore:"skipped"`
	Duplicates  int                 `firestore:"duplicates"`
	RuleMatched int                 `firestore:"ruleMatched"`
	Error       string              `firestore:"error,omitempty"`
	CreatedAt   time.Time           `firestore:"createdAt"`
}

// Validate checks if the ImportSession has valid data
func (s *ImportSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	switch s.Status {
	case ImportSessionStatusCompleted, ImportSessionStatusError:
	default:
		return fmt.Errorf("invalid status: %s", s.Status)
	}
	if s.Parsed < 0 || s.Skipped < 0 || s.Duplicates < 0 || s.RuleMatched < 0 {
		return fmt.Errorf("session counts cannot be negative")
	}
	return nil
}

// CreateImportSession stores an import session record
func (c *Client) CreateImportSession(ctx context.Context, session *ImportSession) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("invalid import session: %w", err)
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = c.now()
	}
	_, err := c.Firestore.Collection(sessionsCollection).Doc(session.ID).Set(ctx, session)
	return err
}

// GetImportSession retrieves an import session by ID
func (c *Client) GetImportSession(ctx context.Context, sessionID string) (*ImportSession, error) {
	doc, err := c.Firestore.Collection(sessionsCollection).Doc(sessionID).Get(ctx)
	if err != nil {
		return nil, err
	}

	var session ImportSession
	if err := doc.DataTo(&session); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}

	return &session, nil
}

func chunkKeys(keys []string, size int) [][]string {
	var chunks [][]string
	for len(keys) > size {
		chunks = append(chunks, keys[:size])
		keys = keys[size:]
	}
	if len(keys) > 0 {
		chunks = append(chunks, keys)
	}
	return chunks
}
