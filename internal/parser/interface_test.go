package parser

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

// fakeParser emits perAccount records for each account name and records how
// many records it produced before being told to stop.
type fakeParser struct {
	accounts   []string
	perAccount int
	produced   int
	err        error
}

func (f *fakeParser) Name() string { return "fake" }
func (f *fakeParser) Format() domain.Format { return domain.FormatQIF }
func (f *fakeParser) CanParse(string, []byte) bool { return true }
func (f *fakeParser) CountRecords(ctx context.Context, content string) (int, error) {
	return CountByParsing(ctx, f, content)
}

func (f *fakeParser) Stream(ctx context.Context, content string, e Emitter) error {
	if f.err != nil {
		return f.err
	}
	for _, name := range f.accounts {
		e.OpenAccount(&domain.AccountContext{Name: name, Type: domain.AccountTypeBank})
		for i := 0; i < f.perAccount; i++ {
			f.produced++
			if !e.Emit(RawTransaction{Format: domain.FormatQIF, Description: fmt.Sprintf("%s-%d", name, i)}) {
				return nil
			}
		}
	}
	return nil
}

func TestParse_GroupsByAccount(t *testing.T) {
	p := &fakeParser{accounts: []string{"Checking", "Savings"}, perAccount: 3}
	result, err := Parse(context.Background(), p, "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(result.Accounts) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(result.Accounts))
	}
	if result.TransactionCount() != 6 {
		t.Errorf("TransactionCount() = %d, want 6", result.TransactionCount())
	}

	second := result.Accounts[1]
	if second.Context.Name != "Savings" {
		t.Errorf("second account = %q, want Savings", second.Context.Name)
	}
	for i, txn := range second.Transactions {
		if txn.Account != second.Context {
			t.Errorf("transaction %d not tagged with its account", i)
		}
		if txn.Index != 3+i {
			t.Errorf("transaction %d Index = %d, want %d", i, txn.Index, 3+i)
		}
	}
}

func TestParse_RecordsWithoutAccount(t *testing.T) {
	p := &csvLike{rows: 2}
	result, err := Parse(context.Background(), p, "")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(result.Accounts) != 1 || result.Accounts[0].Context != nil {
		t.Fatalf("expected a single account without context, got %+v", result.Accounts)
	}
	if len(result.Accounts[0].Transactions) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(result.Accounts[0].Transactions))
	}
}

func TestParseToFlatList_StopsAtLimit(t *testing.T) {
	p := &fakeParser{accounts: []string{"Checking", "Savings"}, perAccount: 100}
	txns, err := ParseToFlatList(context.Background(), p, "", 5)
	if err != nil {
		t.Fatalf("ParseToFlatList() error = %v", err)
	}
	if len(txns) != 5 {
		t.Fatalf("expected 5 transactions, got %d", len(txns))
	}
	if p.produced != 5 {
		t.Errorf("parser produced %d records, want it to stop at 5", p.produced)
	}
	for i, txn := range txns {
		if txn.Index != i {
			t.Errorf("Index = %d, want %d", txn.Index, i)
		}
		if txn.Account == nil || txn.Account.Name != "Checking" {
			t.Errorf("transaction %d has wrong account %+v", i, txn.Account)
		}
	}
}

func TestParseToFlatList_LimitSpansAccounts(t *testing.T) {
	p := &fakeParser{accounts: []string{"Checking", "Savings"}, perAccount: 2}
	txns, err := ParseToFlatList(context.Background(), p, "", 3)
	if err != nil {
		t.Fatalf("ParseToFlatList() error = %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(txns))
	}
	if txns[2].Account.Name != "Savings" {
		t.Errorf("third record account = %q, want Savings", txns[2].Account.Name)
	}
}

func TestParseToFlatList_NoLimit(t *testing.T) {
	p := &fakeParser{accounts: []string{"A", "B", "C"}, perAccount: 4}
	txns, err := ParseToFlatList(context.Background(), p, "", 0)
	if err != nil {
		t.Fatalf("ParseToFlatList() error = %v", err)
	}
	if len(txns) != 12 {
		t.Errorf("expected 12 transactions, got %d", len(txns))
	}
}

func TestParse_PropagatesError(t *testing.T) {
	sentinel := errors.New("boom")
	p := &fakeParser{err: sentinel}
	if _, err := Parse(context.Background(), p, ""); !errors.Is(err, sentinel) {
		t.Errorf("Parse() error = %v, want wrapped sentinel", err)
	}
	if _, err := ParseToFlatList(context.Background(), p, "", 1); !errors.Is(err, sentinel) {
		t.Errorf("ParseToFlatList() error = %v, want wrapped sentinel", err)
	}
}

func TestCountByParsing(t *testing.T) {
	p := &fakeParser{accounts: []string{"A", "B"}, perAccount: 7}
	n, err := p.CountRecords(context.Background(), "")
	if err != nil {
		t.Fatalf("CountRecords() error = %v", err)
	}
	if n != 14 {
		t.Errorf("CountRecords() = %d, want 14", n)
	}
}

// csvLike emits records without ever opening an account.
type csvLike struct {
	rows int
}

func (c *csvLike) Name() string { return "csv-like" }
func (c *csvLike) Format() domain.Format { return domain.FormatCSV }
func (c *csvLike) CanParse(string, []byte) bool { return true }
func (c *csvLike) CountRecords(context.Context, string) (int, error) {
	return c.rows, nil
}

func (c *csvLike) Stream(ctx context.Context, content string, e Emitter) error {
	for i := 0; i < c.rows; i++ {
		if !e.Emit(RawTransaction{Format: domain.FormatCSV}) {
			return nil
		}
	}
	return nil
}
