package transform

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
)

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"2025-12-30", "2025-12-30"},
		{" 2025-12-30 ", "2025-12-30"},
		{"20251230", "2025-12-30"},
		{"20251230120000.000[-5:EST]", "2025-12-30"},
		{"12/30/2025", "2025-12-30"},
		{"3/4/2025", "2025-03-04"},
		{"30/12/2025", "2025-12-30"},
		{"12-30-2025", "2025-12-30"},
		{"30-12-2025", "2025-12-30"},
		{"2025/12/30", "2025-12-30"},
		{"30.12.2025", "2025-12-30"},
		{"December 30, 2025", "2025-12-30"},
	}

	for _, tt := range tests {
		got, err := NormalizeDate(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}
}

func TestNormalizeDate_Idempotent(t *testing.T) {
	first, err := NormalizeDate("2025-12-30")
	require.NoError(t, err)
	second, err := NormalizeDate(first)
	require.NoError(t, err)
	assert.Equal(t, "2025-12-30", first)
	assert.Equal(t, first, second)
}

func TestNormalizeDate_Unrecognized(t *testing.T) {
	for _, raw := range []string{"not a date", "2025-02-30", "99/99/9999"} {
		_, err := NormalizeDate(raw)
		assert.ErrorIs(t, err, domain.ErrUnrecognizedValue, raw)
	}
}

func TestNormalizeAmount(t *testing.T) {
	tests := map[string]string{
		"-50.00":    "-50",
		"1,234.56":  "1234.56",
		"1.234,56":  "1234.56",
		"$ 12.00":   "12",
		"(12.50)":   "-12.5",
		"50.00-":    "-50",
		"0":         "0",
		"€1.000,00": "1000",
	}
	for raw, want := range tests {
		got, err := NormalizeAmount(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got.String(), raw)
	}

	_, err := NormalizeAmount("abc")
	assert.ErrorIs(t, err, domain.ErrUnrecognizedValue)
}

func TestCleanText(t *testing.T) {
	assert.Equal(t, "COFFEE SHOP #12", CleanText("  COFFEE   SHOP\t#12 \n"))
	assert.Equal(t, "", CleanText("   "))
	// NFKC folds the full-width letters to ASCII.
	assert.Equal(t, "ACME", CleanText("ＡＣＭＥ"))
}

func TestNormalize_CSVScenario(t *testing.T) {
	mapping := &domain.ColumnMapping{Amount: "Amount", Date: "Date", Description: "Desc"}
	n := NewNormalizer("file-1", mapping)

	txn, err := n.Normalize(parser.RawTransaction{
		Format: domain.FormatCSV,
		Fields: map[string]string{"Date": "2025-01-15", "Amount": "-50.00", "Desc": "  Corner   Cafe "},
	})
	require.NoError(t, err)
	assert.Equal(t, "50", txn.Amount.String())
	assert.Equal(t, domain.DirectionDebit, txn.Direction)
	assert.Equal(t, "2025-01-15", txn.Date)
	assert.Equal(t, "Corner Cafe", txn.Description)
	assert.Nil(t, txn.Vendor, "empty vendor is absent")
	assert.Nil(t, txn.Account)
	assert.NotEmpty(t, txn.ImportKey)
	require.NoError(t, txn.Validate())
}

func TestNormalize_DebitCreditColumns(t *testing.T) {
	mapping := &domain.ColumnMapping{Date: "Date", Debit: "Out", Credit: "In", Description: "Desc"}
	n := NewNormalizer("file-1", mapping)

	tests := []struct {
		name      string
		fields    map[string]string
		amount    string
		direction domain.Direction
	}{
		{"debit", map[string]string{"Date": "2025-01-01", "Out": "12.34", "In": ""}, "12.34", domain.DirectionDebit},
		{"credit", map[string]string{"Date": "2025-01-01", "Out": "", "In": "1,000.00"}, "1000", domain.DirectionCredit},
		{"zero debit with credit", map[string]string{"Date": "2025-01-01", "Out": "0.00", "In": "5"}, "5", domain.DirectionCredit},
		{"zero debit only", map[string]string{"Date": "2025-01-01", "Out": "0.00", "In": ""}, "0", domain.DirectionCredit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn, err := n.Normalize(parser.RawTransaction{Format: domain.FormatCSV, Fields: tt.fields})
			require.NoError(t, err)
			assert.Equal(t, tt.amount, txn.Amount.String())
			assert.Equal(t, tt.direction, txn.Direction)
		})
	}

	_, err := n.Normalize(parser.RawTransaction{Format: domain.FormatCSV, Fields: map[string]string{"Date": "2025-01-01"}})
	assert.ErrorIs(t, err, domain.ErrMissingField)
}

func TestNormalize_CSVWithoutMapping(t *testing.T) {
	_, err := NewNormalizer("f", nil).Normalize(parser.RawTransaction{Format: domain.FormatCSV})
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrMissingField), "a missing mapping is not a skippable record")
}

func TestNormalize_OFXScenario(t *testing.T) {
	acct := &domain.AccountContext{ExternalAccountID: "000123", Type: domain.AccountTypeBank, Currency: "USD"}
	n := NewNormalizer("file-1", nil)

	credit, err := n.Normalize(parser.RawTransaction{
		Format: domain.FormatOFX, Account: acct, Date: "2025-12-15", Amount: "49.27", FITID: "A1", Description: "REFUND",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionCredit, credit.Direction)
	assert.Equal(t, "49.27", credit.Amount.String())
	assert.Equal(t, "ofx_000123_A1", credit.ImportKey)
	assert.Same(t, acct, credit.Account)

	debit, err := n.Normalize(parser.RawTransaction{
		Format: domain.FormatOFX, Account: acct, Index: 1, Date: "2025-12-30", Amount: "-134.39", FITID: "A2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionDebit, debit.Direction)
	assert.Equal(t, "134.39", debit.Amount.String())
	assert.True(t, debit.SignedAmount().IsNegative())
}

func TestNormalize_ImportKeyDeterminism(t *testing.T) {
	raw := parser.RawTransaction{Format: domain.FormatQIF, Index: 4, Date: "1/2/2025", Amount: "-9.99", Description: "Streaming"}

	a, err := NewNormalizer("file-1", nil).Normalize(raw)
	require.NoError(t, err)
	b, err := NewNormalizer("file-1", nil).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, a.ImportKey, b.ImportKey)

	raw.Index = 5
	c, err := NewNormalizer("file-1", nil).Normalize(raw)
	require.NoError(t, err)
	assert.NotEqual(t, a.ImportKey, c.ImportKey, "row index participates in the fallback key")
}

func TestNormalize_SameFITIDDifferentAccounts(t *testing.T) {
	n := NewNormalizer("file-1", nil)
	base := parser.RawTransaction{Format: domain.FormatOFX, Date: "20250101", Amount: "-1", FITID: "SAME"}

	first := base
	first.Account = &domain.AccountContext{ExternalAccountID: "111"}
	second := base
	second.Account = &domain.AccountContext{ExternalAccountID: "222"}

	a, err := n.Normalize(first)
	require.NoError(t, err)
	b, err := n.Normalize(second)
	require.NoError(t, err)
	assert.NotEqual(t, a.ImportKey, b.ImportKey)
}

func TestNormalize_ZeroAmountIsCredit(t *testing.T) {
	txn, err := NewNormalizer("f", nil).Normalize(parser.RawTransaction{Format: domain.FormatQIF, Date: "2025-01-01", Amount: "0.00"})
	require.NoError(t, err)
	assert.Equal(t, domain.DirectionCredit, txn.Direction)
	assert.True(t, txn.Amount.IsZero())
}

func TestNormalize_MissingAndUnrecognized(t *testing.T) {
	n := NewNormalizer("f", nil)

	_, err := n.Normalize(parser.RawTransaction{Format: domain.FormatQIF, Amount: "1"})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, err = n.Normalize(parser.RawTransaction{Format: domain.FormatQIF, Date: "2025-01-01", Amount: "  "})
	assert.ErrorIs(t, err, domain.ErrMissingField)

	_, err = n.Normalize(parser.RawTransaction{Format: domain.FormatQIF, Date: "sometime", Amount: "1"})
	assert.ErrorIs(t, err, domain.ErrUnrecognizedValue)

	_, err = n.Normalize(parser.RawTransaction{Format: domain.FormatQIF, Date: "2025-01-01", Amount: "lots"})
	assert.ErrorIs(t, err, domain.ErrUnrecognizedValue)
}

func TestNormalize_SplitsAreNotReconciled(t *testing.T) {
	raw := parser.RawTransaction{
		Format: domain.FormatQIF,
		Date:   "2025-01-01",
		Amount: "-200.00",
		Splits: []parser.RawSplit{
			{Category: domain.CategoryPath{Name: "Food"}, Amount: "-150.00", Memo: "groceries"},
			{Category: domain.CategoryPath{Name: "Home"}, Amount: "-10.00", Percent: "5%"},
		},
	}

	txn, err := NewNormalizer("f", nil).Normalize(raw)
	require.NoError(t, err, "splits that do not sum to the parent are tolerated")
	assert.Equal(t, "200", txn.Amount.String())
	require.Len(t, txn.Splits, 2)
	assert.Equal(t, "-150", txn.Splits[0].Amount.String())
	assert.Equal(t, "groceries", txn.Splits[0].Memo)
	require.NotNil(t, txn.Splits[1].Percent)
	assert.Equal(t, "5", txn.Splits[1].Percent.String())
}

func TestNormalize_BadSplitAmountFails(t *testing.T) {
	raw := parser.RawTransaction{
		Format: domain.FormatQIF, Date: "2025-01-01", Amount: "-1",
		Splits: []parser.RawSplit{{Amount: "n/a"}},
	}
	_, err := NewNormalizer("f", nil).Normalize(raw)
	assert.ErrorIs(t, err, domain.ErrUnrecognizedValue)
}

func TestNormalize_CarriesQIFFields(t *testing.T) {
	category := &domain.CategoryPath{Name: "Auto", Subcategory: "Fuel"}
	raw := parser.RawTransaction{
		Format:      domain.FormatQIF,
		Date:        "2025-01-01",
		Amount:      "-40",
		Description: "SHELL",
		Vendor:      "SHELL",
		Reference:   " 1001 ",
		Cleared:     "X",
		Address:     []string{"1 Main St"},
		Category:    category,
		ContentID:   "abc",
	}

	txn, err := NewNormalizer("f", nil).Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "SHELL", txn.VendorName())
	assert.Equal(t, "1001", txn.Reference)
	assert.Equal(t, "X", txn.Cleared)
	assert.Equal(t, category, txn.Category)
	assert.Equal(t, "abc", txn.ContentHash)
	assert.Equal(t, domain.FormatQIF, txn.Format)
}

func TestNormalizer_ImportKey(t *testing.T) {
	n := NewNormalizer("file-1", nil)
	signed := decimal.RequireFromString("-5")

	withFITID := parser.RawTransaction{FITID: " F9 ", Account: &domain.AccountContext{ExternalAccountID: "42"}}
	assert.Equal(t, "ofx_42_F9", n.ImportKey(withFITID, "2025-01-01", signed, "x"))

	noAccount := parser.RawTransaction{FITID: "F9"}
	assert.Equal(t, "ofx_F9", n.ImportKey(noAccount, "2025-01-01", signed, "x"))

	fallback := n.ImportKey(parser.RawTransaction{Index: 2}, "2025-01-01", signed, "x")
	assert.Equal(t, FallbackImportKey("file-1", 2, "2025-01-01", signed, "x"), fallback)
}
