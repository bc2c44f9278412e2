// Package transform converts parser records into normalized transactions.
package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/money"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
)

// Normalizer maps raw records of one file to NormalizedTransaction.
type Normalizer struct {
	fileID  string
	mapping *domain.ColumnMapping
}

// NewNormalizer creates a normalizer for the file identified by fileID.
// mapping is required for CSV records and ignored otherwise.
func NewNormalizer(fileID string, mapping *domain.ColumnMapping) *Normalizer {
	return &Normalizer{fileID: fileID, mapping: mapping}
}

// Normalize converts one raw record.
//
// A record with no date or no amount fails with domain.ErrMissingField.
// A date or amount that is present but cannot be read fails with
// domain.ErrUnrecognizedValue.
func (n *Normalizer) Normalize(raw parser.RawTransaction) (*domain.NormalizedTransaction, error) {
	if raw.Format == domain.FormatCSV {
		mapped, err := n.applyMapping(raw)
		if err != nil {
			return nil, err
		}
		raw = mapped
	}

	if strings.TrimSpace(raw.Date) == "" {
		return nil, fmt.Errorf("date: %w", domain.ErrMissingField)
	}
	if strings.TrimSpace(raw.Amount) == "" {
		return nil, fmt.Errorf("amount: %w", domain.ErrMissingField)
	}

	date, err := NormalizeDate(raw.Date)
	if err != nil {
		return nil, err
	}
	signed, err := NormalizeAmount(raw.Amount)
	if err != nil {
		return nil, err
	}
	abs, credit := money.Split(signed)
	direction := domain.DirectionDebit
	if credit {
		direction = domain.DirectionCredit
	}

	description := CleanText(raw.Description)

	key := n.ImportKey(raw, date, signed, description)

	txn, err := domain.NewNormalizedTransaction(date, abs, direction, key)
	if err != nil {
		return nil, err
	}
	txn.Description = description
	txn.Memo = CleanText(raw.Memo)
	if v := CleanText(raw.Vendor); v != "" {
		txn.Vendor = &v
	}
	txn.Reference = strings.TrimSpace(raw.Reference)
	txn.Account = raw.Account
	txn.Format = raw.Format
	txn.Index = raw.Index
	txn.TxnType = raw.TxnType
	txn.Cleared = raw.Cleared
	txn.Address = raw.Address
	txn.Category = raw.Category
	txn.Investment = raw.Investment
	txn.ContentHash = raw.ContentID

	for i, s := range raw.Splits {
		split, err := normalizeSplit(s)
		if err != nil {
			return nil, fmt.Errorf("split %d: %w", i, err)
		}
		txn.Splits = append(txn.Splits, split)
	}
	return txn, nil
}

// ImportKey derives the dedup key of a record from its normalized date,
// signed amount and cleaned description. A bank-assigned FITID wins and is
// scoped by the source account; everything else gets a file-scoped hash.
func (n *Normalizer) ImportKey(raw parser.RawTransaction, date string, signed decimal.Decimal, description string) string {
	if fitid := strings.TrimSpace(raw.FITID); fitid != "" {
		return BankImportKey(raw.Account.Key(), fitid)
	}
	return FallbackImportKey(n.fileID, raw.Index, date, signed, description)
}

// applyMapping copies CSV cells into the canonical raw fields.
func (n *Normalizer) applyMapping(raw parser.RawTransaction) (parser.RawTransaction, error) {
	if n.mapping == nil {
		return raw, fmt.Errorf("CSV records require a column mapping")
	}
	m := n.mapping
	cell := func(col string) string {
		if col == "" {
			return ""
		}
		return strings.TrimSpace(raw.Fields[col])
	}

	raw.Date = cell(m.Date)
	raw.Description = cell(m.Description)
	raw.Memo = cell(m.Memo)
	raw.Reference = cell(m.Reference)
	raw.Vendor = cell(m.Vendor)

	if m.Amount != "" {
		raw.Amount = cell(m.Amount)
		return raw, nil
	}

	// Separate debit and credit columns: debits become negative.
	debit, credit := cell(m.Debit), cell(m.Credit)
	switch {
	case debit != "" && !isZeroAmount(debit):
		d, err := NormalizeAmount(debit)
		if err != nil {
			return raw, err
		}
		raw.Amount = d.Abs().Neg().String()
	case credit != "":
		c, err := NormalizeAmount(credit)
		if err != nil {
			return raw, err
		}
		raw.Amount = c.Abs().String()
	case debit != "":
		raw.Amount = "0"
	default:
		raw.Amount = ""
	}
	return raw, nil
}

func isZeroAmount(s string) bool {
	d, err := money.Parse(s)
	return err == nil && d.IsZero()
}

func normalizeSplit(s parser.RawSplit) (domain.Split, error) {
	split := domain.Split{Category: s.Category, Memo: CleanText(s.Memo)}
	if strings.TrimSpace(s.Amount) != "" {
		amount, err := NormalizeAmount(s.Amount)
		if err != nil {
			return split, err
		}
		split.Amount = amount
	}
	if p := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s.Percent), "%")); p != "" {
		pct, err := NormalizeAmount(p)
		if err != nil {
			return split, err
		}
		split.Percent = &pct
	}
	return split, nil
}

var (
	isoDate      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	ofxDateStart = regexp.MustCompile(`^(\d{8})`)
)

// explicitDateLayouts are tried in order after the ISO and OFX forms.
// Month-first wins for ambiguous values.
var explicitDateLayouts = []string{
	"1/2/2006",
	"2/1/2006",
	"1-2-2006",
	"2-1-2006",
	"2006/1/2",
	"2.1.2006",
	"1.2.2006",
}

// NormalizeDate returns raw as YYYY-MM-DD. It recognizes, in order: ISO
// dates, OFX datetimes (first 8 digits), the explicit layouts, and finally
// free-form dates such as "Dec 30, 2025".
func NormalizeDate(raw string) (string, error) {
	s := strings.TrimSpace(raw)

	if isoDate.MatchString(s) {
		if _, err := time.Parse(domain.DateLayout, s); err == nil {
			return s, nil
		}
		return "", fmt.Errorf("invalid calendar date %q: %w", raw, domain.ErrUnrecognizedValue)
	}

	if m := ofxDateStart.FindStringSubmatch(s); m != nil {
		if t, err := time.Parse("20060102", m[1]); err == nil {
			return t.Format(domain.DateLayout), nil
		}
	}

	for _, layout := range explicitDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(domain.DateLayout), nil
		}
	}

	if t, err := dateparse.ParseIn(s, time.UTC); err == nil {
		return t.Format(domain.DateLayout), nil
	}

	return "", fmt.Errorf("unrecognized date %q: %w", raw, domain.ErrUnrecognizedValue)
}

// NormalizeAmount parses a signed amount, accepting thousands separators,
// currency symbols, parentheses and trailing minus signs.
func NormalizeAmount(raw string) (decimal.Decimal, error) {
	d, err := money.Parse(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unrecognized amount %q: %w", raw, domain.ErrUnrecognizedValue)
	}
	return d, nil
}

// CleanText applies NFKC normalization, trims, and collapses whitespace runs
// to a single space.
func CleanText(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}
