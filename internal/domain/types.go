package domain

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical calendar date format for normalized output.
const DateLayout = "2006-01-02"

// Format identifies the statement file format.
type Format int

const (
	FormatCSV Format = iota + 1
	FormatOFX
	FormatQIF
)

// String returns the lowercase format name.
func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatOFX:
		return "ofx"
	case FormatQIF:
		return "qif"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// MarshalJSON encodes the format as its name.
func (f Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

// UnmarshalJSON decodes a format name.
func (f *Format) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseFormat(name)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFormat maps a format name back to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "csv", "txt":
		return FormatCSV, nil
	case "ofx", "qfx":
		return FormatOFX, nil
	case "qif":
		return FormatQIF, nil
	default:
		return 0, fmt.Errorf("unknown format %q", name)
	}
}

// FormatFromFilename derives the format from the file extension.
// txt is treated as csv.
func FormatFromFilename(filename string) (Format, error) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	switch ext {
	case "csv", "txt":
		return FormatCSV, nil
	case "ofx":
		return FormatOFX, nil
	case "qif":
		return FormatQIF, nil
	default:
		return 0, fmt.Errorf("unsupported file extension %q", ext)
	}
}

// Direction is the money flow of a transaction relative to the account.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// AccountType represents the account type enum.
type AccountType string

const (
	AccountTypeBank       AccountType = "bank"
	AccountTypeCash       AccountType = "cash"
	AccountTypeCreditCard AccountType = "credit_card"
	AccountTypeInvestment AccountType = "investment"
	AccountTypeAsset      AccountType = "asset"
	AccountTypeLiability  AccountType = "liability"
)

var validAccountTypes = map[AccountType]struct{}{
	AccountTypeBank: {}, AccountTypeCash: {}, AccountTypeCreditCard: {},
	AccountTypeInvestment: {}, AccountTypeAsset: {}, AccountTypeLiability: {},
}

// ValidateAccountType checks if account type is valid
func ValidateAccountType(t AccountType) bool {
	_, ok := validAccountTypes[t]
	return ok
}

// AccountContext describes the account a statement section belongs to.
// Only OFX and QIF files carry one. Parsers create it once and attach the
// same pointer to every transaction of that section; nothing mutates it after
// the first transaction is emitted.
type AccountContext struct {
	ExternalAccountID string           `json:"externalAccountId,omitempty"`
	BankID            string           `json:"bankId,omitempty"`
	Name              string           `json:"name,omitempty"`
	Type              AccountType      `json:"type"`
	BankAccountType   string           `json:"bankAccountType,omitempty"` // OFX ACCTTYPE, e.g. CHECKING
	Currency          string           `json:"currency,omitempty"`
	LedgerBalance     *decimal.Decimal `json:"ledgerBalance,omitempty"`
	AvailableBalance  *decimal.Decimal `json:"availableBalance,omitempty"`
	BalanceAsOf       string           `json:"balanceAsOf,omitempty"` // YYYY-MM-DD
}

// Key returns the identifier used to scope import keys to this account.
// ExternalAccountID wins; QIF accounts without one fall back to their name.
func (a *AccountContext) Key() string {
	if a == nil {
		return ""
	}
	if a.ExternalAccountID != "" {
		return a.ExternalAccountID
	}
	return a.Name
}

// CategoryPath is a parsed QIF category reference.
//
//	Food:Groceries/Household -> Name=Food Subcategory=Groceries Class=Household
//	[Savings]                -> Name=Savings TransferAccount=Savings
type CategoryPath struct {
	Name            string `json:"name,omitempty"`
	Subcategory     string `json:"subcategory,omitempty"`
	Class           string `json:"class,omitempty"`
	TransferAccount string `json:"transferAccount,omitempty"`
}

// IsTransfer reports whether the category names a transfer account.
func (c CategoryPath) IsTransfer() bool {
	return c.TransferAccount != ""
}

// IsZero reports whether no part of the category is set.
func (c CategoryPath) IsZero() bool {
	return c == CategoryPath{}
}

// Split is one sub-allocation of a parent transaction.
// Split amounts are not required to sum to the parent amount.
type Split struct {
	Category CategoryPath     `json:"category"`
	Amount   decimal.Decimal  `json:"amount"`
	Percent  *decimal.Decimal `json:"percent,omitempty"`
	Memo     string           `json:"memo,omitempty"`
}

// Investment holds the QIF investment-only fields.
type Investment struct {
	Security   string `json:"security,omitempty"`
	Price      string `json:"price,omitempty"`
	Quantity   string `json:"quantity,omitempty"`
	Commission string `json:"commission,omitempty"`
}

// RuleRef records which import rule fired on a transaction.
type RuleRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// NormalizedTransaction is the canonical output record of the pipeline.
type NormalizedTransaction struct {
	Date        string           `json:"date"` // ISO format YYYY-MM-DD
	Amount      decimal.Decimal  `json:"amount"`
	Direction   Direction        `json:"direction"`
	Description string           `json:"description"`
	Memo        string           `json:"memo,omitempty"`
	Vendor      *string          `json:"vendor,omitempty"`
	Reference   string           `json:"reference,omitempty"`
	Account     *AccountContext  `json:"account,omitempty"`
	ImportKey   string           `json:"importKey"`
	Format      Format           `json:"format"`
	Index       int              `json:"index"`
	TxnType     string           `json:"txnType,omitempty"`
	Cleared     string           `json:"cleared,omitempty"`
	Address     []string         `json:"address,omitempty"`
	Category    *CategoryPath    `json:"sourceCategory,omitempty"`
	Splits      []Split          `json:"splits,omitempty"`
	Investment  *Investment      `json:"investment,omitempty"`
	ContentHash string           `json:"contentHash,omitempty"`
	CategoryID  *int64           `json:"categoryId,omitempty"`
	MatchedRule *RuleRef         `json:"matchedRule,omitempty"`
	ruleApplied bool
}

// NewNormalizedTransaction creates a transaction that satisfies the output
// invariants: a valid calendar date, a non-negative amount, a non-empty
// import key and a known direction.
func NewNormalizedTransaction(date string, amount decimal.Decimal, direction Direction, importKey string) (*NormalizedTransaction, error) {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return nil, fmt.Errorf("invalid date format: %w", err)
	}
	if amount.IsNegative() {
		return nil, fmt.Errorf("amount must be non-negative, got %s", amount)
	}
	if direction != DirectionCredit && direction != DirectionDebit {
		return nil, fmt.Errorf("invalid direction %q", direction)
	}
	if strings.TrimSpace(importKey) == "" {
		return nil, fmt.Errorf("import key cannot be empty")
	}
	return &NormalizedTransaction{
		Date:      date,
		Amount:    amount,
		Direction: direction,
		ImportKey: importKey,
	}, nil
}

// SignedAmount recovers the signed value: negative for debits.
func (t *NormalizedTransaction) SignedAmount() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// AccountKey returns the source account identifier, or "" when the format
// carries no account context.
func (t *NormalizedTransaction) AccountKey() string {
	return t.Account.Key()
}

// VendorName returns the vendor or "" when absent.
func (t *NormalizedTransaction) VendorName() string {
	if t.Vendor == nil {
		return ""
	}
	return *t.Vendor
}

// ApplyRule records the outcome of a matching import rule. A transaction
// accepts exactly one rule; later calls return an error.
func (t *NormalizedTransaction) ApplyRule(ref RuleRef, categoryID *int64, vendor string) error {
	if t.ruleApplied {
		return fmt.Errorf("transaction %s already annotated by rule %d", t.ImportKey, t.MatchedRule.ID)
	}
	if categoryID != nil {
		id := *categoryID
		t.CategoryID = &id
	}
	if v := strings.TrimSpace(vendor); v != "" {
		t.Vendor = &v
	}
	t.MatchedRule = &ref
	t.ruleApplied = true
	return nil
}

// Validate checks the output invariants on an already built transaction.
func (t *NormalizedTransaction) Validate() error {
	if strings.TrimSpace(t.ImportKey) == "" {
		return fmt.Errorf("import key cannot be empty")
	}
	if t.Amount.IsNegative() {
		return fmt.Errorf("amount must be non-negative, got %s", t.Amount)
	}
	if _, err := time.Parse(DateLayout, t.Date); err != nil {
		return fmt.Errorf("invalid date %q: %w", t.Date, err)
	}
	return nil
}

// MatchField selects the transaction field an import rule inspects.
type MatchField string

const (
	MatchFieldDescription MatchField = "description"
	MatchFieldVendor      MatchField = "vendor"
	MatchFieldReference   MatchField = "reference"
)

// MatchType defines how a rule pattern is compared with the field.
type MatchType string

const (
	MatchTypeContains MatchType = "contains"
	MatchTypeExact    MatchType = "exact"
	MatchTypeRegex    MatchType = "regex"
)

// ImportRule is a user-owned categorization rule. The pipeline only reads it.
type ImportRule struct {
	ID         int64      `yaml:"id" json:"id"`
	Name       string     `yaml:"name" json:"name"`
	Pattern    string     `yaml:"pattern" json:"pattern"`
	MatchField MatchField `yaml:"match_field" json:"matchField"`
	MatchType  MatchType  `yaml:"match_type" json:"matchType"`
	CategoryID *int64     `yaml:"category_id,omitempty" json:"categoryId,omitempty"`
	VendorName string     `yaml:"vendor_name,omitempty" json:"vendorName,omitempty"`
	Priority   int        `yaml:"priority" json:"priority"`
}

// DuplicateVerdict pairs a transaction with its duplicate classification.
type DuplicateVerdict struct {
	Transaction NormalizedTransaction `json:"transaction"`
	IsDuplicate bool                  `json:"isDuplicate"`
}

// ColumnMapping names the CSV header for each canonical field. Date and
// either Amount or Debit/Credit are required; the rest are optional.
type ColumnMapping struct {
	Date        string `yaml:"date" json:"date"`
	Amount      string `yaml:"amount,omitempty" json:"amount,omitempty"`
	Debit       string `yaml:"debit,omitempty" json:"debit,omitempty"`
	Credit      string `yaml:"credit,omitempty" json:"credit,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Memo        string `yaml:"memo,omitempty" json:"memo,omitempty"`
	Reference   string `yaml:"reference,omitempty" json:"reference,omitempty"`
	Vendor      string `yaml:"vendor,omitempty" json:"vendor,omitempty"`
}

// Validate checks that the mapping can produce a date and an amount.
func (m ColumnMapping) Validate() error {
	if strings.TrimSpace(m.Date) == "" {
		return fmt.Errorf("column mapping must name a date column")
	}
	if strings.TrimSpace(m.Amount) == "" && strings.TrimSpace(m.Debit) == "" && strings.TrimSpace(m.Credit) == "" {
		return fmt.Errorf("column mapping must name an amount column or debit/credit columns")
	}
	return nil
}
