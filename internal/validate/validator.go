// Package validate gates uploads before parsing and checks finished
// transaction lists against the output invariants.
package validate

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

// ValidationResult contains all validation errors and warnings for an import
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// ValidationError represents a validation error
type ValidationError struct {
	Entity  string // "transaction", "split", "account"
	ID      string
	Field   string
	Value   string
	Message string
}

// ValidationWarning represents a non-critical validation issue
type ValidationWarning struct {
	Entity  string `json:"entity"`
	ID      string `json:"id"`
	Field   string `json:"field"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

func (w ValidationWarning) String() string {
	return fmt.Sprintf("%s %s: %s: %s", w.Entity, w.ID, w.Field, w.Message)
}

// Err returns the errors joined into one error, or nil when there are none.
func (r *ValidationResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = fmt.Errorf("%s %s: %s: %s", e.Entity, e.ID, e.Field, e.Message)
	}
	return errors.Join(errs...)
}

// ValidateTransactions checks every normalized transaction against the
// output invariants: a non-empty import key, a non-negative amount, a valid
// calendar date and a known direction. Informational issues such as splits
// that do not sum to the parent are reported as warnings.
func ValidateTransactions(txns []*domain.NormalizedTransaction) *ValidationResult {
	result := &ValidationResult{
		Errors:   []ValidationError{},
		Warnings: []ValidationWarning{},
	}

	checkedAccounts := make(map[*domain.AccountContext]bool)

	for _, txn := range txns {
		id := txn.ImportKey
		if id == "" {
			id = fmt.Sprintf("#%d", txn.Index)
			result.Errors = append(result.Errors, ValidationError{
				Entity:  "transaction",
				ID:      id,
				Field:   "ImportKey",
				Value:   "",
				Message: "import key cannot be empty",
			})
		}

		if txn.Amount.IsNegative() {
			result.Errors = append(result.Errors, ValidationError{
				Entity:  "transaction",
				ID:      id,
				Field:   "Amount",
				Value:   txn.Amount.String(),
				Message: "amount must be non-negative",
			})
		}

		if _, err := time.Parse(domain.DateLayout, txn.Date); err != nil {
			result.Errors = append(result.Errors, ValidationError{
				Entity:  "transaction",
				ID:      id,
				Field:   "Date",
				Value:   txn.Date,
				Message: fmt.Sprintf("invalid date format (expected YYYY-MM-DD): %v", err),
			})
		}

		if txn.Direction != domain.DirectionCredit && txn.Direction != domain.DirectionDebit {
			result.Errors = append(result.Errors, ValidationError{
				Entity:  "transaction",
				ID:      id,
				Field:   "Direction",
				Value:   string(txn.Direction),
				Message: "direction must be credit or debit",
			})
		}

		if txn.Amount.IsZero() {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Entity:  "transaction",
				ID:      id,
				Field:   "Amount",
				Value:   "0",
				Message: "zero amount is classified as credit",
			})
		}

		if txn.Description == "" {
			result.Warnings = append(result.Warnings, ValidationWarning{
				Entity:  "transaction",
				ID:      id,
				Field:   "Description",
				Value:   "",
				Message: "transaction has no description",
			})
		}

		if len(txn.Splits) > 0 {
			sum := decimal.Zero
			for _, s := range txn.Splits {
				sum = sum.Add(s.Amount)
			}
			if !sum.Abs().Equal(txn.Amount) {
				result.Warnings = append(result.Warnings, ValidationWarning{
					Entity:  "split",
					ID:      id,
					Field:   "Amount",
					Value:   sum.String(),
					Message: fmt.Sprintf("splits sum to %s, transaction amount is %s", sum.Abs(), txn.Amount),
				})
			}
		}

		if acct := txn.Account; acct != nil && !checkedAccounts[acct] {
			checkedAccounts[acct] = true
			if !domain.ValidateAccountType(acct.Type) {
				result.Errors = append(result.Errors, ValidationError{
					Entity:  "account",
					ID:      acct.Key(),
					Field:   "Type",
					Value:   string(acct.Type),
					Message: fmt.Sprintf("invalid account type: %s", acct.Type),
				})
			}
			if acct.Currency != "" && len(acct.Currency) != 3 {
				result.Warnings = append(result.Warnings, ValidationWarning{
					Entity:  "account",
					ID:      acct.Key(),
					Field:   "Currency",
					Value:   acct.Currency,
					Message: "currency is not a 3-letter code",
				})
			}
		}
	}

	return result
}
