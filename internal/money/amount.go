// Package money parses vendor-formatted monetary amounts into decimals.
package money

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// nonAmountChars strips currency symbols, spaces and letters.
	nonAmountChars = regexp.MustCompile(`[^0-9.,\-]`)

	// europeanGrouping matches 1.234,56 / 12,50 / -1.234.567,8
	europeanGrouping = regexp.MustCompile(`^-?\d{1,3}(\.\d{3})*,\d{1,2}$`)
)

// Parse converts an amount string to a signed decimal.
//
// Everything except digits, '.', '-' and ',' is dropped first. When the
// remainder looks like European grouping (1.234,56) the roles of '.' and ','
// are swapped; otherwise commas are treated as thousands separators. An
// amount wrapped in parentheses, "(12.50)", is negative.
func Parse(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}

	negative := strings.HasPrefix(trimmed, "(") && strings.HasSuffix(trimmed, ")")

	cleaned := nonAmountChars.ReplaceAllString(trimmed, "")
	if cleaned == "" || strings.Trim(cleaned, ".,-") == "" {
		return decimal.Zero, fmt.Errorf("amount %q contains no digits", raw)
	}

	if europeanGrouping.MatchString(cleaned) {
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
	} else {
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}

	// Trailing minus ("50.00-") appears in some bank exports.
	if strings.HasSuffix(cleaned, "-") && !strings.HasPrefix(cleaned, "-") {
		cleaned = "-" + strings.TrimSuffix(cleaned, "-")
	}

	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	if negative && amount.IsPositive() {
		amount = amount.Neg()
	}
	return amount, nil
}

// Split returns the absolute value of a signed amount and whether it counts
// as a credit. Zero is a credit.
func Split(signed decimal.Decimal) (decimal.Decimal, bool) {
	return signed.Abs(), !signed.IsNegative()
}
