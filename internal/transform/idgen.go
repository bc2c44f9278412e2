package transform

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fileNamespace scopes file ids generated by FileID.
var fileNamespace = uuid.MustParse("6f1d3c7e-2b4a-5e8f-9c0d-1a2b3c4d5e6f")

// FileID returns a deterministic id for an uploaded file's content.
// Identical bytes always produce the same id.
func FileID(content []byte) string {
	return uuid.NewSHA1(fileNamespace, content).String()
}

// BankImportKey builds the key for a record that carries a bank-assigned id.
// Example: BankImportKey("1234", "F1") → "ofx_1234_F1", BankImportKey("", "F1") → "ofx_F1"
func BankImportKey(accountID, fitid string) string {
	if accountID == "" {
		return "ofx_" + fitid
	}
	return "ofx_" + accountID + "_" + fitid
}

// FallbackImportKey hashes the file id, row index, date, signed amount and
// description. The row index keeps identical rows of one file distinct.
func FallbackImportKey(fileID string, index int, date string, signed decimal.Decimal, description string) string {
	payload := fmt.Sprintf("%s|%d|%s|%s|%s", fileID, index, date, signed.String(), description)
	sum := sha256.Sum256([]byte(payload))
	return "hash_" + hex.EncodeToString(sum[:16])
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify converts an institution or account name to a URL-safe slug.
// Examples: "American Express" → "american-express", "Crédit Agricole" → "credit-agricole"
func Slugify(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name cannot be empty")
	}

	// Strip accents
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(t, name)
	if err != nil {
		return "", fmt.Errorf("failed to normalize name %q: %w", name, err)
	}

	slug := nonSlugChars.ReplaceAllString(strings.ToLower(normalized), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "", fmt.Errorf("name %q contains no alphanumeric characters", name)
	}
	return slug, nil
}

// ExtractLast4 returns the last 4 characters of the account number.
// If the account number has fewer than 4 characters, returns the full number.
// Examples: "12345" → "2345", "123" → "123", "" → ""
func ExtractLast4(accountNumber string) string {
	if len(accountNumber) <= 4 {
		return accountNumber
	}
	return accountNumber[len(accountNumber)-4:]
}

// GenerateAccountID creates a deterministic account ID from an institution
// slug and account number. It names accounts for files that carry no account
// id of their own.
// Example: GenerateAccountID("amex", "2011") → "acc-amex-2011"
//
//	GenerateAccountID("bank-of-america", "5678") → "acc-boa-5678"
//
// Account names that are not numbers, such as "checking", are kept whole.
func GenerateAccountID(institutionSlug, accountNumber string) string {
	suffix := accountNumber
	if isDigits(accountNumber) {
		suffix = ExtractLast4(accountNumber)
	}
	return fmt.Sprintf("acc-%s-%s", abbreviateSlug(institutionSlug), suffix)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// abbreviateSlug creates shorter versions of common institution names
func abbreviateSlug(slug string) string {
	abbreviations := map[string]string{
		"american-express": "amex",
		"bank-of-america":  "boa",
		"capital-one":      "c1",
	}

	if abbrev, ok := abbreviations[slug]; ok {
		return abbrev
	}
	return slug
}
