package qif

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/money"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
)

var digitGroups = regexp.MustCompile(`\d+`)

// ParseDate reads a QIF date into YYYY-MM-DD.
//
// The apostrophe year separator (1/5'25) is treated as a slash. Two-digit
// years below 70 are 20xx, the rest 19xx. A four-digit first group means
// Y/M/D. Otherwise the order is chosen by range: a first group above 12 is
// the day (D/M/Y), then a second group above 12 is the day (M/D/Y), and
// anything still ambiguous is read as M/D/Y.
func ParseDate(raw string) (string, bool) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), "'", "/")
	groups := digitGroups.FindAllString(s, -1)
	if len(groups) != 3 {
		return "", false
	}
	n := make([]int, 3)
	for i, g := range groups {
		v, err := strconv.Atoi(g)
		if err != nil {
			return "", false
		}
		n[i] = v
	}

	var year, month, day int
	if len(groups[0]) == 4 {
		year, month, day = n[0], n[1], n[2]
	} else {
		year = n[2]
		if len(groups[2]) <= 2 {
			if year < 70 {
				year += 2000
			} else {
				year += 1900
			}
		}
		switch {
		case n[0] > 12:
			day, month = n[0], n[1]
		case n[1] > 12:
			month, day = n[0], n[1]
		default:
			month, day = n[0], n[1]
		}
	}

	if month < 1 || month > 12 || day < 1 {
		return "", false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if d.Day() != day || int(d.Month()) != month {
		return "", false
	}
	return d.Format(domain.DateLayout), true
}

// ParseAmount applies the shared amount heuristic: US (1,234.56) and
// European (1.234,56) grouping are both accepted.
func ParseAmount(raw string) (decimal.Decimal, error) {
	return money.Parse(raw)
}

// ParseCategory splits an L or S field value.
//
//	Food:Groceries/Household -> Name=Food Subcategory=Groceries Class=Household
//	[Savings]/Joint          -> TransferAccount=Savings Class=Joint
//
// The class suffix is removed before the colon split.
func ParseCategory(raw string) domain.CategoryPath {
	var c domain.CategoryPath
	s := strings.TrimSpace(raw)

	if i := strings.LastIndex(s, "/"); i >= 0 {
		c.Class = strings.TrimSpace(s[i+1:])
		s = strings.TrimSpace(s[:i])
	}

	if strings.HasPrefix(s, "[") {
		if end := strings.Index(s, "]"); end > 0 {
			c.TransferAccount = strings.TrimSpace(s[1:end])
			c.Name = c.TransferAccount
			return c
		}
	}

	if i := strings.Index(s, ":"); i >= 0 {
		c.Name = strings.TrimSpace(s[:i])
		c.Subcategory = strings.TrimSpace(s[i+1:])
	} else {
		c.Name = s
	}
	return c
}

// contentID hashes the identifying fields of a record. QIF has no bank
// transaction id, so this is the only content-derived identity available.
func contentID(t *parser.RawTransaction) string {
	amount := t.Amount
	if d, err := ParseAmount(t.Amount); err == nil {
		amount = d.String()
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s", t.Date, amount, t.Description, t.Reference, t.Memo)))
	return hex.EncodeToString(sum[:])
}
