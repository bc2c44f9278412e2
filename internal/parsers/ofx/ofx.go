// Package ofx provides OFX 1.x (SGML) and 2.x (XML) statement parsing.
package ofx

import (
	"context"
	"fmt"
	"html"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/aclindsa/ofxgo"
	"github.com/shopspring/decimal"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/money"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
)

// Parser extracts statements from OFX text with tag scanning instead of a
// strict document parser, so files with unterminated or out-of-order tags
// still yield their well-formed records.
type Parser struct{}

// NewParser returns a new OFX parser.
func NewParser() *Parser {
	return &Parser{}
}

// Name returns the parser identifier
func (p *Parser) Name() string {
	return "ofx"
}

// Format returns domain.FormatOFX
func (p *Parser) Format() domain.Format {
	return domain.FormatOFX
}

// CanParse checks if this parser can handle the file based on extension and header
func (p *Parser) CanParse(path string, header []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".ofx" && ext != ".qfx" {
		return false
	}

	// Look for OFX header markers (both v1 SGML and v2 XML formats)
	headerUpper := strings.ToUpper(string(header))
	return strings.Contains(headerUpper, "OFXHEADER") ||
		strings.Contains(headerUpper, "<?OFX") ||
		strings.Contains(headerUpper, "<OFX>")
}

// Stream emits one account per bank or credit card statement, followed by
// that statement's transactions in source order. Transactions missing
// TRNAMT or DTPOSTED are dropped.
func (p *Parser) Stream(ctx context.Context, content string, e parser.Emitter) error {
	body, err := Preprocess(content)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	if strings.Contains(asciiUpper(body), "<INVSTMTRS>") {
		log.Warn().Msg("OFX investment statements are not supported and were skipped")
	}

	for _, stmt := range findStatements(body) {
		acct := parseAccount(ctx, stmt)
		e.OpenAccount(acct)

		list, ok := firstBlock(stmt.body, "BANKTRANLIST", "<LEDGERBAL>", "<AVAILBAL>")
		if !ok {
			continue
		}
		for i, trn := range blocks(list, "STMTTRN", "</BANKTRANLIST>") {
			if err := ctx.Err(); err != nil {
				return err
			}
			raw, ok := parseTransaction(ctx, trn.body)
			if !ok {
				log.Debug().
					Str("account", acct.ExternalAccountID).
					Int("block", i).
					Msg("skipping OFX transaction without TRNAMT or DTPOSTED")
				continue
			}
			if !e.Emit(raw) {
				return nil
			}
		}
	}
	return nil
}

// CountRecords counts transactions with a full parse.
func (p *Parser) CountRecords(ctx context.Context, content string) (int, error) {
	return parser.CountByParsing(ctx, p, content)
}

var interTagSpace = regexp.MustCompile(`>\s+<`)

// Preprocess drops everything before <OFX>, normalizes line endings and
// removes whitespace between adjacent tags. After this SGML and XML bodies
// differ only in whether leaf tags are closed.
func Preprocess(content string) (string, error) {
	idx := strings.Index(asciiUpper(content), "<OFX>")
	if idx < 0 {
		return "", fmt.Errorf("no <OFX> element found: %w", domain.ErrUnparseableFile)
	}
	body := content[idx:]
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	return interTagSpace.ReplaceAllString(body, "><"), nil
}

type tagPattern struct {
	closed *regexp.Regexp
	open   *regexp.Regexp
}

var tagPatterns sync.Map // tag name -> *tagPattern

func patternFor(tag string) *tagPattern {
	if p, ok := tagPatterns.Load(tag); ok {
		return p.(*tagPattern)
	}
	quoted := regexp.QuoteMeta(tag)
	p := &tagPattern{
		closed: regexp.MustCompile(`(?i)<` + quoted + `>([^<]*)</` + quoted + `>`),
		open:   regexp.MustCompile(`(?i)<` + quoted + `>([^<\n]*)`),
	}
	actual, _ := tagPatterns.LoadOrStore(tag, p)
	return actual.(*tagPattern)
}

// extractTagValue returns the text of the first TAG element in text. The
// XML form <TAG>value</TAG> is tried first, then the SGML form <TAG>value
// ended by the next tag or line break. Entities are decoded.
func extractTagValue(text, tag string) (string, bool) {
	p := patternFor(tag)
	if m := p.closed.FindStringSubmatch(text); m != nil {
		return cleanValue(m[1]), true
	}
	if m := p.open.FindStringSubmatch(text); m != nil {
		v := cleanValue(m[1])
		return v, v != ""
	}
	return "", false
}

func tagValue(text, tag string) string {
	v, _ := extractTagValue(text, tag)
	return v
}

func cleanValue(v string) string {
	return strings.TrimSpace(html.UnescapeString(v))
}

// block is the inner text of one aggregate and its offset in the parent text.
type block struct {
	start int
	body  string
}

// blocks returns every <tag> aggregate in text. A block ends at its closing
// tag or, when that is missing, at the next <tag>, the first of terminators,
// or the end of text, whichever comes first.
func blocks(text, tag string, terminators ...string) []block {
	upper := asciiUpper(text)
	open := "<" + tag + ">"
	enders := append([]string{"</" + tag + ">", open}, terminators...)

	var out []block
	pos := 0
	for {
		i := strings.Index(upper[pos:], open)
		if i < 0 {
			return out
		}
		start := pos + i + len(open)
		end := len(text)
		for _, t := range enders {
			if j := strings.Index(upper[start:], t); j >= 0 && start+j < end {
				end = start + j
			}
		}
		out = append(out, block{start: start, body: text[start:end]})
		pos = end
	}
}

func firstBlock(text, tag string, terminators ...string) (string, bool) {
	found := blocks(text, tag, terminators...)
	if len(found) == 0 {
		return "", false
	}
	return found[0].body, true
}

type statement struct {
	block
	creditCard bool
}

var statementEnders = []string{
	"<STMTRS>", "<CCSTMTRS>",
	"</STMTTRNRS>", "</CCSTMTTRNRS>",
	"</BANKMSGSRSV1>", "</CREDITCARDMSGSRSV1>", "</OFX>",
}

// findStatements returns bank and credit card statements in source order.
func findStatements(body string) []statement {
	var out []statement
	for _, b := range blocks(body, "STMTRS", statementEnders...) {
		out = append(out, statement{block: b})
	}
	for _, b := range blocks(body, "CCSTMTRS", statementEnders...) {
		out = append(out, statement{block: b, creditCard: true})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func parseAccount(ctx context.Context, stmt statement) *domain.AccountContext {
	acct := &domain.AccountContext{
		Type:     domain.AccountTypeBank,
		Currency: strings.ToUpper(tagValue(stmt.body, "CURDEF")),
	}
	if acct.Currency == "" {
		acct.Currency = "USD"
	}

	if stmt.creditCard {
		acct.Type = domain.AccountTypeCreditCard
		if from, ok := firstBlock(stmt.body, "CCACCTFROM", "<BANKTRANLIST>", "<LEDGERBAL>"); ok {
			acct.ExternalAccountID = tagValue(from, "ACCTID")
		}
	} else if from, ok := firstBlock(stmt.body, "BANKACCTFROM", "<BANKTRANLIST>", "<LEDGERBAL>"); ok {
		acct.ExternalAccountID = tagValue(from, "ACCTID")
		acct.BankID = tagValue(from, "BANKID")
		acct.BankAccountType = mapBankAccountType(ctx, tagValue(from, "ACCTTYPE"), acct.ExternalAccountID)
	}

	if bal, ok := firstBlock(stmt.body, "LEDGERBAL", "<AVAILBAL>", "<BANKTRANLIST>"); ok {
		acct.LedgerBalance = parseBalance(tagValue(bal, "BALAMT"))
		if asOf, ok := ParseDate(tagValue(bal, "DTASOF")); ok {
			acct.BalanceAsOf = asOf
		}
	}
	if bal, ok := firstBlock(stmt.body, "AVAILBAL", "<LEDGERBAL>", "<BANKTRANLIST>"); ok {
		acct.AvailableBalance = parseBalance(tagValue(bal, "BALAMT"))
		if acct.BalanceAsOf == "" {
			if asOf, ok := ParseDate(tagValue(bal, "DTASOF")); ok {
				acct.BalanceAsOf = asOf
			}
		}
	}
	return acct
}

func parseBalance(raw string) *decimal.Decimal {
	if raw == "" {
		return nil
	}
	d, err := money.Parse(raw)
	if err != nil {
		return nil
	}
	return &d
}

func parseTransaction(ctx context.Context, body string) (parser.RawTransaction, bool) {
	amount, hasAmount := extractTagValue(body, "TRNAMT")
	posted, hasPosted := extractTagValue(body, "DTPOSTED")
	if !hasAmount || !hasPosted || amount == "" || posted == "" {
		return parser.RawTransaction{}, false
	}

	date := posted
	if iso, ok := ParseDate(posted); ok {
		date = iso
	}
	userDate := tagValue(body, "DTUSER")
	if iso, ok := ParseDate(userDate); ok {
		userDate = iso
	}

	description := tagValue(body, "NAME")
	memo := tagValue(body, "MEMO")
	if description == "" {
		description = memo
	}
	reference := tagValue(body, "CHECKNUM")
	if reference == "" {
		reference = tagValue(body, "REFNUM")
	}
	fitid := tagValue(body, "FITID")

	return parser.RawTransaction{
		Format:      domain.FormatOFX,
		Date:        date,
		UserDate:    userDate,
		Amount:      amount,
		Description: description,
		Memo:        memo,
		Reference:   reference,
		FITID:       fitid,
		TxnType:     mapTransactionType(ctx, tagValue(body, "TRNTYPE"), fitid),
	}, true
}

var ofxDatePrefix = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})`)

// ParseDate converts an OFX datetime (YYYYMMDD[HHMMSS[.XXX]][[offset:TZ]])
// to YYYY-MM-DD. Time of day and timezone are discarded.
func ParseDate(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '['); i >= 0 {
		raw = raw[:i]
	}
	m := ofxDatePrefix.FindStringSubmatch(raw)
	if m == nil {
		return "", false
	}
	return m[1] + "-" + m[2] + "-" + m[3], true
}

// mapTransactionType validates TRNTYPE against the OFX code list.
// Unknown codes are kept with an UNKNOWN_ prefix.
func mapTransactionType(ctx context.Context, raw, fitid string) string {
	if raw == "" {
		return ""
	}
	t := ofxgo.TrnTypeCredit
	if err := t.FromString(strings.ToUpper(raw)); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Str("trntype", raw).
			Str("fitid", fitid).
			Msg("unknown OFX transaction type")
		return "UNKNOWN_" + strings.ToUpper(raw)
	}
	return t.String()
}

// mapBankAccountType validates ACCTTYPE against the OFX code list.
func mapBankAccountType(ctx context.Context, raw, accountID string) string {
	if raw == "" {
		return ""
	}
	t := ofxgo.AcctTypeChecking
	if err := t.FromString(strings.ToUpper(raw)); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().
			Str("accttype", raw).
			Str("account", accountID).
			Msg("unknown OFX account type")
		return strings.ToUpper(raw)
	}
	return t.String()
}

// asciiUpper upper-cases ASCII letters only, so byte offsets in the result
// line up with the input.
func asciiUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}
