package qif

import (
	"context"
	"strings"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
)

// state is the parser position within the file.
type state int

const (
	// stateNoAccount: no section header or record seen yet.
	stateNoAccount state = iota
	// stateInAccount: inside a section, between records.
	stateInAccount
	// stateInTransaction: accumulating field codes of one record.
	stateInTransaction
	// stateInSplit: accumulating one split line of the current record.
	stateInSplit
)

func (s state) String() string {
	switch s {
	case stateNoAccount:
		return "no-account"
	case stateInAccount:
		return "in-account"
	case stateInTransaction:
		return "in-transaction"
	case stateInSplit:
		return "in-split"
	default:
		return "unknown"
	}
}

// lineKind classifies a raw QIF line.
type lineKind int

const (
	lineBlank lineKind = iota
	lineHeader
	lineEnd
	lineField
)

func classify(line string) (lineKind, byte, string) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return lineBlank, 0, ""
	case trimmed == "^":
		return lineEnd, '^', ""
	case trimmed[0] == '!':
		return lineHeader, '!', trimmed[1:]
	default:
		return lineField, trimmed[0], strings.TrimSpace(trimmed[1:])
	}
}

// machine holds everything the transition function reads and writes.
type machine struct {
	ctx     context.Context
	emitter parser.Emitter
	state   state

	account       *domain.AccountContext
	accountOpened bool
	accountTxns   int

	txn   *parser.RawTransaction
	split *parser.RawSplit
	line  int

	stopped bool
}

func newMachine(ctx context.Context, e parser.Emitter) *machine {
	return &machine{ctx: ctx, emitter: e, state: stateNoAccount}
}

// step is the transition function: it consumes one line and moves the
// machine to its next state.
func (m *machine) step(raw string) {
	m.line++
	kind, code, value := classify(raw)

	switch kind {
	case lineBlank:
		return

	case lineHeader:
		m.header(value)

	case lineEnd:
		switch m.state {
		case stateInTransaction, stateInSplit:
			m.completeTransaction()
			m.state = stateInAccount
		case stateNoAccount, stateInAccount:
			// stray terminator
		}

	case lineField:
		switch m.state {
		case stateNoAccount:
			m.openSection(domain.AccountTypeBank, "")
			m.beginTransaction()
		case stateInAccount:
			m.beginTransaction()
		case stateInTransaction, stateInSplit:
		}
		m.field(code, value)
	}
}

// finish completes a trailing record that has no terminator.
func (m *machine) finish() {
	if m.state == stateInTransaction || m.state == stateInSplit {
		m.completeTransaction()
		m.state = stateInAccount
	}
}

func (m *machine) header(value string) {
	lower := strings.ToLower(strings.TrimSpace(value))
	switch {
	case strings.HasPrefix(lower, "type:"):
		m.finish()
		carried := ""
		if m.account != nil && m.accountTxns == 0 {
			carried = m.account.Name
		}
		m.openSection(mapAccountType(value[strings.Index(value, ":")+1:]), carried)
	case lower == "account", lower == "option:autoswitch", lower == "clear:autoswitch":
		// structural markers, no state change
	default:
		log := logger.FromContext(m.ctx)
		log.Debug().Str("header", value).Int("line", m.line).Msg("ignoring unrecognized QIF header")
	}
}

func (m *machine) openSection(t domain.AccountType, name string) {
	m.account = &domain.AccountContext{Type: t, Name: name}
	m.accountOpened = false
	m.accountTxns = 0
	m.state = stateInAccount
}

func (m *machine) beginTransaction() {
	m.txn = &parser.RawTransaction{Format: domain.FormatQIF, Line: m.line}
	m.split = nil
	m.state = stateInTransaction
}

func (m *machine) field(code byte, value string) {
	t := m.txn
	switch code {
	case 'D':
		t.Date = value
	case 'T':
		t.Amount = value
	case 'U':
		if t.Fields == nil {
			t.Fields = map[string]string{}
		}
		t.Fields["U"] = value
	case 'C':
		t.Cleared = value
	case 'N':
		// Before the section has a recorded transaction N names the account.
		if m.accountTxns == 0 {
			m.account.Name = value
		} else {
			t.Reference = value
		}
	case 'P':
		t.Description = value
		t.Vendor = value
	case 'M':
		t.Memo = value
	case 'A':
		t.Address = append(t.Address, value)
	case 'L':
		c := ParseCategory(value)
		t.Category = &c
	case 'S':
		m.flushSplit()
		m.split = &parser.RawSplit{Category: ParseCategory(value)}
		m.state = stateInSplit
	case 'E', '$', '%':
		if m.state != stateInSplit {
			return
		}
		switch code {
		case 'E':
			m.split.Memo = value
		case '$':
			m.split.Amount = value
		case '%':
			m.split.Percent = value
		}
	case 'Y', 'I', 'Q', 'O':
		if m.account.Type != domain.AccountTypeInvestment {
			return
		}
		if t.Investment == nil {
			t.Investment = &domain.Investment{}
		}
		switch code {
		case 'Y':
			t.Investment.Security = value
		case 'I':
			t.Investment.Price = value
		case 'Q':
			t.Investment.Quantity = value
		case 'O':
			t.Investment.Commission = value
		}
	}
}

func (m *machine) flushSplit() {
	if m.split != nil {
		m.txn.Splits = append(m.txn.Splits, *m.split)
		m.split = nil
	}
}

func (m *machine) completeTransaction() {
	m.flushSplit()
	t := m.txn
	m.txn = nil

	if t.Amount == "" {
		t.Amount = t.Fields["U"]
	}
	t.Fields = nil
	if t.Date == "" || t.Amount == "" {
		log := logger.FromContext(m.ctx)
		log.Debug().Int("line", t.Line).Msg("skipping QIF record without date or amount")
		return
	}
	if iso, ok := ParseDate(t.Date); ok {
		t.Date = iso
	}
	t.ContentID = contentID(t)

	if !m.accountOpened {
		m.emitter.OpenAccount(m.account)
		m.accountOpened = true
	}
	m.accountTxns++
	if !m.emitter.Emit(*t) {
		m.stopped = true
	}
}

func mapAccountType(code string) domain.AccountType {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "bank":
		return domain.AccountTypeBank
	case "cash":
		return domain.AccountTypeCash
	case "ccard":
		return domain.AccountTypeCreditCard
	case "invst":
		return domain.AccountTypeInvestment
	case "oth a":
		return domain.AccountTypeAsset
	case "oth l":
		return domain.AccountTypeLiability
	default:
		return domain.AccountTypeBank
	}
}
