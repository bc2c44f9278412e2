// Package qif provides Quicken Interchange Format statement parsing.
package qif

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
)

// Parser reads line-tagged QIF exports with one or more account sections.
type Parser struct{}

// NewParser returns a new QIF parser.
func NewParser() *Parser {
	return &Parser{}
}

// Name returns the parser identifier
func (p *Parser) Name() string {
	return "qif"
}

// Format returns domain.FormatQIF
func (p *Parser) Format() domain.Format {
	return domain.FormatQIF
}

// CanParse accepts .qif files whose header has a section marker or a record
// terminator. Single-account exports may omit the section header.
func (p *Parser) CanParse(path string, header []byte) bool {
	if strings.ToLower(filepath.Ext(path)) != ".qif" {
		return false
	}
	h := strings.ToLower(string(header))
	return strings.Contains(h, "!type:") || strings.Contains(h, "!account") || strings.Contains(h, "\n^")
}

// Stream runs the line state machine over content. Accounts are announced
// when their first transaction completes, so sections without transactions
// produce nothing.
func (p *Parser) Stream(ctx context.Context, content string, e parser.Emitter) error {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	m := newMachine(ctx, e)
	for _, line := range strings.Split(content, "\n") {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.step(line)
		if m.stopped {
			return nil
		}
	}
	m.finish()
	return nil
}

// CountRecords counts transactions with a full parse.
func (p *Parser) CountRecords(ctx context.Context, content string) (int, error) {
	return parser.CountByParsing(ctx, p, content)
}
