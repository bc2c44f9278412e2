// Package csv provides header-driven CSV statement parsing.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
)

// Parser reads delimiter-separated exports with a header row.
// It assigns no meaning to columns; the normalizer applies the column mapping.
type Parser struct{}

// NewParser returns a new CSV parser.
func NewParser() *Parser {
	return &Parser{}
}

// Name returns the parser identifier
func (p *Parser) Name() string {
	return "csv"
}

// Format returns domain.FormatCSV
func (p *Parser) Format() domain.Format {
	return domain.FormatCSV
}

// CanParse checks the extension (.csv or .txt) and that the first line of the
// header carries a recognised delimiter.
func (p *Parser) CanParse(path string, header []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".csv" && ext != ".txt" {
		return false
	}
	line := firstNonBlankLine(string(header))
	return strings.ContainsAny(line, ",;\t")
}

// Stream reads the header row and emits every following row as a record whose
// Fields are keyed by header name. Blank lines are skipped.
func (p *Parser) Stream(ctx context.Context, content string, e parser.Emitter) error {
	headerLine := firstNonBlankLine(content)
	if headerLine == "" {
		return fmt.Errorf("no header row: %w", domain.ErrUnparseableFile)
	}

	r := csv.NewReader(strings.NewReader(content))
	r.Comma = SniffDelimiter(headerLine)
	r.LazyQuotes = true
	// Leading-space trimming would swallow empty tab-separated cells.
	r.TrimLeadingSpace = r.Comma != '\t'
	r.FieldsPerRecord = -1

	// The header is the first non-blank line. encoding/csv only skips empty
	// lines, so whitespace-only lines are skipped here.
	var header []string
	for {
		rec, err := r.Read()
		if err != nil {
			return fmt.Errorf("failed to read CSV header: %w: %w", domain.ErrUnparseableFile, err)
		}
		if !isBlankRecord(rec) {
			header = rec
			break
		}
	}
	columns := make([]string, len(header))
	for i, h := range header {
		columns[i] = strings.TrimSpace(h)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read CSV content: %w: %w", domain.ErrUnparseableFile, err)
		}
		if isBlankRecord(record) {
			continue
		}

		line, _ := r.FieldPos(0)
		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			if col == "" {
				continue
			}
			if _, seen := fields[col]; seen {
				continue // first column with a duplicated header wins
			}
			if i < len(record) {
				fields[col] = strings.TrimSpace(record[i])
			} else {
				fields[col] = ""
			}
		}

		if !e.Emit(parser.RawTransaction{
			Format: domain.FormatCSV,
			Fields: fields,
			Line:   line,
		}) {
			return nil
		}
	}
}

// CountRecords returns the number of non-blank lines after the header without
// tokenizing the file. Quoted cells spanning lines are over-counted.
func (p *Parser) CountRecords(ctx context.Context, content string) (int, error) {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

// SniffDelimiter picks the most frequent of comma, semicolon and tab in the
// header line. Comma wins ties and the no-delimiter case.
func SniffDelimiter(headerLine string) rune {
	best, bestCount := ',', strings.Count(headerLine, ",")
	for _, d := range []rune{';', '\t'} {
		if c := strings.Count(headerLine, string(d)); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}

func firstNonBlankLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
