// Package registry maps statement files to parsers.
package registry

import (
	"fmt"
	"io"
	"os"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/parser"
	"github.com/rumor-ml/commons.systems/finimport/internal/parsers/csv"
	"github.com/rumor-ml/commons.systems/finimport/internal/parsers/ofx"
	"github.com/rumor-ml/commons.systems/finimport/internal/parsers/qif"
	"github.com/rumor-ml/commons.systems/finimport/internal/textenc"
)

// Formats lists every supported format in dispatch order.
var Formats = []domain.Format{domain.FormatCSV, domain.FormatOFX, domain.FormatQIF}

// DetectFormat maps a file name to its format by extension.
// The result depends on the name only, never on content.
func DetectFormat(filename string) (domain.Format, error) {
	return domain.FormatFromFilename(filename)
}

// ForFormat constructs a new parser for f. Every call returns a fresh value;
// parsers are never shared between imports.
func ForFormat(f domain.Format) (parser.Parser, error) {
	switch f {
	case domain.FormatCSV:
		return csv.NewParser(), nil
	case domain.FormatOFX:
		return ofx.NewParser(), nil
	case domain.FormatQIF:
		return qif.NewParser(), nil
	default:
		return nil, fmt.Errorf("no parser for format %v", f)
	}
}

// ForFile detects the format of filename and constructs its parser.
func ForFile(filename string) (parser.Parser, error) {
	f, err := DetectFormat(filename)
	if err != nil {
		return nil, err
	}
	return ForFormat(f)
}

// FindParser returns the parser for the file at path after checking that the
// parser accepts the file header.
// Reads first 512 bytes for format detection via header inspection.
func FindParser(path string) (parser.Parser, error) {
	p, err := ForFile(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read header from %s: %w", path, err)
	}
	// Short files are fine; parsers receive whatever was read.
	header = header[:n]
	if textenc.HasUTF16BOM(header) {
		decoded, err := textenc.Decode(header[:n&^1])
		if err != nil {
			return nil, fmt.Errorf("failed to decode header of %s: %w", path, err)
		}
		header = []byte(decoded)
	}

	if !p.CanParse(path, header) {
		return nil, fmt.Errorf("file %s does not look like %s content", path, p.Format())
	}
	return p, nil
}

// ListParsers returns the parser name of every supported format.
func ListParsers() []string {
	names := make([]string, 0, len(Formats))
	for _, f := range Formats {
		p, err := ForFormat(f)
		if err != nil {
			continue
		}
		names = append(names, p.Name())
	}
	return names
}
