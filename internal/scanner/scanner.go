// Package scanner finds statement files for batch imports.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
	"github.com/rumor-ml/commons.systems/finimport/internal/registry"
	"github.com/rumor-ml/commons.systems/finimport/internal/transform"
)

// Scanner walks directory tree and finds statement files
type Scanner struct {
	rootDir string
	skipped []SkippedFile
}

// SkippedFile is a file with a statement extension whose content the
// format's parser does not accept, e.g. a README.txt next to the exports.
type SkippedFile struct {
	Path   string
	Reason string
}

// New creates a new scanner for the given root directory
func New(rootDir string) *Scanner {
	return &Scanner{rootDir: rootDir}
}

// Metadata is what the directory layout says about a statement file.
type Metadata struct {
	FilePath      string
	Format        domain.Format
	Institution   string // "American Express", from the first directory
	AccountNumber string // second directory
	Period        string // third directory when it looks like YYYY-MM
}

// AccountHint returns an account id derived from the institution and
// account directories, or "" when the layout does not name both.
// Example: american_express/2011/... → "acc-amex-2011"
func (m Metadata) AccountHint() string {
	if m.Institution == "" || m.AccountNumber == "" {
		return ""
	}
	inst, err := transform.Slugify(m.Institution)
	if err != nil {
		return ""
	}
	acct, err := transform.Slugify(m.AccountNumber)
	if err != nil {
		return ""
	}
	return transform.GenerateAccountID(inst, acct)
}

// ScanResult represents a found file with metadata
type ScanResult struct {
	Path     string
	Metadata Metadata
}

// Scan walks the directory tree and finds all statement files.
// Results are sorted by path. Files rejected by their parser's header check
// are left out and reported by Skipped.
func (s *Scanner) Scan() ([]ScanResult, error) {
	var results []ScanResult
	s.skipped = nil

	rootDir, err := s.expandHome(s.rootDir)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	err = filepath.Walk(rootDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return fmt.Errorf("error accessing %s: %w", path, err)
		}

		if info.IsDir() {
			if path != rootDir && strings.HasPrefix(info.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		format, ok := statementFormat(path)
		if !ok {
			return nil
		}
		if _, err := registry.FindParser(path); err != nil {
			s.skipped = append(s.skipped, SkippedFile{Path: path, Reason: err.Error()})
			return nil
		}

		metadata := s.extractMetadata(path, rootDir)
		metadata.Format = format

		results = append(results, ScanResult{
			Path:     path,
			Metadata: metadata,
		})

		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Path < results[j].Path })
	return results, nil
}

// Skipped returns the files the last Scan left out, sorted by path.
func (s *Scanner) Skipped() []SkippedFile {
	return s.skipped
}

// ScanPaths expands each argument: directories are scanned, files are
// returned as given when they have a statement extension. Files named
// explicitly are never skipped; the import reports why they fail.
func ScanPaths(paths []string) ([]ScanResult, []SkippedFile, error) {
	var results []ScanResult
	var skipped []SkippedFile
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			sc := New(p)
			found, err := sc.Scan()
			if err != nil {
				return nil, nil, err
			}
			results = append(results, found...)
			skipped = append(skipped, sc.Skipped()...)
			continue
		}
		format, ok := statementFormat(p)
		if !ok {
			return nil, nil, fmt.Errorf("%s: not a statement file (supported formats: %s)",
				p, strings.Join(registry.ListParsers(), ", "))
		}
		results = append(results, ScanResult{Path: p, Metadata: Metadata{FilePath: p, Format: format}})
	}
	return results, skipped, nil
}

// statementFormat checks if file is a known statement format
func statementFormat(path string) (domain.Format, bool) {
	format, err := domain.FormatFromFilename(path)
	return format, err == nil
}

// extractMetadata parses directory structure to extract institution/account info
// Path structure: {root}/{institution}/{account}/{period?}/file.ext
func (s *Scanner) extractMetadata(filePath, rootDir string) Metadata {
	relPath, err := filepath.Rel(rootDir, filePath)
	if err != nil {
		relPath = filePath
	}

	parts := strings.Split(filepath.ToSlash(relPath), "/")

	meta := Metadata{FilePath: filePath}

	if len(parts) >= 2 {
		meta.Institution = s.normalizeInstitutionName(parts[0])
	}

	if len(parts) >= 3 {
		meta.AccountNumber = parts[1]
	}

	if len(parts) >= 4 && s.looksLikePeriod(parts[2]) {
		meta.Period = parts[2]
	}

	return meta
}

// normalizeInstitutionName converts directory name to readable name
// "american_express" -> "American Express"
// "capital_one" -> "Capital One"
func (s *Scanner) normalizeInstitutionName(dirName string) string {
	name := strings.ReplaceAll(dirName, "_", " ")

	words := strings.Split(name, " ")
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}

	return strings.Join(words, " ")
}

// looksLikePeriod checks if string looks like a date period (YYYY-MM)
func (s *Scanner) looksLikePeriod(str string) bool {
	return len(str) >= 7 && str[4] == '-'
}

// expandHome expands ~ to home directory
func (s *Scanner) expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, path[2:]), nil
}
