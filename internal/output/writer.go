// Package output writes import results as JSON.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
)

// Report is the JSON document produced by the CLI.
type Report struct {
	GeneratedAt time.Time          `json:"generatedAt"`
	Summary     Summary            `json:"summary"`
	Imports     []*pipeline.Result `json:"imports"`
}

// Summary totals the counts of every import in a report.
type Summary struct {
	Files        int `json:"files"`
	Transactions int `json:"transactions"`
	Unique       int `json:"unique"`
	Duplicates   int `json:"duplicates"`
	Skipped      int `json:"skipped"`
	RuleMatched  int `json:"ruleMatched"`
}

// NewReport builds a report over results.
func NewReport(results []*pipeline.Result, generatedAt time.Time) *Report {
	r := &Report{GeneratedAt: generatedAt, Imports: results}
	r.summarize()
	return r
}

func (r *Report) summarize() {
	r.Summary = Summary{Files: len(r.Imports)}
	for _, res := range r.Imports {
		r.Summary.Transactions += len(res.Verdicts)
		r.Summary.Unique += res.Unique
		r.Summary.Duplicates += res.Duplicates
		r.Summary.Skipped += res.Skipped
		r.Summary.RuleMatched += res.RuleStats.Matched
	}
}

// WriteOptions configures how the report is written
type WriteOptions struct {
	MergeMode bool   // If true, load existing file and merge
	FilePath  string // Output path (empty = stdout)
}

// WriteReport serializes a Report to JSON with 2-space indentation
func WriteReport(report *Report, w io.Writer) error {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report as JSON: %w", err)
	}

	return nil
}

// WriteReportToFile writes a Report to file or stdout based on options
func WriteReportToFile(report *Report, opts WriteOptions) (err error) {
	if report == nil {
		return fmt.Errorf("report cannot be nil")
	}

	if opts.MergeMode && opts.FilePath != "" {
		existing, err := LoadReport(opts.FilePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("failed to load existing report for merge: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Warning: merge mode requested but %s does not exist, creating new file\n", opts.FilePath)
		} else {
			if err := mergeReports(existing, report); err != nil {
				return fmt.Errorf("failed to merge reports: %w", err)
			}
			report = existing
		}
	}

	if opts.FilePath == "" {
		return WriteReport(report, os.Stdout)
	}

	f, err := os.Create(opts.FilePath)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", opts.FilePath, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close output file %s: %w", opts.FilePath, closeErr)
		}
	}()

	if err = WriteReport(report, f); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", opts.FilePath, err)
	}

	return nil
}

// LoadReport reads an existing report for merge mode
func LoadReport(filePath string) (*Report, error) {
	if filePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}

	f, err := os.Open(filePath)
	if err != nil {
		// Return unwrapped error so caller can check os.IsNotExist
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close %s: %v\n", filePath, closeErr)
		}
	}()

	var report Report
	decoder := json.NewDecoder(f)
	if err := decoder.Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode report JSON: %w", err)
	}

	return &report, nil
}

// mergeReports appends the imports of source to target and recomputes the
// summary. An import whose session is already present is an error.
func mergeReports(target, source *Report) error {
	if target == nil || source == nil {
		return fmt.Errorf("reports cannot be nil")
	}

	sessions := make(map[string]bool, len(target.Imports))
	for _, res := range target.Imports {
		sessions[res.SessionID] = true
	}
	for _, res := range source.Imports {
		if sessions[res.SessionID] {
			return fmt.Errorf("import session %s already in report", res.SessionID)
		}
		sessions[res.SessionID] = true
		target.Imports = append(target.Imports, res)
	}

	if source.GeneratedAt.After(target.GeneratedAt) {
		target.GeneratedAt = source.GeneratedAt
	}
	target.summarize()
	return nil
}
