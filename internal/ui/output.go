// Package ui prints human-readable progress and summaries for the CLI.
// Everything goes to stderr so the JSON report on stdout stays parseable.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow, color.Bold)
	blue   = color.New(color.FgBlue)
	red    = color.New(color.FgRed)
)

// Out is where all output is written.
var Out io.Writer = os.Stderr

// Header prints a formatted header
func Header(text string) {
	line := strings.Repeat("=", 60)
	green.Fprintf(Out, "\n%s\n", line)
	green.Fprintf(Out, "%-60s\n", center(text, 60))
	green.Fprintf(Out, "%s\n\n", line)
}

// Step prints a step indicator
func Step(stepNum, totalSteps int, text string) {
	yellow.Fprintf(Out, "[%d/%d] %s\n", stepNum, totalSteps, text)
}

// Success prints a success message
func Success(text string) {
	green.Fprintf(Out, "  → %s\n", text)
}

// Info prints an info message
func Info(text string) {
	fmt.Fprintf(Out, "  → %s\n", text)
}

// Warning prints a warning message
func Warning(text string) {
	yellow.Fprintf(Out, "  ⚠ %s\n", text)
}

// Error prints an error message
func Error(text string) {
	red.Fprintf(Out, "Error: %s\n", text)
}

// BlueText prints blue text
func BlueText(text string) {
	blue.Fprintln(Out, text)
}

// YellowText prints yellow text
func YellowText(text string) {
	yellow.Fprintln(Out, text)
}

// ImportSummary prints the counts of one import result.
func ImportSummary(res *pipeline.Result) {
	BlueText(fmt.Sprintf("%s (%s)", res.Filename, res.Format))
	Info(fmt.Sprintf("%d transactions parsed, %d skipped", res.Parsed, res.Skipped))
	if res.Duplicates > 0 {
		Warning(fmt.Sprintf("%d duplicates, %d new", res.Duplicates, res.Unique))
	} else {
		Success(fmt.Sprintf("%d new", res.Unique))
	}
	if res.RuleStats.Total > 0 {
		Info(fmt.Sprintf("rules matched %d of %d (%.1f%%)",
			res.RuleStats.Matched, res.RuleStats.Total, res.RuleStats.MatchRate()*100))
		names := ruleNames(res)
		for _, u := range res.RuleStats.TopRules() {
			name := names[u.RuleID]
			if name == "" {
				name = fmt.Sprintf("rule %d", u.RuleID)
			}
			Info(fmt.Sprintf("  %4d  %s", u.Count, name))
		}
	}
	for _, w := range res.Warnings {
		Warning(w.String())
	}
}

// ruleNames maps the id of every rule that fired to its name.
func ruleNames(res *pipeline.Result) map[int64]string {
	names := make(map[int64]string)
	for _, v := range res.Verdicts {
		if ref := v.Transaction.MatchedRule; ref != nil {
			names[ref.ID] = ref.Name
		}
	}
	return names
}

// center centers text within a given width
func center(text string, width int) string {
	if len(text) >= width {
		return text
	}
	padding := (width - len(text)) / 2
	return strings.Repeat(" ", padding) + text
}
