// Package rules applies user import rules to normalized transactions.
package rules

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"gopkg.in/yaml.v3"

	"github.com/rumor-ml/commons.systems/finimport/internal/domain"
)

//go:embed rules.yaml
var embeddedRules []byte

// maxUnmatchedExamples bounds Stats.UnmatchedExamples.
const maxUnmatchedExamples = 5

// RuleSet represents the top-level YAML structure
type RuleSet struct {
	Rules []domain.ImportRule `yaml:"rules"`
}

// compiledRule is a validated rule with its pattern prepared for matching.
type compiledRule struct {
	domain.ImportRule
	folded string
	re     *regexp.Regexp
}

// Engine matches transactions against rules in priority order.
type Engine struct {
	rules []compiledRule // priority descending, then id ascending
}

// ValidateRule checks every rule invariant:
//   - Pattern must not be empty after trimming
//   - MatchField must be description, vendor or reference
//   - MatchType must be contains, exact or regex; regex patterns must compile
//   - Priority in range [0, 999]
func ValidateRule(r domain.ImportRule) error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("pattern cannot be empty")
	}
	switch r.MatchField {
	case domain.MatchFieldDescription, domain.MatchFieldVendor, domain.MatchFieldReference:
	default:
		return fmt.Errorf("invalid match_field %q (must be 'description', 'vendor' or 'reference')", r.MatchField)
	}
	switch r.MatchType {
	case domain.MatchTypeContains, domain.MatchTypeExact:
	case domain.MatchTypeRegex:
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern %q: %w", r.Pattern, err)
		}
	default:
		return fmt.Errorf("invalid match_type %q (must be 'contains', 'exact' or 'regex')", r.MatchType)
	}
	if r.Priority < 0 || r.Priority > 999 {
		return fmt.Errorf("priority must be in [0,999], got %d", r.Priority)
	}
	return nil
}

// New builds an engine from rules supplied by the caller, for example rows
// loaded from storage. The input order does not matter.
func New(rules []domain.ImportRule) (*Engine, error) {
	seen := make(map[int64]bool, len(rules))
	compiled := make([]compiledRule, 0, len(rules))

	for i, r := range rules {
		if err := ValidateRule(r); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %d (%s): duplicate id %d", i, r.Name, r.ID)
		}
		seen[r.ID] = true

		c := compiledRule{ImportRule: r, folded: fold(r.Pattern)}
		if r.MatchType == domain.MatchTypeRegex {
			c.re = regexp.MustCompile(`(?i)` + r.Pattern)
		}
		compiled = append(compiled, c)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].ID < compiled[j].ID
	})

	return &Engine{rules: compiled}, nil
}

// NewEngine creates a rules engine from YAML data
func NewEngine(rulesData []byte) (*Engine, error) {
	var ruleSet RuleSet
	if err := yaml.Unmarshal(rulesData, &ruleSet); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rules (check syntax, indentation, and field names): %w", err)
	}
	return New(ruleSet.Rules)
}

// LoadEmbedded loads the embedded rules.yaml file
func LoadEmbedded() (*Engine, error) {
	engine, err := NewEngine(embeddedRules)
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded rules (possible binary corruption): %w", err)
	}
	return engine, nil
}

// LoadFromFile loads rules from a filesystem path
func LoadFromFile(path string) (*Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	engine, err := NewEngine(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load rules from %q: %w", path, err)
	}
	return engine, nil
}

// Match returns the first rule, in priority order, whose pattern matches the
// rule's field of txn. Returns (nil, false) if no rules match.
func (e *Engine) Match(txn *domain.NormalizedTransaction) (*domain.ImportRule, bool) {
	for i := range e.rules {
		r := &e.rules[i]
		if r.matches(fieldValue(txn, r.MatchField)) {
			rule := r.ImportRule
			return &rule, true
		}
	}
	return nil, false
}

// Apply annotates txn with the first matching rule. It reports whether a rule
// matched. A transaction that already carries a rule is an error.
func (e *Engine) Apply(txn *domain.NormalizedTransaction) (bool, error) {
	rule, ok := e.Match(txn)
	if !ok {
		return false, nil
	}
	if err := txn.ApplyRule(domain.RuleRef{ID: rule.ID, Name: rule.Name}, rule.CategoryID, rule.VendorName); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyAll applies the engine to every transaction and reports match statistics.
func (e *Engine) ApplyAll(txns []*domain.NormalizedTransaction) (Stats, error) {
	stats := Stats{Usage: make(map[int64]int)}
	for _, txn := range txns {
		stats.Total++
		matched, err := e.Apply(txn)
		if err != nil {
			return stats, err
		}
		if matched {
			stats.Matched++
			stats.Usage[txn.MatchedRule.ID]++
			continue
		}
		stats.Unmatched++
		if len(stats.UnmatchedExamples) < maxUnmatchedExamples {
			stats.UnmatchedExamples = append(stats.UnmatchedExamples, txn.Description)
		}
	}
	return stats, nil
}

// GetRules returns a copy of the rules in evaluation order.
func (e *Engine) GetRules() []domain.ImportRule {
	result := make([]domain.ImportRule, len(e.rules))
	for i, r := range e.rules {
		result[i] = r.ImportRule
		if r.CategoryID != nil {
			id := *r.CategoryID
			result[i].CategoryID = &id
		}
	}
	return result
}

func (r *compiledRule) matches(value string) bool {
	if value == "" {
		return false
	}
	switch r.MatchType {
	case domain.MatchTypeExact:
		return fold(value) == r.folded
	case domain.MatchTypeContains:
		return strings.Contains(fold(value), r.folded)
	case domain.MatchTypeRegex:
		return r.re.MatchString(value)
	default:
		return false
	}
}

func fieldValue(txn *domain.NormalizedTransaction, field domain.MatchField) string {
	switch field {
	case domain.MatchFieldDescription:
		return txn.Description
	case domain.MatchFieldVendor:
		return txn.VendorName()
	case domain.MatchFieldReference:
		return txn.Reference
	default:
		return ""
	}
}

// fold trims and case-folds s for case-insensitive comparison.
func fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}
