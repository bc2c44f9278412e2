package rules

import "sort"

// Stats summarizes a batch rule application.
type Stats struct {
	Total             int           `json:"total"`
	Matched           int           `json:"matched"`
	Unmatched         int           `json:"unmatched"`
	Usage             map[int64]int `json:"usage"` // rule id -> matched transactions
	UnmatchedExamples []string      `json:"unmatchedExamples,omitempty"`
}

// MatchRate returns the matched fraction in [0, 1]; 0 for an empty batch.
func (s Stats) MatchRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Matched) / float64(s.Total)
}

// RuleUsage is one histogram entry.
type RuleUsage struct {
	RuleID int64
	Count  int
}

// TopRules returns the usage histogram sorted by count descending, then rule id.
func (s Stats) TopRules() []RuleUsage {
	out := make([]RuleUsage, 0, len(s.Usage))
	for id, n := range s.Usage {
		out = append(out, RuleUsage{RuleID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}
