package secrets

import (
	"slices"
	"time"
)

// Result is the outcome of one scan.
type Result struct {
	Original      string         `json:"-"`
	Scrubbed      string         `json:"scrubbed"`
	Findings      []Finding      `json:"findings,omitempty"`
	Duration      time.Duration  `json:"duration"`
	TotalFindings int            `json:"total_findings"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
}

// Finding locates a detected secret. The matched text is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
	Line        int    `json:"line,omitempty"`
}

func newResult(content string) *Result {
	return &Result{
		Original: content,
		Scrubbed: content,
		Findings: []Finding{},
		ByRule:   map[string]int{},
	}
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	r.ByRule[f.RuleID]++
	r.TotalFindings++
}

func (r *Result) HasFindings() bool {
	return r.TotalFindings > 0
}

// RuleIDs returns the rules that fired, sorted.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Summary names the worst severity found, for log lines.
func (r *Result) Summary() string {
	if !r.HasFindings() {
		return "no secrets detected"
	}
	worst := ""
	for _, f := range r.Findings {
		if severityRank[f.Severity] > severityRank[worst] {
			worst = f.Severity
		}
	}
	if worst == "" {
		return "secrets redacted"
	}
	return "secrets redacted (" + worst + " severity)"
}

var severityRank = map[string]int{"low": 1, "medium": 2, "high": 3}
