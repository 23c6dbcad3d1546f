package secrets

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"
)

// Scrubber redacts credentials from text bound for diagnostics files and the
// status server.
type Scrubber interface {
	// Scrub returns a Result whose Scrubbed text has every finding replaced.
	Scrub(content string) *Result

	// Check reports findings without redacting.
	Check(content string) *Result

	IsEnabled() bool
}

type scrubber struct {
	cfg *Config

	// gitleaks detectors keep per-scan state
	mu       sync.Mutex
	gitleaks *gitleaksPass
}

// New creates a Scrubber. A nil cfg means DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &scrubber{cfg: cfg}
	if cfg.Enabled && cfg.Gitleaks {
		pass, err := newGitleaksPass(cfg.Allowlist)
		if err != nil {
			return nil, err
		}
		s.gitleaks = pass
	}
	return s, nil
}

// MustNew is New for configurations known to be valid.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *scrubber) Scrub(content string) *Result {
	res := s.scan(content)
	res.Scrubbed = redact(content, res.Findings, s.cfg.RedactionString)
	return res
}

func (s *scrubber) Check(content string) *Result {
	return s.scan(content)
}

func (s *scrubber) IsEnabled() bool {
	return s.cfg.Enabled
}

// scan runs the rule set, then the gitleaks pass. Gitleaks findings already
// inside a rule finding are dropped.
func (s *scrubber) scan(content string) *Result {
	start := time.Now()
	res := newResult(content)
	if !s.cfg.Enabled {
		return res
	}

	for _, rule := range s.cfg.compiledRules {
		if !rule.triggered(content) {
			continue
		}
		for _, loc := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.allowed(content[loc[0]:loc[1]]) {
				continue
			}
			res.add(Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				StartIndex:  loc[0],
				EndIndex:    loc[1],
				Line:        lineAt(content, loc[0]),
			})
		}
	}

	if s.gitleaks != nil {
		s.mu.Lock()
		extra := s.gitleaks.find(content)
		s.mu.Unlock()
		ruleFindings := slices.Clone(res.Findings)
		for _, f := range extra {
			if s.allowed(content[f.StartIndex:f.EndIndex]) || within(ruleFindings, f) {
				continue
			}
			res.add(f)
		}
	}

	res.Duration = time.Since(start)
	return res
}

func (s *scrubber) allowed(match string) bool {
	for _, re := range s.cfg.compiledAllowList {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

// triggered reports whether content mentions one of the rule's keywords.
// Rules without keywords always run.
func (r *compiledRule) triggered(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

func lineAt(content string, offset int) int {
	return strings.Count(content[:offset], "\n") + 1
}

func within(findings []Finding, f Finding) bool {
	for _, e := range findings {
		if e.StartIndex <= f.StartIndex && f.EndIndex <= e.EndIndex {
			return true
		}
	}
	return false
}

// redact replaces the union of the findings' ranges. Overlapping or
// touching ranges collapse into a single replacement.
func redact(content string, findings []Finding, replacement string) string {
	if len(findings) == 0 {
		return content
	}

	type span struct{ start, end int }
	spans := make([]span, 0, len(findings))
	for _, f := range findings {
		if f.StartIndex >= 0 && f.EndIndex <= len(content) && f.StartIndex < f.EndIndex {
			spans = append(spans, span{f.StartIndex, f.EndIndex})
		}
	}
	slices.SortFunc(spans, func(a, b span) int { return cmp.Compare(a.start, b.start) })

	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for i := 0; i < len(spans); {
		cur := spans[i]
		for i++; i < len(spans) && spans[i].start <= cur.end; i++ {
			cur.end = max(cur.end, spans[i].end)
		}
		b.WriteString(content[pos:cur.start])
		b.WriteString(replacement)
		pos = cur.end
	}
	b.WriteString(content[pos:])
	return b.String()
}

// NoopScrubber passes content through unchanged.
type NoopScrubber struct{}

func (NoopScrubber) Scrub(content string) *Result { return newResult(content) }

func (NoopScrubber) Check(content string) *Result { return newResult(content) }

func (NoopScrubber) IsEnabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = NoopScrubber{}
	_ Scrubber = (*NoopScrubber)(nil)
)
