package secrets

import (
	"fmt"
	"regexp"
	"strings"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// gitleaksPass runs the gitleaks default ruleset over content.
type gitleaksPass struct {
	detector *detect.Detector
}

func newGitleaksPass(allowlist *Allowlist) (*gitleaksPass, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating gitleaks detector: %w", err)
	}
	if !allowlist.Empty() {
		applyAllowlist(&detector.Config, allowlist)
	}
	return &gitleaksPass{detector: detector}, nil
}

// find reports every occurrence of each secret gitleaks flags. gitleaks
// gives line and column positions, so the secret text is searched for
// instead, which also catches repeats of the same value.
func (g *gitleaksPass) find(content string) []Finding {
	var findings []Finding
	for _, f := range g.detector.DetectString(content) {
		if f.Secret == "" {
			continue
		}
		for offset := 0; ; {
			idx := strings.Index(content[offset:], f.Secret)
			if idx < 0 {
				break
			}
			start := offset + idx
			end := start + len(f.Secret)
			findings = append(findings, Finding{
				RuleID:      "gitleaks:" + f.RuleID,
				Description: f.Description,
				Severity:    "high",
				StartIndex:  start,
				EndIndex:    end,
				Line:        lineAt(content, start),
			})
			offset = end
		}
	}
	return findings
}

// applyAllowlist adds the allowlist as a global gitleaks allowlist entry.
// Patterns were validated by LoadAllowlists.
func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) {
	global := &gitleaksConfig.Allowlist{
		Description: "fixloop project allowlist",
	}
	for _, pattern := range allowlist.Paths {
		re := regexp.MustCompile(pattern)
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re := regexp.MustCompile(pattern)
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	global.StopWords = append(global.StopWords, allowlist.Regexes...)

	cfg.Allowlists = append(cfg.Allowlists, global)
}
