package completion

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// ChangedLines counts the lines that differ between a and b, ignoring
// trailing whitespace and blank lines. A replaced line counts on both
// sides.
func ChangedLines(a, b string) int {
	matcher := difflib.NewMatcher(cleanLines(a), cleanLines(b))
	changed := 0
	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'r':
			changed += (op.I2 - op.I1) + (op.J2 - op.J1)
		case 'd':
			changed += op.I2 - op.I1
		case 'i':
			changed += op.J2 - op.J1
		}
	}
	return changed
}

func cleanLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, " \t\r\v\f")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// UnifiedDiff renders a unified diff of a against b for path.
func UnifiedDiff(path, a, b string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}
