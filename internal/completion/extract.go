package completion

import (
	"errors"
	"strings"
)

// Reasons a completion is rejected before it reaches the working copy.
var (
	ErrMissingCodeBlock    = errors.New("missing code block")
	ErrMissingNewline      = errors.New("missing newline after start of code block")
	ErrEmptyReplacement    = errors.New("empty replacement")
	ErrMissingTopMarker    = errors.New("replacement is missing the TOP_MARKER")
	ErrEmptyAfterTopMarker = errors.New("empty replacement after TOP_MARKER")
	ErrNoChange            = errors.New("no change")
	ErrWhitespaceOnly      = errors.New("only whitespace changes after stripping trailing whitespace")
	ErrAmbiguousCodeBlocks = errors.New("multiple code blocks (ambiguous)")
	ErrNotApproved         = errors.New("changes not approved by self-review")
	ErrNoLinesChanged      = errors.New("no lines changed")
)

const fence = "```"

// Extract pulls the replacement file content out of a completion.
//
// The content is the text between the first and last code fence, which
// must start with topMarker. The returned replacement is normalized to end
// in exactly one newline. When err is non-nil the replacement is returned
// anyway, as far as it could be extracted, for diagnostics.
func Extract(original, completion, topMarker string) (string, error) {
	i := strings.Index(completion, fence)
	j := strings.LastIndex(completion, fence)
	if i < 0 || j <= i {
		return "", ErrMissingCodeBlock
	}

	nl := strings.IndexByte(completion[i:], '\n')
	if nl < 0 || i+nl+1 > j {
		return "", ErrMissingNewline
	}
	i += nl + 1

	replacement := strings.TrimLeft(completion[i:j], " \t\r\n\v\f")
	if strings.TrimSpace(replacement) == "" {
		return replacement, ErrEmptyReplacement
	}

	if !strings.HasPrefix(replacement, topMarker) {
		return replacement, ErrMissingTopMarker
	}
	if skip := len(topMarker) + 1; skip < len(replacement) {
		replacement = replacement[skip:]
	} else {
		replacement = ""
	}
	if strings.TrimSpace(replacement) == "" {
		return replacement, ErrEmptyAfterTopMarker
	}

	if replacement == original {
		return replacement, ErrNoChange
	}

	original = normalizeEOF(original)
	replacement = normalizeEOF(replacement)
	if whitespaceOnly(original, replacement) {
		return replacement, ErrWhitespaceOnly
	}

	if strings.Contains(replacement, fence) {
		return replacement, ErrAmbiguousCodeBlocks
	}

	if !strings.Contains(completion[:i], ApproveMarker) && !strings.Contains(completion[j:], ApproveMarker) {
		return replacement, ErrNotApproved
	}

	if ChangedLines(original, replacement) < 1 {
		return replacement, ErrNoLinesChanged
	}

	return replacement, nil
}

func normalizeEOF(s string) string {
	return strings.TrimRight(s, "\n") + "\n"
}

func whitespaceOnly(a, b string) bool {
	al := strings.Split(a, "\n")
	bl := strings.Split(b, "\n")
	if len(al) != len(bl) {
		return false
	}
	for n := range al {
		if strings.TrimRight(al[n], " \t\r\v\f") != strings.TrimRight(bl[n], " \t\r\v\f") {
			return false
		}
	}
	return true
}
