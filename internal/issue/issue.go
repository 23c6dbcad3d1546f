// Package issue defines the static-analysis finding fixloop works on.
package issue

import (
	"strings"
)

// StatusOpen is the only analyzer status fixloop selects.
const StatusOpen = "OPEN"

// TextRange locates an issue inside its file. Lines are 1-based.
type TextRange struct {
	StartLine   int `json:"startLine"`
	EndLine     int `json:"endLine"`
	StartOffset int `json:"startOffset"`
	EndOffset   int `json:"endOffset"`
}

// Impact is one software-quality impact reported for an issue.
type Impact struct {
	SoftwareQuality string `json:"softwareQuality"`
	Severity        string `json:"severity"`
}

// Issue is a single analyzer finding. Key is the identity; everything else is
// informational and never mutated after the fetch.
type Issue struct {
	Key                        string     `json:"key"`
	Rule                       string     `json:"rule"`
	Message                    string     `json:"message"`
	Component                  string     `json:"component"`
	Project                    string     `json:"project"`
	Severity                   string     `json:"severity"`
	Type                       string     `json:"type"`
	Status                     string     `json:"status"`
	Line                       int        `json:"line,omitempty"`
	Tags                       []string   `json:"tags,omitempty"`
	TextRange                  *TextRange `json:"textRange,omitempty"`
	CleanCodeAttribute         string     `json:"cleanCodeAttribute,omitempty"`
	CleanCodeAttributeCategory string     `json:"cleanCodeAttributeCategory,omitempty"`
	Impacts                    []Impact   `json:"impacts,omitempty"`
}

// Path returns the file path relative to the project root. The analyzer
// encodes it as "<projectKey>:<path>".
func (i Issue) Path() string {
	if _, path, ok := strings.Cut(i.Component, ":"); ok {
		return path
	}
	return i.Component
}

// IsOpen reports whether the analyzer still lists the issue as open.
func (i Issue) IsOpen() bool {
	return i.Status == StatusOpen
}

// Category renders the clean-code attribute, e.g. "CONVENTIONAL (CONSISTENT)".
func (i Issue) Category() string {
	attr := i.CleanCodeAttribute
	if attr == "" {
		attr = "UNKNOWN"
	}
	cat := i.CleanCodeAttributeCategory
	if cat == "" {
		cat = "UNKNOWN"
	}
	return attr + " (" + cat + ")"
}

// CodeLines returns the lines of content covered by the text range, joined
// with "\n". Out-of-range bounds are clamped; a nil range yields "".
func (i Issue) CodeLines(content string) string {
	if i.TextRange == nil {
		return ""
	}
	lines := strings.Split(content, "\n")
	start := i.TextRange.StartLine - 1
	end := i.TextRange.EndLine
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	return strings.Join(lines[start:end], "\n")
}

// Keys returns the keys of issues in order.
func Keys(issues []Issue) []string {
	keys := make([]string, len(issues))
	for n, iss := range issues {
		keys[n] = iss.Key
	}
	return keys
}
