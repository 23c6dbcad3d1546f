package logging

import (
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, Trace included, for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a TestLogger.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   FromZap(zap.New(core)),
		observed: observed,
	}
}

// All returns the recorded entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.find(level, msg) == nil {
		tb.Errorf("no %v entry containing %q in %v", level, msg, t.messages())
	}
}

// AssertNotLogged fails tb if an entry at level contains msg.
func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if e := t.find(level, msg); e != nil {
		tb.Errorf("unexpected %v entry %q", level, e.Message)
	}
}

// AssertField fails tb unless an entry containing msg carries key with the
// string value want.
func (t *TestLogger) AssertField(tb testing.TB, msg, key, want string) {
	tb.Helper()
	for _, e := range t.FilterMessage(msg).All() {
		if got, ok := e.ContextMap()[key]; ok {
			if got == want {
				return
			}
			tb.Errorf("entry %q: %s = %v, want %q", e.Message, key, got, want)
			return
		}
	}
	tb.Errorf("no entry containing %q with field %s", msg, key)
}

// AssertRunCorrelation fails tb unless the entry containing msg was logged
// with a run ID in its context.
func (t *TestLogger) AssertRunCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	t.assertKey(tb, msg, "run.id")
}

// AssertIssueCorrelation is AssertRunCorrelation for the issue key.
func (t *TestLogger) AssertIssueCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	t.assertKey(tb, msg, "issue.key")
}

func (t *TestLogger) assertKey(tb testing.TB, msg, key string) {
	tb.Helper()
	for _, e := range t.FilterMessage(msg).All() {
		if _, ok := e.ContextMap()[key]; ok {
			return
		}
	}
	tb.Errorf("no entry containing %q carries %s", msg, key)
}

func (t *TestLogger) find(level zapcore.Level, msg string) *observer.LoggedEntry {
	for _, e := range t.observed.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return &e
		}
	}
	return nil
}

func (t *TestLogger) messages() []string {
	all := t.observed.All()
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.Message
	}
	return out
}
