package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	if project := ProjectFromContext(ctx); project != "" {
		fields = append(fields, zap.String("project", project))
	}
	if runID := RunIDFromContext(ctx); runID != "" {
		fields = append(fields, zap.String("run.id", runID))
	}
	if key := IssueKeyFromContext(ctx); key != "" {
		fields = append(fields, zap.String("issue.key", key))
	}

	return fields
}

type projectCtxKey struct{}
type runCtxKey struct{}
type issueCtxKey struct{}

const maxIDLen = 128

var (
	// run IDs are UUIDs
	runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	// analyzer issue keys are opaque but printable, e.g. "AYx-3k_Zq1"
	issueKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)
)

func validateID(id, name string, pattern *regexp.Regexp) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !pattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

// ProjectFromContext returns the project name stored in ctx.
func ProjectFromContext(ctx context.Context) string {
	if p, ok := ctx.Value(projectCtxKey{}).(string); ok {
		return p
	}
	return ""
}

// WithProject adds the project name to ctx. An empty name is ignored.
func WithProject(ctx context.Context, project string) context.Context {
	if project == "" {
		return ctx
	}
	return context.WithValue(ctx, projectCtxKey{}, project)
}

// RunIDFromContext returns the run ID stored in ctx.
func RunIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(runCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRunID adds the run ID to ctx.
// Panics if runID is empty or contains invalid characters.
func WithRunID(ctx context.Context, runID string) context.Context {
	if err := validateID(runID, "runID", runIDPattern); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, runCtxKey{}, runID)
}

// IssueKeyFromContext returns the issue key stored in ctx.
func IssueKeyFromContext(ctx context.Context) string {
	if k, ok := ctx.Value(issueCtxKey{}).(string); ok {
		return k
	}
	return ""
}

// WithIssueKey adds the issue currently being worked on to ctx.
// Keys come from the analyzer, so invalid ones are dropped rather than panicking.
func WithIssueKey(ctx context.Context, key string) context.Context {
	if err := validateID(key, "issueKey", issueKeyPattern); err != nil {
		return ctx
	}
	return context.WithValue(ctx, issueCtxKey{}, key)
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
