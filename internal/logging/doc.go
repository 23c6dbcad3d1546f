// Package logging wraps zap with context-aware methods for fixloop.
//
// Every method takes a context.Context and prepends the correlation fields
// found in it: trace_id/span_id from OpenTelemetry, plus the project, run.id
// and issue.key set by the orchestrator.
//
//	ctx = logging.WithRunID(ctx, session.RunID)
//	ctx = logging.WithIssueKey(ctx, iss.Key)
//	logger.Info(ctx, "candidate passed", zap.Int("candidate", 3))
//
// Console output goes to stderr so the run summary on stdout stays clean.
// When logging.otel is set, records are also bridged to the global
// OpenTelemetry LoggerProvider through otelzap.
//
// Secrets are redacted at three layers: the config.Secret type, field-name
// filtering in RedactingEncoder, and value patterns (bearer headers, API keys,
// analyzer tokens).
//
// Sampling is per level; errors are never sampled. Verbose levels disable
// sampling so a debug run sees every line.
//
// Use TestLogger in tests:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "issue committed", zap.String("hash", h))
//	tl.AssertLogged(t, zapcore.InfoLevel, "issue committed")
//	tl.AssertNoSecrets(t)
package logging
