package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, cfg, logger.config)
	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"

	_, err := NewLogger(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLogger_ContextAwareMethods(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	logger := FromZap(zap.New(core))

	ctx := WithRunID(context.Background(), "4f1c2d9e-run")
	ctx = WithIssueKey(ctx, "AYx-3k_Zq1")

	tests := []struct {
		name  string
		log   func()
		level zapcore.Level
	}{
		{"trace", func() { logger.Trace(ctx, "msg") }, TraceLevel},
		{"debug", func() { logger.Debug(ctx, "msg") }, zapcore.DebugLevel},
		{"info", func() { logger.Info(ctx, "msg") }, zapcore.InfoLevel},
		{"warn", func() { logger.Warn(ctx, "msg") }, zapcore.WarnLevel},
		{"error", func() { logger.Error(ctx, "msg") }, zapcore.ErrorLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observed.TakeAll()
			tt.log()

			logs := observed.All()
			require.Len(t, logs, 1)
			assert.Equal(t, tt.level, logs[0].Level)
			fields := logs[0].ContextMap()
			assert.Equal(t, "4f1c2d9e-run", fields["run.id"])
			assert.Equal(t, "AYx-3k_Zq1", fields["issue.key"])
		})
	}
}

func TestLogger_TraceSkippedWhenDisabled(t *testing.T) {
	core, observed := observer.New(zapcore.InfoLevel)
	logger := FromZap(zap.New(core))

	logger.Trace(context.Background(), "prompt", zap.String("text", "..."))
	assert.Zero(t, observed.Len())
}

func TestLogger_WithAndNamed(t *testing.T) {
	tl := NewTestLogger()
	child := tl.With(zap.String("component", "validation")).Named("runner")

	child.Info(context.Background(), "build started")

	entries := tl.FilterMessage("build started").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "runner", entries[0].LoggerName)
	assert.Equal(t, "validation", entries[0].ContextMap()["component"])
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "from context")
	tl.AssertLogged(t, zapcore.WarnLevel, "from context")
}

func TestNewCore_NoOutputs(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Console = false
	cfg.Output.OTEL = true

	// OTEL enabled but no provider available
	_, err := newCore(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one output")
}

func TestNewLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	cfg := NewDefaultConfig()
	cfg.Output.Console = false
	cfg.Output.File = path
	cfg.Sampling.Enabled = false

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	logger.Named("commit").Info(context.Background(), "committed fix", zap.String("token", "squ_abc"))
	require.NoError(t, logger.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(b)
	assert.Contains(t, line, `"msg":"committed fix"`)
	assert.Contains(t, line, `"logger":"commit"`)
	assert.NotContains(t, line, "squ_abc")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
