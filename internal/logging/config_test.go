package logging

import (
	"testing"

	"github.com/fyrsmithlabs/fixloop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{
		Level:  "debug",
		Format: "json",
		OTEL:   true,
		Fields: map[string]string{"env": "ci"},
	})
	require.NoError(t, err)

	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.True(t, cfg.Output.OTEL)
	assert.False(t, cfg.Sampling.Enabled)
	assert.Equal(t, "fixloop", cfg.Fields["service"])
	assert.Equal(t, "ci", cfg.Fields["env"])
}

func TestFromSettings_TraceLevel(t *testing.T) {
	cfg, err := FromSettings(config.LoggingConfig{Level: "trace"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)
}

func TestFromSettings_BadLevel(t *testing.T) {
	_, err := FromSettings(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Output.Console = false }},
		{"tick", func(c *Config) { c.Sampling.Tick = 0 }},
		{"caller skip", func(c *Config) { c.Caller.Skip = -1 }},
		{"pattern", func(c *Config) { c.Redaction.Patterns = []string{"[a-"} }},
		{"empty field", func(c *Config) { c.Fields["x"] = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
