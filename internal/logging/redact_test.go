package logging

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encodeEntry(t *testing.T, enc zapcore.Encoder, fields ...zap.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "msg", Time: time.Unix(0, 0)}, fields)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactingEncoder_FieldNames(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	out := encodeEntry(t, enc, zap.String("token", "squ_live"), zap.String("model", "qwen"))
	assert.Contains(t, out, `"token":"[REDACTED]"`)
	assert.Contains(t, out, `"model":"qwen"`)
}

func TestRedactingEncoder_Patterns(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	sonarToken := "squ_" + strings.Repeat("a1", 20)
	out := encodeEntry(t, enc,
		zap.String("header", "Bearer abc.def"),
		zap.String("output", "curl -u "+sonarToken+": http://sonar"),
	)
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, sonarToken)
	assert.Contains(t, out, `"output":"curl -u [REDACTED]: http://sonar"`)
}

func TestRedactingEncoder_ErrorsAndMessage(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	sonarToken := "squ_" + strings.Repeat("b2", 20)
	buf, err := enc.EncodeEntry(
		zapcore.Entry{Message: "analyze with " + sonarToken, Time: time.Unix(0, 0)},
		[]zap.Field{zap.Error(errors.New("sonar: 401 for token " + sonarToken))},
	)
	require.NoError(t, err)
	out := buf.String()

	assert.NotContains(t, out, sonarToken)
	assert.Contains(t, out, `"msg":"analyze with [REDACTED]"`)
	assert.Contains(t, out, `"error":"sonar: 401 for token [REDACTED]"`)
}

func TestRedactingEncoder_ClonedFields(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	clone := enc.Clone()
	clone.AddString("api_key", "sk-live")
	clone.AddString("project", "acme")

	out := encodeEntry(t, clone)
	assert.Contains(t, out, `"api_key":"[REDACTED]"`)
	assert.Contains(t, out, `"project":"acme"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{})
	require.NoError(t, err)

	out := encodeEntry(t, enc, zap.String("token", "visible"))
	assert.Contains(t, out, "visible")
}

func TestRedactingEncoder_InvalidPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Logger.zap.Info("configured", Secret("api_key", config.Secret("sk-12345")))

	entry := tl.FilterMessage("configured").All()[0]
	assert.Equal(t, map[string]interface{}{"api_key": "[REDACTED:8]"}, entry.ContextMap()["api_key"])
}

func TestTail(t *testing.T) {
	assert.Equal(t, "short", Tail("out", "short", 10).String)
	assert.Equal(t, "...6789", Tail("out", "0123456789", 4).String)
	assert.Equal(t, "0123456789", Tail("out", "0123456789", 0).String)
}
