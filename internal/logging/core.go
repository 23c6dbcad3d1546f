package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

const instrumentationName = "github.com/fyrsmithlabs/fixloop"

// outputs is the assembled core plus whatever must be closed with it.
type outputs struct {
	core    zapcore.Core
	closers []io.Closer
}

// newCore tees the configured outputs and samples the result. Console goes
// to stderr; the run log file is always JSON.
func newCore(cfg *Config, otelProvider log.LoggerProvider) (*outputs, error) {
	out := &outputs{}
	cores := make([]zapcore.Core, 0, 3)

	redacted := func(format string) (zapcore.Encoder, error) {
		enc, err := NewRedactingEncoder(newEncoder(format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		return enc, nil
	}

	if cfg.Output.Console {
		enc, err := redacted(cfg.Format)
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(os.Stderr)), cfg.Level))
	}

	if cfg.Output.File != "" {
		enc, err := redacted("json")
		if err != nil {
			return nil, err
		}
		f, err := openLogFile(cfg.Output.File)
		if err != nil {
			return nil, err
		}
		out.closers = append(out.closers, f)
		cores = append(cores, zapcore.NewCore(enc, zapcore.Lock(f), cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore(instrumentationName, otelzap.WithLoggerProvider(otelProvider)))
	}

	switch len(cores) {
	case 0:
		return nil, fmt.Errorf("at least one output must be enabled and available")
	case 1:
		out.core = cores[0]
	default:
		out.core = zapcore.NewTee(cores...)
	}
	out.core = newSampledCore(out.core, cfg.Sampling)
	return out, nil
}

// openLogFile appends to path, creating it and its directory owner-only.
func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
