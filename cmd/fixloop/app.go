package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/fixloop/internal/config"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/secrets"
	"github.com/fyrsmithlabs/fixloop/internal/sonar"
	"github.com/fyrsmithlabs/fixloop/internal/telemetry"
	"go.uber.org/zap"
)

// app holds what every command needs: configuration, logger and telemetry.
type app struct {
	dir    string
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry
}

// loadApp resolves the project directory, loads configuration, applies
// override and starts logging and telemetry. serving keeps an in-process
// Prometheus registry when the status server is enabled.
func loadApp(ctx context.Context, override func(*config.Config), serving bool) (*app, error) {
	dir, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolving project directory: %w", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("project directory %s does not exist", dir)
	}

	cfg, err := config.LoadWithFile(configPath, dir)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(cfg, override); err != nil {
		return nil, err
	}

	telCfg := telemetry.FromSettings(cfg.Telemetry, version, serving && cfg.Server.Enabled)
	telCfg.Project = projectName(cfg, dir)
	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	if cfg.Logging.File != "" && !filepath.IsAbs(cfg.Logging.File) {
		cfg.Logging.File = filepath.Join(dir, cfg.Logging.File)
	}
	logger, err := newLogger(cfg.Logging, tel)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", h.Reason))
	}

	return &app{dir: dir, cfg: cfg, logger: logger, tel: tel}, nil
}

// applyOverrides layers the command-line values over the loaded
// configuration. Flags bypass the loader, so the result is validated again.
func applyOverrides(cfg *config.Config, override func(*config.Config)) error {
	if projectKey != "" {
		cfg.Analyzer.ProjectKey = projectKey
	}
	if override != nil {
		override(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func newLogger(s config.LoggingConfig, tel *telemetry.Telemetry) (*logging.Logger, error) {
	lcfg, err := logging.FromSettings(s)
	if err != nil {
		return nil, err
	}
	if s.OTEL {
		return logging.NewLogger(lcfg, tel.LoggerProvider())
	}
	return logging.NewLogger(lcfg, nil)
}

// name is the project name used in logs, the session and the analyzer.
func (a *app) name() string {
	return projectName(a.cfg, a.dir)
}

// projectName is the analyzer project key, else the directory name.
func projectName(cfg *config.Config, dir string) string {
	if cfg.Analyzer.ProjectKey != "" {
		return cfg.Analyzer.ProjectKey
	}
	return filepath.Base(dir)
}

func (a *app) sonarClient() (*sonar.Client, error) {
	if a.cfg.Analyzer.ProjectKey == "" {
		a.cfg.Analyzer.ProjectKey = filepath.Base(a.dir)
	}
	return sonar.NewClient(sonar.Config{
		BaseURL:    a.cfg.Analyzer.BaseURL,
		Token:      a.cfg.Analyzer.Token.Value(),
		ProjectKey: a.cfg.Analyzer.ProjectKey,
		PageSize:   a.cfg.Analyzer.PageSize,
		Timeout:    a.cfg.Analyzer.Timeout.Duration(),
		MaxRetries: a.cfg.Analyzer.MaxRetries,
	}, a.logger)
}

// scrubber builds the secret scrubber for diagnostics and the status
// server. Scrubbing disabled yields a no-op scrubber.
func (a *app) scrubber() (secrets.Scrubber, error) {
	if !a.cfg.Diagnostics.Scrub {
		return &secrets.NoopScrubber{}, nil
	}
	scfg := secrets.DefaultConfig()
	scfg.Gitleaks = a.cfg.Diagnostics.Gitleaks
	if scfg.Gitleaks {
		userPath := ""
		if home, err := os.UserHomeDir(); err == nil {
			userPath = filepath.Join(home, ".config", "fixloop", "gitleaks.toml")
		}
		allow, err := secrets.LoadAllowlists(a.dir, userPath)
		if err != nil {
			return nil, fmt.Errorf("loading gitleaks allowlists: %w", err)
		}
		scfg.Allowlist = allow
	}
	return secrets.New(scfg)
}

func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, err)
	}
	if err := a.logger.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
