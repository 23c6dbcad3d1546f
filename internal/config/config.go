// Package config provides configuration loading for fixloop.
//
// Configuration is layered: built-in defaults, then an optional YAML file,
// then FIXLOOP_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the complete fixloop configuration.
type Config struct {
	Run         RunConfig         `koanf:"run" json:"run"`
	Analyzer    AnalyzerConfig    `koanf:"analyzer" json:"analyzer"`
	Backend     BackendConfig     `koanf:"backend" json:"backend"`
	Commands    CommandsConfig    `koanf:"commands" json:"commands"`
	Diagnostics DiagnosticsConfig `koanf:"diagnostics" json:"diagnostics"`
	Logging     LoggingConfig     `koanf:"logging" json:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry" json:"telemetry"`
	Server      ServerConfig      `koanf:"server" json:"server"`
}

// RunConfig controls a single resolution run.
type RunConfig struct {
	// Branch is the branch every fix is committed to. Created from HEAD when absent.
	Branch string `koanf:"branch" json:"branch"`

	// BatchSize is the number of candidates generated per issue.
	BatchSize int `koanf:"batch_size" json:"batch_size"`

	// Seed makes issue selection reproducible. Zero picks a random seed.
	Seed uint64 `koanf:"seed" json:"seed"`

	// MaxIssues stops the run after this many selected issues (0 = unlimited).
	MaxIssues int `koanf:"max_issues" json:"max_issues"`

	AuthorName  string `koanf:"author_name" json:"author_name"`
	AuthorEmail string `koanf:"author_email" json:"author_email"`
}

// AnalyzerConfig holds SonarQube connection settings.
type AnalyzerConfig struct {
	BaseURL    string   `koanf:"base_url" json:"base_url"`
	Token      Secret   `koanf:"token" json:"token"`
	ProjectKey string   `koanf:"project_key" json:"project_key"`
	PageSize   int      `koanf:"page_size" json:"page_size"`
	Timeout    Duration `koanf:"timeout" json:"timeout"`
	MaxRetries int      `koanf:"max_retries" json:"max_retries"`
}

// BackendConfig holds completion backend settings.
type BackendConfig struct {
	// Provider selects the client: "openai" (any OpenAI-compatible server) or "ollama".
	Provider    string   `koanf:"provider" json:"provider"`
	BaseURL     string   `koanf:"base_url" json:"base_url"`
	APIKey      Secret   `koanf:"api_key" json:"api_key"`
	Model       string   `koanf:"model" json:"model"`
	Temperature float64  `koanf:"temperature" json:"temperature"`
	Concurrency int      `koanf:"concurrency" json:"concurrency"`
	Timeout     Duration `koanf:"timeout" json:"timeout"`
	MaxRetries  int      `koanf:"max_retries" json:"max_retries"`
	RateLimit   float64  `koanf:"rate_limit" json:"rate_limit"`
	Burst       int      `koanf:"burst" json:"burst"`

	// ContextSize is the model context window in tokens, used for the output budget.
	ContextSize int `koanf:"context_size" json:"context_size"`
	// ReserveTokens is kept free of both prompt and completion.
	ReserveTokens int `koanf:"reserve_tokens" json:"reserve_tokens"`
}

// CommandsConfig holds the project shell commands. Each runs through `sh -c`
// in the project directory; exit status zero means success.
type CommandsConfig struct {
	Build          string   `koanf:"build" json:"build"`
	Test           string   `koanf:"test" json:"test"`
	Format         string   `koanf:"format" json:"format"`
	Analyze        string   `koanf:"analyze" json:"analyze"`
	BuildTimeout   Duration `koanf:"build_timeout" json:"build_timeout"`
	TestTimeout    Duration `koanf:"test_timeout" json:"test_timeout"`
	FormatTimeout  Duration `koanf:"format_timeout" json:"format_timeout"`
	AnalyzeTimeout Duration `koanf:"analyze_timeout" json:"analyze_timeout"`
	OutputLimit    int      `koanf:"output_limit" json:"output_limit"`
}

// DiagnosticsConfig controls the attempt log written under the project.
type DiagnosticsConfig struct {
	Enabled bool `koanf:"enabled" json:"enabled"`
	// Dir is relative to the project directory.
	Dir string `koanf:"dir" json:"dir"`
	// Scrub redacts secrets before anything reaches disk.
	Scrub bool `koanf:"scrub" json:"scrub"`
	// Gitleaks adds the gitleaks rule set on top of the built-in rules.
	Gitleaks bool `koanf:"gitleaks" json:"gitleaks"`
}

// LoggingConfig is the subset of logging settings exposed in the file.
type LoggingConfig struct {
	Level  string            `koanf:"level" json:"level"`
	Format string            `koanf:"format" json:"format"`
	OTEL   bool              `koanf:"otel" json:"otel"`
	Fields map[string]string `koanf:"fields" json:"fields,omitempty"`
	// File also writes JSON logs to this path, relative to the project.
	File string `koanf:"file" json:"file,omitempty"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled" json:"enabled"`
	Endpoint    string  `koanf:"endpoint" json:"endpoint"`
	Protocol    string  `koanf:"protocol" json:"protocol"`
	Insecure    bool    `koanf:"insecure" json:"insecure"`
	SampleRate  float64 `koanf:"sample_rate" json:"sample_rate"`
	ServiceName string  `koanf:"service_name" json:"service_name"`
}

// ServerConfig holds the status server configuration.
type ServerConfig struct {
	Enabled         bool     `koanf:"enabled" json:"enabled"`
	Host            string   `koanf:"host" json:"host"`
	Port            int      `koanf:"port" json:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout" json:"shutdown_timeout"`
}

// NewDefaultConfig returns the built-in defaults. File and environment
// values are layered on top of this.
func NewDefaultConfig() *Config {
	return &Config{
		Run: RunConfig{
			Branch:      "fixloop",
			BatchSize:   16,
			AuthorName:  "fixloop",
			AuthorEmail: "fixloop@localhost",
		},
		Analyzer: AnalyzerConfig{
			BaseURL:    "http://127.0.0.1:9000",
			PageSize:   500,
			Timeout:    Duration(30 * time.Second),
			MaxRetries: 2,
		},
		Backend: BackendConfig{
			Provider:      "openai",
			BaseURL:       "http://127.0.0.1:8000/v1",
			APIKey:        Secret("NO-KEY"),
			Model:         "model",
			Temperature:   0.3,
			Concurrency:   16,
			Timeout:       Duration(5 * time.Minute),
			MaxRetries:    2,
			RateLimit:     10,
			Burst:         16,
			ContextSize:   16384,
			ReserveTokens: 2000,
		},
		Commands: CommandsConfig{
			Build:          "dotnet build",
			Test:           "dotnet test --no-build --nologo --logger console .",
			Format:         "dotnet format .",
			BuildTimeout:   Duration(10 * time.Minute),
			TestTimeout:    Duration(20 * time.Minute),
			FormatTimeout:  Duration(5 * time.Minute),
			AnalyzeTimeout: Duration(30 * time.Minute),
			OutputLimit:    16 * 1024,
		},
		Diagnostics: DiagnosticsConfig{
			Enabled:  true,
			Dir:      ".fixloop",
			Scrub:    true,
			Gitleaks: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRate:  1.0,
			ServiceName: "fixloop",
		},
		Server: ServerConfig{
			Enabled:         false,
			Host:            "localhost",
			Port:            9464,
			ShutdownTimeout: Duration(5 * time.Second),
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Run.Branch) == "" {
		errs = append(errs, errors.New("run.branch is required"))
	}
	if c.Run.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("run.batch_size must be >= 1, got %d", c.Run.BatchSize))
	}
	if c.Run.MaxIssues < 0 {
		errs = append(errs, fmt.Errorf("run.max_issues must be >= 0, got %d", c.Run.MaxIssues))
	}

	if err := validateURL("analyzer.base_url", c.Analyzer.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.Analyzer.PageSize < 1 || c.Analyzer.PageSize > 500 {
		errs = append(errs, fmt.Errorf("analyzer.page_size must be between 1 and 500, got %d", c.Analyzer.PageSize))
	}
	if c.Analyzer.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("analyzer.timeout must be positive"))
	}

	switch c.Backend.Provider {
	case "openai", "ollama":
	default:
		errs = append(errs, fmt.Errorf("backend.provider must be 'openai' or 'ollama', got %q", c.Backend.Provider))
	}
	if err := validateURL("backend.base_url", c.Backend.BaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.Backend.Model == "" {
		errs = append(errs, errors.New("backend.model is required"))
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 2 {
		errs = append(errs, fmt.Errorf("backend.temperature must be between 0 and 2, got %g", c.Backend.Temperature))
	}
	if c.Backend.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("backend.concurrency must be >= 1, got %d", c.Backend.Concurrency))
	}
	if c.Backend.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}
	if c.Backend.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("backend.max_retries must be >= 0, got %d", c.Backend.MaxRetries))
	}
	if c.Backend.RateLimit <= 0 {
		errs = append(errs, errors.New("backend.rate_limit must be positive"))
	}
	if c.Backend.Burst < 1 {
		errs = append(errs, fmt.Errorf("backend.burst must be >= 1, got %d", c.Backend.Burst))
	}
	if c.Backend.ContextSize <= c.Backend.ReserveTokens {
		errs = append(errs, fmt.Errorf("backend.context_size (%d) must exceed backend.reserve_tokens (%d)",
			c.Backend.ContextSize, c.Backend.ReserveTokens))
	}

	if strings.TrimSpace(c.Commands.Build) == "" {
		errs = append(errs, errors.New("commands.build is required"))
	}
	if strings.TrimSpace(c.Commands.Test) == "" {
		errs = append(errs, errors.New("commands.test is required"))
	}
	for name, d := range map[string]Duration{
		"commands.build_timeout":   c.Commands.BuildTimeout,
		"commands.test_timeout":    c.Commands.TestTimeout,
		"commands.format_timeout":  c.Commands.FormatTimeout,
		"commands.analyze_timeout": c.Commands.AnalyzeTimeout,
	} {
		if d.Duration() <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	if c.Diagnostics.Enabled && strings.TrimSpace(c.Diagnostics.Dir) == "" {
		errs = append(errs, errors.New("diagnostics.dir is required when diagnostics are enabled"))
	}
	if strings.HasPrefix(c.Diagnostics.Dir, "/") || strings.Contains(c.Diagnostics.Dir, "..") {
		errs = append(errs, fmt.Errorf("diagnostics.dir must be relative to the project, got %q", c.Diagnostics.Dir))
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %g", c.Telemetry.SampleRate))
	}

	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	return errors.Join(errs...)
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https, got %q", field, raw)
	}
	return nil
}
