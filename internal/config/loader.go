package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FIXLOOP_"

	projectConfigDir = ".fixloop"
	configFileName   = "config.yaml"
)

// LoadWithFile loads configuration for the project in projectDir.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (FIXLOOP_BACKEND_MODEL, FIXLOOP_RUN_BATCH_SIZE, ...)
//  2. YAML config file
//  3. Built-in defaults (NewDefaultConfig)
//
// When configPath is empty the first existing file of
// <projectDir>/.fixloop/config.yaml and ~/.config/fixloop/config.yaml is used.
// A missing file is not an error.
//
// Config files may hold API tokens, so they must be 0600 or 0400, at most
// 1MB, and live in the project's .fixloop directory, ~/.config/fixloop/ or
// /etc/fixloop/.
//
// Environment variables split on the first underscore after the prefix:
//
//	FIXLOOP_BACKEND_API_KEY -> backend.api_key
//	FIXLOOP_RUN_BATCH_SIZE  -> run.batch_size
func LoadWithFile(configPath, projectDir string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		configPath = defaultConfigPath(projectDir)
	}

	if configPath != "" {
		if err := validateConfigPath(configPath, projectDir); err != nil {
			return nil, fmt.Errorf("config path validation failed: %w", err)
		}
		content, err := readConfigFile(configPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if err == nil {
			// rawbytes avoids re-opening the file after validation
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal over the defaults so absent keys keep their default values.
	cfg := NewDefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envKey maps FIXLOOP_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// ProjectConfigDir returns the per-project configuration directory.
func ProjectConfigDir(projectDir string) string {
	return filepath.Join(projectDir, projectConfigDir)
}

func defaultConfigPath(projectDir string) string {
	candidates := make([]string, 0, 2)
	if projectDir != "" {
		candidates = append(candidates, filepath.Join(ProjectConfigDir(projectDir), configFileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "fixloop", configFileName))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// readConfigFile opens the file once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigPath checks the path is inside an allowed directory.
// Runs even if the file does not exist yet.
func validateConfigPath(path, projectDir string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	allowedDirs := []string{"/etc/fixloop"}
	if home, err := os.UserHomeDir(); err == nil {
		allowedDirs = append(allowedDirs, filepath.Join(home, ".config", "fixloop"))
	}
	if projectDir != "" {
		if abs, err := filepath.Abs(ProjectConfigDir(projectDir)); err == nil {
			allowedDirs = append(allowedDirs, abs)
			if resolved, err := filepath.EvalSymlinks(abs); err == nil {
				allowedDirs = append(allowedDirs, resolved)
			}
		}
	}

	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in <project>/.fixloop/, ~/.config/fixloop/ or /etc/fixloop/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
