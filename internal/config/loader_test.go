package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir so the user config dir is isolated.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeProjectConfig(t *testing.T, projectDir, content string, perm os.FileMode) string {
	t.Helper()
	dir := ProjectConfigDir(projectDir)
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_DefaultsWithoutFile(t *testing.T) {
	setupTestHome(t)
	project := t.TempDir()

	cfg, err := LoadWithFile("", project)
	require.NoError(t, err)

	defaults := NewDefaultConfig()
	assert.Equal(t, defaults.Run, cfg.Run)
	assert.Equal(t, 16, cfg.Run.BatchSize)
	assert.Equal(t, 16, cfg.Backend.Concurrency)
	assert.Equal(t, 500, cfg.Analyzer.PageSize)
	assert.Equal(t, ".fixloop", cfg.Diagnostics.Dir)
}

func TestLoadWithFile_ProjectYAML(t *testing.T) {
	setupTestHome(t)
	project := t.TempDir()

	writeProjectConfig(t, project, `
run:
  branch: bot-fixes
  batch_size: 4
  seed: 42
analyzer:
  base_url: https://sonar.example.com
  token: squ_abc
  project_key: Shop
backend:
  provider: ollama
  base_url: http://localhost:11434
  model: codellama
  timeout: 90s
commands:
  build: make build
  test: make test
  format: ""
`, 0600)

	cfg, err := LoadWithFile("", project)
	require.NoError(t, err)

	assert.Equal(t, "bot-fixes", cfg.Run.Branch)
	assert.Equal(t, 4, cfg.Run.BatchSize)
	assert.Equal(t, uint64(42), cfg.Run.Seed)
	assert.Equal(t, "Shop", cfg.Analyzer.ProjectKey)
	assert.Equal(t, "squ_abc", cfg.Analyzer.Token.Value())
	assert.Equal(t, "ollama", cfg.Backend.Provider)
	assert.Equal(t, 90*time.Second, cfg.Backend.Timeout.Duration())
	assert.Equal(t, "make build", cfg.Commands.Build)
	assert.Empty(t, cfg.Commands.Format)
	// untouched keys keep their defaults
	assert.Equal(t, 0.3, cfg.Backend.Temperature)
	assert.Equal(t, 10*time.Minute, cfg.Commands.BuildTimeout.Duration())
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	setupTestHome(t)
	project := t.TempDir()

	writeProjectConfig(t, project, `
backend:
  model: from-file
`, 0600)

	t.Setenv("FIXLOOP_BACKEND_MODEL", "from-env")
	t.Setenv("FIXLOOP_BACKEND_API_KEY", "sk-test")
	t.Setenv("FIXLOOP_RUN_BATCH_SIZE", "8")

	cfg, err := LoadWithFile("", project)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Backend.Model)
	assert.Equal(t, "sk-test", cfg.Backend.APIKey.Value())
	assert.Equal(t, 8, cfg.Run.BatchSize)
}

func TestLoadWithFile_UserConfigFallback(t *testing.T) {
	home := setupTestHome(t)
	project := t.TempDir()

	dir := filepath.Join(home, ".config", "fixloop")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("run:\n  branch: from-home\n"), 0600))

	cfg, err := LoadWithFile("", project)
	require.NoError(t, err)
	assert.Equal(t, "from-home", cfg.Run.Branch)
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	project := t.TempDir()
	other := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(other, []byte("run:\n  branch: x\n"), 0600))

	_, err := LoadWithFile(other, project)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission model differs on windows")
	}
	setupTestHome(t)
	project := t.TempDir()
	path := writeProjectConfig(t, project, "run:\n  branch: x\n", 0644)

	_, err := LoadWithFile(path, project)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	setupTestHome(t)
	project := t.TempDir()
	writeProjectConfig(t, project, `
run:
  batch_size: 0
backend:
  provider: carrier-pigeon
`, 0600)

	_, err := LoadWithFile("", project)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run.batch_size")
	assert.Contains(t, err.Error(), "backend.provider")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"FIXLOOP_BACKEND_API_KEY":        "backend.api_key",
		"FIXLOOP_RUN_BATCH_SIZE":         "run.batch_size",
		"FIXLOOP_COMMANDS_BUILD_TIMEOUT": "commands.build_timeout",
		"FIXLOOP_VERBOSE":                "verbose",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
