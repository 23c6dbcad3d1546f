package project

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/config"
)

// Common errors.
var (
	ErrEmptyProjectName = errors.New("project name cannot be empty")
	ErrEmptyProjectPath = errors.New("project path cannot be empty")
	ErrNotGitRepo       = errors.New("project directory is not a git repository")
)

const defaultOutputLimit = 16 * 1024

// Command is one configured shell command.
type Command struct {
	Name    string
	Line    string
	Timeout time.Duration
}

// Configured reports whether there is anything to run.
func (c Command) Configured() bool {
	return c.Line != ""
}

// Project is a working copy on disk plus the commands that build, test,
// format and analyze it.
type Project struct {
	// Name is the analyzer project key.
	Name string
	// Dir is the absolute project directory.
	Dir string

	build   Command
	test    Command
	format  Command
	analyze Command

	outputLimit int
}

// New validates dir and builds a Project from the command settings.
// dir must contain a .git entry.
func New(name, dir string, cmds config.CommandsConfig) (*Project, error) {
	if name == "" {
		return nil, ErrEmptyProjectName
	}
	if dir == "" {
		return nil, ErrEmptyProjectPath
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving project path: %w", err)
	}
	if _, err := os.Stat(filepath.Join(abs, ".git")); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, abs)
	}

	limit := cmds.OutputLimit
	if limit <= 0 {
		limit = defaultOutputLimit
	}

	return &Project{
		Name:        name,
		Dir:         abs,
		build:       Command{Name: "build", Line: cmds.Build, Timeout: cmds.BuildTimeout.Duration()},
		test:        Command{Name: "test", Line: cmds.Test, Timeout: cmds.TestTimeout.Duration()},
		format:      Command{Name: "format", Line: cmds.Format, Timeout: cmds.FormatTimeout.Duration()},
		analyze:     Command{Name: "analyze", Line: cmds.Analyze, Timeout: cmds.AnalyzeTimeout.Duration()},
		outputLimit: limit,
	}, nil
}

// Path joins a project-relative path onto Dir.
func (p *Project) Path(rel string) string {
	return filepath.Join(p.Dir, filepath.FromSlash(rel))
}

// HasFormatter reports whether a format command is configured.
func (p *Project) HasFormatter() bool { return p.format.Configured() }

// HasAnalyzer reports whether an analyze command is configured.
func (p *Project) HasAnalyzer() bool { return p.analyze.Configured() }
