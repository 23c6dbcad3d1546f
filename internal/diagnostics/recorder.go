// Package diagnostics keeps a human-readable record of every attempt under
// the project directory:
//
//	.fixloop/attempts/<issue key>/<NNNN>/attempt.json
//	.fixloop/attempts/<issue key>/<NNNN>/candidate-XX.md
//	.fixloop/attempts/<issue key>/<NNNN>/candidate-XX.diff
//	.fixloop/latest.md
//
// latest.md is the candidate of the most recent commit. Everything is
// passed through the secret scrubber before it reaches disk. Recording is
// pure observability: failures are logged and counted, never returned.
package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/secrets"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/fixloop/internal/diagnostics"

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Recorder writes attempt records.
type Recorder struct {
	root     string
	scrubber secrets.Scrubber
	logger   *logging.Logger

	// serializes numbering within the process
	mu       sync.Mutex
	failures atomic.Int64
	errors   metric.Int64Counter
}

// NewRecorder creates a Recorder writing under root. scrubber and logger
// may be nil.
func NewRecorder(root string, scrubber secrets.Scrubber, logger *logging.Logger) *Recorder {
	if scrubber == nil {
		scrubber = &secrets.NoopScrubber{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"fixloop.diagnostics.write_errors",
		metric.WithDescription("Diagnostics records that could not be written"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn(context.Background(), "diagnostics metric unavailable", zap.Error(err))
	}
	return &Recorder{
		root:     root,
		scrubber: scrubber,
		logger:   logger.Named("diagnostics"),
		errors:   counter,
	}
}

// Root returns the diagnostics directory.
func (r *Recorder) Root() string { return r.root }

// Failures returns how many records failed to write.
func (r *Recorder) Failures() int64 { return r.failures.Load() }

// Record persists a. It never fails the caller.
func (r *Recorder) Record(ctx context.Context, a Attempt) {
	if err := r.record(a); err != nil {
		r.failures.Add(1)
		if r.errors != nil {
			r.errors.Add(ctx, 1)
		}
		r.logger.Warn(ctx, "failed to write diagnostics", zap.Error(err))
	}
}

func (r *Recorder) record(a Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureRoot(); err != nil {
		return err
	}
	dir, err := r.nextAttemptDir(a.Issue.Key)
	if err != nil {
		return err
	}

	data, err := a.marshal()
	if err != nil {
		return fmt.Errorf("encoding attempt: %w", err)
	}
	errs := []error{r.write(filepath.Join(dir, "attempt.json"), string(data))}

	for _, c := range a.Candidates {
		base := filepath.Join(dir, fmt.Sprintf("candidate-%02d", c.Index))
		md := a.markdown(c)
		errs = append(errs, r.write(base+".md", md))
		if c.Content != "" {
			errs = append(errs, r.write(base+".diff", completion.UnifiedDiff(c.Path, c.Original, c.Content)))
		}
		if c.Index == a.Chosen {
			errs = append(errs, r.write(filepath.Join(r.root, "latest.md"), md))
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) ensureRoot() error {
	if err := os.MkdirAll(r.root, 0o755); err != nil {
		return fmt.Errorf("creating diagnostics dir: %w", err)
	}
	// keeps records out of status and commits
	ignore := filepath.Join(r.root, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", ignore, err)
		}
	}
	return nil
}

// nextAttemptDir creates the next free numbered directory for key.
func (r *Recorder) nextAttemptDir(key string) (string, error) {
	issueDir := filepath.Join(r.root, "attempts", IssueDirName(key))
	if err := os.MkdirAll(issueDir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", issueDir, err)
	}
	entries, err := os.ReadDir(issueDir)
	if err != nil {
		return "", fmt.Errorf("listing %s: %w", issueDir, err)
	}
	next := 1
	for _, e := range entries {
		if n, err := strconv.Atoi(e.Name()); err == nil && n >= next {
			next = n + 1
		}
	}
	for ; ; next++ {
		dir := filepath.Join(issueDir, fmt.Sprintf("%04d", next))
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
	}
}

func (r *Recorder) write(path, content string) error {
	if r.scrubber.IsEnabled() {
		content = r.scrubber.Scrub(content).Scrubbed
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// IssueDirName maps an issue key to a safe directory name.
func IssueDirName(key string) string {
	name := unsafeKeyChars.ReplaceAllString(key, "_")
	switch name {
	case "":
		return "_"
	case ".", "..":
		return "_" + name
	}
	return name
}
