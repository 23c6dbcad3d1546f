// Package validation decides whether a candidate is acceptable by applying
// it to the working copy and running the project's build and then its
// tests. Verdicts come from exit status only.
package validation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/project"
	"github.com/fyrsmithlabs/fixloop/internal/workcopy"
	"go.uber.org/zap"
)

// Verdict is the result of validating one candidate.
type Verdict string

const (
	// Invalid candidates could not be turned into file content, or the
	// formatter reduced them to the original. They are never built.
	Invalid     Verdict = "INVALID"
	BuildFailed Verdict = "BUILD_FAILED"
	TestFailed  Verdict = "TEST_FAILED"
	Passed      Verdict = "PASSED"
)

// Outcome is one validated candidate.
type Outcome struct {
	Index         int           `json:"index"`
	Verdict       Verdict       `json:"verdict"`
	Diagnostics   string        `json:"diagnostics,omitempty"`
	BuildDuration time.Duration `json:"build_duration,omitempty"`
	TestDuration  time.Duration `json:"test_duration,omitempty"`
}

// ErrBaselineBroken means the untouched working copy fails to build or
// test, so there is nothing to validate candidates against.
var ErrBaselineBroken = errors.New("working copy does not pass build and test before any change")

// Commands runs the project's commands.
type Commands interface {
	Build(ctx context.Context) project.Result
	Test(ctx context.Context) project.Result
	Format(ctx context.Context) project.Result
	HasFormatter() bool
}

// Lease is the exclusive working-copy handle a candidate is applied through.
type Lease interface {
	Apply(ctx context.Context, path string, content []byte) (*workcopy.Snapshot, error)
	Rollback(ctx context.Context, snap *workcopy.Snapshot) error
	Dir() string
}

// Runner validates candidates one at a time.
type Runner struct {
	cmds Commands
	// formatOnApply runs the formatter right after applying a candidate
	// and rejects candidates the formatter turns back into the original.
	formatOnApply bool
	logger        *logging.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithFormatOnApply formats the working copy after each apply.
func WithFormatOnApply(enabled bool) Option {
	return func(r *Runner) { r.formatOnApply = enabled }
}

// NewRunner creates a Runner. logger may be nil.
func NewRunner(cmds Commands, logger *logging.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{cmds: cmds, logger: logger.Named("validation")}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Baseline builds and tests the untouched working copy.
func (r *Runner) Baseline(ctx context.Context) error {
	if res := r.cmds.Build(ctx); !res.OK() {
		return fmt.Errorf("%w: %s\n%s", ErrBaselineBroken, res.Summary(), res.Output)
	}
	if res := r.cmds.Test(ctx); !res.OK() {
		return fmt.Errorf("%w: %s\n%s", ErrBaselineBroken, res.Summary(), res.Output)
	}
	return nil
}

// Apply writes the candidate into the working copy.
func (r *Runner) Apply(ctx context.Context, lease Lease, cand completion.Candidate) (*workcopy.Snapshot, error) {
	return lease.Apply(ctx, cand.Path, []byte(cand.Content))
}

// Build runs the build command.
func (r *Runner) Build(ctx context.Context) project.Result { return r.cmds.Build(ctx) }

// Test runs the test command.
func (r *Runner) Test(ctx context.Context) project.Result { return r.cmds.Test(ctx) }

// Rollback restores the working copy to the snapshot.
func (r *Runner) Rollback(ctx context.Context, lease Lease, snap *workcopy.Snapshot) error {
	return lease.Rollback(ctx, snap)
}

// Validate applies cand, builds, tests and rolls back unless the verdict
// is Passed; a passing candidate stays applied for the caller to commit.
// Invalid candidates never touch the working copy. The returned error is
// reserved for infrastructure failures (apply or rollback), never for a
// failing build or test.
func (r *Runner) Validate(ctx context.Context, lease Lease, cand completion.Candidate) (Outcome, error) {
	out := Outcome{Index: cand.Index}
	if !cand.Valid() {
		out.Verdict = Invalid
		out.Diagnostics = cand.Error
		if out.Diagnostics == "" {
			out.Diagnostics = "empty replacement"
		}
		return out, nil
	}

	log := r.logger.With(zap.Int("candidate", cand.Index), zap.String("path", cand.Path))

	snap, err := r.Apply(ctx, lease, cand)
	if err != nil {
		if snap == nil && errors.Is(err, workcopy.ErrOutsideWorkingCopy) {
			out.Verdict = Invalid
			out.Diagnostics = err.Error()
			return out, nil
		}
		return out, fmt.Errorf("applying candidate %d: %w", cand.Index, err)
	}

	fail := func(v Verdict, diag string) (Outcome, error) {
		out.Verdict = v
		out.Diagnostics = diag
		if err := r.Rollback(ctx, lease, snap); err != nil {
			return out, err
		}
		return out, nil
	}

	if r.formatOnApply && r.cmds.HasFormatter() {
		if res := r.cmds.Format(ctx); !res.OK() {
			log.Debug(ctx, "formatter failed on candidate", zap.String("result", res.Summary()))
		} else if unchangedAfterFormat(lease, cand) {
			return fail(Invalid, "no code change after formatting the code")
		}
	}

	build := r.Build(ctx)
	out.BuildDuration = build.Duration
	if !build.OK() {
		log.Debug(ctx, "candidate failed to build", zap.String("result", build.Summary()))
		return fail(BuildFailed, diagnostics(build))
	}

	test := r.Test(ctx)
	out.TestDuration = test.Duration
	if !test.OK() {
		log.Debug(ctx, "candidate failed tests", zap.String("result", test.Summary()))
		return fail(TestFailed, diagnostics(test))
	}

	out.Verdict = Passed
	log.Info(ctx, "candidate passed", zap.Duration("build", out.BuildDuration), zap.Duration("test", out.TestDuration))
	return out, nil
}

func unchangedAfterFormat(lease Lease, cand completion.Candidate) bool {
	content, err := os.ReadFile(filepath.Join(lease.Dir(), filepath.FromSlash(cand.Path)))
	if err != nil {
		return false
	}
	return strings.TrimRight(string(content), " \t\r\n") == strings.TrimRight(cand.Original, " \t\r\n")
}

func diagnostics(res project.Result) string {
	return res.Summary() + "\n" + res.Output
}
