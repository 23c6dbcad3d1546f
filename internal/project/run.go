package project

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result is the outcome of one command run.
type Result struct {
	Command  string        `json:"command"`
	ExitCode int           `json:"exit_code"`
	Output   string        `json:"output"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out"`
	// Skipped is set when no command line is configured.
	Skipped bool `json:"skipped,omitempty"`
	// Err is set when the process could not be started or waited on.
	Err error `json:"-"`
}

// OK reports whether the command succeeded.
func (r Result) OK() bool {
	return r.Skipped || (r.Err == nil && !r.TimedOut && r.ExitCode == 0)
}

// Summary is a one-line description for logs.
func (r Result) Summary() string {
	switch {
	case r.Skipped:
		return r.Command + ": not configured"
	case r.TimedOut:
		return fmt.Sprintf("%s: timed out after %s", r.Command, r.Duration.Round(time.Millisecond))
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Command, r.Err)
	default:
		return fmt.Sprintf("%s: exit %d in %s", r.Command, r.ExitCode, r.Duration.Round(time.Millisecond))
	}
}

// Build runs the build command.
func (p *Project) Build(ctx context.Context) Result { return p.Run(ctx, p.build) }

// Test runs the test command.
func (p *Project) Test(ctx context.Context) Result { return p.Run(ctx, p.test) }

// Format runs the formatter, if configured.
func (p *Project) Format(ctx context.Context) Result { return p.Run(ctx, p.format) }

// Analyze runs the analyzer scan, if configured.
func (p *Project) Analyze(ctx context.Context) Result { return p.Run(ctx, p.analyze) }

// Run executes cmd through `sh -c` in the project directory. It never
// returns an error; failures are described by the Result.
func (p *Project) Run(ctx context.Context, cmd Command) Result {
	res := Result{Command: cmd.Name}
	if !cmd.Configured() {
		res.Skipped = true
		return res
	}

	runCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(runCtx, "sh", "-c", cmd.Line)
	c.Dir = p.Dir
	// Children holding the pipes open must not block us past the deadline.
	c.WaitDelay = 5 * time.Second

	out := &tailBuffer{limit: p.outputLimit}
	c.Stdout = out
	c.Stderr = out

	start := time.Now()
	err := c.Run()
	res.Duration = time.Since(start)
	res.Output = out.String()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Err = err
	}
	return res
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.truncated = true
		rest := append([]byte(nil), t.buf.Bytes()[over:]...)
		t.buf.Reset()
		t.buf.Write(rest)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	if t.truncated {
		return "[... output truncated ...]\n" + t.buf.String()
	}
	return t.buf.String()
}
