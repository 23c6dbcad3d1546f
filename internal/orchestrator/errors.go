package orchestrator

import (
	"errors"
	"fmt"
)

// Severity of a run error.
type Severity string

const (
	// SeverityCritical aborts the run.
	SeverityCritical Severity = "critical"
	// SeverityHigh is recorded for the issue; the run continues.
	SeverityHigh Severity = "high"
	// SeverityLow is only logged.
	SeverityLow Severity = "low"
)

var (
	// ErrDirtyWorkingCopy means the project has uncommitted changes at start.
	ErrDirtyWorkingCopy = errors.New("working copy has uncommitted changes")

	// ErrMissingDependency is returned by New for an incomplete Deps.
	ErrMissingDependency = errors.New("missing orchestrator dependency")
)

// RunError is an error that ended a run, tagged with the state the run
// was in when it happened.
type RunError struct {
	State    State
	Severity Severity
	IssueKey string
	Err      error
}

func (e *RunError) Error() string {
	if e.IssueKey != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.State, e.IssueKey, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.State, e.Err)
}

// Unwrap allows errors.Is and errors.As to see the cause.
func (e *RunError) Unwrap() error {
	return e.Err
}

func fatal(state State, key string, err error) *RunError {
	return &RunError{State: state, Severity: SeverityCritical, IssueKey: key, Err: err}
}

// IsFatal reports whether err aborted a run.
func IsFatal(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Severity == SeverityCritical
}
