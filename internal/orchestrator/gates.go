package orchestrator

import (
	"context"
	"fmt"
)

// Gate is a precondition checked before the loop starts. A failing gate
// aborts the run.
type Gate interface {
	Name() string
	Check(ctx context.Context) error
}

// CleanGate refuses to start on a working copy with uncommitted changes,
// since rollback could not tell them apart from a candidate's.
type CleanGate struct {
	wc WorkingCopy
}

// NewCleanGate creates a CleanGate.
func NewCleanGate(wc WorkingCopy) *CleanGate {
	return &CleanGate{wc: wc}
}

// Name returns the gate identifier.
func (g *CleanGate) Name() string { return "clean-working-copy" }

// Check fails with ErrDirtyWorkingCopy when the checkout has changes.
func (g *CleanGate) Check(ctx context.Context) error {
	clean, err := g.wc.IsClean()
	if err != nil {
		return fmt.Errorf("reading working copy status: %w", err)
	}
	if !clean {
		return ErrDirtyWorkingCopy
	}
	return nil
}

// BaselineGate requires the untouched project to build and pass its tests.
type BaselineGate struct {
	validator Validator
}

// NewBaselineGate creates a BaselineGate.
func NewBaselineGate(v Validator) *BaselineGate {
	return &BaselineGate{validator: v}
}

// Name returns the gate identifier.
func (g *BaselineGate) Name() string { return "baseline" }

// Check runs the baseline build and test.
func (g *BaselineGate) Check(ctx context.Context) error {
	return g.validator.Baseline(ctx)
}
