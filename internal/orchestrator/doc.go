// Package orchestrator runs the fix loop for one project.
//
// A run first passes its preflight gates (clean working copy, run branch,
// initial formatting, baseline build and test) and then repeats:
//
//	selecting → generating → validating → committing
//
// Selecting refreshes the analyzer's open issues and picks one at random
// among those not yet committed or skipped in this run. Generating asks
// the completion engine for a batch of candidates. Validating applies the
// candidates one at a time, in index order, under the exclusive working
// copy lease, stopping at the first one whose build and tests pass.
// Committing records that candidate as a single commit. An issue with no
// passing candidate is skipped for the rest of the run. Every issue worked
// on produces a diagnostics attempt, whatever the outcome.
//
// The run ends in StateDone when no eligible issue remains, or in
// StateAborted with a *RunError when continuing could corrupt the working
// copy or the branch history.
package orchestrator
