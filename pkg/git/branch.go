// Package git wraps the working-copy operations fixloop needs: status,
// branch selection, staging, committing and reading files at HEAD.
//
// It is built on go-git so no git binary is required.
package git

import (
	"errors"
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNotGitRepo indicates the directory is not a Git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrDetachedHead indicates HEAD does not point at a branch.
	ErrDetachedHead = errors.New("HEAD is detached")
)

// CurrentBranch returns the short name of the checked-out branch, or
// ErrDetachedHead.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Name().Short(), nil
}

// EnsureBranch checks out branch, creating it from HEAD when it does not
// exist. Local changes are kept. It returns true when the branch was created.
func (r *Repo) EnsureBranch(branch string) (bool, error) {
	if branch == "" {
		return false, errors.New("branch name cannot be empty")
	}
	current, err := r.CurrentBranch()
	if err == nil && current == branch {
		return false, nil
	}

	name := plumbing.NewBranchReferenceName(branch)
	if err := name.Validate(); err != nil {
		return false, fmt.Errorf("invalid branch name %q: %w", branch, err)
	}

	_, refErr := r.repo.Reference(name, true)
	create := errors.Is(refErr, plumbing.ErrReferenceNotFound)
	if refErr != nil && !create {
		return false, fmt.Errorf("looking up branch %s: %w", branch, refErr)
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree: %w", err)
	}
	if err := wt.Checkout(&gogit.CheckoutOptions{Branch: name, Create: create, Keep: true}); err != nil {
		return false, fmt.Errorf("checking out %s: %w", branch, err)
	}
	return create, nil
}

// IsMainBranch checks if the given branch name is a main branch.
func IsMainBranch(branch string) bool {
	return branch == "main" || branch == "master"
}
