package git

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNothingToCommit is returned by Commit when no change is staged.
var ErrNothingToCommit = errors.New("nothing to commit")

// Change is one path with uncommitted changes.
type Change struct {
	Path string
	// Untracked is set for files git does not know about yet.
	Untracked bool
	// Deleted is set for tracked files missing from the working tree.
	Deleted bool
}

// Author identifies the committer of fixes.
type Author struct {
	Name  string
	Email string
}

// Repo is an opened working copy. Paths are slash-separated and relative
// to the repository root. Paths under any ignored prefix never show up in
// Status and are never staged.
type Repo struct {
	mu      sync.Mutex
	root    string
	repo    *gogit.Repository
	ignored []string
}

// Open opens the repository rooted at dir. ignore lists directory prefixes
// (relative, slash-separated) that belong to fixloop itself.
func Open(dir string, ignore ...string) (*Repo, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, dir)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	prefixes := make([]string, 0, len(ignore))
	for _, p := range ignore {
		p = strings.Trim(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
		if p != "" && p != "." {
			prefixes = append(prefixes, p+"/")
		}
	}
	return &Repo{root: dir, repo: repo, ignored: prefixes}, nil
}

// Root returns the directory the repository was opened from.
func (r *Repo) Root() string { return r.root }

func (r *Repo) isIgnored(p string) bool {
	for _, prefix := range r.ignored {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Status lists uncommitted changes sorted by path.
func (r *Repo) Status() ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status()
}

func (r *Repo) status() ([]Change, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	var changes []Change
	for p, fs := range st {
		if r.isIgnored(p) {
			continue
		}
		if fs.Staging == gogit.Unmodified && fs.Worktree == gogit.Unmodified {
			continue
		}
		changes = append(changes, Change{
			Path:      p,
			Untracked: fs.Worktree == gogit.Untracked,
			Deleted:   fs.Worktree == gogit.Deleted,
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}

// IsClean reports whether there are no uncommitted changes.
func (r *Repo) IsClean() (bool, error) {
	changes, err := r.Status()
	if err != nil {
		return false, err
	}
	return len(changes) == 0, nil
}

// StageAll stages every change outside the ignored prefixes, including
// deletions, and returns the staged paths.
func (r *Repo) StageAll() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stageAll()
}

func (r *Repo) stageAll() ([]string, error) {
	changes, err := r.status()
	if err != nil {
		return nil, err
	}
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}

	staged := make([]string, 0, len(changes))
	for _, c := range changes {
		if c.Deleted {
			if _, err := wt.Remove(c.Path); err != nil {
				return staged, fmt.Errorf("staging removal of %s: %w", c.Path, err)
			}
		} else if _, err := wt.Add(c.Path); err != nil {
			return staged, fmt.Errorf("staging %s: %w", c.Path, err)
		}
		staged = append(staged, c.Path)
	}
	return staged, nil
}

// Commit stages all changes and records a commit. It returns the new
// commit hash or ErrNothingToCommit.
func (r *Repo) Commit(message string, author Author) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	staged, err := r.stageAll()
	if err != nil {
		return "", err
	}
	if len(staged) == 0 {
		return "", ErrNothingToCommit
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}
	sig := &object.Signature{Name: author.Name, Email: author.Email, When: time.Now()}
	hash, err := wt.Commit(message, &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		if errors.Is(err, gogit.ErrEmptyCommit) {
			return "", ErrNothingToCommit
		}
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// HeadHash returns the commit HEAD points at.
func (r *Repo) HeadHash() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// File is a tracked file as recorded at HEAD.
type File struct {
	Content []byte
	// Mode is the permission the file is checked out with: 0o755 for
	// executables, 0o644 otherwise.
	Mode fs.FileMode
}

// HeadFile returns p as recorded at HEAD. ok is false when the file is not
// tracked at HEAD.
func (r *Repo) HeadFile(p string) (file File, ok bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.headFile(p)
}

func (r *Repo) headFile(p string) (File, bool, error) {
	head, err := r.repo.Head()
	if err != nil {
		return File{}, false, fmt.Errorf("reading HEAD: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return File{}, false, fmt.Errorf("loading HEAD commit: %w", err)
	}
	f, err := commit.File(p)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return File{}, false, nil
		}
		return File{}, false, fmt.Errorf("reading %s at HEAD: %w", p, err)
	}
	s, err := f.Contents()
	if err != nil {
		return File{}, false, fmt.Errorf("reading %s at HEAD: %w", p, err)
	}
	return File{Content: []byte(s), Mode: checkoutMode(f.Mode)}, true, nil
}

func checkoutMode(m filemode.FileMode) fs.FileMode {
	if m == filemode.Executable {
		return 0o755
	}
	return 0o644
}

// Discard reverts every change outside the ignored prefixes: tracked files
// get their HEAD content and mode back, files HEAD does not know are
// removed. It returns the reverted paths.
func (r *Repo) Discard() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changes, err := r.status()
	if err != nil {
		return nil, err
	}
	reverted := make([]string, 0, len(changes))
	for _, c := range changes {
		abs := filepath.Join(r.root, filepath.FromSlash(c.Path))
		f, ok, err := r.headFile(c.Path)
		if err != nil {
			return reverted, err
		}
		if !ok {
			if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return reverted, fmt.Errorf("removing %s: %w", c.Path, err)
			}
		} else if err := WriteFile(abs, f); err != nil {
			return reverted, fmt.Errorf("restoring %s: %w", c.Path, err)
		}
		reverted = append(reverted, c.Path)
	}
	return reverted, nil
}

// WriteFile writes f to path, creating parent directories, and applies its
// mode even when path already exists.
func WriteFile(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, f.Content, f.Mode); err != nil {
		return err
	}
	return os.Chmod(path, f.Mode)
}

// Messages returns the first line of up to limit commit messages
// reachable from HEAD, newest first.
func (r *Repo) Messages(limit int) ([]string, error) {
	head, err := r.repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading HEAD: %w", err)
	}
	iter, err := r.repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var out []string
	for len(out) < limit {
		c, err := iter.Next()
		if err != nil {
			break
		}
		first, _, _ := strings.Cut(c.Message, "\n")
		out = append(out, first)
	}
	return out, nil
}
