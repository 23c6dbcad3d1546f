package workcopy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/fixloop/pkg/git"
	"go.uber.org/zap"
)

// Snapshot is the pre-apply state of one file plus the set of paths that
// were already dirty. It is the handle Rollback restores.
type Snapshot struct {
	Path     string
	Original []byte
	Existed  bool
	Mode     fs.FileMode
	Checksum string

	dirty map[string]bool
}

// Lease grants exclusive mutation rights on the working copy.
type Lease struct {
	wc *WorkingCopy

	mu       sync.Mutex
	pending  *Snapshot
	released bool
}

// Dir returns the checkout directory.
func (l *Lease) Dir() string { return l.wc.dir }

// Pending reports whether a mutation awaits rollback or commit.
func (l *Lease) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending != nil
}

// Apply replaces the content of the project-relative path and returns the
// snapshot needed to undo it. Only one mutation may be pending at a time.
func (l *Lease) Apply(ctx context.Context, rel string, content []byte) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil, ErrLeaseReleased
	}
	if l.pending != nil {
		return nil, fmt.Errorf("%w: %s", ErrMutationPending, l.pending.Path)
	}

	abs, err := l.wc.resolve(rel)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Path: filepath.ToSlash(rel), Mode: 0o644}
	original, err := os.ReadFile(abs)
	switch {
	case err == nil:
		snap.Existed = true
		snap.Original = original
		if info, statErr := os.Stat(abs); statErr == nil {
			snap.Mode = info.Mode().Perm()
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	snap.Checksum = checksum(snap.Original)

	dirty, err := l.dirtySet()
	if err != nil {
		return nil, err
	}
	snap.dirty = dirty

	if err := writeFile(abs, content, snap.Mode); err != nil {
		// a partial write is still a mutation
		l.pending = snap
		return nil, fmt.Errorf("writing %s: %w", rel, err)
	}
	l.pending = snap

	l.wc.logger.Trace(ctx, "applied candidate", logFields(snap)...)
	return snap, nil
}

// Rollback restores the snapshot's file byte for byte, reverts tracked
// files dirtied since Apply to HEAD, removes files created since Apply, and
// verifies the result. Any mismatch returns ErrWorkingCopyCorrupt.
func (l *Lease) Rollback(ctx context.Context, snap *Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if snap == nil {
		return errors.New("rollback: nil snapshot")
	}
	if l.pending != snap {
		return fmt.Errorf("rollback: snapshot for %s is not the pending mutation", snap.Path)
	}

	if err := l.restore(ctx, snap); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkingCopyCorrupt, err)
	}
	if err := l.verify(snap); err != nil {
		return fmt.Errorf("%w: %w", ErrWorkingCopyCorrupt, err)
	}

	l.pending = nil
	l.wc.setMarker(snap.Checksum)
	l.wc.logger.Trace(ctx, "rolled back candidate", logFields(snap)...)
	return nil
}

func (l *Lease) restore(ctx context.Context, snap *Snapshot) error {
	abs, err := l.wc.resolve(snap.Path)
	if err != nil {
		return err
	}
	if snap.Existed {
		if err := writeFile(abs, snap.Original, snap.Mode); err != nil {
			return fmt.Errorf("restoring %s: %w", snap.Path, err)
		}
	} else if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", snap.Path, err)
	}

	// Build and test runs, or the candidate itself, may touch other files.
	changes, err := l.wc.repo.Status()
	if err != nil {
		return err
	}
	for _, c := range changes {
		if c.Path == snap.Path || snap.dirty[c.Path] {
			continue
		}
		p, err := l.wc.resolve(c.Path)
		if err != nil {
			return err
		}
		if c.Untracked {
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing %s: %w", c.Path, err)
			}
			continue
		}
		head, ok, err := l.wc.repo.HeadFile(c.Path)
		if err != nil {
			return err
		}
		if !ok {
			// staged but never committed
			if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing %s: %w", c.Path, err)
			}
			continue
		}
		if err := git.WriteFile(p, head); err != nil {
			return fmt.Errorf("restoring %s from HEAD: %w", c.Path, err)
		}
		l.wc.logger.Debug(ctx, "reverted side-effect change", zap.String("path", c.Path))
	}
	return nil
}

func (l *Lease) verify(snap *Snapshot) error {
	abs, err := l.wc.resolve(snap.Path)
	if err != nil {
		return err
	}
	got, err := os.ReadFile(abs)
	switch {
	case err == nil && !snap.Existed:
		return fmt.Errorf("%s still exists after rollback", snap.Path)
	case err != nil && !(errors.Is(err, fs.ErrNotExist) && !snap.Existed):
		return fmt.Errorf("reading %s after rollback: %w", snap.Path, err)
	}
	if sum := checksum(got); sum != snap.Checksum {
		return fmt.Errorf("%s checksum %s, want %s", snap.Path, sum[:12], snap.Checksum[:12])
	}

	after, err := l.dirtySet()
	if err != nil {
		return err
	}
	var extra []string
	for p := range after {
		if !snap.dirty[p] {
			extra = append(extra, p)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("paths still modified after rollback: %s", strings.Join(extra, ", "))
	}
	return nil
}

// MarkCommitted clears the pending mutation after it was committed.
func (l *Lease) MarkCommitted() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil {
		l.wc.setMarker(checksumOfFile(l.wc, l.pending.Path))
	}
	l.pending = nil
}

// Release returns the working copy. A pending mutation is rolled back and
// reported as ErrMutationPending; if that rollback fails the error also
// matches ErrWorkingCopyCorrupt.
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	pending := l.pending
	l.mu.Unlock()

	var err error
	if pending != nil {
		l.wc.logger.Error(ctx, "lease released with pending mutation", zap.String("path", pending.Path))
		err = fmt.Errorf("%w: %s", ErrMutationPending, pending.Path)
		if rbErr := l.Rollback(ctx, pending); rbErr != nil {
			err = errors.Join(err, rbErr)
		}
	}

	l.mu.Lock()
	l.released = true
	l.mu.Unlock()
	<-l.wc.sem
	return err
}

func (l *Lease) dirtySet() (map[string]bool, error) {
	changes, err := l.wc.repo.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}
	set := make(map[string]bool, len(changes))
	for _, c := range changes {
		set[c.Path] = true
	}
	return set, nil
}

func checksumOfFile(w *WorkingCopy, rel string) string {
	content, err := w.ReadFile(rel)
	if err != nil {
		return ""
	}
	return checksum(content)
}

func writeFile(path string, content []byte, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, content, mode)
}

var _ Repository = (*git.Repo)(nil)
