// Package workcopy guards the single on-disk checkout that candidates are
// applied to.
//
// The working copy has one legal mutator at a time. Callers Acquire a Lease,
// Apply at most one candidate through it, and then either Rollback or
// MarkCommitted before Release. Release refuses to hand the working copy
// back while a mutation is still pending.
package workcopy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/pkg/git"
	"go.uber.org/zap"
)

var (
	// ErrWorkingCopyCorrupt means a rollback did not restore the pre-apply
	// state. The run cannot continue safely.
	ErrWorkingCopyCorrupt = errors.New("working copy corrupt")

	// ErrMutationPending means a lease holds an applied candidate that was
	// neither rolled back nor committed.
	ErrMutationPending = errors.New("working copy mutation pending")

	// ErrLeaseReleased is returned by operations on a released lease.
	ErrLeaseReleased = errors.New("lease already released")

	// ErrOutsideWorkingCopy rejects paths that escape the project directory.
	ErrOutsideWorkingCopy = errors.New("path outside working copy")
)

// Repository is the version-control view the working copy needs.
type Repository interface {
	Status() ([]git.Change, error)
	HeadFile(path string) (git.File, bool, error)
	HeadHash() (string, error)
}

// WorkingCopy is the shared checkout.
type WorkingCopy struct {
	dir    string
	repo   Repository
	sem    chan struct{}
	logger *logging.Logger

	mu     sync.Mutex
	marker Marker
}

// Marker identifies the last known-good state of the working copy.
type Marker struct {
	Head string `json:"head"`
	// Checksum is the sha256 of the last file written or restored.
	Checksum string `json:"checksum,omitempty"`
}

// New creates a WorkingCopy for the checkout rooted at dir.
func New(dir string, repo Repository, logger *logging.Logger) *WorkingCopy {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &WorkingCopy{
		dir:    dir,
		repo:   repo,
		sem:    make(chan struct{}, 1),
		logger: logger.Named("workcopy"),
	}
}

// Dir returns the checkout directory.
func (w *WorkingCopy) Dir() string { return w.dir }

// Marker returns the last recorded known-good state.
func (w *WorkingCopy) Marker() Marker {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.marker
}

func (w *WorkingCopy) setMarker(checksum string) {
	head, err := w.repo.HeadHash()
	if err != nil {
		head = ""
	}
	w.mu.Lock()
	w.marker = Marker{Head: head, Checksum: checksum}
	w.mu.Unlock()
}

// Refresh re-reads HEAD into the marker. Call it after commits made outside
// a lease, such as the initial formatting commit.
func (w *WorkingCopy) Refresh() {
	w.setMarker(w.Marker().Checksum)
}

// IsClean reports whether the checkout has no uncommitted changes.
func (w *WorkingCopy) IsClean() (bool, error) {
	changes, err := w.repo.Status()
	if err != nil {
		return false, err
	}
	return len(changes) == 0, nil
}

// ReadFile reads a project-relative file. It must not be used while a
// lease holds a pending mutation on that file.
func (w *WorkingCopy) ReadFile(rel string) ([]byte, error) {
	abs, err := w.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// Acquire blocks until the working copy is free or ctx is done.
func (w *WorkingCopy) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Lease{wc: w}, nil
}

func (w *WorkingCopy) resolve(rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideWorkingCopy, rel)
	}
	abs := filepath.Join(w.dir, filepath.FromSlash(rel))
	relBack, err := filepath.Rel(w.dir, abs)
	if err != nil || relBack == ".." || strings.HasPrefix(relBack, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideWorkingCopy, rel)
	}
	return abs, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func logFields(snap *Snapshot) []zap.Field {
	return []zap.Field{zap.String("path", snap.Path), zap.String("checksum", snap.Checksum[:12])}
}
