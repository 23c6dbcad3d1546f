// Package commit records validated fixes in version control.
//
// A Manager enforces one commit per issue key per run and owns the
// formatting policy: the formatter's first pass over the untouched tree is
// committed on its own, later passes are folded into each fix.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/project"
	"github.com/fyrsmithlabs/fixloop/pkg/git"
	"go.uber.org/zap"
)

// FormattedMessage is the message of the initial formatting commit.
const FormattedMessage = "Formatted code"

var (
	// ErrCommitConflict means a second commit was attempted for an issue
	// key already committed in this run.
	ErrCommitConflict = errors.New("issue already committed in this run")

	// ErrNothingApplied means CommitFix was called without a validated
	// candidate in the working copy.
	ErrNothingApplied = errors.New("no validated candidate applied")

	// ErrFormatFailed means the formatter's first pass failed. Whatever it
	// wrote has been discarded.
	ErrFormatFailed = errors.New("initial format failed")
)

// Repository is the version-control sink.
type Repository interface {
	EnsureBranch(branch string) (bool, error)
	Commit(message string, author git.Author) (string, error)
	Discard() ([]string, error)
}

// Formatter runs the project's formatter.
type Formatter interface {
	Format(ctx context.Context) project.Result
	HasFormatter() bool
}

// Lease is the working-copy lease holding the validated candidate.
type Lease interface {
	Pending() bool
	MarkCommitted()
}

// Manager creates commits.
type Manager struct {
	repo   Repository
	format Formatter
	author git.Author
	logger *logging.Logger

	mu        sync.Mutex
	formatted bool
	committed map[string]string
}

// NewManager creates a Manager. logger may be nil.
func NewManager(repo Repository, format Formatter, author git.Author, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		repo:      repo,
		format:    format,
		author:    author,
		logger:    logger.Named("commit"),
		committed: make(map[string]string),
	}
}

// EnsureBranch checks out the run branch, creating it from HEAD if needed.
func (m *Manager) EnsureBranch(ctx context.Context, branch string) error {
	created, err := m.repo.EnsureBranch(branch)
	if err != nil {
		return err
	}
	m.logger.Info(ctx, "using branch", zap.String("branch", branch), zap.Bool("created", created))
	return nil
}

// FormatOnce runs the formatter on the first call of a run and commits
// whatever it changed as FormattedMessage. It returns the commit hash, or
// "" when there was nothing to commit. Later calls do nothing. A failing
// formatter leaves the tree as it was and returns ErrFormatFailed.
func (m *Manager) FormatOnce(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.formatted {
		return "", nil
	}
	m.formatted = true

	if !m.format.HasFormatter() {
		return "", nil
	}
	if res := m.format.Format(ctx); !res.OK() {
		// a half-formatted tree would leak into the first fix commit
		reverted, err := m.repo.Discard()
		if err != nil {
			return "", fmt.Errorf("%w: %s; discarding its changes: %w", ErrFormatFailed, res.Summary(), err)
		}
		m.logger.Error(ctx, "initial format failed",
			zap.String("result", res.Summary()),
			zap.Strings("discarded", reverted),
			logging.Tail("output", res.Output, 2048))
		return "", fmt.Errorf("%w: %s", ErrFormatFailed, res.Summary())
	}

	hash, err := m.repo.Commit(FormattedMessage, m.author)
	if errors.Is(err, git.ErrNothingToCommit) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("committing formatting: %w", err)
	}
	m.logger.Info(ctx, "committed initial formatting", zap.String("commit", hash))
	return hash, nil
}

// CommitFix formats the working copy and commits the validated candidate
// held by lease with Message(iss). A second call for the same key returns
// ErrCommitConflict without touching the repository.
func (m *Manager) CommitFix(ctx context.Context, lease Lease, iss issue.Issue) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hash, ok := m.committed[iss.Key]; ok {
		m.logger.Error(ctx, "duplicate commit attempted", zap.String("previous", hash))
		return "", fmt.Errorf("%w: %s (commit %s)", ErrCommitConflict, iss.Key, hash)
	}
	if !lease.Pending() {
		return "", fmt.Errorf("%w: %s", ErrNothingApplied, iss.Key)
	}

	if m.format.HasFormatter() {
		if res := m.format.Format(ctx); !res.OK() {
			m.logger.Warn(ctx, "format before commit failed", zap.String("result", res.Summary()))
		}
	}

	hash, err := m.repo.Commit(Message(iss), m.author)
	if err != nil {
		return "", fmt.Errorf("committing fix for %s: %w", iss.Key, err)
	}
	lease.MarkCommitted()
	m.committed[iss.Key] = hash

	m.logger.Info(ctx, "committed fix", zap.String("commit", hash))
	return hash, nil
}

// Committed returns the issue keys committed in this run, sorted.
func (m *Manager) Committed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.committed))
	for k := range m.committed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Message is the commit message for a fix: "<key>: <message>".
func Message(iss issue.Issue) string {
	return iss.Key + ": " + iss.Message
}

// ParseIssueKey extracts the issue key from a fix commit message.
func ParseIssueKey(message string) (string, bool) {
	first, _, _ := strings.Cut(message, "\n")
	key, rest, ok := strings.Cut(first, ": ")
	if !ok || key == "" || strings.ContainsAny(key, " \t") || rest == "" {
		return "", false
	}
	return key, true
}
