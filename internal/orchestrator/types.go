package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/commit"
	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/diagnostics"
	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/fyrsmithlabs/fixloop/internal/project"
	"github.com/fyrsmithlabs/fixloop/internal/validation"
	"github.com/fyrsmithlabs/fixloop/internal/workcopy"
)

// State is where a run currently is.
type State string

const (
	StateIdle       State = "idle"
	StatePreparing  State = "preparing"
	StateSelecting  State = "selecting"
	StateGenerating State = "generating"
	StateValidating State = "validating"
	StateCommitting State = "committing"
	StateDone       State = "done"
	StateAborted    State = "aborted"
)

// Terminal reports whether the run has ended.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// IssueSource lists the analyzer's open issues.
type IssueSource interface {
	OpenIssues(ctx context.Context) ([]issue.Issue, error)
}

// Analyzer re-runs the static analysis so IssueSource sees fresh results.
type Analyzer interface {
	Analyze(ctx context.Context) project.Result
	HasAnalyzer() bool
}

// Generator produces candidate fixes.
type Generator interface {
	Generate(ctx context.Context, iss issue.Issue, content string, count int) ([]completion.Candidate, error)
}

// Validator checks the baseline and candidates.
type Validator interface {
	Baseline(ctx context.Context) error
	Validate(ctx context.Context, lease validation.Lease, cand completion.Candidate) (validation.Outcome, error)
}

// Committer owns the run branch and its commits.
type Committer interface {
	EnsureBranch(ctx context.Context, branch string) error
	FormatOnce(ctx context.Context) (string, error)
	CommitFix(ctx context.Context, lease commit.Lease, iss issue.Issue) (string, error)
}

// Recorder keeps the attempt log.
type Recorder interface {
	Record(ctx context.Context, a diagnostics.Attempt)
}

// WorkingCopy is the project checkout.
type WorkingCopy interface {
	IsClean() (bool, error)
	Refresh()
	Marker() workcopy.Marker
	ReadFile(rel string) ([]byte, error)
	Acquire(ctx context.Context) (*workcopy.Lease, error)
}

// Progress reports what the run is doing.
type Progress struct {
	State    State              `json:"state"`
	IssueKey string             `json:"issue_key,omitempty"`
	Verdict  validation.Verdict `json:"verdict,omitempty"`
	// Candidate is -1 when the event is not about a single candidate.
	Candidate int    `json:"candidate"`
	Message   string `json:"message"`
}

// ProgressCallback receives progress updates during a run.
type ProgressCallback func(Progress)

// CommittedIssue is an issue fixed in this run.
type CommittedIssue struct {
	Key    string `json:"key"`
	Commit string `json:"commit"`
}

// SkippedIssue is an issue given up on for the rest of the run.
type SkippedIssue struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Session is the in-memory state of one run. The committed and skipped
// sets only ever grow.
type Session struct {
	mu        sync.RWMutex
	id        string
	project   string
	branch    string
	seed      uint64
	startedAt time.Time
	state     State
	current   string
	selected  int
	formatted string
	committed map[string]string
	skipped   map[string]string
	marker    workcopy.Marker
	err       error
}

func newSession(id, projectName, branch string, seed uint64) *Session {
	return &Session{
		id:        id,
		project:   projectName,
		branch:    branch,
		seed:      seed,
		startedAt: time.Now(),
		state:     StateIdle,
		committed: make(map[string]string),
		skipped:   make(map[string]string),
	}
}

// ID returns the run ID.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) begin(key string) {
	s.mu.Lock()
	s.current = key
	s.selected++
	s.mu.Unlock()
}

func (s *Session) commit(key, hash string, marker workcopy.Marker) {
	s.mu.Lock()
	s.committed[key] = hash
	s.marker = marker
	s.current = ""
	s.mu.Unlock()
}

func (s *Session) skip(key, reason string) {
	s.mu.Lock()
	if _, ok := s.committed[key]; !ok {
		s.skipped[key] = reason
	}
	s.current = ""
	s.mu.Unlock()
}

func (s *Session) abort(err error) {
	s.mu.Lock()
	s.state = StateAborted
	s.err = err
	s.mu.Unlock()
}

func (s *Session) setMarker(m workcopy.Marker) {
	s.mu.Lock()
	s.marker = m
	s.mu.Unlock()
}

func (s *Session) setFormatted(hash string) {
	s.mu.Lock()
	s.formatted = hash
	s.mu.Unlock()
}

// Selected returns how many issues were worked on.
func (s *Session) Selected() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// eligible returns the open issues not yet committed or skipped, in the
// order given, without duplicate keys.
func (s *Session) eligible(issues []issue.Issue) []issue.Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(issues))
	var out []issue.Issue
	for _, iss := range issues {
		if seen[iss.Key] {
			continue
		}
		seen[iss.Key] = true
		if _, ok := s.committed[iss.Key]; ok {
			continue
		}
		if _, ok := s.skipped[iss.Key]; ok {
			continue
		}
		out = append(out, iss)
	}
	return out
}

// SessionSnapshot is a point-in-time copy of a Session.
type SessionSnapshot struct {
	ID           string           `json:"run_id"`
	Project      string           `json:"project"`
	Branch       string           `json:"branch"`
	Seed         uint64           `json:"seed"`
	State        State            `json:"state"`
	Current      string           `json:"current,omitempty"`
	Selected     int              `json:"selected"`
	FormatCommit string           `json:"format_commit,omitempty"`
	Committed    []CommittedIssue `json:"committed"`
	Skipped      []SkippedIssue   `json:"skipped"`
	Head         string           `json:"head,omitempty"`
	Checksum     string           `json:"checksum,omitempty"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
	Error        string           `json:"error,omitempty"`
}

// Snapshot copies the session. Committed and skipped issues are sorted by key.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := SessionSnapshot{
		ID:           s.id,
		Project:      s.project,
		Branch:       s.branch,
		Seed:         s.seed,
		State:        s.state,
		Current:      s.current,
		Selected:     s.selected,
		FormatCommit: s.formatted,
		Committed:    make([]CommittedIssue, 0, len(s.committed)),
		Skipped:      make([]SkippedIssue, 0, len(s.skipped)),
		Head:         s.marker.Head,
		Checksum:     s.marker.Checksum,
		StartedAt:    s.startedAt,
		Duration:     time.Since(s.startedAt),
	}
	for k, h := range s.committed {
		snap.Committed = append(snap.Committed, CommittedIssue{Key: k, Commit: h})
	}
	for k, r := range s.skipped {
		snap.Skipped = append(snap.Skipped, SkippedIssue{Key: k, Reason: r})
	}
	sort.Slice(snap.Committed, func(i, j int) bool { return snap.Committed[i].Key < snap.Committed[j].Key })
	sort.Slice(snap.Skipped, func(i, j int) bool { return snap.Skipped[i].Key < snap.Skipped[j].Key })
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}
