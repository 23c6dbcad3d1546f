package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/commit"
	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/config"
	"github.com/fyrsmithlabs/fixloop/internal/diagnostics"
	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/project"
	"github.com/fyrsmithlabs/fixloop/internal/telemetry"
	"github.com/fyrsmithlabs/fixloop/internal/validation"
	"github.com/fyrsmithlabs/fixloop/internal/workcopy"
	"github.com/fyrsmithlabs/fixloop/pkg/git"
	gogit "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zapcore"
)

const (
	originalA = "class A\r\n{\r\n    int  x;\r\n}\r\n"
	passA     = "class A\r\n{\r\n}\r\n"
	pass2A    = "class A\r\n{\r\n    // nothing\r\n}\r\n"
	brokenA   = "class A\r\n{ BROKEN\r\n}\r\n"
	failingA  = "class A\r\n{ FAILTEST\r\n}\r\n"
	originalB = "class B\n{\n    int  y;\n}\n"
	passB     = "class B\n{\n}\n"
)

var testAuthor = git.Author{Name: "fixloop", Email: "fixloop@example.com"}

func testIssue(key, path string) issue.Issue {
	return issue.Issue{
		Key:       key,
		Rule:      "csharpsquid:S1144",
		Message:   "Remove the unused private field.",
		Component: "Shop:" + path,
		Status:    issue.StatusOpen,
		TextRange: &issue.TextRange{StartLine: 3, EndLine: 3},
	}
}

// MockIssueSource is a mock implementation of IssueSource. A func return
// value is evaluated on every call.
type MockIssueSource struct {
	mock.Mock
}

func (m *MockIssueSource) OpenIssues(ctx context.Context) ([]issue.Issue, error) {
	args := m.Called(ctx)
	switch v := args.Get(0).(type) {
	case func() ([]issue.Issue, error):
		return v()
	case []issue.Issue:
		return append([]issue.Issue(nil), v...), args.Error(1)
	}
	return nil, args.Error(1)
}

// openUntilCommitted plays the analyzer: it stops reporting issues whose
// key appears in a commit message on HEAD.
func openUntilCommitted(repo *git.Repo, issues []issue.Issue) func() ([]issue.Issue, error) {
	return func() ([]issue.Issue, error) {
		msgs, err := repo.Messages(100)
		if err != nil {
			return nil, err
		}
		fixed := map[string]bool{}
		for _, m := range msgs {
			if key, ok := commit.ParseIssueKey(m); ok {
				fixed[key] = true
			}
		}
		var open []issue.Issue
		for _, iss := range issues {
			if !fixed[iss.Key] {
				open = append(open, iss)
			}
		}
		return open, nil
	}
}

// MockGenerator is a mock implementation of Generator. Its first return
// value builds the batch from the issue and the file content.
type MockGenerator struct {
	mock.Mock
}

func (m *MockGenerator) Generate(ctx context.Context, iss issue.Issue, content string, count int) ([]completion.Candidate, error) {
	args := m.Called(ctx, iss, content, count)
	if build, ok := args.Get(0).(func(issue.Issue, string) []completion.Candidate); ok {
		return build(iss, content), args.Error(1)
	}
	return nil, args.Error(1)
}

// keys lists the issue keys Generate was called with, in call order.
func (m *MockGenerator) keys() []string {
	var keys []string
	for _, c := range m.Calls {
		if c.Method == "Generate" {
			keys = append(keys, c.Arguments.Get(1).(issue.Issue).Key)
		}
	}
	return keys
}

func forIssue(key string) interface{} {
	return mock.MatchedBy(func(iss issue.Issue) bool { return iss.Key == key })
}

// scripted answers with fixed contents. An empty body becomes an invalid
// candidate.
func scripted(bodies ...string) func(issue.Issue, string) []completion.Candidate {
	return func(iss issue.Issue, content string) []completion.Candidate {
		cands := make([]completion.Candidate, len(bodies))
		for n, body := range bodies {
			c := completion.Candidate{
				IssueKey: iss.Key,
				Index:    n,
				Path:     iss.Path(),
				Original: content,
				Answered: true,
			}
			if body == "" {
				c.Err = completion.ErrMissingCodeBlock
				c.Error = c.Err.Error()
			} else {
				c.Content = body
				c.ChangedLines = completion.ChangedLines(content, body)
			}
			cands[n] = c
		}
		return cands
	}
}

// countingValidator records which candidates reached validation.
type countingValidator struct {
	*validation.Runner
	mu      sync.Mutex
	indices []int
	applied []int
}

func (v *countingValidator) Validate(ctx context.Context, lease validation.Lease, cand completion.Candidate) (validation.Outcome, error) {
	out, err := v.Runner.Validate(ctx, lease, cand)
	v.mu.Lock()
	v.indices = append(v.indices, cand.Index)
	if out.Verdict != validation.Invalid {
		v.applied = append(v.applied, cand.Index)
	}
	v.mu.Unlock()
	return out, err
}

type fixture struct {
	dir       string
	repo      *git.Repo
	wc        *workcopy.WorkingCopy
	proj      *project.Project
	source    *MockIssueSource
	gen       *MockGenerator
	validator *countingValidator
	committer *commit.Manager
	recorder  *diagnostics.Recorder
	tel       *telemetry.TestTelemetry
	logs      *logging.TestLogger
	events    []Progress
}

// newFixture creates a repository whose "build" fails when src/A.cs
// contains BROKEN and whose "test" fails when it contains FAILTEST.
func newFixture(t *testing.T, files map[string]string, cmds config.CommandsConfig) *fixture {
	t.Helper()
	dir := t.TempDir()
	_, err := gogit.PlainInit(dir, false)
	require.NoError(t, err)
	for name, content := range files {
		writeFile(t, dir, name, content)
	}
	repo, err := git.Open(dir, ".fixloop")
	require.NoError(t, err)
	_, err = repo.Commit("initial", testAuthor)
	require.NoError(t, err)

	if cmds.Build == "" {
		cmds.Build = "! grep -q BROKEN src/A.cs"
	}
	if cmds.Test == "" {
		cmds.Test = "! grep -q FAILTEST src/A.cs"
	}
	cmds.BuildTimeout = config.Duration(10 * time.Second)
	cmds.TestTimeout = config.Duration(10 * time.Second)
	cmds.FormatTimeout = config.Duration(10 * time.Second)
	cmds.AnalyzeTimeout = config.Duration(10 * time.Second)
	proj, err := project.New("Shop", dir, cmds)
	require.NoError(t, err)

	return &fixture{
		dir:       dir,
		repo:      repo,
		wc:        workcopy.New(dir, repo, nil),
		proj:      proj,
		source:    &MockIssueSource{},
		gen:       &MockGenerator{},
		validator: &countingValidator{Runner: validation.NewRunner(proj, nil)},
		committer: commit.NewManager(repo, proj, testAuthor, nil),
		recorder:  diagnostics.NewRecorder(filepath.Join(dir, ".fixloop"), nil, nil),
		tel:       telemetry.NewTestTelemetry(),
		logs:      logging.NewTestLogger(),
	}
}

func defaultFixture(t *testing.T) *fixture {
	return newFixture(t, map[string]string{"src/A.cs": originalA, "src/B.cs": originalB}, config.CommandsConfig{})
}

func (f *fixture) orchestrator(t *testing.T, opts Options) *Orchestrator {
	t.Helper()
	if opts.Branch == "" {
		opts.Branch = "fixloop"
	}
	if opts.Seed == 0 {
		opts.Seed = 42
	}
	opts.Project = "Shop"
	opts.Logger = f.logs.Logger
	opts.Tracer = f.tel.Tracer("test")
	opts.Meter = f.tel.Meter("test")
	o, err := New(Deps{
		Issues:      f.source,
		Analyzer:    f.proj,
		Generator:   f.gen,
		Validator:   f.validator,
		Committer:   f.committer,
		WorkingCopy: f.wc,
		Recorder:    f.recorder,
	}, opts)
	require.NoError(t, err)
	o.OnProgress(func(p Progress) { f.events = append(f.events, p) })
	return o
}

// serve makes the analyzer report issues on every call.
func (f *fixture) serve(issues ...issue.Issue) *mock.Call {
	return f.source.On("OpenIssues", mock.Anything).Return(issues, nil)
}

// serveUntilCommitted makes the analyzer close issues once committed.
func (f *fixture) serveUntilCommitted(issues ...issue.Issue) *mock.Call {
	return f.source.On("OpenIssues", mock.Anything).Return(openUntilCommitted(f.repo, issues), nil)
}

func (f *fixture) script(key string, bodies ...string) *mock.Call {
	return f.gen.On("Generate", mock.Anything, forIssue(key), mock.Anything, mock.Anything).Return(scripted(bodies...), nil)
}

func (f *fixture) fail(key string, err error) *mock.Call {
	return f.gen.On("Generate", mock.Anything, forIssue(key), mock.Anything, mock.Anything).Return(nil, err)
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) head(t *testing.T) string {
	t.Helper()
	h, err := f.repo.HeadHash()
	require.NoError(t, err)
	return h
}

func (f *fixture) messages(t *testing.T) []string {
	t.Helper()
	msgs, err := f.repo.Messages(100)
	require.NoError(t, err)
	return msgs
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestRun_CommitsFirstPassingCandidate(t *testing.T) {
	f := defaultFixture(t)
	f.serveUntilCommitted(testIssue("AX-1", "src/A.cs"))
	f.script("AX-1", brokenA, passA, pass2A).Once()

	snap, err := f.orchestrator(t, Options{BatchSize: 3}).Run(context.Background())
	require.NoError(t, err)
	f.source.AssertExpectations(t)
	f.gen.AssertExpectations(t)

	assert.Equal(t, StateDone, snap.State)
	require.Len(t, snap.Committed, 1)
	assert.Equal(t, "AX-1", snap.Committed[0].Key)
	assert.Empty(t, snap.Skipped)
	assert.Equal(t, 1, snap.Selected)
	assert.Equal(t, f.head(t), snap.Head)

	assert.Equal(t, passA, f.read(t, "src/A.cs"))
	assert.Equal(t, []string{"AX-1: Remove the unused private field.", "initial"}, f.messages(t))
	assert.Equal(t, []int{0, 1}, f.validator.indices)

	branch, err := f.repo.CurrentBranch()
	require.NoError(t, err)
	assert.Equal(t, "fixloop", branch)
	clean, err := f.repo.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)

	attemptDir := filepath.Join(f.dir, ".fixloop", "attempts", "AX-1", "0001")
	assert.FileExists(t, filepath.Join(attemptDir, "attempt.json"))
	md, err := os.ReadFile(filepath.Join(attemptDir, "candidate-02.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "`NOT_VALIDATED`")
	latest, err := os.ReadFile(filepath.Join(f.dir, ".fixloop", "latest.md"))
	require.NoError(t, err)
	assert.Contains(t, string(latest), "`PASSED`")

	f.tel.AssertSpanExists(t, "orchestrator.issue")
	f.tel.AssertSpanAttribute(t, "orchestrator.issue", "outcome", "committed")
	assert.Equal(t, int64(1), f.tel.CounterValue(t, "fixloop.issues.committed"))
	assert.Equal(t, int64(2), f.tel.CounterValue(t, "fixloop.candidates.verdicts"))
	f.logs.AssertRunCorrelation(t, "run finished")
	f.logs.AssertNotLogged(t, zapcore.ErrorLevel, "run aborted")
}

func TestRun_SingleWinner(t *testing.T) {
	f := defaultFixture(t)
	f.serve(testIssue("AX-1", "src/A.cs"))
	f.script("AX-1", brokenA, failingA, passA, pass2A, brokenA)

	snap, err := f.orchestrator(t, Options{BatchSize: 5}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Committed, 1)
	assert.Equal(t, []int{0, 1, 2}, f.validator.applied)
	assert.Equal(t, passA, f.read(t, "src/A.cs"))

	data, err := os.ReadFile(filepath.Join(f.dir, ".fixloop", "attempts", "AX-1", "0001", "attempt.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"chosen": 2`)
}

func TestRun_ExhaustionSkipsIssue(t *testing.T) {
	f := defaultFixture(t)
	f.serve(testIssue("AX-1", "src/A.cs"))
	f.script("AX-1", brokenA, failingA, "")
	before := f.head(t)

	snap, err := f.orchestrator(t, Options{BatchSize: 3}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, snap.State)
	assert.Empty(t, snap.Committed)
	require.Len(t, snap.Skipped, 1)
	assert.Equal(t, "AX-1", snap.Skipped[0].Key)
	assert.Contains(t, snap.Skipped[0].Reason, "no candidate passed")

	// byte-identical, CRLF included
	assert.Equal(t, originalA, f.read(t, "src/A.cs"))
	clean, err := f.repo.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)
	// only the branch moved, no new commits
	assert.Equal(t, before, f.head(t))
	assert.Equal(t, []string{"AX-1"}, f.gen.keys())
	assert.Equal(t, []int{0, 1}, f.validator.applied)
	assert.Equal(t, int64(1), f.tel.CounterValue(t, "fixloop.issues.skipped"))
}

func TestRun_NoDuplicateCommits(t *testing.T) {
	f := defaultFixture(t)
	// the analyzer keeps reporting fixed issues
	f.serve(
		testIssue("AX-1", "src/A.cs"),
		testIssue("AX-2", "src/B.cs"),
		testIssue("AX-1", "src/A.cs"),
	)
	f.script("AX-1", passA).Once()
	f.script("AX-2", passB).Once()

	snap, err := f.orchestrator(t, Options{BatchSize: 1}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Committed, 2)
	f.gen.AssertExpectations(t)
	assert.ElementsMatch(t, []string{"AX-1", "AX-2"}, f.gen.keys())

	seen := map[string]int{}
	for _, m := range f.messages(t) {
		if key, ok := commit.ParseIssueKey(m); ok {
			seen[key]++
		}
	}
	assert.Equal(t, map[string]int{"AX-1": 1, "AX-2": 1}, seen)
	assert.ElementsMatch(t, []string{"AX-1", "AX-2"}, f.committer.Committed())
}

func TestRun_IdempotentRerun(t *testing.T) {
	f := defaultFixture(t)
	f.serveUntilCommitted(testIssue("AX-1", "src/A.cs"))
	f.script("AX-1", passA).Once()

	_, err := f.orchestrator(t, Options{BatchSize: 1}).Run(context.Background())
	require.NoError(t, err)
	head := f.head(t)
	content := f.read(t, "src/A.cs")

	// fresh collaborators, same repository and branch
	f.committer = commit.NewManager(f.repo, f.proj, testAuthor, nil)
	f.wc = workcopy.New(f.dir, f.repo, nil)
	snap, err := f.orchestrator(t, Options{BatchSize: 1}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, snap.State)
	assert.Empty(t, snap.Committed)
	assert.Zero(t, snap.Selected)
	assert.Equal(t, head, f.head(t))
	assert.Equal(t, content, f.read(t, "src/A.cs"))
	f.gen.AssertNumberOfCalls(t, "Generate", 1)
	f.source.AssertNumberOfCalls(t, "OpenIssues", 3)
}

func TestRun_SkipsUnworkableIssues(t *testing.T) {
	f := defaultFixture(t)
	noRange := testIssue("AX-1", "src/A.cs")
	noRange.TextRange = nil
	f.serve(
		noRange,
		testIssue("AX-2", "src/Missing.cs"),
		testIssue("AX-3", "src/B.cs"),
		testIssue("AX-4", "../outside.cs"),
	)
	f.fail("AX-3", fmt.Errorf("%w: ~9000 prompt tokens", completion.ErrPromptTooLarge))

	snap, err := f.orchestrator(t, Options{}).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, snap.State)
	assert.Empty(t, snap.Committed)
	require.Len(t, snap.Skipped, 4)
	reasons := map[string]string{}
	for _, s := range snap.Skipped {
		reasons[s.Key] = s.Reason
	}
	assert.Contains(t, reasons["AX-1"], "no text range")
	assert.Contains(t, reasons["AX-2"], "src/Missing.cs")
	assert.Contains(t, reasons["AX-3"], "prompt exceeds context window")
	assert.Contains(t, reasons["AX-4"], "../outside.cs")
	assert.Equal(t, []string{"AX-3"}, f.gen.keys())

	for _, key := range []string{"AX-1", "AX-2", "AX-3", "AX-4"} {
		assert.DirExists(t, filepath.Join(f.dir, ".fixloop", "attempts", key, "0001"))
	}
}

func TestRun_SkipsRejectedBatch(t *testing.T) {
	f := defaultFixture(t)
	f.serveUntilCommitted(testIssue("AX-1", "src/A.cs"), testIssue("AX-2", "src/B.cs"))
	// every request of the batch came back 400
	f.fail("AX-1", fmt.Errorf("%w: backend status 400: maximum context length exceeded",
		completion.ErrGenerationRejected)).Once()
	f.script("AX-2", passB).Once()

	snap, err := f.orchestrator(t, Options{}).Run(context.Background())
	require.NoError(t, err)
	f.gen.AssertExpectations(t)

	assert.Equal(t, StateDone, snap.State)
	assert.Empty(t, snap.Error)
	require.Len(t, snap.Committed, 1)
	assert.Equal(t, "AX-2", snap.Committed[0].Key)
	require.Len(t, snap.Skipped, 1)
	assert.Equal(t, "AX-1", snap.Skipped[0].Key)
	assert.Contains(t, snap.Skipped[0].Reason, "rejected")
	assert.Equal(t, originalA, f.read(t, "src/A.cs"))

	assert.Equal(t, int64(1), f.tel.CounterValueWhere(t, "fixloop.issues.skipped",
		attribute.String("reason", skipRejected)))
	assert.Zero(t, f.tel.CounterValue(t, "fixloop.runs.aborted"))
	f.logs.AssertNotLogged(t, zapcore.ErrorLevel, "run aborted")
}

func TestRun_MaxIssues(t *testing.T) {
	f := defaultFixture(t)
	f.serve(testIssue("AX-1", "src/A.cs"), testIssue("AX-2", "src/B.cs"))
	f.script("AX-1", brokenA)
	f.script("AX-2", brokenA)

	snap, err := f.orchestrator(t, Options{MaxIssues: 1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Selected)
	f.gen.AssertNumberOfCalls(t, "Generate", 1)
}

func TestRun_SeedMakesSelectionReproducible(t *testing.T) {
	order := func(seed uint64) []string {
		f := defaultFixture(t)
		var issues []issue.Issue
		for n := range 6 {
			key := fmt.Sprintf("AX-%d", n)
			issues = append(issues, testIssue(key, "src/A.cs"))
			f.script(key, brokenA).Once()
		}
		f.serve(issues...)
		_, err := f.orchestrator(t, Options{Seed: seed}).Run(context.Background())
		require.NoError(t, err)
		f.gen.AssertExpectations(t)
		return f.gen.keys()
	}
	first := order(7)
	assert.Len(t, first, 6)
	assert.Equal(t, first, order(7))
}

func TestRun_AnalyzesAtStartAndAfterEachCommit(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "analyze.log")
	f := newFixture(t,
		map[string]string{"src/A.cs": originalA, "src/B.cs": originalB},
		config.CommandsConfig{Analyze: "echo run >> " + logFile})
	f.serveUntilCommitted(testIssue("AX-1", "src/A.cs"), testIssue("AX-2", "src/B.cs"))
	f.script("AX-1", passA)
	f.script("AX-2", brokenA)

	_, err := f.orchestrator(t, Options{}).Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	runs := strings.Count(string(data), "run\n")
	// once at start, once after the AX-1 commit; a skip does not re-analyze
	assert.Equal(t, 2, runs)
	f.source.AssertNumberOfCalls(t, "OpenIssues", 3)
}

func TestRun_ProgressEvents(t *testing.T) {
	f := defaultFixture(t)
	f.serveUntilCommitted(testIssue("AX-1", "src/A.cs"))
	f.script("AX-1", brokenA, passA)

	_, err := f.orchestrator(t, Options{}).Run(context.Background())
	require.NoError(t, err)

	var states []State
	for _, e := range f.events {
		if len(states) == 0 || states[len(states)-1] != e.State {
			states = append(states, e.State)
		}
	}
	assert.Equal(t, []State{StatePreparing, StateSelecting, StateGenerating, StateValidating, StateCommitting, StateIdle, StateDone}, states)

	var verdicts []validation.Verdict
	for _, e := range f.events {
		if e.Verdict != "" {
			verdicts = append(verdicts, e.Verdict)
		}
	}
	assert.Equal(t, []validation.Verdict{validation.BuildFailed, validation.Passed}, verdicts)
}

func TestRun_Aborts(t *testing.T) {
	errFetch := errors.New("issue fetch failed: connection refused")

	tests := []struct {
		name      string
		setup     func(t *testing.T, f *fixture)
		wantState State
		wantErr   error
	}{
		{
			name: "dirty working copy",
			setup: func(t *testing.T, f *fixture) {
				writeFile(t, f.dir, "notes.txt", "wip\n")
			},
			wantState: StatePreparing,
			wantErr:   ErrDirtyWorkingCopy,
		},
		{
			name: "baseline does not build",
			setup: func(t *testing.T, f *fixture) {
				writeFile(t, f.dir, "src/A.cs", brokenA)
				_, err := f.repo.Commit("break", testAuthor)
				require.NoError(t, err)
			},
			wantState: StatePreparing,
			wantErr:   validation.ErrBaselineBroken,
		},
		{
			name: "analyzer unreachable",
			setup: func(t *testing.T, f *fixture) {
				f.source.On("OpenIssues", mock.Anything).Return(nil, errFetch)
			},
			wantState: StateSelecting,
			wantErr:   errFetch,
		},
		{
			name: "backend unavailable",
			setup: func(t *testing.T, f *fixture) {
				f.fail("AX-1", fmt.Errorf("%w: connection refused", completion.ErrGenerationUnavailable))
			},
			wantState: StateGenerating,
			wantErr:   completion.ErrGenerationUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := defaultFixture(t)
			// setup expectations come first and take precedence
			tt.setup(t, f)
			f.serve(testIssue("AX-1", "src/A.cs"))
			f.script("AX-1", passA)

			snap, err := f.orchestrator(t, Options{}).Run(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsFatal(err))

			var re *RunError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.wantState, re.State)
			assert.Equal(t, StateAborted, snap.State)
			assert.NotEmpty(t, snap.Error)
			assert.Empty(t, snap.Committed)
			assert.Equal(t, int64(1), f.tel.CounterValue(t, "fixloop.runs.aborted"))
			f.logs.AssertLogged(t, zapcore.ErrorLevel, "run aborted")
			f.logs.AssertField(t, "run aborted", "state", string(tt.wantState))
			f.logs.AssertRunCorrelation(t, "run aborted")
		})
	}
}

func TestRun_FailingFormatterAborts(t *testing.T) {
	f := newFixture(t,
		map[string]string{"src/A.cs": originalA, "src/B.cs": originalB},
		config.CommandsConfig{Format: "echo '// fmt' >> src/B.cs; exit 1"})
	f.serve(testIssue("AX-1", "src/A.cs"))
	f.script("AX-1", passA)
	before := f.head(t)

	snap, err := f.orchestrator(t, Options{}).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, commit.ErrFormatFailed)
	assert.True(t, IsFatal(err))

	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, StatePreparing, re.State)
	assert.Equal(t, StateAborted, snap.State)
	assert.Empty(t, snap.Committed)
	f.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	assert.Equal(t, before, f.head(t))
	assert.Equal(t, originalB, f.read(t, "src/B.cs"))
	clean, err := f.repo.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestRun_AbortStillRecordsAttempt(t *testing.T) {
	f := defaultFixture(t)
	f.serve(testIssue("AX-1", "src/A.cs"))
	f.fail("AX-1", fmt.Errorf("%w: connection refused", completion.ErrGenerationUnavailable))

	_, err := f.orchestrator(t, Options{}).Run(context.Background())
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(f.dir, ".fixloop", "attempts", "AX-1", "0001", "attempt.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "generation backend unavailable")
	assert.Equal(t, originalA, f.read(t, "src/A.cs"))
}

func TestRun_CanceledContext(t *testing.T) {
	f := defaultFixture(t)
	f.serve(testIssue("AX-1", "src/A.cs"))
	f.script("AX-1", passA)

	o := f.orchestrator(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	o.OnProgress(func(p Progress) {
		if p.State == StateSelecting {
			cancel()
		}
	})

	_, err := o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsFatal(err))
	assert.Equal(t, originalA, f.read(t, "src/A.cs"))
}

func TestNew_RequiresDependencies(t *testing.T) {
	f := defaultFixture(t)
	full := Deps{
		Issues:      f.source,
		Generator:   f.gen,
		Validator:   f.validator,
		Committer:   f.committer,
		WorkingCopy: f.wc,
	}

	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"issues", func(d *Deps) { d.Issues = nil }},
		{"generator", func(d *Deps) { d.Generator = nil }},
		{"validator", func(d *Deps) { d.Validator = nil }},
		{"committer", func(d *Deps) { d.Committer = nil }},
		{"working copy", func(d *Deps) { d.WorkingCopy = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := full
			tt.mutate(&deps)
			_, err := New(deps, Options{Branch: "fixloop"})
			assert.ErrorIs(t, err, ErrMissingDependency)
		})
	}

	_, err := New(full, Options{})
	assert.Error(t, err, "branch is required")

	o, err := New(full, Options{Branch: "fixloop"})
	require.NoError(t, err)
	assert.NotZero(t, o.Session().Snapshot().Seed)
	assert.Equal(t, StateIdle, o.Session().State())
}
