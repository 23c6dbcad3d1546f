package diagnostics

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/fyrsmithlabs/fixloop/internal/secrets"
	"github.com/fyrsmithlabs/fixloop/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

const original = "class A {\n  string conn = \"Server=db;Password=hunter22;\";\n  int  x;\n}\n"

func testAttempt() Attempt {
	iss := issue.Issue{
		Key:       "AX-1",
		Component: "Shop:src/A.cs",
		Message:   "Remove the unused field 'x'.",
		Status:    issue.StatusOpen,
	}
	fixed := "class A {\n  string conn = \"Server=db;Password=hunter22;\";\n}\n"
	return Attempt{
		RunID: "run-1",
		Issue: iss,
		Candidates: []completion.Candidate{
			{
				IssueKey: "AX-1", Index: 0, Path: "src/A.cs",
				Original: original, Content: fixed,
				System: "system", Instruction: "instruction",
				Completion: "```csharp\n// TOP_MARKER\n" + fixed + "```\nAPPROVE_CHANGES",
				Answered:   true, ChangedLines: 1,
			},
			{
				IssueKey: "AX-1", Index: 1, Path: "src/A.cs",
				Original: original, Completion: "no idea",
				Err:      completion.ErrMissingCodeBlock,
				Error:    completion.ErrMissingCodeBlock.Error(),
				Answered: true,
			},
		},
		Outcomes: []validation.Outcome{
			{Index: 0, Verdict: validation.Passed},
		},
		Chosen:    0,
		Commit:    "abc123",
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestRecorder_WritesAttemptLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), ".fixloop")
	rec := NewRecorder(root, secrets.MustNew(nil), nil)

	rec.Record(context.Background(), testAttempt())
	require.Zero(t, rec.Failures())

	dir := filepath.Join(root, "attempts", "AX-1", "0001")
	for _, name := range []string{"attempt.json", "candidate-00.md", "candidate-00.diff", "candidate-01.md"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	// an invalid candidate has nothing to diff
	assert.NoFileExists(t, filepath.Join(dir, "candidate-01.diff"))

	ignore, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(ignore))

	latest, err := os.ReadFile(filepath.Join(root, "latest.md"))
	require.NoError(t, err)
	assert.Contains(t, string(latest), "# STATE\n`PASSED`")

	data, err := os.ReadFile(filepath.Join(dir, "attempt.json"))
	require.NoError(t, err)
	var decoded struct {
		RunID      string `json:"run_id"`
		Chosen     int    `json:"chosen"`
		Commit     string `json:"commit"`
		Candidates []struct {
			Index int    `json:"index"`
			State string `json:"state"`
			Error string `json:"error"`
		} `json:"candidates"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, 0, decoded.Chosen)
	assert.Equal(t, "abc123", decoded.Commit)
	require.Len(t, decoded.Candidates, 2)
	assert.Equal(t, "PASSED", decoded.Candidates[0].State)
	assert.Equal(t, "INVALID", decoded.Candidates[1].State)
	assert.Equal(t, "missing code block", decoded.Candidates[1].Error)
}

func TestRecorder_CandidateMarkdownSections(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, nil, nil)
	rec.Record(context.Background(), testAttempt())

	md, err := os.ReadFile(filepath.Join(root, "attempts", "AX-1", "0001", "candidate-01.md"))
	require.NoError(t, err)
	text := string(md)

	for _, section := range []string{"# STATE", "# ERROR", "# PATH", "# ISSUE", "# ORIGINAL", "# SYSTEM", "# INSTRUCTION", "# PARAMS", "# COMPLETION", "# REPLACEMENT"} {
		assert.Contains(t, text, section+"\n")
	}
	assert.Contains(t, text, "# STATE\n`INVALID`")
	assert.Contains(t, text, "# ERROR\nmissing code block")
	assert.Contains(t, text, "```cs\n")
}

func TestRecorder_ScrubsSecrets(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, secrets.MustNew(nil), nil)
	rec.Record(context.Background(), testAttempt())

	dir := filepath.Join(root, "attempts", "AX-1", "0001")
	for _, name := range []string{"candidate-00.md", "candidate-00.diff", "candidate-01.md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hunter22", name)
		assert.Contains(t, string(data), "[REDACTED]", name)
	}
}

func TestRecorder_NumbersAttemptsPerIssue(t *testing.T) {
	root := t.TempDir()
	rec := NewRecorder(root, nil, nil)

	a := testAttempt()
	a.Chosen = -1
	a.Outcomes = nil
	rec.Record(context.Background(), a)
	rec.Record(context.Background(), a)

	other := testAttempt()
	other.Issue.Key = "proj:weird/key"
	rec.Record(context.Background(), other)

	assert.DirExists(t, filepath.Join(root, "attempts", "AX-1", "0001"))
	assert.DirExists(t, filepath.Join(root, "attempts", "AX-1", "0002"))
	assert.DirExists(t, filepath.Join(root, "attempts", "proj_weird_key", "0001"))

	md, err := os.ReadFile(filepath.Join(root, "attempts", "AX-1", "0002", "candidate-00.md"))
	require.NoError(t, err)
	assert.Contains(t, string(md), "# STATE\n`GENERATED`")
	// latest.md only ever holds committed candidates
	latest, err := os.ReadFile(filepath.Join(root, "latest.md"))
	require.NoError(t, err)
	assert.Contains(t, string(latest), "# STATE\n`PASSED`")
}

func TestRecorder_FailuresAreCountedNotReturned(t *testing.T) {
	parent := t.TempDir()
	blocker := filepath.Join(parent, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	logs := logging.NewTestLogger()
	rec := NewRecorder(filepath.Join(blocker, ".fixloop"), nil, logs.Logger)
	rec.Record(context.Background(), testAttempt())
	rec.Record(context.Background(), testAttempt())
	logs.AssertLogged(t, zapcore.WarnLevel, "failed to write diagnostics")

	assert.Equal(t, int64(2), rec.Failures())
}

func TestIssueDirName(t *testing.T) {
	assert.Equal(t, "AX-1", IssueDirName("AX-1"))
	assert.Equal(t, "a_b_c", IssueDirName("a/b:c"))
	assert.Equal(t, ".._x", IssueDirName("../x"))
	assert.Equal(t, "_", IssueDirName(""))
	assert.Equal(t, "_..", IssueDirName(".."))
}
