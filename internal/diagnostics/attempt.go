package diagnostics

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/fyrsmithlabs/fixloop/internal/validation"
)

// Candidate states that are not validation verdicts.
const (
	StateGenerated    = "GENERATED"
	StateNotValidated = "NOT_VALIDATED"
)

// Attempt is everything that happened while working on one issue.
type Attempt struct {
	RunID      string                 `json:"run_id"`
	Issue      issue.Issue            `json:"issue"`
	Candidates []completion.Candidate `json:"-"`
	Outcomes   []validation.Outcome   `json:"-"`
	// Chosen is the index of the committed candidate, or -1.
	Chosen    int       `json:"chosen"`
	Commit    string    `json:"commit,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type candidateSummary struct {
	Index        int                 `json:"index"`
	State        string              `json:"state"`
	Error        string              `json:"error,omitempty"`
	Answered     bool                `json:"answered"`
	ChangedLines int                 `json:"changed_lines"`
	Params       completion.Params   `json:"params"`
	Outcome      *validation.Outcome `json:"outcome,omitempty"`
}

type attemptFile struct {
	Attempt
	Candidates []candidateSummary `json:"candidates"`
}

func (a Attempt) outcome(index int) *validation.Outcome {
	for n := range a.Outcomes {
		if a.Outcomes[n].Index == index {
			return &a.Outcomes[n]
		}
	}
	return nil
}

func (a Attempt) state(c completion.Candidate) (string, string) {
	if out := a.outcome(c.Index); out != nil {
		return string(out.Verdict), out.Diagnostics
	}
	if !c.Valid() {
		return string(validation.Invalid), c.Error
	}
	if a.Chosen >= 0 {
		return StateNotValidated, ""
	}
	return StateGenerated, ""
}

func (a Attempt) marshal() ([]byte, error) {
	f := attemptFile{Attempt: a}
	for _, c := range a.Candidates {
		state, errText := a.state(c)
		f.Candidates = append(f.Candidates, candidateSummary{
			Index:        c.Index,
			State:        state,
			Error:        errText,
			Answered:     c.Answered,
			ChangedLines: c.ChangedLines,
			Params:       c.Params,
			Outcome:      a.outcome(c.Index),
		})
	}
	return json.MarshalIndent(f, "", "  ")
}

// markdown renders one candidate the way a reviewer reads it.
func (a Attempt) markdown(c completion.Candidate) string {
	state, errText := a.state(c)
	if errText == "" {
		errText = "OK"
	}
	doctype := completion.Doctype(c.Path)
	issueJSON, _ := json.MarshalIndent(a.Issue, "", "  ")
	paramsJSON, _ := json.MarshalIndent(c.Params, "", "  ")

	var b strings.Builder
	section := func(title, body string) {
		fmt.Fprintf(&b, "# %s\n%s\n\n", title, body)
	}
	block := func(lang, body string) string {
		return "```" + lang + "\n" + strings.TrimRight(body, "\n") + "\n```"
	}

	section("STATE", "`"+state+"`")
	section("ERROR", errText)
	section("PATH", "`"+c.Path+"`")
	section("ISSUE", block("json", string(issueJSON)))
	section("ORIGINAL", block(doctype, c.Original))
	section("SYSTEM", c.System)
	section("INSTRUCTION", c.Instruction)
	section("PARAMS", block("json", string(paramsJSON)))
	section("COMPLETION", c.Completion)
	section("REPLACEMENT", block(doctype, c.Content))
	return b.String()
}
