package completion

import (
	"bytes"
	"path"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/fixloop/internal/issue"
)

// ApproveMarker is the token a completion must contain outside its code
// block to count as self-reviewed.
const ApproveMarker = "APPROVE_CHANGES"

const defaultTopMarker = "// TOP_MARKER"

// Markdown fence language by file extension.
var doctypeByExtension = map[string]string{
	"cs":     "cs",
	"cshtml": "cshtml",
	"go":     "go",
	"java":   "java",
	"js":     "javascript",
	"kt":     "kotlin",
	"php":    "php",
	"py":     "python",
	"rb":     "ruby",
	"rs":     "rust",
	"swift":  "swift",
	"ts":     "typescript",
	"tsx":    "tsx",
}

// First line of the file as presented to the model, by extension. The
// model must echo it back so truncated answers can be detected.
var topMarkerByExtension = map[string]string{
	"cs":     "// TOP_MARKER",
	"cshtml": "<!-- TOP_MARKER -->",
	"html":   "<!-- TOP_MARKER -->",
	"py":     "# TOP_MARKER",
	"rb":     "# TOP_MARKER",
	"sh":     "# TOP_MARKER",
	"yaml":   "# TOP_MARKER",
	"yml":    "# TOP_MARKER",
	"css":    "/* TOP_MARKER */",
	"sql":    "-- TOP_MARKER",
}

func extension(p string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}

// Doctype returns the markdown fence language for a file path.
func Doctype(p string) string {
	return doctypeByExtension[extension(p)]
}

// TopMarker returns the top-of-file marker for a file path.
func TopMarker(p string) string {
	if m, ok := topMarkerByExtension[extension(p)]; ok {
		return m
	}
	return defaultTopMarker
}

const systemPrompt = `You are an expert software developer resolving static code analysis findings.
You make minimal, focused changes, keep the original functionality intact
and always return complete source files.`

var instructionTemplate = template.Must(template.New("instruction").Parse(
	"Consider the following original source code:\n" +
		"```{{.Doctype}}\n{{.TopMarker}}\n{{.Source}}\n```\n\n" +
		"The static code analysis found an issue in the original source code:\n" +
		"```\n{{.Message}}\n```\n\n" +
		"The issue is reported at these code lines:\n" +
		"```{{.Doctype}}\n{{.CodeLines}}\n```\n\n" +
		"- Issue category: {{.Category}}\n" +
		"- Issue severity: {{.Severity}}\n" +
		"- Rule: {{.Rule}}\n\n" +
		`Please ALWAYS honor ALL of these general rules while resolving the issue:
- Work ONLY from the context provided, refuse to make any guesses.
- Do NOT write any code if you do not have enough information in this context
  to resolve the issue or you do not know how to fix it.
- Do NOT use any kind of placeholders, always write out the full code.
- Do NOT lose any of the original (intended) functionality, remove only the bug.
- Do NOT explain the code itself.
- Do NOT include excessive comments.
- Do NOT remove original comments unrelated to the issue or the code modified.
- Do NOT introduce any performance or security issues.
- Do NOT change comments or string literals unrelated to your task.
- Do NOT remove code (even if it is commented out or disabled) unless asked explicitly.
- Do NOT repeat these rules or the steps below in your answer.
- Do UPDATE comments which apply to code you have to change.
- Process the whole original source code, starting from and including the TOP_MARKER.
- If you are asked to remove code, then DO REMOVE it, not just comment it out.

Work on resolving the issue by completing these steps:

1. Provide a very concise, step by step plan for resolving the issue.

2. Stop here if and only if crucial information is missing to properly
   solve the issue or you do not know how to solve it.

3. Copy the WHOLE original source code with modifications to resolve the issue.
   Keep your modifications limited to the topic of the issue. Provide the
   modified source code in a SINGLE CODE BLOCK without any placeholders.

4. Review the changes you made to the source code:
   - Do the changes fail to fully resolve the issue?
   - Are related changes a human would expect missing?
   - Did you change code, data or comments not related to the issue?
   - Was any part of the source code replaced by a placeholder?

   If the answer to all of these questions is NO, then approve the code changes
   by saying "` + ApproveMarker + `" and nothing else after the code block.
   If you do not approve the changes, then provide a concise explanation why.`))

type instructionData struct {
	Doctype   string
	TopMarker string
	Source    string
	Message   string
	CodeLines string
	Category  string
	Severity  string
	Rule      string
}

// Prompt is the rendered system and user message for one issue.
type Prompt struct {
	System      string `json:"system"`
	Instruction string `json:"instruction"`
	TopMarker   string `json:"top_marker"`
	Doctype     string `json:"doctype"`
}

// BuildPrompt renders the prompt for fixing iss in content.
func BuildPrompt(iss issue.Issue, content string) (Prompt, error) {
	p := iss.Path()
	data := instructionData{
		Doctype:   Doctype(p),
		TopMarker: TopMarker(p),
		Source:    content,
		Message:   iss.Message,
		CodeLines: iss.CodeLines(content),
		Category:  iss.Category(),
		Severity:  iss.Severity,
		Rule:      iss.Rule,
	}

	var buf bytes.Buffer
	if err := instructionTemplate.Execute(&buf, data); err != nil {
		return Prompt{}, err
	}
	return Prompt{
		System:      systemPrompt,
		Instruction: buf.String(),
		TopMarker:   data.TopMarker,
		Doctype:     data.Doctype,
	}, nil
}
