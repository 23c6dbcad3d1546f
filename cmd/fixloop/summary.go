package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fyrsmithlabs/fixloop/internal/completion"
	"github.com/fyrsmithlabs/fixloop/internal/orchestrator"
	"github.com/fyrsmithlabs/fixloop/internal/validation"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Width(14)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)
)

// renderSummary renders the end-of-run report.
func renderSummary(snap orchestrator.SessionSnapshot, usage completion.UsageStats) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("fixloop " + snap.Project))
	b.WriteString("\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}

	b.WriteString(sectionStyle.Render("Run"))
	b.WriteString("\n")
	row("Run ID", dimStyle.Render(snap.ID))
	row("Branch", valueStyle.Render(snap.Branch))
	row("Seed", dimStyle.Render(fmt.Sprintf("%d", snap.Seed)))
	row("State", stateBadge(snap))
	row("Duration", valueStyle.Render(snap.Duration.Round(time.Second).String()))
	if snap.FormatCommit != "" {
		row("Formatting", dimStyle.Render(short(snap.FormatCommit)))
	}
	if snap.Error != "" {
		row("Error", errStyle.Render(snap.Error))
	}

	b.WriteString(sectionStyle.Render("Issues"))
	b.WriteString("\n")
	row("Selected", valueStyle.Render(fmt.Sprintf("%d", snap.Selected)))
	row("Committed", okStyle.Render(fmt.Sprintf("%d", len(snap.Committed))))
	row("Skipped", warnStyle.Render(fmt.Sprintf("%d", len(snap.Skipped))))
	for _, c := range snap.Committed {
		b.WriteString("  " + okStyle.Render("✓") + " " + c.Key + " " + dimStyle.Render(short(c.Commit)) + "\n")
	}
	for _, s := range snap.Skipped {
		b.WriteString("  " + warnStyle.Render("-") + " " + s.Key + " " + dimStyle.Render(s.Reason) + "\n")
	}

	b.WriteString(sectionStyle.Render("Backend"))
	b.WriteString("\n")
	row("Generations", valueStyle.Render(fmt.Sprintf("%d", usage.Generations)))
	row("Completions", valueStyle.Render(fmt.Sprintf("%d", usage.Completions)))
	row("Tokens", valueStyle.Render(fmt.Sprintf("%d", usage.PromptTokens+usage.CompletionTokens))+
		dimStyle.Render(fmt.Sprintf(" (%d prompt, %d completion)", usage.PromptTokens, usage.CompletionTokens)))

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

func stateBadge(snap orchestrator.SessionSnapshot) string {
	switch snap.State {
	case orchestrator.StateDone:
		return okStyle.Render("● " + string(snap.State))
	case orchestrator.StateAborted:
		return errStyle.Render("✗ " + string(snap.State))
	default:
		return warnStyle.Render("◐ " + string(snap.State))
	}
}

// formatProgress renders one progress event as a single line.
func formatProgress(p orchestrator.Progress) string {
	var b strings.Builder
	b.WriteString(dimStyle.Render(fmt.Sprintf("%-10s", p.State)))
	if p.IssueKey != "" {
		b.WriteString(" " + p.IssueKey)
	}
	if p.Candidate >= 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf(" #%d", p.Candidate)))
	}
	if p.Verdict != "" {
		style := warnStyle
		if p.Verdict == validation.Passed {
			style = okStyle
		}
		b.WriteString(" " + style.Render(string(p.Verdict)))
	}
	if p.Message != "" {
		b.WriteString(" " + p.Message)
	}
	return b.String()
}

func short(hash string) string {
	if len(hash) > 10 {
		return hash[:10]
	}
	return hash
}
