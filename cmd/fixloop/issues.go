package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fyrsmithlabs/fixloop/internal/issue"
	"github.com/spf13/cobra"
)

var issuesJSON bool

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List the open issues of the project",
	RunE:  runIssues,
}

func init() {
	issuesCmd.Flags().BoolVar(&issuesJSON, "json", false, "print issues as JSON")
}

func runIssues(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, nil, false)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	client, err := a.sonarClient()
	if err != nil {
		return err
	}
	issues, err := client.OpenIssues(ctx)
	if err != nil {
		return err
	}

	if issuesJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(issues)
	}
	printIssues(cmd.OutOrStdout(), issues)
	return nil
}

// printIssues renders issues as a table sorted by path and line.
func printIssues(w io.Writer, issues []issue.Issue) {
	if len(issues) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no open issues"))
		return
	}

	sorted := make([]issue.Issue, len(issues))
	copy(sorted, issues)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Path() != sorted[j].Path() {
			return sorted[i].Path() < sorted[j].Path()
		}
		return sorted[i].Line < sorted[j].Line
	})

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("238"))).
		Headers("KEY", "RULE", "SEVERITY", "FILE", "LINE", "MESSAGE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return sectionStyle.MarginTop(0).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	for _, iss := range sorted {
		line := ""
		if iss.Line > 0 {
			line = strconv.Itoa(iss.Line)
		}
		t.Row(iss.Key, iss.Rule, iss.Severity, iss.Path(), line, iss.Message)
	}

	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d open issues", len(issues))))
}
