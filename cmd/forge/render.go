package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/p-blackswan/agentforge/internal/bus"
	"github.com/p-blackswan/agentforge/internal/catalog"
	"github.com/p-blackswan/agentforge/internal/generation"
	"github.com/p-blackswan/agentforge/internal/orchestrator"
	"github.com/p-blackswan/agentforge/internal/validation"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	okStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950"))
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D29922"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#8B949E"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	boxStyle    = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func phaseStyle(p orchestrator.Phase) lipgloss.Style {
	switch p {
	case orchestrator.PhaseCommitted:
		return okStyle
	case orchestrator.PhaseFailed:
		return failStyle
	}
	return warnStyle
}

func renderRun(w io.Writer, run orchestrator.WorkflowRun) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", titleStyle.Render("run"), run.RunID)
	fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("project"), run.ProjectPath)
	fmt.Fprintf(&b, "%s %s", dimStyle.Render("phase"), phaseStyle(run.Phase).Render(string(run.Phase)))
	if run.CompletedAt != nil {
		fmt.Fprintf(&b, " %s", dimStyle.Render("in "+run.CompletedAt.Sub(run.CreatedAt).Round(time.Millisecond).String()))
	}
	if run.Failure != nil {
		fmt.Fprintf(&b, "\n%s %s: %s", failStyle.Render("failure"), run.Failure.Kind, run.Failure.Reason)
	}
	fmt.Fprintln(w, boxStyle.Render(b.String()))

	if len(run.Tasks) > 0 {
		t := newTable("template", "status", "score", "handoffs", "error")
		scores := make(map[string]float64, len(run.Matches))
		for _, m := range run.Matches {
			scores[m.TemplateID] = m.Score
		}
		for _, task := range run.Tasks {
			status := string(task.Status)
			if task.Optional {
				status += " (optional)"
			}
			lastErr := ""
			if n := len(task.Errors); n > 0 {
				lastErr = task.Errors[n-1].Code
			}
			t.Row(task.TemplateID, status, fmt.Sprintf("%.3f", scores[task.TemplateID]), handoffCell(task), lastErr)
		}
		fmt.Fprintln(w, t.Render())
	}

	for _, c := range run.Committed {
		mark := okStyle.Render("✓")
		if c.Unchanged {
			mark = dimStyle.Render("=")
		}
		fmt.Fprintf(w, "%s %s %s\n", mark, c.Path, dimStyle.Render(c.ContentHash[:min(12, len(c.ContentHash))]))
	}
	for _, warning := range run.Warnings {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("warning:"), warning)
	}
}

func handoffCell(task generation.TaskSnapshot) string {
	if len(task.HandoffsReceived) == 0 && len(task.HandoffsMissing) == 0 {
		return "-"
	}
	cell := fmt.Sprintf("%d received", len(task.HandoffsReceived))
	if n := len(task.HandoffsMissing); n > 0 {
		cell += fmt.Sprintf(", %d missing", n)
	}
	return cell
}

func renderReport(w io.Writer, report *validation.Report) {
	fmt.Fprintln(w, titleStyle.Render(report.Summary()))
	t := newTable("template", "required", "passed", "blocking", "warnings")
	for _, a := range report.Artifacts {
		blocking := okStyle.Render("none")
		if a.Failed() {
			msgs := make([]string, len(a.BlockingFailures))
			for i, f := range a.BlockingFailures {
				msgs[i] = f.Validator + ": " + f.Message
			}
			blocking = failStyle.Render(strings.Join(msgs, "\n"))
		}
		t.Row(a.TemplateID, fmt.Sprint(a.Required), strings.Join(a.Passed, ", "), blocking, fmt.Sprint(len(a.Warnings)))
	}
	fmt.Fprintln(w, t.Render())
	for _, f := range report.Warnings() {
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("warning:"), f.String())
	}
}

func renderRuns(w io.Writer, runs []orchestrator.WorkflowRun) {
	if len(runs) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no runs"))
		return
	}
	t := newTable("run", "phase", "project", "created", "committed")
	for _, run := range runs {
		t.Row(run.RunID, phaseStyle(run.Phase).Render(string(run.Phase)), run.ProjectPath,
			run.CreatedAt.Local().Format(time.DateTime), fmt.Sprint(len(run.Committed)))
	}
	fmt.Fprintln(w, t.Render())
}

func renderTemplates(w io.Writer, cat *catalog.Catalog) {
	fmt.Fprintf(w, "%s %s (%d templates)\n", titleStyle.Render("catalog"), cat.Version(), cat.Len())
	t := newTable("id", "variant", "required", "depends on", "permissions")
	for _, d := range cat.Templates() {
		t.Row(d.ID, string(d.Variant), fmt.Sprint(d.Required()), strings.Join(d.DependsOn, ", "), strings.Join(d.Permissions, ", "))
	}
	fmt.Fprintln(w, t.Render())
}

func renderEvent(w io.Writer, ev bus.Event) {
	fmt.Fprintf(w, "%s %s %s %s\n",
		dimStyle.Render(ev.Timestamp.Local().Format(time.TimeOnly)),
		ev.RunID,
		phaseStyle(orchestrator.Phase(ev.Phase)).Render(ev.Phase),
		ev.Summary)
}
