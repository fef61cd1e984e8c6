package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"keystone/internal/domain"
	"keystone/internal/lifecycle"
)

var (
	verdictGo      = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	verdictNoGo    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	verdictPivot   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	verdictUnclear = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999")).Bold(true)
	mutedStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	titleStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	panelStyle     = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#5B8DEF")).
			Padding(0, 1)
)

func verdictStyle(v string) lipgloss.Style {
	switch v {
	case string(domain.VerdictGo):
		return verdictGo
	case string(domain.VerdictNoGo), string(domain.PuristNo):
		return verdictNoGo
	case string(domain.VerdictPivot), string(domain.PuristCut), string(domain.PuristReframe):
		return verdictPivot
	default:
		return verdictUnclear
	}
}

func percent(c float64) string {
	return fmt.Sprintf("%.0f%%", c*100)
}

// renderDecision prints the verdict panel followed by the vote table.
func renderDecision(w io.Writer, sessionID string, d domain.FinalDecision) {
	var b strings.Builder
	b.WriteString(verdictStyle(string(d.Verdict)).Render(string(d.Verdict)))
	b.WriteString(" ")
	b.WriteString(mutedStyle.Render(percent(d.Confidence) + " confidence, rule " + d.Rule))
	b.WriteString("\n\n")
	for _, r := range d.Reasons {
		b.WriteString("• " + r + "\n")
	}
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n" + titleStyle.Render(title) + "\n")
		for i, it := range items {
			fmt.Fprintf(&b, "%d. %s\n", i+1, it)
		}
	}
	section("Next actions", d.Actions)
	section("Top risks", d.Risks)
	section("Missing info", d.MissingInfo)

	exp := d.Experiment
	b.WriteString("\n" + titleStyle.Render("Experiment"))
	if exp.Name != "" {
		b.WriteString(" " + exp.Name)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Hypothesis: %s\nTest: %s\nSuccess: %s\nTimebox: %s",
		exp.Hypothesis, exp.Test, exp.SuccessMetric, exp.Timebox)
	if len(d.Failed) > 0 {
		b.WriteString("\n\n" + mutedStyle.Render("No opinion from: "+strings.Join(d.Failed, ", ")))
	}

	fmt.Fprintln(w, panelStyle.Render(strings.TrimRight(b.String(), "\n")))
	if len(d.Votes) > 0 {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.AppendHeader(table.Row{"Specialist", "Role", "Verdict", "Confidence"})
		for _, v := range d.Votes {
			tw.AppendRow(table.Row{v.Name, v.Role, verdictStyle(v.Verdict).Render(v.Verdict), percent(v.Confidence)})
		}
		tw.Render()
	}
	fmt.Fprintln(w, mutedStyle.Render("session "+sessionID))
}

// progressLine renders a one-line status for the tracker.
func progressLine(s lifecycle.Snapshot) string {
	parts := []string{titleStyle.Render(string(s.Phase))}
	if len(s.Active) > 0 {
		parts = append(parts, "waiting on "+strings.Join(s.Active, ", "))
	}
	if n := len(s.Finished); n > 0 {
		parts = append(parts, fmt.Sprintf("%d done", n))
	}
	if n := len(s.Failed); n > 0 {
		parts = append(parts, verdictNoGo.Render(fmt.Sprintf("%d failed", n)))
	}
	parts = append(parts, mutedStyle.Render(s.Elapsed.Round(100*time.Millisecond).String()))
	return strings.Join(parts, " · ")
}

func renderHistory(w io.Writer, entries []domain.HistoryEntry) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Session", "Created", "Verdict", "Confidence", "Rating", "Request"})
	for _, e := range entries {
		verdict := e.Verdict
		conf := ""
		if verdict == "" {
			verdict = "PENDING"
		} else {
			conf = percent(e.Confidence)
		}
		tw.AppendRow(table.Row{e.SessionID, e.CreatedAt[:min(len(e.CreatedAt), 19)], verdictStyle(verdict).Render(verdict), conf, e.Rating, domain.Truncate(e.RequestSummary, 60)})
	}
	tw.Render()
}

func renderSession(w io.Writer, s domain.Session) {
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Session"), s.ID)
	fmt.Fprintf(w, "project %s, created %s\n", s.ProjectID, s.CreatedAt)
	if s.Rating != "" {
		fmt.Fprintf(w, "rated %s at %s", s.Rating, s.RatedAt)
		if s.RatingNotes != "" {
			fmt.Fprintf(w, ": %s", s.RatingNotes)
		}
		fmt.Fprintln(w)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Type", "Name", "Content"})
	for i, it := range s.Items {
		name := it.Name
		if name == "" {
			name = it.Role
		}
		tw.AppendRow(table.Row{i + 1, it.Type, name, domain.Truncate(it.Content, 80)})
	}
	tw.Render()
	if s.Final != nil {
		renderDecision(w, s.ID, *s.Final)
	}
}

func renderEvents(w io.Writer, evts []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Project", "Entity", "Actor", "Payload"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.EntityKind + ":" + e.EntityID, e.ActorID, domain.Truncate(e.Payload, 60)})
	}
	tw.Render()
}
