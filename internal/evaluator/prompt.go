package evaluator

import (
	"fmt"
	"strings"

	"keystone/internal/domain"
)

const historySummaryChars = 100

// FormatHistory renders past decisions as context lines, newest first.
func FormatHistory(entries []domain.HistoryEntry) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		date := e.CreatedAt
		if len(date) > 10 {
			date = date[:10]
		}
		verdict := e.Verdict
		if verdict == "" {
			verdict = "PENDING"
		}
		summary := e.Summary
		if summary == "" {
			summary = e.RequestSummary
		}
		if cut := domain.Truncate(summary, historySummaryChars); cut != summary {
			summary = cut + "..."
		}
		lines = append(lines, fmt.Sprintf("- %s: %s (%.0f%%) - %s", date, verdict, e.Confidence*100, summary))
	}
	return strings.Join(lines, "\n")
}

const standardSchema = `{
  "verdict": "GO | NO_GO | PIVOT | UNCLEAR",
  "confidence": 0.0,
  "top_reasons": ["", "", ""],
  "top_risks": ["", "", ""],
  "assumptions": [""],
  "missing_info": [""],
  "next_actions": ["", "", ""],
  "experiment": {"hypothesis": "", "test": "", "success_metric": "", "timebox": ""}
}`

const puristSchema = `{
  "verdict": "GO | NO | CUT | REFRAME",
  "confidence": 0.0,
  "core_promise": "at most 12 words",
  "flagship_experience": "",
  "cut_list": ["", "", ""],
  "whats_missing": "",
  "hard_questions": ["", "", ""],
  "next_actions": ["", ""]
}`

// SystemPrompt describes the seat and the exact JSON shape expected back.
func SystemPrompt(m Member) string {
	schema := standardSchema
	if m.IsPurist() {
		schema = puristSchema
	}
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the %s on an advisory board.\n", m.Name, strings.ReplaceAll(string(m.Role), "_", " "))
	if m.Description != "" {
		b.WriteString(m.Description)
		b.WriteString("\n")
	}
	b.WriteString("Judge the request independently. Reply with a single JSON object and nothing else, shaped exactly like:\n")
	b.WriteString(schema)
	b.WriteString("\nconfidence is a number between 0 and 1.")
	return b.String()
}

// UserPrompt renders the request with its mode-specific fields.
func UserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", req.Mode)
	fmt.Fprintf(&b, "Project: %s\n", req.ProjectID)
	switch req.Mode {
	case domain.ModeDecide:
		fmt.Fprintf(&b, "Option A: %s\nOption B: %s\n", req.OptionA, req.OptionB)
	case domain.ModeAudit:
		fmt.Fprintf(&b, "Review the last %d days.\n", req.SinceDays)
	}
	if c := req.Context; c != nil {
		if c.Stage != "" {
			fmt.Fprintf(&b, "Stage: %s\n", c.Stage)
		}
		if c.Traction != "" {
			fmt.Fprintf(&b, "Traction: %s\n", c.Traction)
		}
		if c.Constraints != "" {
			fmt.Fprintf(&b, "Constraints: %s\n", c.Constraints)
		}
	}
	if req.History != "" {
		b.WriteString("Previous board decisions for this project:\n")
		b.WriteString(req.History)
		b.WriteString("\n")
	}
	b.WriteString("\nRequest:\n")
	b.WriteString(req.Text)
	return b.String()
}
