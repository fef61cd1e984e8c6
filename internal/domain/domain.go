package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TimeLayout is a fixed-width UTC timestamp so stored values sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Item types stored in a session transcript.
const (
	ItemTypeMessage   = "message"
	ItemTypeOpinion   = "opinion"
	ItemTypeFailure   = "failure"
	ItemTypeDecision  = "decision"
	ItemTypeReasoning = "reasoning"
)

// Item is one entry of a session's ordered conversation list.
type Item struct {
	Type    string          `json:"type"`
	Role    string          `json:"role,omitempty"`
	Name    string          `json:"name,omitempty"`
	Content string          `json:"content,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type Rating string

const (
	RatingCorrect Rating = "correct"
	RatingPartial Rating = "partial"
	RatingWrong   Rating = "wrong"
)

// ParseRating accepts the closed rating set, case-insensitively.
func ParseRating(v string) (Rating, error) {
	r := Rating(strings.ToLower(strings.TrimSpace(v)))
	switch r {
	case RatingCorrect, RatingPartial, RatingWrong:
		return r, nil
	}
	return "", fmt.Errorf("%w: rating must be one of correct, partial, wrong", ErrValidation)
}

type Session struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Items       []Item         `json:"items"`
	Final       *FinalDecision `json:"final_decision,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty" format:"date-time"`
	Rating      Rating         `json:"rating,omitempty" enum:"correct,partial,wrong"`
	RatingNotes string         `json:"rating_notes,omitempty"`
	RatedAt     string         `json:"rated_at,omitempty" format:"date-time"`
}

// HistoryEntry is the listing projection of a Session.
type HistoryEntry struct {
	SessionID      string  `json:"session_id"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	RequestSummary string  `json:"request_summary"`
	Verdict        string  `json:"verdict,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Summary        string  `json:"summary,omitempty"`
	Rating         Rating  `json:"rating,omitempty"`
}

type Vote struct {
	Name       string  `json:"name"`
	Role       Role    `json:"role"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
}

type ConsensusResult struct {
	Verdict    Verdict  `json:"verdict" enum:"GO,NO_GO,PIVOT,UNCLEAR"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Rule       string   `json:"rule"`
}

type FinalDecision struct {
	Mode        Mode       `json:"mode,omitempty"`
	Verdict     Verdict    `json:"verdict" enum:"GO,NO_GO,PIVOT,UNCLEAR"`
	Confidence  float64    `json:"confidence"`
	Summary     string     `json:"summary"`
	Reasons     []string   `json:"reasons"`
	Rule        string     `json:"rule"`
	Actions     []string   `json:"actions"`
	Experiment  Experiment `json:"experiment"`
	Risks       []string   `json:"risks,omitempty"`
	Assumptions []string   `json:"assumptions,omitempty"`
	MissingInfo []string   `json:"missing_info,omitempty"`
	Votes       []Vote     `json:"votes"`
	Failed      []string   `json:"failed"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
