package server

import (
	"encoding/json"
	"strings"

	"keystone/internal/domain"
)

// Request payloads

type DecisionRequest struct {
	Mode        string                 `json:"mode,omitempty" enum:"review,decide,audit,creative" doc:"Defaults to review"`
	RequestText string                 `json:"request_text" doc:"At least 10 characters"`
	ProjectID   string                 `json:"project_id,omitempty"`
	OptionA     string                 `json:"option_a,omitempty" doc:"Required in decide mode"`
	OptionB     string                 `json:"option_b,omitempty" doc:"Required in decide mode"`
	SinceDays   int                    `json:"since_days,omitempty" doc:"Audit lookback in days, 1-90"`
	Context     *domain.ProjectContext `json:"context,omitempty"`
}

func (r DecisionRequest) toDomain() domain.Request {
	return domain.Request{
		Mode:      domain.Mode(r.Mode),
		Text:      r.RequestText,
		ProjectID: r.ProjectID,
		OptionA:   r.OptionA,
		OptionB:   r.OptionB,
		SinceDays: r.SinceDays,
		Context:   r.Context,
	}
}

type RatingRequest struct {
	Rating string `json:"rating" enum:"correct,partial,wrong"`
	Notes  string `json:"notes,omitempty"`
}

type DevLoginRequest struct {
	Subject string   `json:"subject"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type DecisionResponse struct {
	SessionID string               `json:"session_id"`
	Decision  domain.FinalDecision `json:"decision"`
}

type ItemResponse struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type SessionResponse struct {
	ID          string                `json:"id"`
	ProjectID   string                `json:"project_id"`
	CreatedAt   string                `json:"created_at" format:"date-time"`
	Metadata    map[string]any        `json:"metadata,omitempty"`
	Items       []ItemResponse        `json:"items"`
	Decision    *domain.FinalDecision `json:"decision,omitempty"`
	CompletedAt string                `json:"completed_at,omitempty"`
	Rating      string                `json:"rating,omitempty"`
	RatingNotes string                `json:"rating_notes,omitempty"`
	RatedAt     string                `json:"rated_at,omitempty"`
}

type HistoryResponse struct {
	Items []domain.HistoryEntry `json:"items"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type EventList struct {
	Items []EventResponse `json:"items"`
}

type EvaluatorResponse struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
	Purist      bool   `json:"purist"`
}

type EvaluatorList struct {
	Items []EvaluatorResponse `json:"items"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func sessionResponse(s domain.Session) SessionResponse {
	items := make([]ItemResponse, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, ItemResponse{
			Type:    it.Type,
			Role:    it.Role,
			Name:    it.Name,
			Content: it.Content,
			Data:    decodeJSON(it.Data),
		})
	}
	return SessionResponse{
		ID:          s.ID,
		ProjectID:   s.ProjectID,
		CreatedAt:   s.CreatedAt,
		Metadata:    s.Metadata,
		Items:       items,
		Decision:    s.Final,
		CompletedAt: s.CompletedAt,
		Rating:      string(s.Rating),
		RatingNotes: s.RatingNotes,
		RatedAt:     s.RatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func decodeJSONMap(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{"raw": raw}
	}
	return m
}
