package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidation wraps every rejection of a caller request.
var ErrValidation = errors.New("invalid request")

type Mode string

const (
	ModeReview   Mode = "review"
	ModeDecide   Mode = "decide"
	ModeAudit    Mode = "audit"
	ModeCreative Mode = "creative"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeReview, ModeDecide, ModeAudit, ModeCreative:
		return true
	}
	return false
}

type Stage string

const (
	StageIdea     Stage = "idea"
	StageMVP      Stage = "mvp"
	StageBeta     Stage = "beta"
	StageLaunched Stage = "launched"
)

func (s Stage) Valid() bool {
	switch s {
	case StageIdea, StageMVP, StageBeta, StageLaunched:
		return true
	}
	return false
}

type ProjectContext struct {
	Stage       Stage  `json:"stage,omitempty" enum:"idea,mvp,beta,launched"`
	Traction    string `json:"traction,omitempty"`
	Constraints string `json:"constraints,omitempty"`
}

const (
	DefaultProjectID = "default"
	DefaultSinceDays = 14
	MinRequestChars  = 10
	MaxSinceDays     = 90
)

// Request is what a caller submits to the board.
type Request struct {
	Mode      Mode            `json:"mode"`
	Text      string          `json:"request_text"`
	ProjectID string          `json:"project_id,omitempty"`
	OptionA   string          `json:"option_a,omitempty"`
	OptionB   string          `json:"option_b,omitempty"`
	SinceDays int             `json:"since_days,omitempty"`
	Context   *ProjectContext `json:"context,omitempty"`
}

// Normalize trims fields and applies defaults.
func (r Request) Normalize() Request {
	r.Mode = Mode(strings.ToLower(strings.TrimSpace(string(r.Mode))))
	if r.Mode == "" {
		r.Mode = ModeReview
	}
	r.Text = strings.TrimSpace(r.Text)
	r.ProjectID = strings.TrimSpace(r.ProjectID)
	if r.ProjectID == "" {
		r.ProjectID = DefaultProjectID
	}
	r.OptionA = strings.TrimSpace(r.OptionA)
	r.OptionB = strings.TrimSpace(r.OptionB)
	if r.Mode == ModeAudit && r.SinceDays == 0 {
		r.SinceDays = DefaultSinceDays
	}
	if r.Context != nil {
		ctx := *r.Context
		ctx.Stage = Stage(strings.ToLower(strings.TrimSpace(string(ctx.Stage))))
		r.Context = &ctx
	}
	return r
}

func (r Request) Validate() error {
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: mode must be one of review, decide, audit, creative", ErrValidation)
	}
	if len([]rune(r.Text)) < MinRequestChars {
		return fmt.Errorf("%w: request_text must be at least %d characters", ErrValidation, MinRequestChars)
	}
	if r.Mode == ModeDecide && (r.OptionA == "" || r.OptionB == "") {
		return fmt.Errorf("%w: decide mode requires option_a and option_b", ErrValidation)
	}
	if r.Mode == ModeAudit && (r.SinceDays < 1 || r.SinceDays > MaxSinceDays) {
		return fmt.Errorf("%w: since_days must be between 1 and %d", ErrValidation, MaxSinceDays)
	}
	if r.Context != nil && r.Context.Stage != "" && !r.Context.Stage.Valid() {
		return fmt.Errorf("%w: stage must be one of idea, mvp, beta, launched", ErrValidation)
	}
	return nil
}

// Metadata is the snapshot stored with a new session.
func (r Request) Metadata() map[string]any {
	md := map[string]any{
		"mode":         string(r.Mode),
		"request_text": r.Text,
	}
	if r.OptionA != "" {
		md["option_a"] = r.OptionA
	}
	if r.OptionB != "" {
		md["option_b"] = r.OptionB
	}
	if r.Mode == ModeAudit {
		md["since_days"] = r.SinceDays
	}
	if r.Context != nil {
		if r.Context.Stage != "" {
			md["stage"] = string(r.Context.Stage)
		}
		if r.Context.Traction != "" {
			md["traction"] = r.Context.Traction
		}
		if r.Context.Constraints != "" {
			md["constraints"] = r.Context.Constraints
		}
	}
	return md
}
