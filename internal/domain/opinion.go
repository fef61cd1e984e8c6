package domain

import (
	"errors"
	"fmt"
	"strings"
)

type Verdict string

const (
	VerdictGo      Verdict = "GO"
	VerdictNoGo    Verdict = "NO_GO"
	VerdictPivot   Verdict = "PIVOT"
	VerdictUnclear Verdict = "UNCLEAR"
)

func (v Verdict) Valid() bool {
	switch v {
	case VerdictGo, VerdictNoGo, VerdictPivot, VerdictUnclear:
		return true
	}
	return false
}

// PuristVerdict is the verdict set used by the purist role.
type PuristVerdict string

const (
	PuristGo      PuristVerdict = "GO"
	PuristNo      PuristVerdict = "NO"
	PuristCut     PuristVerdict = "CUT"
	PuristReframe PuristVerdict = "REFRAME"
)

func (v PuristVerdict) Valid() bool {
	switch v {
	case PuristGo, PuristNo, PuristCut, PuristReframe:
		return true
	}
	return false
}

// Normalize maps a purist verdict onto the board verdict set for vote counting.
func (v PuristVerdict) Normalize() Verdict {
	switch v {
	case PuristGo:
		return VerdictGo
	case PuristNo:
		return VerdictNoGo
	case PuristCut, PuristReframe:
		return VerdictPivot
	}
	return VerdictUnclear
}

type Role string

const (
	RoleProductOperator    Role = "product_operator"
	RoleGrowthDistribution Role = "growth_distribution"
	RoleSystemsArchitect   Role = "systems_architecture"
	RoleCapitalAllocator   Role = "capital_allocator"
	RoleRiskReality        Role = "risk_reality"
	RoleCreativeDirector   Role = "creative_director"
	RolePurist             Role = "product_purist"
)

// Member identifies one evaluator on the roster.
type Member struct {
	Name string `json:"name"`
	Role Role   `json:"role"`
}

func (m Member) IsPurist() bool { return m.Role == RolePurist }

type Experiment struct {
	Name          string `json:"name,omitempty"`
	Hypothesis    string `json:"hypothesis"`
	Test          string `json:"test"`
	SuccessMetric string `json:"success_metric"`
	Timebox       string `json:"timebox"`
}

// Usable reports whether the experiment describes something runnable.
func (e Experiment) Usable() bool {
	return strings.TrimSpace(e.Hypothesis) != "" || strings.TrimSpace(e.Test) != ""
}

type StandardOpinion struct {
	Verdict     Verdict    `json:"verdict"`
	Confidence  float64    `json:"confidence"`
	Reasons     []string   `json:"top_reasons"`
	Risks       []string   `json:"top_risks"`
	Assumptions []string   `json:"assumptions"`
	MissingInfo []string   `json:"missing_info"`
	Actions     []string   `json:"next_actions"`
	Experiment  Experiment `json:"experiment"`
}

type PuristOpinion struct {
	Verdict      PuristVerdict `json:"verdict"`
	Confidence   float64       `json:"confidence"`
	CorePromise  string        `json:"core_promise"`
	Flagship     string        `json:"flagship_experience"`
	CutList      []string      `json:"cut_list"`
	WhatsMissing string        `json:"whats_missing"`
	Questions    []string      `json:"hard_questions"`
	Actions      []string      `json:"next_actions"`
}

const MaxCorePromiseWords = 12

var errOpinionShape = errors.New("malformed opinion")

// Opinion is a role-tagged variant: purist members carry a PuristOpinion,
// everyone else a StandardOpinion.
type Opinion struct {
	Evaluator Member           `json:"evaluator"`
	Standard  *StandardOpinion `json:"standard,omitempty"`
	Purist    *PuristOpinion   `json:"purist,omitempty"`
}

func NewStandardOpinion(m Member, s StandardOpinion) Opinion {
	return Opinion{Evaluator: m, Standard: &s}
}

func NewPuristOpinion(m Member, p PuristOpinion) Opinion {
	return Opinion{Evaluator: m, Purist: &p}
}

// Vote returns the verdict on the board scale.
func (o Opinion) Vote() Verdict {
	if o.Evaluator.IsPurist() && o.Purist != nil {
		return o.Purist.Verdict.Normalize()
	}
	if o.Standard != nil {
		return o.Standard.Verdict
	}
	return VerdictUnclear
}

// VerdictText is the verdict as the evaluator wrote it.
func (o Opinion) VerdictText() string {
	if o.Evaluator.IsPurist() && o.Purist != nil {
		return string(o.Purist.Verdict)
	}
	return string(o.Vote())
}

func (o Opinion) Confidence() float64 {
	if o.Evaluator.IsPurist() && o.Purist != nil {
		return o.Purist.Confidence
	}
	if o.Standard != nil {
		return o.Standard.Confidence
	}
	return 0
}

func (o Opinion) Actions() []string {
	if o.Evaluator.IsPurist() && o.Purist != nil {
		return o.Purist.Actions
	}
	if o.Standard != nil {
		return o.Standard.Actions
	}
	return nil
}

// Experiment returns the proposed experiment; purist opinions never propose one.
func (o Opinion) Experiment() (Experiment, bool) {
	if o.Evaluator.IsPurist() || o.Standard == nil {
		return Experiment{}, false
	}
	if !o.Standard.Experiment.Usable() {
		return Experiment{}, false
	}
	return o.Standard.Experiment, true
}

func (o Opinion) Reasons() []string {
	if o.Evaluator.IsPurist() || o.Standard == nil {
		return nil
	}
	return o.Standard.Reasons
}

func (o Opinion) Risks() []string {
	if o.Evaluator.IsPurist() || o.Standard == nil {
		return nil
	}
	return o.Standard.Risks
}

func (o Opinion) Assumptions() []string {
	if o.Evaluator.IsPurist() || o.Standard == nil {
		return nil
	}
	return o.Standard.Assumptions
}

func (o Opinion) MissingInfo() []string {
	if o.Evaluator.IsPurist() || o.Standard == nil {
		return nil
	}
	return o.Standard.MissingInfo
}

// Objection summarizes what the purist wants changed.
func (o Opinion) Objection() string {
	if o.Purist == nil {
		return ""
	}
	if s := strings.TrimSpace(o.Purist.WhatsMissing); s != "" {
		return s
	}
	if len(o.Purist.CutList) > 0 {
		return "cut " + o.Purist.CutList[0]
	}
	return strings.TrimSpace(o.Purist.CorePromise)
}

// Validate checks the variant matches the role and the shape constraints hold.
func (o Opinion) Validate() error {
	if o.Evaluator.IsPurist() {
		if o.Purist == nil || o.Standard != nil {
			return fmt.Errorf("%w: purist %s must return the purist shape", errOpinionShape, o.Evaluator.Name)
		}
		return o.Purist.validate()
	}
	if o.Standard == nil || o.Purist != nil {
		return fmt.Errorf("%w: %s must return the standard shape", errOpinionShape, o.Evaluator.Name)
	}
	return o.Standard.validate()
}

func (s StandardOpinion) validate() error {
	if !s.Verdict.Valid() {
		return fmt.Errorf("%w: unknown verdict %q", errOpinionShape, s.Verdict)
	}
	if err := validConfidence(s.Confidence); err != nil {
		return err
	}
	if err := exactly("top_reasons", s.Reasons, 3); err != nil {
		return err
	}
	if err := exactly("top_risks", s.Risks, 3); err != nil {
		return err
	}
	if err := exactly("next_actions", s.Actions, 3); err != nil {
		return err
	}
	if !s.Experiment.Usable() {
		return fmt.Errorf("%w: experiment is required", errOpinionShape)
	}
	return nil
}

func (p PuristOpinion) validate() error {
	if !p.Verdict.Valid() {
		return fmt.Errorf("%w: unknown purist verdict %q", errOpinionShape, p.Verdict)
	}
	if err := validConfidence(p.Confidence); err != nil {
		return err
	}
	words := len(strings.Fields(p.CorePromise))
	if words == 0 || words > MaxCorePromiseWords {
		return fmt.Errorf("%w: core_promise must be 1-%d words, got %d", errOpinionShape, MaxCorePromiseWords, words)
	}
	if err := exactly("cut_list", p.CutList, 3); err != nil {
		return err
	}
	if err := exactly("hard_questions", p.Questions, 3); err != nil {
		return err
	}
	return exactly("next_actions", p.Actions, 2)
}

func validConfidence(c float64) error {
	if c < 0 || c > 1 {
		return fmt.Errorf("%w: confidence %.2f outside [0,1]", errOpinionShape, c)
	}
	return nil
}

func exactly(field string, items []string, n int) error {
	if len(items) != n {
		return fmt.Errorf("%w: %s needs exactly %d items, got %d", errOpinionShape, field, n, len(items))
	}
	return nil
}

// Failure records an evaluator that produced no usable opinion.
type Failure struct {
	Evaluator Member `json:"evaluator"`
	Error     string `json:"error"`
	Attempts  int    `json:"attempts"`
}

// Outcome holds exactly one of Opinion or Failure for a roster member.
type Outcome struct {
	Evaluator Member   `json:"evaluator"`
	Opinion   *Opinion `json:"opinion,omitempty"`
	Failure   *Failure `json:"failure,omitempty"`
}

func (o Outcome) Failed() bool { return o.Opinion == nil }

// OpinionMap is the complete, read-only result set of one fan-out, kept in roster order.
type OpinionMap struct {
	order  []string
	byName map[string]Outcome
}

func NewOpinionMap(outcomes []Outcome) OpinionMap {
	m := OpinionMap{byName: make(map[string]Outcome, len(outcomes))}
	for _, o := range outcomes {
		if _, seen := m.byName[o.Evaluator.Name]; !seen {
			m.order = append(m.order, o.Evaluator.Name)
		}
		m.byName[o.Evaluator.Name] = o
	}
	return m
}

func (m OpinionMap) Len() int { return len(m.order) }

func (m OpinionMap) Get(name string) (Outcome, bool) {
	o, ok := m.byName[name]
	return o, ok
}

// Outcomes returns every entry in roster order.
func (m OpinionMap) Outcomes() []Outcome {
	out := make([]Outcome, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.byName[name])
	}
	return out
}

// Opinions returns the non-failed opinions in roster order.
func (m OpinionMap) Opinions() []Opinion {
	var out []Opinion
	for _, name := range m.order {
		if o := m.byName[name]; o.Opinion != nil {
			out = append(out, *o.Opinion)
		}
	}
	return out
}

func (m OpinionMap) Failures() []Failure {
	var out []Failure
	for _, name := range m.order {
		o := m.byName[name]
		if o.Opinion != nil {
			continue
		}
		if o.Failure != nil {
			out = append(out, *o.Failure)
		} else {
			out = append(out, Failure{Evaluator: o.Evaluator, Error: "no opinion"})
		}
	}
	return out
}

// AllFailed is true when no roster member produced an opinion.
func (m OpinionMap) AllFailed() bool {
	for _, name := range m.order {
		if m.byName[name].Opinion != nil {
			return false
		}
	}
	return true
}
