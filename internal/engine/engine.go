// Package engine runs one board request end to end: validation, history
// context, fan-out, consensus and persistence.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"keystone/internal/background"
	"keystone/internal/config"
	"keystone/internal/consensus"
	"keystone/internal/dispatch"
	"keystone/internal/domain"
	"keystone/internal/evaluator"
	"keystone/internal/events"
	"keystone/internal/lifecycle"
	"keystone/internal/repo"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Dispatcher *dispatch.Dispatcher
	Config     *config.Config
	Tasks      *background.Set
	Logger     *log.Logger
	Now        func() time.Time
	NewID      func() string
}

// New wires an engine around an open database and a built dispatcher.
func New(db *sql.DB, cfg *config.Config, d *dispatch.Dispatcher) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Dispatcher: d,
		Config:     cfg,
		Tasks:      background.NewSet(0),
		Now:        time.Now,
	}
}

// BuildRoster binds every configured seat to a chat evaluator. It runs once at
// startup; the roster is then held by the dispatcher.
func BuildRoster(cfg *config.Config) evaluator.Roster {
	client := evaluator.NewClient(cfg.Evaluator.BaseURL, cfg.APIKey(), cfg.Settings.CallTimeout)
	roster := make(evaluator.Roster, 0, len(cfg.Roster))
	for _, m := range cfg.Roster {
		seat := domain.Member{Name: m.Name, Role: domain.Role(m.Role)}
		model := m.Model
		if model == "" {
			model = cfg.Evaluator.Model
		}
		roster = append(roster, evaluator.Member{
			Member:      seat,
			Description: m.Description,
			Evaluator: &evaluator.Chat{
				Client:      client,
				Seat:        seat,
				Description: m.Description,
				Model:       model,
				Temperature: cfg.Evaluator.Temperature,
			},
		})
	}
	return roster
}

// DispatchOptions maps config settings onto dispatcher options.
func DispatchOptions(cfg *config.Config, logger *log.Logger) dispatch.Options {
	s := cfg.Settings
	return dispatch.Options{
		MaxRetries:  s.MaxRetries,
		RetryDelay:  s.RetryDelay,
		CallTimeout: s.CallTimeout,
		MaxParallel: s.MaxParallel,
		Logger:      logger,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) repo() repo.Repo {
	r := e.Repo
	if r.Now == nil {
		r.Now = e.Now
	}
	if r.Events.Now == nil {
		r.Events.Now = e.Now
	}
	return r
}

// Result is what a caller gets back from Decide.
type Result struct {
	SessionID string               `json:"session_id"`
	Decision  domain.FinalDecision `json:"decision"`
	// Persisted is set when the decision is written in the background; wait on
	// it to observe the write error.
	Persisted *background.Task `json:"-"`
}

// Decide runs the board on req and stores the outcome under a new session.
func (e Engine) Decide(ctx context.Context, req domain.Request, obs lifecycle.Observer) (Result, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	if e.Dispatcher == nil {
		return Result{}, fmt.Errorf("engine has no dispatcher")
	}
	cfg := e.Config
	if cfg == nil {
		cfg = config.Default()
	}
	phase := func(p lifecycle.Phase) {
		lifecycle.Notify(obs, lifecycle.Event{Kind: lifecycle.EventPhase, Phase: p, At: e.now()})
	}
	phase(lifecycle.PhaseInit)
	r := e.repo()

	sessionID := e.newID()
	if _, err := r.EnsureSession(ctx, domain.Session{
		ID:        sessionID,
		ProjectID: req.ProjectID,
		CreatedAt: domain.FormatTime(e.now()),
		Metadata:  req.Metadata(),
		Items:     []domain.Item{{Type: domain.ItemTypeMessage, Role: "user", Content: req.Text}},
	}); err != nil {
		return Result{}, fmt.Errorf("create session: %w", err)
	}

	phase(lifecycle.PhaseReasoning)
	history := e.historyContext(ctx, req.ProjectID, sessionID, cfg.Settings.HistoryLimit)

	phase(lifecycle.PhaseFanOut)
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if cfg.Settings.RequestTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.Settings.RequestTimeout)
	}
	opinions, err := e.Dispatcher.WithObserver(obs).RunAll(runCtx, evaluator.Request{
		Request:  req,
		History:  history,
		MaxTurns: cfg.Settings.MaxTurns,
	})
	cancel()
	if err != nil {
		return Result{SessionID: sessionID}, err
	}

	phase(lifecycle.PhaseSynthesizing)
	decision := Synthesize(opinions, req.Mode)
	items := transcript(opinions, decision)

	res := Result{SessionID: sessionID, Decision: decision}
	persist := func(ctx context.Context) error {
		if err := r.AppendItems(ctx, sessionID, items); err != nil {
			return fmt.Errorf("append items: %w", err)
		}
		if err := r.SaveFinalDecision(ctx, sessionID, decision); err != nil {
			return fmt.Errorf("save decision: %w", err)
		}
		return nil
	}
	if cfg.Settings.Persist == config.PersistBackground && e.Tasks != nil {
		actor := events.ActorFromContext(ctx)
		task, err := e.Tasks.Go("persist "+sessionID, func(taskCtx context.Context) error {
			return persist(events.WithActor(taskCtx, actor))
		})
		if err != nil {
			return res, fmt.Errorf("schedule persist: %w", err)
		}
		res.Persisted = task
	} else if err := persist(ctx); err != nil {
		return res, err
	}
	phase(lifecycle.PhaseDone)
	return res, nil
}

// historyContext renders the owner's recent decisions. Storage errors are
// logged and produce no context.
func (e Engine) historyContext(ctx context.Context, projectID, current string, limit int) string {
	if limit <= 0 {
		return ""
	}
	entries, err := e.repo().QueryByOwner(ctx, projectID, limit+1)
	if err != nil {
		e.logger().Printf("engine: history for %s unavailable: %v", projectID, err)
		return ""
	}
	past := make([]domain.HistoryEntry, 0, len(entries))
	for _, h := range entries {
		if h.SessionID == current {
			continue
		}
		past = append(past, h)
	}
	if len(past) > limit {
		past = past[:limit]
	}
	return evaluator.FormatHistory(past)
}

// Synthesize turns a settled opinion map into the final decision.
func Synthesize(m domain.OpinionMap, mode domain.Mode) domain.FinalDecision {
	result := consensus.Decide(m, mode)
	d := domain.FinalDecision{
		Mode:        mode,
		Verdict:     result.Verdict,
		Confidence:  result.Confidence,
		Reasons:     result.Reasons,
		Rule:        result.Rule,
		Actions:     consensus.Actions(m),
		Experiment:  consensus.SelectExperiment(m),
		Risks:       consensus.Risks(m),
		Assumptions: consensus.Assumptions(m),
		MissingInfo: consensus.MissingInfo(m),
		Votes:       []domain.Vote{},
		Failed:      []string{},
	}
	for _, o := range m.Outcomes() {
		if o.Failed() {
			d.Failed = append(d.Failed, o.Evaluator.Name)
			continue
		}
		d.Votes = append(d.Votes, domain.Vote{
			Name:       o.Evaluator.Name,
			Role:       o.Evaluator.Role,
			Verdict:    o.Opinion.VerdictText(),
			Confidence: o.Opinion.Confidence(),
		})
	}
	d.Summary = summarize(result)
	return d
}

func summarize(r domain.ConsensusResult) string {
	s := fmt.Sprintf("%s at %d%% confidence", r.Verdict, int(math.Round(r.Confidence*100)))
	if len(r.Reasons) == 0 {
		return s + "."
	}
	reason := strings.TrimSpace(r.Reasons[0])
	if !strings.HasSuffix(reason, ".") {
		reason += "."
	}
	return s + ": " + reason
}

func transcript(m domain.OpinionMap, d domain.FinalDecision) []domain.Item {
	items := make([]domain.Item, 0, m.Len()+1)
	for _, o := range m.Outcomes() {
		if o.Failed() {
			msg := "no opinion"
			if o.Failure != nil {
				msg = o.Failure.Error
			}
			items = append(items, domain.Item{Type: domain.ItemTypeFailure, Name: o.Evaluator.Name, Content: msg})
			continue
		}
		data, _ := json.Marshal(o.Opinion)
		items = append(items, domain.Item{
			Type:    domain.ItemTypeOpinion,
			Role:    string(o.Evaluator.Role),
			Name:    o.Evaluator.Name,
			Content: o.Opinion.VerdictText(),
			Data:    data,
		})
	}
	data, _ := json.Marshal(d)
	items = append(items, domain.Item{Type: domain.ItemTypeDecision, Role: "assistant", Content: d.Summary, Data: data})
	return items
}

// Rate records a post-hoc rating on an existing session.
func (e Engine) Rate(ctx context.Context, sessionID, rating, notes string) (domain.Session, error) {
	rt, err := domain.ParseRating(rating)
	if err != nil {
		return domain.Session{}, err
	}
	r := e.repo()
	if err := r.SaveRating(ctx, sessionID, rt, strings.TrimSpace(notes)); err != nil {
		return domain.Session{}, err
	}
	return r.GetSession(ctx, sessionID)
}

// History lists the owner's sessions newest first. A failing store yields an
// empty list.
func (e Engine) History(ctx context.Context, projectID string, limit int) []domain.HistoryEntry {
	if strings.TrimSpace(projectID) == "" {
		projectID = domain.DefaultProjectID
	}
	entries, err := e.repo().QueryByOwner(ctx, projectID, limit)
	if err != nil {
		e.logger().Printf("engine: history for %s unavailable: %v", projectID, err)
		return []domain.HistoryEntry{}
	}
	return entries
}

func (e Engine) Session(ctx context.Context, sessionID string) (domain.Session, error) {
	return e.repo().GetSession(ctx, sessionID)
}

// Evaluators returns the roster seats in order.
func (e Engine) Evaluators() []evaluator.Member {
	if e.Dispatcher == nil {
		return nil
	}
	return e.Dispatcher.Roster()
}

// Drain waits for background persistence to finish, up to the configured
// drain timeout.
func (e Engine) Drain() int {
	if e.Tasks == nil {
		return 0
	}
	timeout := 5 * time.Second
	if e.Config != nil && e.Config.Settings.DrainTimeout > 0 {
		timeout = e.Config.Settings.DrainTimeout
	}
	return e.Tasks.Drain(timeout)
}
