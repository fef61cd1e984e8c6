package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystone/internal/config"
	"keystone/internal/db"
	"keystone/internal/dispatch"
	"keystone/internal/domain"
	"keystone/internal/engine"
	"keystone/internal/evaluator"
	"keystone/internal/migrate"
)

const testSecret = "test-secret"

func opinion(v domain.Verdict, conf float64) evaluator.Func {
	return func(context.Context, evaluator.Request) (domain.Opinion, error) {
		return domain.NewStandardOpinion(domain.Member{}, domain.StandardOpinion{
			Verdict:    v,
			Confidence: conf,
			Reasons:    []string{"clear demand", "cheap to try", "fits the team"},
			Risks:      []string{"churn", "pricing", "scope creep"},
			Actions:    []string{"Build MVP", "Talk to users", "Set a budget"},
			Experiment: domain.Experiment{Hypothesis: "users return", Test: "pilot", SuccessMetric: "30% weekly return", Timebox: "2 weeks"},
		}), nil
	}
}

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	roster := evaluator.Roster{
		{Member: domain.Member{Name: "Lynx", Role: domain.RoleProductOperator}, Description: "operator", Evaluator: opinion(domain.VerdictGo, 0.8)},
		{Member: domain.Member{Name: "Wildfire", Role: domain.RoleGrowthDistribution}, Evaluator: opinion(domain.VerdictGo, 0.6)},
		{Member: domain.Member{Name: "Razor", Role: domain.RolePurist}, Evaluator: evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
			return domain.Opinion{}, context.DeadlineExceeded
		})},
	}
	cfg := config.Default()
	logger := log.New(io.Discard, "", 0)
	d, err := dispatch.New(roster, dispatch.Options{Logger: logger})
	require.NoError(t, err)
	e := engine.New(conn, cfg, d)
	e.Logger = logger
	return e
}

func newTestServer(t *testing.T, e engine.Engine, auth AuthConfig) *httptest.Server {
	t.Helper()
	if auth.JWTSecret == "" {
		auth.JWTSecret = testSecret
	}
	auth.Logger = log.New(io.Discard, "", 0)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func bearer(t *testing.T, subject string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, subject, nil, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func TestHealthIsOpen(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), AuthConfig{})
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), AuthConfig{})
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/evaluators", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "unauthorized", env.Error.Code)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/evaluators", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestDecisionLifecycle(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), AuthConfig{})
	headers := bearer(t, "founder")

	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{
		"mode":         "review",
		"request_text": "Should we launch the parenting journal next month?",
		"project_id":   "acme",
	}, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var created DecisionResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.SessionID)
	assert.Equal(t, domain.VerdictGo, created.Decision.Verdict)
	assert.Equal(t, []string{"Razor"}, created.Decision.Failed)
	assert.Len(t, created.Decision.Votes, 2)

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/"+created.SessionID, nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var session SessionResponse
	require.NoError(t, json.Unmarshal(body, &session))
	assert.Equal(t, "acme", session.ProjectID)
	require.NotNil(t, session.Decision)
	require.Len(t, session.Items, 5)
	assert.Equal(t, domain.ItemTypeDecision, session.Items[4].Type)

	res, body = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/"+created.SessionID+"/rating", map[string]any{
		"rating": "partial",
		"notes":  "launched late",
	}, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &session))
	assert.Equal(t, "partial", session.Rating)

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/projects/acme/history?limit=5", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var history HistoryResponse
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history.Items, 1)
	assert.Equal(t, created.SessionID, history.Items[0].SessionID)
	assert.Equal(t, domain.RatingPartial, history.Items[0].Rating)

	res, body = doJSON(t, http.MethodGet, srv.URL+"/v1/projects/acme/events?type=decision.saved", nil, headers)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var evts EventList
	require.NoError(t, json.Unmarshal(body, &evts))
	require.Len(t, evts.Items, 1)
	assert.Equal(t, "founder", evts.Items[0].ActorID)
	assert.Equal(t, "GO", evts.Items[0].Payload["verdict"])
}

func TestBackgroundPersistFailureIsReported(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	var once sync.Once
	roster := evaluator.Roster{{
		Member: domain.Member{Name: "Lynx", Role: domain.RoleProductOperator},
		Evaluator: evaluator.Func(func(ctx context.Context, req evaluator.Request) (domain.Opinion, error) {
			var dropErr error
			once.Do(func() {
				_, dropErr = conn.ExecContext(ctx, `DROP TABLE session_items`)
			})
			if dropErr != nil {
				return domain.Opinion{}, dropErr
			}
			return opinion(domain.VerdictGo, 0.8)(ctx, req)
		}),
	}}
	cfg := config.Default()
	cfg.Settings.Persist = config.PersistBackground
	logger := log.New(io.Discard, "", 0)
	d, err := dispatch.New(roster, dispatch.Options{Logger: logger})
	require.NoError(t, err)
	e := engine.New(conn, cfg, d)
	e.Logger = logger
	e.Tasks.Logger = logger

	srv := newTestServer(t, e, AuthConfig{})
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{
		"request_text": "Should we launch the parenting journal next month?",
	}, bearer(t, "founder"))
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "internal_error", env.Error.Code)
	assert.Contains(t, env.Error.Details["error"], "append items")
}

func TestDecisionErrors(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), AuthConfig{})
	headers := bearer(t, "founder")

	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/decisions", map[string]any{
		"mode":         "decide",
		"request_text": "Annual or monthly pricing for launch?",
		"option_a":     "annual",
	}, headers)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	assert.Equal(t, "bad_request", env.Error.Code)
	assert.Contains(t, env.Error.Message, "option_a and option_b")

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/sessions/missing", nil, headers)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/v1/sessions/missing/rating", map[string]any{"rating": "wrong"}, headers)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListEvaluators(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), AuthConfig{AllowAnonymous: true})
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/evaluators", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var list EvaluatorList
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Items, 3)
	assert.Equal(t, "Lynx", list.Items[0].Name)
	assert.Equal(t, "operator", list.Items[0].Description)
	assert.True(t, list.Items[2].Purist)
}

func TestDevLogin(t *testing.T) {
	e := newTestEngine(t)
	disabled := newTestServer(t, e, AuthConfig{})
	res, _ := doJSON(t, http.MethodPost, disabled.URL+"/v1/auth/dev/login", map[string]any{"subject": "dev"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	srv := newTestServer(t, e, AuthConfig{DevLogin: true})
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{"subject": "dev"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(body, &login))

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/evaluators", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestOpenAPIMarksHealthUnsecured(t *testing.T) {
	srv := newTestServer(t, newTestEngine(t), AuthConfig{})
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Empty(t, doc.Paths["/v1/health"]["get"].Security)
	assert.NotEmpty(t, doc.Paths["/v1/decisions"]["post"].Security)
}

func TestNotifierDeliversNewEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "s3cret", r.Header.Get("X-Keystone-Secret"))
		var evt webhookEvent
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		received = append(received, evt.Type)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(hook.Close)

	e := newTestEngine(t)
	ctx := context.Background()
	_, err := e.Decide(ctx, domain.Request{Text: "Should we ship the export feature?"}, nil)
	require.NoError(t, err)

	n := NewNotifier(e.Repo, []config.WebhookConfig{
		{URL: hook.URL, Secret: "s3cret"},
		{URL: hook.URL, Secret: "s3cret", Events: []string{"decision.saved"}},
	}, log.New(io.Discard, "", 0))
	// cursors start after events that already exist
	n.DeliverPending(ctx)
	mu.Lock()
	assert.Empty(t, received)
	mu.Unlock()

	_, err = e.Decide(ctx, domain.Request{Text: "Should we ship the import feature?"}, nil)
	require.NoError(t, err)
	n.DeliverPending(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"session.created", "decision.saved", "decision.saved"}, received)
}
