package app_test

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystone/internal/app"
	"keystone/internal/config"
	"keystone/internal/domain"
	"keystone/internal/evaluator"
)

func TestResolveConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := app.ResolveConfig(t.TempDir(), "", "")
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestResolveConfigExplicitPathAndOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yml")
	require.NoError(t, os.WriteFile(path, []byte("project:\n  id: acme\nsettings:\n  history_limit: 2\n"), 0o644))

	cfg, err := app.ResolveConfig("", path, "")
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.Project.ID)
	assert.Equal(t, 2, cfg.Settings.HistoryLimit)
	assert.Len(t, cfg.Roster, 7)

	cfg, err = app.ResolveConfig("", path, "beta")
	require.NoError(t, err)
	assert.Equal(t, "beta", cfg.Project.ID)
}

func TestOpenWiresWorkspace(t *testing.T) {
	workspace := t.TempDir()
	ctx := context.Background()
	roster := evaluator.Roster{{
		Member: domain.Member{Name: "Lynx", Role: domain.RoleProductOperator},
		Evaluator: evaluator.Func(func(context.Context, evaluator.Request) (domain.Opinion, error) {
			return domain.NewStandardOpinion(domain.Member{}, domain.StandardOpinion{
				Verdict:    domain.VerdictNoGo,
				Confidence: 0.4,
				Reasons:    []string{"a", "b", "c"},
				Risks:      []string{"a", "b", "c"},
				Actions:    []string{"a", "b", "c"},
				Experiment: domain.Experiment{Hypothesis: "h", Test: "t", SuccessMetric: "m", Timebox: "1 day"},
			}), nil
		}),
	}}

	a, err := app.Open(ctx, app.Options{Workspace: workspace, Roster: roster, Logger: log.New(io.Discard, "", 0)})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultProjectID, a.DefaultProject())
	res, err := a.Engine.Decide(ctx, domain.Request{Text: "Should we rewrite the backend?"}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictUnclear, res.Decision.Verdict)
	require.NoError(t, a.Close())

	_, err = os.Stat(filepath.Join(workspace, ".keystone", "keystone.db"))
	require.NoError(t, err)

	reopened, err := app.Open(ctx, app.Options{Workspace: workspace, Roster: roster, ProjectID: "acme"})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, "acme", reopened.DefaultProject())
	history := reopened.Engine.History(ctx, domain.DefaultProjectID, 5)
	require.Len(t, history, 1)
	assert.Equal(t, res.SessionID, history[0].SessionID)
}
