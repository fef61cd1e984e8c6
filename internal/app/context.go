// Package app assembles a ready-to-use engine for a workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"keystone/internal/config"
	"keystone/internal/db"
	"keystone/internal/dispatch"
	"keystone/internal/domain"
	"keystone/internal/engine"
	"keystone/internal/evaluator"
	"keystone/internal/migrate"
)

type Options struct {
	Workspace  string
	ConfigPath string
	// ProjectID overrides the configured default owner.
	ProjectID string
	Logger    *log.Logger
	// Roster replaces the chat evaluators built from config.
	Roster evaluator.Roster
}

type App struct {
	Engine engine.Engine
	Config *config.Config
	DB     *sql.DB
}

// ResolveConfig prefers an explicit config path, then keystone.yml in the
// workspace, then the built-in defaults.
func ResolveConfig(workspace, path, projectOverride string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(path) != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if p := strings.TrimSpace(projectOverride); p != "" {
		cfg.Project.ID = p
	}
	return cfg, nil
}

// Open migrates the workspace database and wires the engine. The roster is
// built once here and held by the dispatcher for the life of the App.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigPath, opts.ProjectID)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	roster := opts.Roster
	if roster == nil {
		roster = engine.BuildRoster(cfg)
	}
	d, err := dispatch.New(roster, engine.DispatchOptions(cfg, opts.Logger))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build roster: %w", err)
	}
	e := engine.New(conn, cfg, d)
	e.Logger = opts.Logger
	e.Tasks.Logger = opts.Logger
	return &App{Engine: e, Config: cfg, DB: conn}, nil
}

// DefaultProject is the owner used when a command names none.
func (a *App) DefaultProject() string {
	if a.Config != nil && a.Config.Project.ID != "" {
		return a.Config.Project.ID
	}
	return domain.DefaultProjectID
}

// Close drains background writes and closes the database.
func (a *App) Close() error {
	if n := a.Engine.Drain(); n > 0 {
		a.logger().Printf("app: %d background write(s) did not finish", n)
	}
	return a.DB.Close()
}

func (a *App) logger() *log.Logger {
	if a.Engine.Logger != nil {
		return a.Engine.Logger
	}
	return log.Default()
}
