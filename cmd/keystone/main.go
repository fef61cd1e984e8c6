package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"keystone/internal/app"
	"keystone/internal/config"
	"keystone/internal/db"
	"keystone/internal/domain"
	"keystone/internal/events"
	"keystone/internal/lifecycle"
	"keystone/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "keystone",
	Short: "Keystone advisory board CLI",
	Long: `Keystone puts a product question in front of a board of specialists and
returns one decision.
- Modes: review an idea, decide between two options, audit recent work, or
  explore creative directions.
- Board: each seat answers independently; the purist guards the core promise
  and can veto scope that dilutes it.
- Sessions: every request is stored in the workspace with the board's
  opinions and the final decision, so it can be rated later.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return loadDotEnv(filepath.Join(workspace, ".env"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KEYSTONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	rootCmd.PersistentFlags().String("config", "", "config file (defaults to keystone.yml in the workspace)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(
		boardCmd(domain.ModeReview, "review <idea...>", "Ask the board to review an idea"),
		boardCmd(domain.ModeDecide, "decide <question...>", "Ask the board to choose between two options"),
		boardCmd(domain.ModeAudit, "audit <summary...>", "Ask the board to audit recent work"),
		boardCmd(domain.ModeCreative, "creative <brief...>", "Ask the board for creative directions"),
		rateCmd(),
		historyCmd(),
		showCmd(),
		agentsCmd(),
		logCmd(),
		configCmd(),
		projectCmd(),
		tokenCmd(),
		serveCmd(),
	)
}

// loadDotEnv exports KEY=VALUE pairs from the workspace .env file without
// overriding variables already set in the environment.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}

func openApp(ctx context.Context) (*app.App, error) {
	return app.Open(ctx, app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		ProjectID:  viper.GetString("project"),
	})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func boardCmd(mode domain.Mode, use, short string) *cobra.Command {
	var (
		optionA, optionB       string
		sinceDays              int
		stage, traction, notes string
	)
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				req := domain.Request{
					Mode:      mode,
					Text:      strings.Join(args, " "),
					ProjectID: a.DefaultProject(),
					OptionA:   optionA,
					OptionB:   optionB,
					SinceDays: sinceDays,
				}
				if stage != "" || traction != "" || notes != "" {
					req.Context = &domain.ProjectContext{Stage: domain.Stage(stage), Traction: traction, Constraints: notes}
				}

				var obs lifecycle.Observer
				if !viper.GetBool("json") {
					tracker := lifecycle.NewTracker()
					tracker.OnChange = func(s lifecycle.Snapshot) {
						fmt.Fprintln(os.Stderr, progressLine(s))
					}
					obs = tracker
				}
				ctx = events.WithActor(ctx, "local-user")
				res, err := a.Engine.Decide(ctx, req, obs)
				if err != nil {
					return err
				}
				if res.Persisted != nil {
					if err := res.Persisted.Wait(ctx); err != nil {
						return fmt.Errorf("save session %s: %w", res.SessionID, err)
					}
				}
				if viper.GetBool("json") {
					return printJSON(server.DecisionResponse{SessionID: res.SessionID, Decision: res.Decision})
				}
				renderDecision(os.Stdout, res.SessionID, res.Decision)
				return nil
			})
		},
	}
	if mode == domain.ModeDecide {
		cmd.Flags().StringVar(&optionA, "option-a", "", "first option")
		cmd.Flags().StringVar(&optionB, "option-b", "", "second option")
		_ = cmd.MarkFlagRequired("option-a")
		_ = cmd.MarkFlagRequired("option-b")
	}
	if mode == domain.ModeAudit {
		cmd.Flags().IntVar(&sinceDays, "since-days", domain.DefaultSinceDays, "audit window in days")
	}
	cmd.Flags().StringVar(&stage, "stage", "", "project stage (idea, mvp, beta, launched)")
	cmd.Flags().StringVar(&traction, "traction", "", "current traction")
	cmd.Flags().StringVar(&notes, "constraints", "", "known constraints")
	return cmd
}

func rateCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "rate <session-id> <correct|partial|wrong>",
		Short: "Rate a past decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Rate(events.WithActor(ctx, "local-user"), args[0], args[1], notes)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Rated %s as %s\n", s.ID, s.Rating)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "free-form notes")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent sessions for the project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries := a.Engine.History(ctx, a.DefaultProject(), limit)
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				if len(entries) == 0 {
					fmt.Println("No sessions yet.")
					return nil
				}
				renderHistory(os.Stdout, entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "max sessions")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Engine.Session(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				renderSession(os.Stdout, s)
				return nil
			})
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the board seats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				members := a.Engine.Evaluators()
				if viper.GetBool("json") {
					out := make([]server.EvaluatorResponse, 0, len(members))
					for _, m := range members {
						out = append(out, server.EvaluatorResponse{Name: m.Name, Role: string(m.Role), Description: m.Description, Purist: m.IsPurist()})
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Role", "Purist", "Description"})
				for _, m := range members {
					purist := ""
					if m.IsPurist() {
						purist = "yes"
					}
					tw.AppendRow(table.Row{m.Name, m.Role, purist, domain.Truncate(m.Description, 70)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	var evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.Repo.LatestEvents(ctx, n, a.DefaultProject(), evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				renderEvents(os.Stdout, evts)
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&evtType, "type", "", "filter by event type")
	cmd.AddCommand(tail)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage keystone.yml"}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default keystone.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			content, err := config.GenerateDefault()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("config"), viper.GetString("project"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Key", "Value"})
			tw.AppendRows([]table.Row{
				{"project.id", cfg.Project.ID},
				{"evaluator.base_url", cfg.Evaluator.BaseURL},
				{"evaluator.model", cfg.Evaluator.Model},
				{"settings.max_retries", cfg.Settings.MaxRetries},
				{"settings.call_timeout", cfg.Settings.CallTimeout},
				{"settings.request_timeout", cfg.Settings.RequestTimeout},
				{"settings.history_limit", cfg.Settings.HistoryLimit},
				{"settings.persist", cfg.Settings.Persist},
				{"roster", len(cfg.Roster)},
				{"webhooks", len(cfg.Webhooks)},
			})
			tw.Render()
			return nil
		},
	}

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate keystone.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config")
			var err error
			if path != "" {
				_, err = config.FromFile(path)
			} else {
				path = config.Path(viper.GetString("workspace"))
				_, err = config.Load(viper.GetString("workspace"))
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", path)
			return nil
		},
	}
	cmd.AddCommand(initCmd, show, validate)
	return cmd
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "project", Short: "Project selection"}
	use := &cobra.Command{
		Use:   "use <project-id>",
		Short: "Set the default project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			projectID := strings.TrimSpace(args[0])
			if projectID == "" {
				return fmt.Errorf("project id is required")
			}
			if err := setEnvValue(filepath.Join(workspace, ".env"), "KEYSTONE_PROJECT", projectID); err != nil {
				return err
			}
			fmt.Printf("Set KEYSTONE_PROJECT=%s in %s/.env\n", projectID, workspace)
			return nil
		},
	}
	cmd.AddCommand(use)
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	var roles []string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(os.Getenv("KEYSTONE_JWT_SECRET"), subject, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(server.DevLoginResponse{Token: token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-user", "token subject (actor id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to embed")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, anonymous bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("KEYSTONE_JWT_SECRET"),
				AllowAnonymous: anonymous,
				DevLogin:       devLogin,
			}
			if authCfg.JWTSecret == "" && !anonymous {
				return fmt.Errorf("KEYSTONE_JWT_SECRET is required for bearer auth (or pass --allow-anonymous)")
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			if len(a.Config.Webhooks) > 0 {
				go server.NewNotifier(a.Engine.Repo, a.Config.Webhooks, nil).Run(ctx)
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Keystone API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable POST /auth/dev/login")
	cmd.Flags().BoolVar(&anonymous, "allow-anonymous", false, "accept requests without a token as local-user")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
