package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sceneforge/internal/app"
	"sceneforge/internal/checks"
	"sceneforge/internal/config"
	"sceneforge/internal/db"
	"sceneforge/internal/engine"
	"sceneforge/internal/migrate"
	"sceneforge/internal/repo"
	"sceneforge/internal/server"
	"sceneforge/internal/steps"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "SceneForge CLI",
	Long: `SceneForge drives assisted long-form writing through a scene pipeline.
- Workspace: your .sceneforge directory holding the database; config lives in the DB and is imported explicitly.
- Project: a novel that owns scenes, drafts, the style bible, and constraints.
- Scene: one unit of narrative with a card (goal, characters, setting) the planner works from.
- Run: one iteration of plan -> draft -> extract facts -> checks, revising until checks pass or the attempt budget runs out.
- Drafts: immutable versions; a committed run records which version passed.
- Facts: structured claims extracted from each draft; the continuity check compares them against earlier versions.
- Checks: continuity and style verdicts per draft, recorded as check runs.
- Workers: 'sf worker' consumes queued step tasks; 'sf drain' runs them to empty inline.
- Event log: diary of changes, view with 'sf log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
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
	viper.SetEnvPrefix("SCENEFORGE")
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(sceneCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(draftCmd())
	rootCmd.AddCommand(styleCmd())
	rootCmd.AddCommand(constraintCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectShowCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id, name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			reg, err := checks.FromConfig(cfg)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, steps.Stub{}, reg)
			p, err := e.InitProject(cmd.Context(), id, name, desc, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show active project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect project config",
		Long:  "Config is the rulebook (stored in DB): pipeline budgets, default style bible, and the enabled checks. Import from sceneforge.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configExportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from YAML into the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				file = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetProject(ctx, cfg.Project.ID); err != nil {
					return err
				}
				if err := r.UpsertProjectConfig(ctx, cfg.Project.ID, cfg); err != nil {
					return err
				}
				fmt.Printf("imported config for project %s\n", cfg.Project.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file (default <workspace>/sceneforge.yml)")
	return cmd
}

func configExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Export stored config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
}

func sceneCmd() *cobra.Command {
	sc := &cobra.Command{Use: "scene", Short: "Manage scenes"}
	sc.AddCommand(sceneAddCmd())
	sc.AddCommand(sceneListCmd())
	sc.AddCommand(sceneShowCmd())
	return sc
}

func sceneAddCmd() *cobra.Command {
	var chapterNo, sceneNo int
	var cardJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a scene",
		RunE: func(cmd *cobra.Command, args []string) error {
			card := map[string]any{}
			if cardJSON != "" {
				if err := json.Unmarshal([]byte(cardJSON), &card); err != nil {
					return fmt.Errorf("invalid --card-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateScene(ctx, e.Config.Project.ID, chapterNo, sceneNo, card, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().IntVar(&chapterNo, "chapter", 0, "chapter number")
	cmd.Flags().IntVar(&sceneNo, "scene", 0, "scene number within the chapter")
	cmd.Flags().StringVar(&cardJSON, "card-json", "", "scene card JSON")
	_ = cmd.MarkFlagRequired("chapter")
	_ = cmd.MarkFlagRequired("scene")
	return cmd
}

func sceneListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scenes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListScenes(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Chapter", "Scene", "Drafts"})
				for _, s := range items {
					n, err := e.Repo.CountDrafts(ctx, s.ID)
					if err != nil {
						return err
					}
					tw.AppendRow(table.Row{s.ID, s.ChapterNo, s.SceneNo, n})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sceneShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show scene with its runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetScene(ctx, id)
				if err != nil {
					return err
				}
				runs, err := e.Repo.ListIterations(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"scene": s, "runs": runs})
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "scene id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runCmd() *cobra.Command {
	rn := &cobra.Command{
		Use:   "run",
		Short: "Manage iteration runs",
		Long:  "A run drives one scene through plan, draft, fact extraction, and checks, revising up to the attempt budget. One active run per scene.",
	}
	rn.AddCommand(runStartCmd())
	rn.AddCommand(runStatusCmd())
	rn.AddCommand(runAbortCmd())
	return rn
}

func runStartCmd() *cobra.Command {
	var sceneID string
	var maxAttempts int
	var wait bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a run for a scene",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.StartRun(ctx, sceneID, maxAttempts, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if wait {
					w := engine.NewWorker(e)
					if err := w.Drain(ctx); err != nil {
						return err
					}
					st, err := e.GetIteration(ctx, it.ID)
					if err != nil {
						return err
					}
					return printJSONOrTable(st)
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&sceneID, "scene", "", "scene id")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt budget (default from config)")
	cmd.Flags().BoolVar(&wait, "wait", false, "drain the queue inline and print the final status")
	_ = cmd.MarkFlagRequired("scene")
	return cmd
}

func runStatusCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show run status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				st, err := e.GetIteration(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				it := st.Iteration
				fmt.Printf("iteration %s (scene %s, no %d)\n", it.ID, it.SceneID, it.IterationNo)
				fmt.Printf("state=%s attempt=%d/%d", it.State, it.AttemptCount, it.MaxAttempts)
				if it.Outcome != "" {
					fmt.Printf(" outcome=%s", it.Outcome)
				}
				if it.CommittedVersion != nil {
					fmt.Printf(" committed_version=%d", *it.CommittedVersion)
				}
				fmt.Println()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Check", "Draft", "Passed"})
				for _, cr := range st.CheckRuns {
					tw.AppendRow(table.Row{cr.CheckType, cr.DraftID, cr.Passed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "iteration id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func runAbortCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				it, err := e.AbortRun(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "iteration id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func draftCmd() *cobra.Command {
	dr := &cobra.Command{Use: "draft", Short: "Inspect drafts"}
	dr.AddCommand(draftListCmd())
	dr.AddCommand(draftShowCmd())
	return dr
}

func draftListCmd() *cobra.Command {
	var sceneID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List drafts for a scene",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDrafts(ctx, sceneID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Version", "Words", "Notes"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.Version, wordCount(d.Text), d.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sceneID, "scene", "", "scene id")
	_ = cmd.MarkFlagRequired("scene")
	return cmd
}

func draftShowCmd() *cobra.Command {
	var id string
	var facts bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDraft(ctx, id)
				if err != nil {
					return err
				}
				if facts {
					fs, err := r.ListFacts(ctx, id)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"draft": d, "facts": fs})
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("draft %s v%d (%s)\n\n%s\n", d.ID, d.Version, d.Notes, d.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "draft id")
	cmd.Flags().BoolVar(&facts, "facts", false, "include extracted facts")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func styleCmd() *cobra.Command {
	st := &cobra.Command{Use: "style", Short: "Manage the style bible"}
	st.AddCommand(styleSetCmd())
	st.AddCommand(styleShowCmd())
	return st
}

func styleSetCmd() *cobra.Command {
	var contentJSON string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Append a new style bible version",
		RunE: func(cmd *cobra.Command, args []string) error {
			content := map[string]any{}
			if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
				return fmt.Errorf("invalid --content-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.PutStyleBible(ctx, e.Config.Project.ID, content, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	cmd.Flags().StringVar(&contentJSON, "content-json", "", "style bible content JSON")
	_ = cmd.MarkFlagRequired("content-json")
	return cmd
}

func styleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the latest style bible",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.Repo.LatestStyleBible(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
}

func constraintCmd() *cobra.Command {
	cn := &cobra.Command{
		Use:   "constraint",
		Short: "Manage constraints",
		Long:  "Constraints are durable rules (a character must appear, a word is forbidden) the checks enforce on every draft.",
	}
	cn.AddCommand(constraintAddCmd())
	cn.AddCommand(constraintListCmd())
	return cn
}

func constraintAddCmd() *cobra.Command {
	var constraintType, severity, ruleJSON string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add constraint",
		RunE: func(cmd *cobra.Command, args []string) error {
			rule := map[string]any{}
			if err := json.Unmarshal([]byte(ruleJSON), &rule); err != nil {
				return fmt.Errorf("invalid --rule-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.AddConstraint(ctx, e.Config.Project.ID, constraintType, severity, rule, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&constraintType, "type", "continuity", "constraint type (continuity|style)")
	cmd.Flags().StringVar(&severity, "severity", "error", "severity (error|warning|info)")
	cmd.Flags().StringVar(&ruleJSON, "rule-json", "", "rule JSON")
	_ = cmd.MarkFlagRequired("rule-json")
	return cmd
}

func constraintListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List constraints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListConstraints(ctx, e.Config.Project.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func workerCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queue workers until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Printf("running %d worker(s); ctrl-c to stop\n", n)
				pool := engine.Pool{Engine: e, Size: n}
				if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "workers", 1, "number of workers")
	return cmd
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process queued tasks until the queue is empty",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w := engine.NewWorker(e)
				if err := w.Drain(ctx); err != nil {
					return err
				}
				fmt.Println("queue drained")
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, e.Config.Project.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("SCENEFORGE_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("SCENEFORGE_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving SceneForge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEngineForProject(ctx, viper.GetString("project"), fn)
}

func withEngineForProject(ctx context.Context, projectOverride string, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveProjectAndConfig(ctx, projectOverride, viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	reg, err := checks.FromConfig(cfg)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, steps.Stub{}, reg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func wordCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '\n' || r == '\t' || r == '\r':
			inWord = false
		case !inWord:
			inWord = true
			n++
		}
	}
	return n
}
