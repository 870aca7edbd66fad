package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/repo"
	"crewline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Crewline CLI",
	Long: `Crewline assigns work items to people by role and rolls their progress up.
- Work items: tasks (and subtasks under a task) with a schedule, a priority and an optional quota.
- Assignments: one record per assignee; quota is split evenly, rounding up.
- Progress: assignees move their own record pending -> in_progress -> completed or rejected;
  someone with more authority approves completed work.
- Aggregate: a per-role status view plus completion statistics, always computed on read.
- Notifications: every change queues notifications that 'crew serve' or 'crew notify drain' delivers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging(viper.GetString("log-level"))
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "workspace directory (default: current directory)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting actor id")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workItemCmd())
	rootCmd.AddCommand(assignmentCmd())
	rootCmd.AddCommand(aggregateCmd())
	rootCmd.AddCommand(meCmd())
	rootCmd.AddCommand(actorCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(logCmd())
}

func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func initCmd() *cobra.Command {
	var projectID, adminID, adminName string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create crewline.yml and the workspace database",
		Long:  "Writes a default crewline.yml (unless one exists), creates .crewline/crewline.db and, with --admin, registers the first directory entry as an admin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace, err := app.Workspace(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.MkdirAll(workspace, 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
					return err
				}
				fmt.Println("wrote", path)
			} else if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Println("database", db.Path(workspace))
				if adminID == "" {
					return nil
				}
				a, err := e.UpsertActor(ctx, actorID(), domain.ActorRef{ID: adminID, Role: domain.RoleAdmin, DisplayName: adminName})
				if err != nil {
					return err
				}
				fmt.Printf("registered admin %s\n", a.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "crewline", "project id written to crewline.yml")
	cmd.Flags().StringVar(&adminID, "admin", "", "register this actor id as the first admin")
	cmd.Flags().StringVar(&adminName, "admin-name", "", "display name for --admin")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var dev, noDispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := openRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			log := slog.Default()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: dev,
				DevLogin:               dev,
				Logger:                 log,
			}
			if authCfg.JWTSecret == "" && !dev {
				return fmt.Errorf("CREWLINE_JWT_SECRET is required for bearer auth (or run with --dev)")
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = "crewline-dev-secret"
				log.Warn("using built-in development JWT secret")
			}
			if !noDispatch {
				sinks, closeSinks, err := app.Sinks(rt.Config, log)
				if err != nil {
					return err
				}
				defer closeSinks()
				go rt.Engine.Dispatcher(sinks...).Run(ctx)
			}
			handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			log.Info("serving crewline API", "addr", addr, "base_path", basePath, "docs", "/docs", "metrics", "/metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&dev, "dev", false, "accept X-Actor-Id and enable /auth/dev/login")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "do not deliver queued notifications")
	_ = viper.BindEnv("jwt-secret", "CREWLINE_JWT_SECRET")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every create, edit, delete, status change and directory change, newest first.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID, evt.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.ActorID, "by", "", "acting actor filter")
	return cmd
}

// --- helpers ---

func openRuntime(ctx context.Context) (*app.Runtime, error) {
	workspace, err := app.Workspace(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, workspace, viper.GetString("project"), slog.Default())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusCell colors assignment and rollup statuses for terminal output.
func statusCell(s string) string {
	switch s {
	case string(domain.StatusPending):
		return color.YellowString(s)
	case string(domain.StatusInProgress):
		return color.CyanString(s)
	case string(domain.StatusCompleted):
		return color.GreenString(s)
	case string(domain.StatusApproved):
		return color.HiGreenString(s)
	case string(domain.StatusRejected), domain.SystemDeleted:
		return color.RedString(s)
	case string(domain.RollupNotApplicable):
		return color.New(color.Faint).Sprint(s)
	}
	return s
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
