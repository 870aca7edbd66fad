package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/migrate"
	"crewline/internal/notify"
)

// Runtime is an opened workspace: its database, configuration and engine.
type Runtime struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open loads the workspace config, opens and migrates its database and
// builds an engine over it. A workspace without crewline.yml falls back to
// the default config for projectOverride.
func Open(ctx context.Context, workspace, projectOverride string, log *slog.Logger) (*Runtime, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		if projectOverride == "" {
			return nil, fmt.Errorf("no %s in %s; run crew init or pass --project", config.FileName, workspace)
		}
		cfg = config.Default(projectOverride)
	}
	if projectOverride != "" {
		cfg.Project.ID = projectOverride
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if log != nil {
		eng.Log = log
	}
	return &Runtime{Workspace: workspace, DB: conn, Config: cfg, Engine: eng}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}

// Sinks builds the delivery sinks named in the notifications config. The
// returned close func drains the NATS connection when one was dialed.
func Sinks(cfg *config.Config, log *slog.Logger) ([]notify.Sink, func(), error) {
	if log == nil {
		log = slog.Default()
	}
	var sinks []notify.Sink
	closer := func() {}
	n := cfg.Notifications
	if n.LogEnabled() {
		sinks = append(sinks, notify.LogSink{Log: log})
	}
	for _, hook := range n.Webhooks {
		if !hook.IsEnabled() {
			continue
		}
		sinks = append(sinks, notify.NewWebhookSink(hook))
	}
	if n.NATS != nil && n.NATS.URL != "" {
		sink, nc, err := notify.DialNATS(*n.NATS)
		if err != nil {
			return nil, closer, fmt.Errorf("connect nats %s: %w", n.NATS.URL, err)
		}
		sinks = append(sinks, sink)
		closer = func() {
			if err := nc.Drain(); err != nil {
				log.Warn("nats drain failed", "err", err)
			}
		}
	}
	if len(sinks) == 0 {
		return nil, closer, errors.New("no notification sinks configured")
	}
	return sinks, closer, nil
}

// Workspace resolves the workspace directory, defaulting to the current
// working directory.
func Workspace(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	return os.Getwd()
}
