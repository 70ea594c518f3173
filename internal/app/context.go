package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"trackline/internal/audit"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/domain"
	"trackline/internal/engine"
	"trackline/internal/migrate"
	"trackline/internal/notify"
	"trackline/internal/repo"
)

// App bundles the store, the engine and the background sinks a command needs.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Audit  *audit.Sink
	Logger *log.Logger

	redis *notify.RedisDispatcher
}

// Open connects to the configured store, applies migrations and wires the
// audit sink and notification dispatchers into a fresh engine.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	conn, dialect, err := db.Open(ctx, db.Config{Driver: cfg.Store.Driver, DSN: cfg.Store.DSN, Workspace: cfg.Store.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := &App{Config: cfg, DB: conn, Logger: logger}
	a.Engine = engine.New(conn, cfg)
	a.Engine.Logger = logger
	a.Audit = audit.NewSink(a.Engine.Repo, logger, cfg.Audit.Buffer)
	a.Engine.Audit = a.Audit

	dispatchers, err := a.dispatchers()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	switch len(dispatchers) {
	case 0:
		a.Engine.Notify = notify.Noop{}
	case 1:
		a.Engine.Notify = dispatchers[0]
	default:
		a.Engine.Notify = dispatchers
	}
	return a, nil
}

func (a *App) dispatchers() (notify.Multi, error) {
	var out notify.Multi
	n := a.Config.Notify
	if n.Log {
		out = append(out, notify.LogDispatcher{Logger: a.Logger})
	}
	if strings.TrimSpace(n.RedisURL) != "" {
		rd, err := notify.NewRedisDispatcher(n.RedisURL, n.RedisPrefix)
		if err != nil {
			return nil, err
		}
		a.redis = rd
		out = append(out, rd)
	}
	if len(n.Webhooks) > 0 {
		out = append(out, notify.NewWebhookDispatcher(n.Webhooks))
	}
	return out, nil
}

// Close drains the audit queue before closing the store.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Audit != nil {
		if err := a.Audit.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close audit sink: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResolveProject picks the project a command works on. An explicit id wins;
// otherwise the store must hold exactly one project.
func ResolveProject(ctx context.Context, r repo.Repo, override string) (domain.Project, error) {
	if id := strings.TrimSpace(override); id != "" {
		p, err := r.GetProject(ctx, r.DB, id)
		if err != nil {
			return domain.Project{}, fmt.Errorf("project %s: %w", id, err)
		}
		return p, nil
	}
	projects, err := r.ListProjects(ctx, r.DB, "")
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) != 1 {
		return domain.Project{}, fmt.Errorf("project not specified; use --project")
	}
	return projects[0], nil
}
