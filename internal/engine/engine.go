package engine

import (
	"context"
	"database/sql"
	"log"
	"time"

	"trackline/internal/audit"
	"trackline/internal/config"
	"trackline/internal/db"
	"trackline/internal/engine/auth"
	"trackline/internal/notify"
	"trackline/internal/repo"
)

// Timestamps are stored as fixed width UTC strings so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const notifyTimeout = 10 * time.Second

type Engine struct {
	DB      *sql.DB
	Dialect db.Dialect
	Repo    repo.Repo
	Auth    auth.Resolver
	Audit   audit.Recorder
	Notify  notify.Dispatcher
	Config  *config.Config
	Logger  *log.Logger
	Now     func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	dialect := db.DialectFor(cfg.Store.Driver)
	return Engine{
		DB:      conn,
		Dialect: dialect,
		Repo:    repo.Repo{DB: conn, Dialect: dialect},
		Auth:    auth.SQLResolver{DB: conn, Dialect: dialect},
		Audit:   audit.Discard{},
		Notify:  notify.Noop{},
		Config:  cfg,
		Logger:  log.Default(),
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(timeLayout)
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (e Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) record(ev audit.Event) {
	if e.Audit == nil {
		return
	}
	e.Audit.Record(ev)
}

func (e Engine) keyAttempts() int {
	if e.Config != nil && e.Config.Engine.KeyAttempts > 0 {
		return e.Config.Engine.KeyAttempts
	}
	return 3
}

func (e Engine) keyScanWindow() int {
	if e.Config != nil && e.Config.Engine.KeyScanWindow > 0 {
		return e.Config.Engine.KeyScanWindow
	}
	return 200
}

func (e Engine) retryBaseDelay() time.Duration {
	if e.Config != nil && e.Config.Engine.RetryBaseDelayMS > 0 {
		return time.Duration(e.Config.Engine.RetryBaseDelayMS) * time.Millisecond
	}
	return 10 * time.Millisecond
}

func (e Engine) bulkConcurrency() int {
	if e.Config != nil && e.Config.Engine.BulkConcurrency > 0 {
		return e.Config.Engine.BulkConcurrency
	}
	return 8
}
