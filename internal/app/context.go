package app

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"fieldsync/internal/config"
	"fieldsync/internal/db"
	"fieldsync/internal/engine"
	"fieldsync/internal/journal"
	"fieldsync/internal/migrate"
)

// Options tune Open. Zero values read everything from the workspace.
type Options struct {
	Workspace string
	// Config overrides the workspace fieldsync.yml when set.
	Config *config.Config
	// LogOutput defaults to stderr.
	LogOutput io.Writer
}

// Context bundles what every command needs: an open, migrated database,
// the effective config and an engine with the built-in handlers registered.
type Context struct {
	DB      *sql.DB
	Config  *config.Config
	Engine  engine.Engine
	Journal *journal.Journal
	Logger  *slog.Logger
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}

// Open resolves config, opens and migrates the workspace database and wires
// the engine. A missing fieldsync.yml falls back to defaults.
func Open(opts Options) (*Context, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger, err := NewLogger(cfg, opts.LogOutput)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	ctx := &Context{DB: conn, Config: cfg, Logger: logger}
	ctx.Engine = engine.New(conn, cfg, logger)
	if cfg.Journal.Enabled {
		j := &journal.Journal{DB: conn, Scope: cfg.Journal.Scope, Now: ctx.Engine.Now}
		if err := j.Register(ctx.Engine.Handlers, ctx.Engine.Changes, cfg.JournalTypes()); err != nil {
			conn.Close()
			return nil, fmt.Errorf("register journal: %w", err)
		}
		ctx.Journal = j
	}
	logger.Debug("workspace opened", "db", db.Path(opts.Workspace), "routes", len(ctx.Engine.Handlers.Routes()))
	return ctx, nil
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
