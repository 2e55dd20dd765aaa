package engine

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine/auth"
	"fieldsync/internal/events"
	"fieldsync/internal/repo"
)

var (
	// ErrNotRetryable is returned when retrying an operation that is not FAILED.
	ErrNotRetryable = errors.New("operation is not retryable")
	// ErrRetryExhausted is returned once attempts reach dispatch.max_attempts.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	// ErrRetryTooEarly is returned before next_retry_at unless forced.
	ErrRetryTooEarly = errors.New("retry not due yet")
	// ErrHandlerTimeout marks a handler that outlived dispatch.handler_timeout.
	ErrHandlerTimeout = errors.New("handler timeout")
	// ErrNoHandler marks an (entityType, action) pair nothing is registered for.
	ErrNoHandler = errors.New("no handler registered")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Handlers *Registry
	Changes  *ChangeFeed
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Handlers: NewRegistry(),
		Changes:  &ChangeFeed{},
		Logger:   logger,
		Now:      time.Now,
	}
}

// CurrentTime reads the engine clock in UTC. Every timestamp the engine
// hands to clients comes from here.
func (e Engine) CurrentTime() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// eventWriter stamps events with the engine clock unless Events.Now is set.
func (e Engine) eventWriter() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.CurrentTime
	}
	return w
}

func (e Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) dispatchConfig() config.DispatchConfig {
	if e.Config == nil {
		return config.Default().Dispatch
	}
	return e.Config.Dispatch
}

// Backoff returns the delay before the next retry after attempts failures,
// doubling from base and capped at ceiling.
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempts && d < ceiling; i++ {
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// Status returns the latest sync run and per-status operation counts for userID.
func (e Engine) Status(ctx context.Context, userID string) (domain.SyncStatus, error) {
	st := domain.SyncStatus{UserID: userID}
	counts, err := e.Repo.CountByStatus(ctx, userID)
	if err != nil {
		return st, err
	}
	st.Operations = counts
	run, err := e.Repo.LatestSyncRun(ctx, userID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return st, err
	}
	if err == nil {
		st.LastRun = &run
	}
	return st, nil
}

// Operation returns one operation visible to p. Operations of other users
// are reported as not found unless p is an operator.
func (e Engine) Operation(ctx context.Context, p auth.Principal, id string) (domain.PendingOperation, error) {
	op, err := e.Repo.GetOperation(ctx, id)
	if err != nil {
		return op, err
	}
	if !p.CanAccess(op.UserID) {
		return domain.PendingOperation{}, repo.ErrNotFound
	}
	return op, nil
}

// Operations lists operations for f.UserID, defaulting to the caller.
func (e Engine) Operations(ctx context.Context, p auth.Principal, f repo.OperationFilters) ([]domain.PendingOperation, error) {
	if f.UserID == "" {
		f.UserID = p.UserID
	}
	if err := p.RequireAccess(f.UserID, "operations.read_any"); err != nil {
		return nil, err
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	return e.Repo.ListOperations(ctx, f)
}
