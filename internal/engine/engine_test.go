package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/config"
	"fieldsync/internal/db"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/engine/auth"
	"fieldsync/internal/migrate"
	"fieldsync/internal/repo"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	Engine engine.Engine
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T, tune func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	if tune != nil {
		tune(cfg)
	}
	require.NoError(t, cfg.Validate())
	clk := &clock{t: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg, nil)
	eng.Now = clk.Now
	return testEnv{Engine: eng, Clock: clk, Ctx: context.Background()}
}

// recorder is a handler that logs the order in which operations reach it.
type recorder struct {
	mu    sync.Mutex
	calls []engine.ApplyRequest
	fn    func(req engine.ApplyRequest) (engine.ApplyResult, error)
}

func (r *recorder) Apply(ctx context.Context, req engine.ApplyRequest) (engine.ApplyResult, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	if r.fn != nil {
		return r.fn(req)
	}
	return engine.ApplyResult{ServerEntityID: "srv-" + req.OperationID[:8]}, nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.EntityType
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func register(t *testing.T, eng engine.Engine, h engine.Handler, types ...string) {
	t.Helper()
	for _, typ := range types {
		require.NoError(t, eng.Handlers.RegisterAll(typ, h))
	}
}

func item(entityType, action, localID string, ts time.Time) domain.SyncItem {
	return domain.SyncItem{
		EntityType: entityType,
		Action:     action,
		LocalID:    localID,
		Timestamp:  ts,
		Data:       map[string]any{"note": localID},
	}
}

func countRows(t *testing.T, env testEnv) int {
	t.Helper()
	var n int
	require.NoError(t, env.Engine.DB.QueryRow(`SELECT COUNT(*) FROM pending_operations`).Scan(&n))
	return n
}

func TestSyncDispatchesByPriority(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := &recorder{}
	register(t, env.Engine, rec, "AST", "ORDER", "CHECKLIST", "COST")
	t0 := env.Clock.Now()

	items := []domain.SyncItem{
		item("cost", "create", "l-cost", t0),
		item("checklist", "update", "l-check", t0.Add(time.Second)),
		item("order", "update", "l-order-late", t0.Add(3*time.Second)),
		item("order", "update", "l-order-early", t0.Add(2*time.Second)),
		item("ast", "create", "l-ast", t0.Add(4*time.Second)),
	}
	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: items})
	require.NoError(t, err)

	assert.Equal(t, []string{"AST", "ORDER", "ORDER", "CHECKLIST", "COST"}, rec.types())
	assert.Equal(t, t0.Add(2*time.Second), rec.calls[1].SubmittedAt, "earlier client timestamp first within a tier")
	require.Len(t, resp.Synced, len(items))
	for i, res := range resp.Synced {
		assert.Equal(t, items[i].LocalID, res.LocalID, "results keep submission order")
		assert.True(t, res.Success)
		assert.Equal(t, domain.StatusSynced, res.Status)
		assert.NotEmpty(t, res.ServerID)
	}
	assert.Empty(t, resp.ServerChanges, "no lastSyncTimestamp means no delta")
	assert.Equal(t, t0, resp.SyncTimestamp)
}

func TestSyncResubmissionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := &recorder{}
	register(t, env.Engine, rec, "EVIDENCE")
	req := engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("evidence", "create", "l-1", env.Clock.Now()),
	}}

	first, err := env.Engine.Sync(env.Ctx, req)
	require.NoError(t, err)
	second, err := env.Engine.Sync(env.Ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Synced, second.Synced)
	assert.Equal(t, 1, rec.count(), "handler must not run twice")
	assert.Equal(t, 1, countRows(t, env))

	// another device may reuse the localId
	req.DeviceID = "d2"
	_, err = env.Engine.Sync(env.Ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, env))
}

func TestSyncDuplicateLocalIDWithinBatch(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := &recorder{}
	register(t, env.Engine, rec, "TASK")
	ts := env.Clock.Now()
	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("task", "create", "dup", ts),
		item("task", "create", "dup", ts),
	}})
	require.NoError(t, err)
	require.Len(t, resp.Synced, 2)
	assert.Equal(t, resp.Synced[0], resp.Synced[1])
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, countRows(t, env))
}

func TestSyncResubmissionDoesNotRetryFailed(t *testing.T) {
	env := newTestEnv(t, nil)
	flaky := &recorder{fn: func(engine.ApplyRequest) (engine.ApplyResult, error) {
		return engine.ApplyResult{}, errors.New("storage timeout")
	}}
	register(t, env.Engine, flaky, "EXECUTION")
	req := engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("execution", "update", "l-exec", env.Clock.Now()),
	}}

	first, err := env.Engine.Sync(env.Ctx, req)
	require.NoError(t, err)
	require.Len(t, first.Synced, 1)
	require.Equal(t, domain.StatusFailed, first.Synced[0].Status)

	// even once the backoff has elapsed, only an explicit retry re-runs it
	env.Clock.Advance(2 * time.Hour)
	second, err := env.Engine.Sync(env.Ctx, req)
	require.NoError(t, err)
	require.Len(t, second.Synced, 1)
	assert.Equal(t, domain.StatusFailed, second.Synced[0].Status)
	assert.Equal(t, "storage timeout", second.Synced[0].Error)
	assert.False(t, second.Synced[0].Success)
	assert.Equal(t, 1, flaky.count())

	ops, err := env.Engine.Repo.ListOperations(env.Ctx, repo.OperationFilters{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)
}

func TestSyncIsolatesItemFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	ok := &recorder{}
	broken := &recorder{fn: func(engine.ApplyRequest) (engine.ApplyResult, error) {
		return engine.ApplyResult{}, errors.New("database unavailable")
	}}
	conflicting := &recorder{fn: func(engine.ApplyRequest) (engine.ApplyResult, error) {
		return engine.ApplyResult{}, engine.Conflictf("order already closed")
	}}
	register(t, env.Engine, ok, "EVIDENCE")
	register(t, env.Engine, broken, "COST")
	register(t, env.Engine, conflicting, "ORDER")
	ts := env.Clock.Now()

	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("evidence", "create", "a", ts),
		item("cost", "create", "b", ts),
		item("order", "update", "c", ts),
		item("kit", "create", "d", ts),
	}})
	require.NoError(t, err)
	require.Len(t, resp.Synced, 4)

	assert.True(t, resp.Synced[0].Success)
	assert.Equal(t, domain.StatusFailed, resp.Synced[1].Status)
	assert.Equal(t, "database unavailable", resp.Synced[1].Error)
	assert.Equal(t, domain.StatusConflict, resp.Synced[2].Status)
	assert.Equal(t, "order already closed", resp.Synced[2].Error)
	assert.Equal(t, domain.StatusFailed, resp.Synced[3].Status)
	assert.Contains(t, resp.Synced[3].Error, "no handler registered")

	ops, err := env.Engine.Repo.ListOperations(env.Ctx, repo.OperationFilters{UserID: "u1"})
	require.NoError(t, err)
	for _, op := range ops {
		assert.NotEqual(t, domain.StatusPending, op.Status)
		assert.NotEqual(t, domain.StatusProcessing, op.Status)
	}
}

func TestSyncRejectsInvalidBatch(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Dispatch.MaxBatchItems = 2 })
	ts := env.Clock.Now()
	cases := map[string]engine.SyncRequest{
		"empty items":    {UserID: "u1", DeviceID: "d1"},
		"missing device": {UserID: "u1", Items: []domain.SyncItem{item("order", "create", "a", ts)}},
		"missing user":   {DeviceID: "d1", Items: []domain.SyncItem{item("order", "create", "a", ts)}},
		"bad action":     {UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{item("order", "upsert", "a", ts)}},
		"missing local":  {UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{item("order", "create", "", ts)}},
		"missing time":   {UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{item("order", "create", "a", time.Time{})}},
		"oversize": {UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
			item("order", "create", "a", ts), item("order", "create", "b", ts), item("order", "create", "c", ts),
		}},
		"partly malformed": {UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
			item("order", "create", "a", ts), {EntityType: "order", Action: "create", LocalID: "b", Timestamp: ts},
		}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.Engine.Sync(env.Ctx, req)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, 0, countRows(t, env))
		})
	}
}

func TestSyncDeleteWithoutData(t *testing.T) {
	env := newTestEnv(t, nil)
	register(t, env.Engine, &recorder{}, "ORDER")
	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		{EntityType: "order", EntityID: "o-1", Action: "DELETE", LocalID: "x", Timestamp: env.Clock.Now()},
	}})
	require.NoError(t, err)
	assert.True(t, resp.Synced[0].Success)
}

func TestDispatchHandlerTimeout(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Dispatch.HandlerTimeout = 20 * time.Millisecond })
	slow := engine.HandlerFunc(func(ctx context.Context, req engine.ApplyRequest) (engine.ApplyResult, error) {
		<-ctx.Done()
		return engine.ApplyResult{}, ctx.Err()
	})
	require.NoError(t, env.Engine.Handlers.RegisterAll("permit", slow))

	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("permit", "create", "p", env.Clock.Now()),
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, resp.Synced[0].Status)
	assert.Contains(t, resp.Synced[0].Error, "handler timeout")
}

func TestDispatchHandlerPanic(t *testing.T) {
	env := newTestEnv(t, nil)
	bad := engine.HandlerFunc(func(ctx context.Context, req engine.ApplyRequest) (engine.ApplyResult, error) {
		panic("nil map")
	})
	require.NoError(t, env.Engine.Handlers.RegisterAll("hazard", bad))
	register(t, env.Engine, &recorder{}, "ORDER")

	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("hazard", "create", "h", env.Clock.Now()),
		item("order", "create", "o", env.Clock.Now()),
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, resp.Synced[0].Status)
	assert.Contains(t, resp.Synced[0].Error, "handler panic")
	assert.True(t, resp.Synced[1].Success)
}

func TestRetryBackoffAndLimits(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Dispatch.MaxAttempts = 3
		c.Dispatch.BackoffBase = time.Minute
		c.Dispatch.BackoffMax = 90 * time.Second
	})
	failures := 2
	flaky := &recorder{}
	flaky.fn = func(engine.ApplyRequest) (engine.ApplyResult, error) {
		if flaky.count() <= failures {
			return engine.ApplyResult{}, engine.Transient(errors.New("upstream busy"))
		}
		return engine.ApplyResult{ServerEntityID: "srv-1"}, nil
	}
	register(t, env.Engine, flaky, "EXECUTION")
	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("execution", "create", "e", env.Clock.Now()),
	}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, resp.Synced[0].Status)

	op, err := env.Engine.Repo.GetOperationByLocalID(env.Ctx, nil, "u1", "d1", "e")
	require.NoError(t, err)
	assert.Equal(t, 1, op.Attempts)
	require.NotNil(t, op.NextRetryAt)
	assert.Equal(t, env.Clock.Now().Add(time.Minute), *op.NextRetryAt)

	owner := auth.Principal{UserID: "u1"}
	_, err = env.Engine.Retry(env.Ctx, owner, op.ID, false)
	assert.ErrorIs(t, err, engine.ErrRetryTooEarly)

	_, err = env.Engine.Retry(env.Ctx, auth.Principal{UserID: "u2"}, op.ID, true)
	assert.ErrorIs(t, err, repo.ErrNotFound, "other users cannot see the operation")

	op, err = env.Engine.Retry(env.Ctx, owner, op.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, op.Status)
	assert.Equal(t, 2, op.Attempts)
	require.NotNil(t, op.NextRetryAt)
	assert.Equal(t, env.Clock.Now().Add(90*time.Second), *op.NextRetryAt, "backoff is capped")

	env.Clock.Advance(2 * time.Minute)
	retried, err := env.Engine.RetryDue(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, domain.StatusSynced, retried[0].Status)
	assert.Equal(t, "srv-1", retried[0].ServerEntityID)
	assert.Equal(t, 3, retried[0].Attempts)

	_, err = env.Engine.Retry(env.Ctx, owner, op.ID, true)
	assert.ErrorIs(t, err, engine.ErrNotRetryable)
}

func TestRetryExhausted(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Dispatch.MaxAttempts = 1 })
	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("kit", "create", "k", env.Clock.Now()),
	}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, resp.Synced[0].Status)

	op, err := env.Engine.Repo.GetOperationByLocalID(env.Ctx, nil, "u1", "d1", "k")
	require.NoError(t, err)
	assert.Nil(t, op.NextRetryAt)
	_, err = env.Engine.Retry(env.Ctx, auth.Principal{UserID: "ops", Roles: []string{"operator"}}, op.ID, true)
	assert.ErrorIs(t, err, engine.ErrRetryExhausted)

	due, err := env.Engine.RetryDue(env.Ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSweepReclaimsStaleClaims(t *testing.T) {
	env := newTestEnv(t, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	stuck := engine.HandlerFunc(func(ctx context.Context, req engine.ApplyRequest) (engine.ApplyResult, error) {
		close(started)
		<-block
		return engine.ApplyResult{ServerEntityID: "late"}, nil
	})
	require.NoError(t, env.Engine.Handlers.RegisterAll("order", stuck))

	done := make(chan domain.SyncResponse)
	go func() {
		resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
			item("order", "update", "o", env.Clock.Now()),
		}})
		assert.NoError(t, err)
		done <- resp
	}()
	<-started

	ids, err := env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "fresh claims are left alone")

	env.Clock.Advance(10 * time.Minute)
	ids, err = env.Engine.Sweep(env.Ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	close(block)
	resp := <-done
	assert.Equal(t, domain.StatusFailed, resp.Synced[0].Status, "late resolution is rejected")
	assert.Equal(t, "claim expired", resp.Synced[0].Error)
}

func TestParallelDispatchKeepsTierOrder(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Dispatch.Parallelism = 4 })
	var mu sync.Mutex
	var log []string
	h := engine.HandlerFunc(func(ctx context.Context, req engine.ApplyRequest) (engine.ApplyResult, error) {
		mu.Lock()
		log = append(log, "start "+req.EntityType)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		log = append(log, "end "+req.EntityType)
		mu.Unlock()
		return engine.ApplyResult{ServerEntityID: req.OperationID}, nil
	})
	for _, typ := range []string{"AST", "TASK"} {
		require.NoError(t, env.Engine.Handlers.RegisterAll(typ, h))
	}
	ts := env.Clock.Now()
	var items []domain.SyncItem
	for i := 0; i < 4; i++ {
		items = append(items, item("task", "create", "t"+string(rune('a'+i)), ts))
		items = append(items, item("ast", "create", "a"+string(rune('a'+i)), ts))
	}
	resp, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: items})
	require.NoError(t, err)
	for _, r := range resp.Synced {
		assert.True(t, r.Success)
	}

	lastCritical, firstMedium := -1, len(log)
	for i, entry := range log {
		switch entry {
		case "end AST":
			lastCritical = i
		case "start TASK":
			if i < firstMedium {
				firstMedium = i
			}
		}
	}
	assert.Less(t, lastCritical, firstMedium, "every critical operation finishes before medium ones start")
}

func TestConcurrentSyncsClaimOnce(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Dispatch.Parallelism = 2 })
	rec := &recorder{}
	register(t, env.Engine, rec, "ORDER")
	req := engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("order", "create", "same", env.Clock.Now()),
	}}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.Sync(env.Ctx, req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, countRows(t, env))
}

func TestSyncReturnsDeltaSinceLastSync(t *testing.T) {
	env := newTestEnv(t, nil)
	register(t, env.Engine, &recorder{}, "ORDER")
	base := env.Clock.Now().Add(-time.Hour)
	changes := []domain.ServerChange{
		{EntityType: "ORDER", EntityID: "o-2", Action: "update", OccurredAt: base.Add(2 * time.Minute), Seq: 2},
		{EntityType: "ORDER", EntityID: "o-1", Action: "create", OccurredAt: base.Add(time.Minute), Seq: 1},
		{EntityType: "ORDER", EntityID: "old", Action: "create", OccurredAt: base.Add(-time.Minute), Seq: 0},
		{EntityType: "ORDER", EntityID: "mine", Action: "create", OccurredAt: base.Add(time.Minute), Seq: 3, OriginUserID: "u1", OriginDeviceID: "d1"},
	}
	require.NoError(t, env.Engine.Changes.Register("orders", engine.ChangeSourceFunc(
		func(ctx context.Context, userID string, since time.Time) ([]domain.ServerChange, error) {
			return changes, nil
		})))
	require.NoError(t, env.Engine.Changes.Register("notes", engine.ChangeSourceFunc(
		func(ctx context.Context, userID string, since time.Time) ([]domain.ServerChange, error) {
			return []domain.ServerChange{{EntityType: "NOTE", EntityID: "n-1", Action: "create", OccurredAt: base.Add(time.Minute), Seq: 0}}, nil
		})))

	req := engine.SyncRequest{UserID: "u1", DeviceID: "d1", LastSyncTimestamp: &base, Items: []domain.SyncItem{
		item("order", "update", "x", env.Clock.Now()),
	}}
	resp, err := env.Engine.Sync(env.Ctx, req)
	require.NoError(t, err)
	var ids []string
	for _, c := range resp.ServerChanges {
		assert.False(t, c.OccurredAt.Before(base))
		ids = append(ids, c.EntityID)
	}
	assert.Equal(t, []string{"o-1", "n-1", "o-2"}, ids)

	again, err := env.Engine.ServerChanges(env.Ctx, "u1", "d1", &base)
	require.NoError(t, err)
	assert.Equal(t, resp.ServerChanges, again)

	other, err := env.Engine.ServerChanges(env.Ctx, "u1", "d2", &base)
	require.NoError(t, err)
	assert.Len(t, other, 4, "another device of the same user sees the change")
}

func TestSyncFailsWhenChangeSourceFails(t *testing.T) {
	env := newTestEnv(t, nil)
	register(t, env.Engine, &recorder{}, "ORDER")
	require.NoError(t, env.Engine.Changes.Register("broken", engine.ChangeSourceFunc(
		func(ctx context.Context, userID string, since time.Time) ([]domain.ServerChange, error) {
			return nil, errors.New("replica lag")
		})))
	since := env.Clock.Now()
	_, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", LastSyncTimestamp: &since, Items: []domain.SyncItem{
		item("order", "update", "x", since),
	}})
	assert.ErrorContains(t, err, "replica lag")
}

func TestStatusSummarizesLastRun(t *testing.T) {
	env := newTestEnv(t, nil)
	register(t, env.Engine, &recorder{}, "ORDER")
	_, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("order", "update", "x", env.Clock.Now()),
		item("cost", "create", "y", env.Clock.Now()),
	}})
	require.NoError(t, err)

	st, err := env.Engine.Status(env.Ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, 2, st.LastRun.Items)
	assert.Equal(t, 1, st.LastRun.Synced)
	assert.Equal(t, 1, st.LastRun.Failed)
	assert.Equal(t, 1, st.Operations[domain.StatusSynced])
	assert.Equal(t, 1, st.Operations[domain.StatusFailed])

	empty, err := env.Engine.Status(env.Ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, empty.LastRun)
	assert.Equal(t, 0, empty.Operations[domain.StatusPending])
}

func TestOperationsAccess(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.Engine.Sync(env.Ctx, engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("kit", "create", "k", env.Clock.Now()),
	}})
	require.NoError(t, err)

	ops, err := env.Engine.Operations(env.Ctx, auth.Principal{UserID: "u1"}, repo.OperationFilters{})
	require.NoError(t, err)
	require.Len(t, ops, 1)

	_, err = env.Engine.Operations(env.Ctx, auth.Principal{UserID: "u2"}, repo.OperationFilters{UserID: "u1"})
	var forbidden auth.ForbiddenError
	assert.ErrorAs(t, err, &forbidden)

	ops, err = env.Engine.Operations(env.Ctx, auth.Principal{UserID: "ops", Roles: []string{"Operator"}}, repo.OperationFilters{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestSyncAppendsEventsWithInsert(t *testing.T) {
	env := newTestEnv(t, nil)
	register(t, env.Engine, &recorder{}, "CHECKLIST")
	req := engine.SyncRequest{UserID: "u1", DeviceID: "d1", Items: []domain.SyncItem{
		item("checklist", "update", "c", env.Clock.Now()),
	}}
	_, err := env.Engine.Sync(env.Ctx, req)
	require.NoError(t, err)
	_, err = env.Engine.Sync(env.Ctx, req)
	require.NoError(t, err)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "u1", "")
	require.NoError(t, err)
	require.Len(t, evts, 1, "a resubmission adds no event")
	assert.Equal(t, "sync.checklist.update", evts[0].Type)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, time.Minute, engine.Backoff(time.Minute, time.Hour, 1))
	assert.Equal(t, 2*time.Minute, engine.Backoff(time.Minute, time.Hour, 2))
	assert.Equal(t, 32*time.Minute, engine.Backoff(time.Minute, time.Hour, 6))
	assert.Equal(t, time.Hour, engine.Backoff(time.Minute, time.Hour, 7))
	assert.Equal(t, time.Hour, engine.Backoff(time.Minute, time.Hour, 40))
}
