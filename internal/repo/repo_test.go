package repo_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/db"
	"fieldsync/internal/domain"
	"fieldsync/internal/migrate"
	"fieldsync/internal/repo"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func newOp(localID string) domain.PendingOperation {
	return domain.PendingOperation{
		ID:          uuid.NewString(),
		UserID:      "u1",
		DeviceID:    "d1",
		EntityType:  "ORDER",
		Action:      domain.ActionUpdate,
		Payload:     []byte(`{"status":"done"}`),
		LocalID:     localID,
		SubmittedAt: t0,
		Priority:    domain.PriorityHigh,
		CreatedAt:   t0,
	}
}

func insert(t *testing.T, r repo.Repo, op domain.PendingOperation) {
	t.Helper()
	inserted, err := r.InsertOperation(context.Background(), nil, op)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestInsertOperationIsIdempotentPerDevice(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	op := newOp("l-1")
	insert(t, r, op)

	dup := newOp("l-1")
	inserted, err := r.InsertOperation(ctx, nil, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := r.GetOperationByLocalID(ctx, nil, "u1", "d1", "l-1")
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.Equal(t, t0, got.SubmittedAt)
	assert.JSONEq(t, `{"status":"done"}`, string(got.Payload))

	_, err = r.GetOperation(ctx, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestClaimIsExclusive(t *testing.T) {
	r := newRepo(t)
	op := newOp("l-1")
	insert(t, r, op)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.ClaimOperation(context.Background(), op.ID, uuid.NewString(), t0)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	got, err := r.GetOperation(context.Background(), op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestResolveRequiresClaimToken(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	op := newOp("l-1")
	insert(t, r, op)

	ok, err := r.ClaimOperation(ctx, op.ID, "tok-1", t0)
	require.NoError(t, err)
	require.True(t, ok)

	err = r.ResolveOperation(ctx, repo.Resolution{ID: op.ID, Token: "tok-2", Status: domain.StatusSynced, At: t0})
	assert.ErrorIs(t, err, repo.ErrClaimLost)

	err = r.ResolveOperation(ctx, repo.Resolution{ID: op.ID, Token: "tok-1", Status: domain.StatusPending, At: t0})
	assert.Error(t, err)

	require.NoError(t, r.ResolveOperation(ctx, repo.Resolution{ID: op.ID, Token: "tok-1", Status: domain.StatusSynced, ServerEntityID: "o-9", At: t0}))
	got, err := r.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSynced, got.Status)
	assert.Equal(t, "o-9", got.ServerEntityID)
	assert.Empty(t, got.ClaimToken)
	require.NotNil(t, got.ProcessedAt)

	// synced rows never leave SYNCED
	ok, err = r.ClaimOperation(ctx, op.ID, "tok-3", t0, domain.StatusPending, domain.StatusFailed)
	require.NoError(t, err)
	assert.False(t, ok)
	err = r.ResolveOperation(ctx, repo.Resolution{ID: op.ID, Token: "tok-1", Status: domain.StatusFailed, At: t0})
	assert.ErrorIs(t, err, repo.ErrClaimLost)

	_, err = r.ClaimOperation(ctx, op.ID, "tok-4", t0, domain.StatusSynced)
	assert.Error(t, err)
}

func TestReclaimStale(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	old, fresh := newOp("old"), newOp("fresh")
	insert(t, r, old)
	insert(t, r, fresh)
	_, err := r.ClaimOperation(ctx, old.ID, "tok-old", t0)
	require.NoError(t, err)
	_, err = r.ClaimOperation(ctx, fresh.ID, "tok-fresh", t0.Add(10*time.Minute))
	require.NoError(t, err)

	now := t0.Add(11 * time.Minute)
	ids, err := r.ReclaimStale(ctx, now.Add(-5*time.Minute), now, "claim expired")
	require.NoError(t, err)
	assert.Equal(t, []string{old.ID}, ids)

	got, err := r.GetOperation(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "claim expired", got.Error)
	assert.ErrorIs(t, r.ResolveOperation(ctx, repo.Resolution{ID: old.ID, Token: "tok-old", Status: domain.StatusSynced, At: now}), repo.ErrClaimLost)

	due, err := r.ListRetryable(ctx, now, 5, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, old.ID, due[0].ID)
}

func TestListOperationsPaginatesNewestFirst(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, l := range []string{"a", "b", "c"} {
		insert(t, r, newOp(l))
	}
	other := newOp("z")
	other.UserID = "u2"
	insert(t, r, other)

	page, err := r.ListOperations(ctx, repo.OperationFilters{UserID: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].LocalID)
	assert.Equal(t, "b", page[1].LocalID)

	rest, err := r.ListOperations(ctx, repo.OperationFilters{UserID: "u1", Limit: 2, BeforeSeq: page[1].Seq})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].LocalID)

	counts, err := r.CountByStatus(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.StatusPending])
	assert.Equal(t, 0, counts[domain.StatusSynced])
}

func TestSyncRuns(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.LatestSyncRun(ctx, "u1")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	since := t0.Add(-time.Hour)
	for i := 1; i <= 2; i++ {
		_, err := r.InsertSyncRun(ctx, domain.SyncRun{UserID: "u1", DeviceID: "d1", Items: i, Synced: i, LastSyncAt: &since, SyncTimestamp: t0})
		require.NoError(t, err)
	}
	run, err := r.LatestSyncRun(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, run.Items)
	assert.Equal(t, t0, run.SyncTimestamp)
	require.NotNil(t, run.LastSyncAt)
	assert.Equal(t, since, *run.LastSyncAt)
}

func TestAPIKeySecret(t *testing.T) {
	a, b := repo.NewAPIKeySecret(), repo.NewAPIKeySecret()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 4+64)
	assert.Equal(t, "fsk_", a[:4])
	assert.Equal(t, repo.HashAPIKey(a), repo.HashAPIKey(" "+a+"\n"))
}

func TestAPIKeyLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	tablet, secret, err := r.IssueAPIKey(ctx, "u1", "tablet-7", "field tablet", t0)
	require.NoError(t, err)
	assert.Equal(t, secret[:12], tablet.Prefix)
	assert.NotEqual(t, secret, tablet.KeyHash)
	_, _, err = r.IssueAPIKey(ctx, "u1", "", "service", t0.Add(time.Minute))
	require.NoError(t, err)
	_, _, err = r.IssueAPIKey(ctx, " ", "", "", t0)
	assert.Error(t, err)

	used := t0.Add(time.Hour)
	got, err := r.AuthenticateAPIKey(ctx, secret, used)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "tablet-7", got.DeviceID)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, used, *got.LastUsedAt)

	_, err = r.AuthenticateAPIKey(ctx, "fsk_unknown", used)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	keys, err := r.ListAPIKeys(ctx, repo.APIKeyFilters{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "service", keys[0].Name, "newest first")
	require.NotNil(t, keys[1].LastUsedAt)
	keys, err = r.ListAPIKeys(ctx, repo.APIKeyFilters{DeviceID: "tablet-7"})
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, r.RevokeAPIKey(ctx, tablet.ID, used))
	assert.ErrorIs(t, r.RevokeAPIKey(ctx, tablet.ID, used), repo.ErrNotFound)
	_, err = r.AuthenticateAPIKey(ctx, secret, used)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	keys, err = r.ListAPIKeys(ctx, repo.APIKeyFilters{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, keys, 1)
	keys, err = r.ListAPIKeys(ctx, repo.APIKeyFilters{UserID: "u1", IncludeRevoked: true})
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.True(t, keys[1].Revoked())
}

func TestInsertOperationInTx(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	inserted, err := r.InsertOperation(ctx, tx, newOp("rolled-back"))
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, tx.Rollback())

	_, err = r.GetOperationByLocalID(ctx, nil, "u1", "d1", "rolled-back")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
