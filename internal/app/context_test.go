package app

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldsync/internal/config"
	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
)

func TestOpenWiresJournal(t *testing.T) {
	var logs bytes.Buffer
	ws := t.TempDir()
	ctx, err := Open(Options{Workspace: ws, LogOutput: &logs})
	require.NoError(t, err)
	defer ctx.Close()
	require.NotNil(t, ctx.Journal)

	resp, err := ctx.Engine.Sync(context.Background(), engine.SyncRequest{
		UserID:   "u1",
		DeviceID: "d1",
		Items: []domain.SyncItem{{
			EntityType: "order",
			Action:     "create",
			LocalID:    "l1",
			Timestamp:  time.Now(),
			Data:       map[string]any{"site": "north"},
		}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Synced[0].Success, resp.Synced[0].Error)
	assert.Contains(t, logs.String(), "sync batch")
}

func TestOpenWithoutJournal(t *testing.T) {
	cfg := config.Default()
	cfg.Journal.Enabled = false
	ctx, err := Open(Options{Workspace: t.TempDir(), Config: cfg, LogOutput: &bytes.Buffer{}})
	require.NoError(t, err)
	defer ctx.Close()
	assert.Nil(t, ctx.Journal)
	assert.Empty(t, ctx.Engine.Handlers.Routes())
}

func TestOpenReadsWorkspaceConfig(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(ws), []byte("logging:\n  level: debug\n  format: json\n"), 0o644))

	var logs bytes.Buffer
	ctx, err := Open(Options{Workspace: ws, LogOutput: &logs})
	require.NoError(t, err)
	defer ctx.Close()
	assert.Equal(t, "json", ctx.Config.Logging.Format)
	assert.Contains(t, logs.String(), `"msg":"workspace opened"`)
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "loud"
	_, err := NewLogger(cfg, &bytes.Buffer{})
	assert.Error(t, err)
}
