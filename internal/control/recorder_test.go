package control_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelay/reelay/internal/config"
	"github.com/reelay/reelay/internal/control"
	"github.com/reelay/reelay/internal/store"
)

func testHistory(t *testing.T) *store.History {
	t.Helper()

	cfg := config.HistoryConfig{
		Enabled: true,
		Driver:  "sqlite",
		DSN:     filepath.Join(t.TempDir(), "history.db"),
	}
	db, err := store.Open(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewHistory(db)
}

func TestRecorderSnapshotsActiveSession(t *testing.T) {
	sess := newFakeSession()
	manager := control.NewManager(func() (control.Session, error) {
		return sess, nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	history := testHistory(t)

	ctx := context.Background()
	require.NoError(t, manager.Play(ctx, "media-1", 0))

	rec := control.NewRecorder(manager, history, 0, nil)
	rec.Snapshot(ctx)

	pos, err := history.ResumePosition(ctx, "media-1")
	require.NoError(t, err)
	assert.Equal(t, float64(120), pos)

	// A later snapshot upserts the same record instead of adding a row.
	sess.mu.Lock()
	sess.position = 240
	sess.mu.Unlock()
	rec.Snapshot(ctx)

	recs, err := history.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, float64(240), recs[0].Position)
}

func TestRecorderIgnoresIdleManager(t *testing.T) {
	manager := control.NewManager(func() (control.Session, error) {
		return newFakeSession(), nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	history := testHistory(t)

	rec := control.NewRecorder(manager, history, 0, nil)
	rec.Snapshot(context.Background())

	recs, err := history.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
