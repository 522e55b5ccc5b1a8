package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	ctx, s := newTestStore(t)

	require.NoError(t, s.PutSync(ctx, testSync("sync-1")))
	require.NoError(t, s.UpsertRecord(ctx, testRecord("sync-1", "run-1", "1", "fp-1")))

	snapPath := filepath.Join(t.TempDir(), "outflow.snapshot")
	require.NoError(t, s.SaveSnapshot(ctx, snapPath))
	require.NoError(t, s.Close())

	restoredDir := t.TempDir()
	require.NoError(t, RestoreSnapshot(ctx, snapPath, filepath.Join(restoredDir, "outflow.db")))

	restored, err := New(context.Background(), restoredDir)
	require.NoError(t, err)
	defer restored.Close()

	sc, err := restored.GetSync(ctx, "sync-1")
	require.NoError(t, err)
	require.Equal(t, "users to crm", sc.Name)

	rec, err := restored.GetRecord(ctx, "sync-1", "1")
	require.NoError(t, err)
	require.Equal(t, "fp-1", rec.Fingerprint)
}
