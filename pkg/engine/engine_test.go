package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/pkg/config"
	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/heartbeat"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
	"github.com/outflowhq/outflow/pkg/transform"
)

type fakeSource struct {
	rows []connector.Record
}

func (f *fakeSource) Read(ctx context.Context, cfg connector.SyncConfig) ([]connector.Record, error) {
	if cfg.Limit <= 0 {
		return f.rows, nil
	}
	if cfg.Offset >= int64(len(f.rows)) {
		return []connector.Record{}, nil
	}
	end := cfg.Offset + cfg.Limit
	if end > int64(len(f.rows)) {
		end = int64(len(f.rows))
	}
	return f.rows[cfg.Offset:end], nil
}

type fakeDest struct {
	mtx     sync.Mutex
	written []connector.Record
	actions []connector.Action
}

func (f *fakeDest) Write(ctx context.Context, cfg connector.SyncConfig, records []connector.Record, action connector.Action) (*connector.TrackingResult, error) {
	f.mtx.Lock()
	f.written = append(f.written, records...)
	f.actions = append(f.actions, action)
	f.mtx.Unlock()
	return &connector.TrackingResult{SuccessCount: int64(len(records))}, nil
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.WorkerCount = 2
	cfg.BatchSize = 10
	cfg.LoaderPageSize = 10
	return &cfg
}

func setupEngine(t *testing.T, mode connector.SyncMode) (context.Context, *store.Store, *Engine) {
	t.Helper()
	ctx := context.Background()

	st, err := store.New(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	require.NoError(t, st.PutSync(ctx, &store.Sync{
		SyncID: "sync-1",
		Name:   "users to crm",
		Mode:   mode,
		Model: connector.Model{
			Name:       "users",
			Query:      "select * from users",
			PrimaryKey: "id",
		},
		Stream: connector.Stream{
			Name:         "contacts",
			BatchSupport: true,
			BatchSize:    10,
		},
		Mappings: []transform.Mapping{{From: "id", To: "id"}, {From: "name", To: "full_name"}},
	}))

	return ctx, st, New(st, testConfig())
}

func engineRows(n int) []connector.Record {
	rows := make([]connector.Record, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, connector.Record{Data: map[string]any{
			"id":   fmt.Sprintf("%d", i),
			"name": fmt.Sprintf("user-%d", i),
		}})
	}
	return rows
}

func TestRunSyncFullRefreshEndToEnd(t *testing.T) {
	ctx, st, eng := setupEngine(t, connector.SyncModeFullRefresh)

	src := &fakeSource{rows: engineRows(25)}
	dest := &fakeDest{}

	run, err := eng.RunSync(ctx, "sync-1", src, dest, heartbeat.Nop, runs.RunTypeGeneral)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, run.Status)
	require.Equal(t, int64(25), run.TotalQueryRows)
	require.Equal(t, int64(25), run.SuccessfulRows)
	require.Zero(t, run.FailedRows)

	require.Len(t, dest.written, 25)
	for _, a := range dest.actions {
		require.Equal(t, connector.ActionInsert, a)
	}

	synced, err := st.CountRecords(ctx, "sync-1", store.RecordStatusSuccess)
	require.NoError(t, err)
	require.Equal(t, int64(25), synced)
}

func TestRunSyncIncrementalOnlyShipsChanges(t *testing.T) {
	ctx, _, eng := setupEngine(t, connector.SyncModeIncremental)

	src := &fakeSource{rows: engineRows(10)}
	dest := &fakeDest{}

	run, err := eng.RunSync(ctx, "sync-1", src, dest, heartbeat.Nop, runs.RunTypeGeneral)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, run.Status)
	require.Len(t, dest.written, 10)

	// Second run with an unchanged source: everything is skipped, nothing is
	// written, and the run still succeeds.
	dest2 := &fakeDest{}
	run2, err := eng.RunSync(ctx, "sync-1", src, dest2, heartbeat.Nop, runs.RunTypeGeneral)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, run2.Status)
	require.Equal(t, int64(10), run2.SkippedRows)
	require.Zero(t, run2.SuccessfulRows)
	require.Empty(t, dest2.written)

	// Third run after one row changed ships exactly that row as an update.
	src.rows[4].Data["name"] = "renamed"
	dest3 := &fakeDest{}
	run3, err := eng.RunSync(ctx, "sync-1", src, dest3, heartbeat.Nop, runs.RunTypeGeneral)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, run3.Status)
	require.Equal(t, int64(1), run3.SuccessfulRows)
	require.Equal(t, int64(9), run3.SkippedRows)
	require.Len(t, dest3.written, 1)
	require.Equal(t, "renamed", dest3.written[0].Data["full_name"])
	require.Equal(t, []connector.Action{connector.ActionUpdate}, dest3.actions)
}

func TestRunSyncTestRunShipsOneRecord(t *testing.T) {
	ctx, _, eng := setupEngine(t, connector.SyncModeIncremental)

	src := &fakeSource{rows: engineRows(50)}
	dest := &fakeDest{}

	run, err := eng.RunSync(ctx, "sync-1", src, dest, heartbeat.Nop, runs.RunTypeTest)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, run.Status)
	require.Equal(t, runs.RunTypeTest, run.Type)
	require.Equal(t, int64(1), run.TotalQueryRows)
	require.Len(t, dest.written, 1)
}

func TestRunSyncUnknownModeFails(t *testing.T) {
	ctx, st, eng := setupEngine(t, connector.SyncMode("bogus"))

	_, err := eng.RunSync(ctx, "sync-1", &fakeSource{}, &fakeDest{}, heartbeat.Nop, runs.RunTypeGeneral)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown mode")

	// The run row exists but never advanced.
	listed, _, lerr := st.ListRuns(ctx, "sync-1", "", 10)
	require.NoError(t, lerr)
	require.Len(t, listed, 1)
	require.Equal(t, runs.StatusPending, listed[0].Status)
}

func TestResumeRunIsIdempotent(t *testing.T) {
	ctx, _, eng := setupEngine(t, connector.SyncModeIncremental)

	src := &fakeSource{rows: engineRows(5)}
	dest := &fakeDest{}

	run, err := eng.RunSync(ctx, "sync-1", src, dest, heartbeat.Nop, runs.RunTypeGeneral)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, run.Status)

	// Resuming a finished run re-invokes both phases as guarded no-ops.
	dest2 := &fakeDest{}
	resumed, err := eng.ResumeRun(ctx, "sync-1", run.ID, src, dest2, heartbeat.Nop)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, resumed.Status)
	require.Equal(t, run.SuccessfulRows, resumed.SuccessfulRows)
	require.Empty(t, dest2.written)
}

func TestResumeRunFinishesInterruptedExtraction(t *testing.T) {
	ctx, st, eng := setupEngine(t, connector.SyncModeIncremental)

	// The run entered querying and the process died before staging
	// anything.
	run, err := st.CreateRun(ctx, "sync-1", runs.RunTypeGeneral)
	require.NoError(t, err)
	ok, err := st.TransitionRun(ctx, run.ID, runs.StatusQuerying)
	require.NoError(t, err)
	require.True(t, ok)

	src := &fakeSource{rows: engineRows(10)}
	dest := &fakeDest{}

	resumed, err := eng.ResumeRun(ctx, "sync-1", run.ID, src, dest, heartbeat.Nop)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, resumed.Status)
	require.Equal(t, int64(10), resumed.TotalQueryRows)
	require.Equal(t, int64(10), resumed.SuccessfulRows)
	require.Len(t, dest.written, 10)
}

func TestResumeRunPicksUpCheckpointedFullRefresh(t *testing.T) {
	ctx, st, eng := setupEngine(t, connector.SyncModeFullRefresh)

	// The run checkpointed one staged page and died mid-extraction.
	run, err := st.CreateRun(ctx, "sync-1", runs.RunTypeGeneral)
	require.NoError(t, err)
	ok, err := st.TransitionRun(ctx, run.ID, runs.StatusQuerying)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, st.CheckpointRun(ctx, run.ID, 10, 10, nil))

	src := &fakeSource{rows: engineRows(25)}
	dest := &fakeDest{}

	resumed, err := eng.ResumeRun(ctx, "sync-1", run.ID, src, dest, heartbeat.Nop)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, resumed.Status)
	// Rows before the checkpoint are not re-read.
	require.Equal(t, int64(25), resumed.TotalQueryRows)
	require.Len(t, dest.written, 15)
}

func TestResumeRunFinishesInterruptedLoad(t *testing.T) {
	ctx, st, eng := setupEngine(t, connector.SyncModeIncremental)

	src := &fakeSource{rows: engineRows(8)}

	// Extraction completed; the process died after entering the load
	// phase, leaving every record pending.
	run, err := st.CreateRun(ctx, "sync-1", runs.RunTypeGeneral)
	require.NoError(t, err)
	for _, to := range []runs.Status{runs.StatusQuerying, runs.StatusQueued, runs.StatusInProgress} {
		ok, terr := st.TransitionRun(ctx, run.ID, to)
		require.NoError(t, terr)
		require.True(t, ok)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, st.UpsertRecord(ctx, &store.SyncRecord{
			SyncID:      "sync-1",
			PrimaryKey:  fmt.Sprintf("%d", i),
			Record:      map[string]any{"id": fmt.Sprintf("%d", i), "name": fmt.Sprintf("user-%d", i)},
			Fingerprint: fmt.Sprintf("fp-%d", i),
			Action:      connector.ActionInsert,
			Status:      store.RecordStatusPending,
			SyncRunID:   run.ID,
		}))
	}

	dest := &fakeDest{}
	resumed, err := eng.ResumeRun(ctx, "sync-1", run.ID, src, dest, heartbeat.Nop)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, resumed.Status)
	require.Equal(t, int64(8), resumed.SuccessfulRows)
	require.Len(t, dest.written, 8)
}

func TestRunSyncScrapedModelUsesSingleRead(t *testing.T) {
	ctx, st, eng := setupEngine(t, connector.SyncModeIncremental)

	sc, err := st.GetSync(ctx, "sync-1")
	require.NoError(t, err)
	sc.Model.Scraped = true
	require.NoError(t, st.PutSync(ctx, sc))

	src := &fakeSource{rows: engineRows(7)}
	dest := &fakeDest{}

	run, err := eng.RunSync(ctx, "sync-1", src, dest, heartbeat.Nop, runs.RunTypeGeneral)
	require.NoError(t, err)
	require.Equal(t, runs.StatusSuccess, run.Status)
	require.Equal(t, int64(7), run.TotalQueryRows)
	require.Len(t, dest.written, 7)
}
