package batch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outflowhq/outflow/pkg/connector"
)

type fakeSource struct {
	rows    []connector.Record
	readErr error
	reads   int
}

func (f *fakeSource) Read(ctx context.Context, cfg connector.SyncConfig) ([]connector.Record, error) {
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
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

func makeRows(n int) []connector.Record {
	rows := make([]connector.Record, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, connector.Record{Data: map[string]any{
			"id":         i,
			"updated_at": fmt.Sprintf("2026-01-%02d", i%28+1),
		}})
	}
	return rows
}

func TestExecuteInBatchesPagesThrough(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(2500)}

	var pages []int
	var offsets []int64
	err := ExecuteInBatches(ctx, Params{
		BatchSize:  1000,
		SyncConfig: connector.SyncConfig{SyncID: "s1"},
		Client:     src,
	}, func(records []connector.Record, offset int64, lastCursor string) error {
		pages = append(pages, len(records))
		offsets = append(offsets, offset)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1000, 1000, 500}, pages)
	require.Equal(t, []int64{1000, 2000, 2500}, offsets)
	require.Equal(t, 3, src.reads)
}

func TestExecuteInBatchesExactMultipleEmitsEmptyFinalPage(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(2000)}

	var pages []int
	err := ExecuteInBatches(ctx, Params{
		BatchSize:  1000,
		SyncConfig: connector.SyncConfig{SyncID: "s1"},
		Client:     src,
	}, func(records []connector.Record, offset int64, lastCursor string) error {
		pages = append(pages, len(records))
		return nil
	})
	require.NoError(t, err)
	// The source is only known exhausted after the empty read.
	require.Equal(t, []int{1000, 1000, 0}, pages)
}

func TestExecuteInBatchesResumesFromOffset(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(150)}

	var got []connector.Record
	err := ExecuteInBatches(ctx, Params{
		Offset:     100,
		BatchSize:  100,
		SyncConfig: connector.SyncConfig{SyncID: "s1"},
		Client:     src,
	}, func(records []connector.Record, offset int64, lastCursor string) error {
		got = append(got, records...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 50)
	require.Equal(t, 100, got[0].Data["id"])
}

func TestExecuteInBatchesSurfacesCursor(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(30)}

	var cursors []string
	err := ExecuteInBatches(ctx, Params{
		BatchSize: 20,
		SyncConfig: connector.SyncConfig{
			SyncID:      "s1",
			CursorField: "updated_at",
		},
		Client: src,
	}, func(records []connector.Record, offset int64, lastCursor string) error {
		cursors = append(cursors, lastCursor)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"2026-01-20", "2026-01-02"}, cursors)
}

func TestExecuteInBatchesHandlerErrorStops(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{rows: makeRows(500)}

	boom := errors.New("boom")
	err := ExecuteInBatches(ctx, Params{
		BatchSize:  100,
		SyncConfig: connector.SyncConfig{SyncID: "s1"},
		Client:     src,
	}, func(records []connector.Record, offset int64, lastCursor string) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, src.reads)
}

func TestExecuteInBatchesReadError(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{readErr: errors.New("connection reset")}

	err := ExecuteInBatches(ctx, Params{
		BatchSize:  100,
		SyncConfig: connector.SyncConfig{SyncID: "s1"},
		Client:     src,
	}, func(records []connector.Record, offset int64, lastCursor string) error {
		t.Fatal("handler should not run")
		return nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "source read at offset 0")
}

func TestExecuteInBatchesRejectsBadBatchSize(t *testing.T) {
	err := ExecuteInBatches(context.Background(), Params{BatchSize: 0}, nil)
	require.Error(t, err)
}

func TestExecuteInBatchesRejectsOversizedPage(t *testing.T) {
	ctx := context.Background()
	over := &oversizeSource{}

	err := ExecuteInBatches(ctx, Params{
		BatchSize:  10,
		SyncConfig: connector.SyncConfig{SyncID: "s1"},
		Client:     over,
	}, func(records []connector.Record, offset int64, lastCursor string) error {
		return nil
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "11 records for a page of 10")
}

type oversizeSource struct{}

func (o *oversizeSource) Read(ctx context.Context, cfg connector.SyncConfig) ([]connector.Record, error) {
	return makeRows(int(cfg.Limit) + 1), nil
}
