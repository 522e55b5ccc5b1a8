package extractor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/batch"
	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/heartbeat"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
)

// FullRefresh discards the sync's entire record ledger and rebuilds it from
// the source. Every record is staged as a destination insert.
type FullRefresh struct {
	base
}

func NewFullRefresh(st *store.Store, source connector.SourceClient, monitor heartbeat.Monitor, cfg Config) *FullRefresh {
	return &FullRefresh{base{store: st, source: source, monitor: monitor, cfg: cfg}}
}

// Extract runs the full refresh. Invoking it on a run already past its
// querying phase is a logged no-op.
func (e *FullRefresh) Extract(ctx context.Context, syncID string, runID string) error {
	l := ctxzap.Extract(ctx)

	sc, run, err := e.loadSyncAndRun(ctx, syncID, runID)
	if err != nil {
		return err
	}

	ok, err := e.beginQuerying(ctx, run)
	if err != nil || !ok {
		return err
	}

	// Full refresh always replaces: clear the ledger before the first page.
	// A resumed run picks up at its checkpoint and keeps the pages it
	// already staged.
	if run.CurrentOffset == 0 {
		err = e.store.DeleteSyncRecords(ctx, syncID)
		if err != nil {
			e.failRun(ctx, runID)
			return fmt.Errorf("extractor: unable to clear records for sync '%s': %w", syncID, err)
		}
	}

	seen := mapset.NewSet[string]()
	total := run.TotalQueryRows

	err = batch.ExecuteInBatches(ctx, batch.Params{
		Offset:     run.CurrentOffset,
		BatchSize:  e.cfg.batchSize(),
		SyncConfig: syncConfigFor(sc, run),
		Client:     e.source,
	}, func(records []connector.Record, offset int64, _ string) error {
		if len(records) > 0 {
			rows := make([]*store.SyncRecord, 0, len(records))
			var mtx sync.Mutex
			var dropped int64

			runPool(ctx, e.cfg.workerCount(), records, func(ctx context.Context, rec connector.Record) {
				row, err := buildRecord(sc, run, rec, connector.ActionInsert)
				if err != nil {
					l.Warn("dropping record",
						zap.String("sync_id", syncID),
						zap.String("run_id", runID),
						zap.Error(err),
					)
					atomic.AddInt64(&dropped, 1)
					return
				}
				if !seen.Add(row.PrimaryKey) {
					l.Warn("dropping duplicate primary key",
						zap.String("sync_id", syncID),
						zap.String("run_id", runID),
						zap.String("primary_key", row.PrimaryKey),
					)
					atomic.AddInt64(&dropped, 1)
					return
				}
				mtx.Lock()
				rows = append(rows, row)
				mtx.Unlock()
			})

			inserted, err := e.store.BulkInsertRecords(ctx, rows...)
			if err != nil {
				return err
			}

			// At-least-once insert semantics: a mismatch between what we
			// read, prepared, and inserted is logged, not raised.
			if inserted != int64(len(rows)) || dropped > 0 {
				l.Warn("record count mismatch during batch insert",
					zap.String("sync_id", syncID),
					zap.String("run_id", runID),
					zap.Int("read", len(records)),
					zap.Int("prepared", len(rows)),
					zap.Int64("inserted", inserted),
					zap.Int64("dropped", dropped),
				)
			}

			total += int64(len(records))
		}

		err := e.store.CheckpointRun(ctx, runID, offset, total, nil)
		if err != nil {
			return err
		}

		return e.checkHeartbeat(ctx, run)
	})
	if err != nil {
		if errors.Is(err, heartbeat.ErrCancelled) {
			// The run is already failed; purge the rows it staged.
			if derr := e.store.DeleteRunRecords(ctx, syncID, runID); derr != nil {
				l.Error("unable to purge records for cancelled run", zap.String("run_id", runID), zap.Error(derr))
			}
			return err
		}
		e.failRun(ctx, runID)
		return err
	}

	_, err = e.store.TransitionRun(ctx, runID, runs.StatusQueued)
	if err != nil {
		return err
	}

	l.Info("extraction complete",
		zap.String("sync_id", syncID),
		zap.String("run_id", runID),
		zap.Int64("total_query_rows", total),
	)

	return nil
}
