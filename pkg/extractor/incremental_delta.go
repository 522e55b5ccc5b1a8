package extractor

import (
	"context"
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/batch"
	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/heartbeat"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
)

// IncrementalDelta stages only new or changed records, detected by
// comparing content fingerprints against the ledger. Existing records are
// never deleted.
type IncrementalDelta struct {
	base
}

func NewIncrementalDelta(st *store.Store, source connector.SourceClient, monitor heartbeat.Monitor, cfg Config) *IncrementalDelta {
	return &IncrementalDelta{base{store: st, source: source, monitor: monitor, cfg: cfg}}
}

// Extract runs the incremental extraction. After each batch the sync's
// cursor advances transactionally with the run's offset checkpoint, so a
// crash between batches resumes cleanly. Cancellation restores the cursor
// to its pre-run value.
func (e *IncrementalDelta) Extract(ctx context.Context, syncID string, runID string) error {
	l := ctxzap.Extract(ctx)

	sc, run, err := e.loadSyncAndRun(ctx, syncID, runID)
	if err != nil {
		return err
	}

	ok, err := e.beginQuerying(ctx, run)
	if err != nil || !ok {
		return err
	}

	preRunCursor := sc.CurrentCursor
	total := run.TotalQueryRows

	err = batch.ExecuteInBatches(ctx, batch.Params{
		Offset:     run.CurrentOffset,
		BatchSize:  e.cfg.batchSize(),
		SyncConfig: syncConfigFor(sc, run),
		Client:     e.source,
	}, func(records []connector.Record, offset int64, lastCursor string) error {
		if len(records) > 0 {
			counters := e.stageIncrementalBatch(ctx, sc, run, records)

			total += int64(len(records))

			if counters.dropped > 0 {
				l.Warn("record count mismatch during batch",
					zap.String("sync_id", syncID),
					zap.String("run_id", runID),
					zap.Int("read", len(records)),
					zap.Int64("staged", counters.prepared),
					zap.Int64("skipped", counters.skipped),
					zap.Int64("dropped", counters.dropped),
				)
			}

			if counters.skipped > 0 {
				err := e.store.AddRunRowCounts(ctx, runID, 0, 0, counters.skipped)
				if err != nil {
					return err
				}
			}
		}

		var cursor *string
		if sc.CursorField != "" && lastCursor != "" {
			cursor = &lastCursor
		}

		err := e.store.CheckpointRun(ctx, runID, offset, total, cursor)
		if err != nil {
			return err
		}

		return e.checkHeartbeat(ctx, run)
	})
	if err != nil {
		if errors.Is(err, heartbeat.ErrCancelled) {
			// Purge the rows this run staged: their upserted fingerprints
			// would otherwise make the next run classify undelivered data as
			// already synced.
			if derr := e.store.DeleteRunRecords(ctx, syncID, runID); derr != nil {
				l.Error("unable to purge records for cancelled run",
					zap.String("sync_id", syncID),
					zap.String("run_id", runID),
					zap.Error(derr),
				)
			}
			// Roll the cursor back so the next run does not start past data
			// this one never finished staging.
			if rerr := e.store.SetSyncCursor(ctx, syncID, preRunCursor); rerr != nil {
				l.Error("unable to restore cursor for cancelled run",
					zap.String("sync_id", syncID),
					zap.String("run_id", runID),
					zap.Error(rerr),
				)
			}
			return err
		}
		e.failRun(ctx, runID)
		return fmt.Errorf("extractor: incremental extraction for sync '%s' failed: %w", syncID, err)
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
