package extractor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/fingerprint"
	"github.com/outflowhq/outflow/pkg/heartbeat"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
)

const (
	defaultWorkerCount = 5
	defaultBatchSize   = 1000
)

// Config carries the tunables shared by every extractor. It is passed in at
// construction; extractors never read the environment themselves.
type Config struct {
	// WorkerCount bounds the pool used for per-record work within a batch.
	WorkerCount int
	// BatchSize is the page size requested from the source.
	BatchSize int64
}

func (c Config) workerCount() int {
	if c.WorkerCount <= 0 {
		return defaultWorkerCount
	}
	return c.WorkerCount
}

func (c Config) batchSize() int64 {
	if c.BatchSize <= 0 {
		return defaultBatchSize
	}
	return c.BatchSize
}

// Extractor pulls records from a source and stages them in the sync record
// ledger, driving the run through its querying phase.
type Extractor interface {
	Extract(ctx context.Context, syncID string, runID string) error
}

// base holds the collaborators common to all extractor variants.
type base struct {
	store   *store.Store
	source  connector.SourceClient
	monitor heartbeat.Monitor
	cfg     Config
}

// loadSyncAndRun resolves the sync definition and run row an extractor was
// invoked for.
func (b *base) loadSyncAndRun(ctx context.Context, syncID string, runID string) (*store.Sync, *runs.Run, error) {
	sc, err := b.store.GetSync(ctx, syncID)
	if err != nil {
		return nil, nil, fmt.Errorf("extractor: unable to load sync '%s': %w", syncID, err)
	}

	run, err := b.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("extractor: unable to load run '%s': %w", runID, err)
	}

	if run.SyncID != syncID {
		return nil, nil, fmt.Errorf("extractor: run '%s' does not belong to sync '%s'", runID, syncID)
	}

	return sc, run, nil
}

// beginQuerying moves the run into querying. Runs already in querying
// re-enter it, which is how a resumed run picks its extraction back up. A
// rejected transition means another invocation already advanced this run;
// the caller logs and returns without side effects.
func (b *base) beginQuerying(ctx context.Context, run *runs.Run) (bool, error) {
	ok, err := b.store.TransitionRun(ctx, run.ID, runs.StatusQuerying)
	if err != nil {
		return false, err
	}
	if !ok {
		ctxzap.Extract(ctx).Info("run is not in a queryable state, nothing to do",
			zap.String("sync_id", run.SyncID),
			zap.String("run_id", run.ID),
			zap.String("status", run.Status.String()),
		)
	}
	return ok, nil
}

// syncConfigFor builds the connector request envelope for a sync/run pair.
func syncConfigFor(sc *store.Sync, run *runs.Run) connector.SyncConfig {
	return connector.SyncConfig{
		SyncID:        sc.SyncID,
		SyncRunID:     run.ID,
		Mode:          sc.Mode,
		Model:         sc.Model,
		Stream:        sc.Stream,
		CursorField:   sc.CursorField,
		CurrentCursor: sc.CurrentCursor,
	}
}

// buildRecord converts one source record into a ledger row. A record without
// the configured primary key is an error; callers log and drop it without
// failing the batch.
func buildRecord(sc *store.Sync, run *runs.Run, rec connector.Record, action connector.Action) (*store.SyncRecord, error) {
	pkField := sc.Model.PrimaryKey

	pkValue, ok := rec.Data[pkField]
	if !ok || pkValue == nil {
		return nil, fmt.Errorf("record is missing primary key field '%s'", pkField)
	}

	fp, err := fingerprint.Compute(rec.Data)
	if err != nil {
		return nil, err
	}

	return &store.SyncRecord{
		SyncID:      sc.SyncID,
		PrimaryKey:  fmt.Sprintf("%v", pkValue),
		Record:      rec.Data,
		Fingerprint: fp,
		Action:      action,
		Status:      store.RecordStatusPending,
		SyncRunID:   run.ID,
	}, nil
}

// runPool fans records out to a bounded worker pool and waits for all of
// them. fn is responsible for its own error handling; a per-record failure
// must never abort the batch.
func runPool(ctx context.Context, workers int, records []connector.Record, fn func(ctx context.Context, rec connector.Record)) {
	if workers > len(records) {
		workers = len(records)
	}
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan connector.Record)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				fn(ctx, rec)
			}
		}()
	}

	for _, rec := range records {
		jobs <- rec
	}
	close(jobs)

	wg.Wait()
}

// batchCounters aggregates the outcome of per-record workers within one
// batch. Counters are flushed to the run row by the outer loop only.
type batchCounters struct {
	prepared int64
	skipped  int64
	dropped  int64
}

// classifyAndUpsert runs the fingerprint diff for one record and stages it
// when new or changed. Returns true when the record was a no-op skip.
func (b *base) classifyAndUpsert(ctx context.Context, sc *store.Sync, run *runs.Run, rec connector.Record) (bool, error) {
	row, err := buildRecord(sc, run, rec, connector.ActionInsert)
	if err != nil {
		return false, err
	}

	existing, found, err := b.store.GetRecordFingerprint(ctx, sc.SyncID, row.PrimaryKey)
	if err != nil {
		return false, err
	}

	switch {
	case !found:
		row.Action = connector.ActionInsert
	case existing == row.Fingerprint:
		// Unchanged since last sync; never re-sent.
		return true, nil
	default:
		row.Action = connector.ActionUpdate
	}

	err = b.store.UpsertRecord(ctx, row)
	if err != nil {
		return false, err
	}

	return false, nil
}

// stageIncrementalBatch pushes one page of records through the diff/upsert
// path in parallel. Per-record failures are logged and dropped.
func (b *base) stageIncrementalBatch(ctx context.Context, sc *store.Sync, run *runs.Run, records []connector.Record) batchCounters {
	l := ctxzap.Extract(ctx)
	var counters batchCounters

	runPool(ctx, b.cfg.workerCount(), records, func(ctx context.Context, rec connector.Record) {
		skippedRec, err := b.classifyAndUpsert(ctx, sc, run, rec)
		if err != nil {
			l.Warn("dropping record",
				zap.String("sync_id", sc.SyncID),
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
			atomic.AddInt64(&counters.dropped, 1)
			return
		}
		if skippedRec {
			atomic.AddInt64(&counters.skipped, 1)
			return
		}
		atomic.AddInt64(&counters.prepared, 1)
	})

	return counters
}

// checkHeartbeat reports liveness to the host and converts a cancellation
// request into ErrCancelled after marking the run failed.
func (b *base) checkHeartbeat(ctx context.Context, run *runs.Run) error {
	err := heartbeat.Check(ctx, b.monitor)
	if err == nil {
		return nil
	}

	ctxzap.Extract(ctx).Warn("cancellation requested, failing run",
		zap.String("sync_id", run.SyncID),
		zap.String("run_id", run.ID),
	)

	if _, terr := b.store.TransitionRun(ctx, run.ID, runs.StatusFailed); terr != nil {
		ctxzap.Extract(ctx).Error("unable to fail cancelled run", zap.String("run_id", run.ID), zap.Error(terr))
	}

	return err
}

// failRun transitions the run to failed after a run-fatal extraction error.
func (b *base) failRun(ctx context.Context, runID string) {
	if _, err := b.store.TransitionRun(ctx, runID, runs.StatusFailed); err != nil {
		ctxzap.Extract(ctx).Error("unable to mark run failed", zap.String("run_id", runID), zap.Error(err))
	}
}
