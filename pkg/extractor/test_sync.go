package extractor

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/heartbeat"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
)

// TestSync pulls exactly one representative record through the staging path
// so a user can preview a sync before scheduling it. When the source can
// report its row count the sampled record is picked at a random offset.
type TestSync struct {
	base
}

func NewTestSync(st *store.Store, source connector.SourceClient, monitor heartbeat.Monitor, cfg Config) *TestSync {
	return &TestSync{base{store: st, source: source, monitor: monitor, cfg: cfg}}
}

// Extract reads a single sampled record and stages it through the same
// fingerprint/upsert path as incremental extraction. The source returning
// anything other than exactly one record is a hard error.
func (e *TestSync) Extract(ctx context.Context, syncID string, runID string) error {
	l := ctxzap.Extract(ctx)

	sc, run, err := e.loadSyncAndRun(ctx, syncID, runID)
	if err != nil {
		return err
	}

	ok, err := e.beginQuerying(ctx, run)
	if err != nil || !ok {
		return err
	}

	cfg := syncConfigFor(sc, run)
	cfg.Limit = 1
	cfg.Offset = 0

	if counter, ok := e.source.(connector.RecordCounter); ok {
		count, err := counter.CountRecords(ctx, cfg)
		if err != nil {
			e.failRun(ctx, runID)
			return fmt.Errorf("extractor: unable to count records for sync '%s': %w", syncID, err)
		}
		if count > 1 {
			cfg.Offset = rand.Int63n(count) //nolint:gosec // sampling, not crypto
		}
	}

	records, err := e.source.Read(ctx, cfg)
	if err != nil {
		e.failRun(ctx, runID)
		return fmt.Errorf("extractor: test read for sync '%s' failed: %w", syncID, err)
	}

	if len(records) != 1 {
		e.failRun(ctx, runID)
		return fmt.Errorf(
			"extractor: test sync for sync '%s' expected exactly 1 record from source at offset %d, got %d",
			syncID, cfg.Offset, len(records),
		)
	}

	counters := e.stageIncrementalBatch(ctx, sc, run, records)
	if counters.dropped > 0 {
		e.failRun(ctx, runID)
		return fmt.Errorf("extractor: test sync for sync '%s' could not stage its sampled record", syncID)
	}

	err = e.store.CheckpointRun(ctx, runID, cfg.Offset+1, 1, nil)
	if err != nil {
		return err
	}

	err = e.checkHeartbeat(ctx, run)
	if err != nil {
		return err
	}

	_, err = e.store.TransitionRun(ctx, runID, runs.StatusQueued)
	if err != nil {
		return err
	}

	l.Debug("test extraction complete",
		zap.String("sync_id", syncID),
		zap.String("run_id", runID),
		zap.Int64("sampled_offset", cfg.Offset),
		zap.Int64("skipped", counters.skipped),
	)

	return nil
}

var _ Extractor = (*TestSync)(nil)
