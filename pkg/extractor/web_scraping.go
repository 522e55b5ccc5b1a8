package extractor

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/heartbeat"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
)

// WebScraping handles sources whose query is already complete by the time
// extraction starts: the scrape ran elsewhere and a single read returns the
// full result. The one batch flows through the same fingerprint/upsert path
// as incremental extraction; there is no multi-page loop.
type WebScraping struct {
	base
}

func NewWebScraping(st *store.Store, source connector.SourceClient, monitor heartbeat.Monitor, cfg Config) *WebScraping {
	return &WebScraping{base{store: st, source: source, monitor: monitor, cfg: cfg}}
}

func (e *WebScraping) Extract(ctx context.Context, syncID string, runID string) error {
	l := ctxzap.Extract(ctx)

	sc, run, err := e.loadSyncAndRun(ctx, syncID, runID)
	if err != nil {
		return err
	}

	ok, err := e.beginQuerying(ctx, run)
	if err != nil || !ok {
		return err
	}

	// No offset/limit: the scrape result is returned whole.
	records, err := e.source.Read(ctx, syncConfigFor(sc, run))
	if err != nil {
		e.failRun(ctx, runID)
		return fmt.Errorf("extractor: scrape read for sync '%s' failed: %w", syncID, err)
	}

	counters := e.stageIncrementalBatch(ctx, sc, run, records)
	if counters.dropped > 0 {
		l.Warn("record count mismatch during scrape staging",
			zap.String("sync_id", syncID),
			zap.String("run_id", runID),
			zap.Int("read", len(records)),
			zap.Int64("staged", counters.prepared),
			zap.Int64("dropped", counters.dropped),
		)
	}

	if counters.skipped > 0 {
		err = e.store.AddRunRowCounts(ctx, runID, 0, 0, counters.skipped)
		if err != nil {
			return err
		}
	}

	err = e.store.CheckpointRun(ctx, runID, int64(len(records)), int64(len(records)), nil)
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

	l.Info("scrape extraction complete",
		zap.String("sync_id", syncID),
		zap.String("run_id", runID),
		zap.Int("records", len(records)),
	)

	return nil
}

var _ Extractor = (*WebScraping)(nil)
var _ Extractor = (*FullRefresh)(nil)
var _ Extractor = (*IncrementalDelta)(nil)
