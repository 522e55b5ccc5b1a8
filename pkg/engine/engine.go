package engine

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/config"
	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/extractor"
	"github.com/outflowhq/outflow/pkg/heartbeat"
	"github.com/outflowhq/outflow/pkg/loader"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
)

// Engine executes sync runs end to end: it creates the run row, drives the
// extractor matching the sync's mode, and hands off to the loader. The
// scheduler that decides when to call it lives outside the engine.
type Engine struct {
	store *store.Store
	cfg   *config.Config
}

func New(st *store.Store, cfg *config.Config) *Engine {
	return &Engine{store: st, cfg: cfg}
}

func (e *Engine) extractorFor(sc *store.Sync, runType runs.RunType, source connector.SourceClient, monitor heartbeat.Monitor) (extractor.Extractor, error) {
	cfg := extractor.Config{
		WorkerCount: e.cfg.WorkerCount,
		BatchSize:   e.cfg.BatchSize,
	}

	if runType == runs.RunTypeTest {
		return extractor.NewTestSync(e.store, source, monitor, cfg), nil
	}

	if sc.Model.Scraped {
		return extractor.NewWebScraping(e.store, source, monitor, cfg), nil
	}

	switch sc.Mode {
	case connector.SyncModeFullRefresh:
		return extractor.NewFullRefresh(e.store, source, monitor, cfg), nil
	case connector.SyncModeIncremental:
		return extractor.NewIncrementalDelta(e.store, source, monitor, cfg), nil
	default:
		return nil, fmt.Errorf("engine: sync '%s' has unknown mode '%s'", sc.SyncID, sc.Mode)
	}
}

// RunSync creates and executes one run of the given sync. The returned run
// reflects its terminal (or last-reached) state; a cancellation or run-fatal
// error is returned alongside it.
func (e *Engine) RunSync(
	ctx context.Context,
	syncID string,
	source connector.SourceClient,
	destination connector.DestinationClient,
	monitor heartbeat.Monitor,
	runType runs.RunType,
) (*runs.Run, error) {
	l := ctxzap.Extract(ctx)

	sc, err := e.store.GetSync(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("engine: unable to load sync '%s': %w", syncID, err)
	}

	run, err := e.store.CreateRun(ctx, syncID, runType)
	if err != nil {
		return nil, err
	}

	l.Info("starting sync run",
		zap.String("sync_id", syncID),
		zap.String("run_id", run.ID),
		zap.String("mode", string(sc.Mode)),
		zap.String("run_type", string(runType)),
	)

	ext, err := e.extractorFor(sc, runType, source, monitor)
	if err != nil {
		return run, err
	}

	err = ext.Extract(ctx, syncID, run.ID)
	if err != nil {
		return e.finalRun(ctx, run), err
	}

	ld := loader.NewStandard(e.store, destination, monitor, loader.Config{
		WorkerCount: e.cfg.WorkerCount,
		PageSize:    e.cfg.LoaderPageSize,
	})

	err = ld.Load(ctx, syncID, run.ID)
	if err != nil {
		return e.finalRun(ctx, run), err
	}

	return e.finalRun(ctx, run), nil
}

// ResumeRun re-invokes the extract and load phases for an existing run.
// State-machine guards make this safe to call redundantly: phases the run
// has already passed are no-ops.
func (e *Engine) ResumeRun(
	ctx context.Context,
	syncID string,
	runID string,
	source connector.SourceClient,
	destination connector.DestinationClient,
	monitor heartbeat.Monitor,
) (*runs.Run, error) {
	sc, err := e.store.GetSync(ctx, syncID)
	if err != nil {
		return nil, fmt.Errorf("engine: unable to load sync '%s': %w", syncID, err)
	}

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	ext, err := e.extractorFor(sc, run.Type, source, monitor)
	if err != nil {
		return run, err
	}

	err = ext.Extract(ctx, syncID, runID)
	if err != nil {
		return e.finalRun(ctx, run), err
	}

	ld := loader.NewStandard(e.store, destination, monitor, loader.Config{
		WorkerCount: e.cfg.WorkerCount,
		PageSize:    e.cfg.LoaderPageSize,
	})

	err = ld.Load(ctx, syncID, runID)
	if err != nil {
		return e.finalRun(ctx, run), err
	}

	return e.finalRun(ctx, run), nil
}

func (e *Engine) finalRun(ctx context.Context, run *runs.Run) *runs.Run {
	final, err := e.store.GetRun(ctx, run.ID)
	if err != nil {
		ctxzap.Extract(ctx).Warn("unable to reload run", zap.String("run_id", run.ID), zap.Error(err))
		return run
	}
	return final
}
