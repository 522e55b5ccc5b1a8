package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/heartbeat"
	"github.com/outflowhq/outflow/pkg/runs"
	"github.com/outflowhq/outflow/pkg/store"
	"github.com/outflowhq/outflow/pkg/transform"
)

const (
	defaultWorkerCount = 5
	defaultPageSize    = 100

	skippedDuringProcessing = "record skipped during processing"
)

// Config carries the loader tunables. Passed in at construction, never read
// from the environment in deep call paths.
type Config struct {
	// WorkerCount bounds parallel dispatch in individual mode.
	WorkerCount int
	// PageSize is the pending-record page size used when the destination
	// stream does not declare a batch size.
	PageSize int64
}

func (c Config) workerCount() int {
	if c.WorkerCount <= 0 {
		return defaultWorkerCount
	}
	return c.WorkerCount
}

// Standard reads pending sync records for a run, applies the sync's field
// mapping, and dispatches them to the destination in batch or individual
// mode depending on the stream descriptor.
type Standard struct {
	store       *store.Store
	destination connector.DestinationClient
	monitor     heartbeat.Monitor
	cfg         Config
}

func NewStandard(st *store.Store, destination connector.DestinationClient, monitor heartbeat.Monitor, cfg Config) *Standard {
	return &Standard{store: st, destination: destination, monitor: monitor, cfg: cfg}
}

// Load runs the write pass for a run. Invoking it on a run that is not in a
// loadable state is a logged no-op; after a completed pass no record of the
// run remains in pending.
func (ld *Standard) Load(ctx context.Context, syncID string, runID string) error {
	l := ctxzap.Extract(ctx)

	sc, err := ld.store.GetSync(ctx, syncID)
	if err != nil {
		return fmt.Errorf("loader: unable to load sync '%s': %w", syncID, err)
	}

	run, err := ld.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loader: unable to load run '%s': %w", runID, err)
	}
	if run.SyncID != syncID {
		return fmt.Errorf("loader: run '%s' does not belong to sync '%s'", runID, syncID)
	}

	ok, err := ld.store.TransitionRun(ctx, runID, runs.StatusInProgress)
	if err != nil {
		return err
	}
	if !ok {
		l.Info("run is not in a loadable state, nothing to do",
			zap.String("sync_id", syncID),
			zap.String("run_id", runID),
			zap.String("status", run.Status.String()),
		)
		return nil
	}

	pageSize := sc.Stream.BatchSize
	if pageSize <= 0 {
		pageSize = ld.cfg.PageSize
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	cfg := connector.SyncConfig{
		SyncID:    sc.SyncID,
		SyncRunID: runID,
		Mode:      sc.Mode,
		Model:     sc.Model,
		Stream:    sc.Stream,
	}

	var limiter ratelimit.Limiter
	if sc.Stream.RequestsPerSecond > 0 {
		limiter = ratelimit.New(sc.Stream.RequestsPerSecond)
	} else {
		limiter = ratelimit.NewUnlimited()
	}

	var totalSuccess, totalFailed int64

	for {
		page, err := ld.store.ListPendingRecords(ctx, runID, uint32(pageSize))
		if err != nil {
			ld.failRun(ctx, runID)
			return err
		}
		if len(page) == 0 {
			break
		}

		var succeeded, failed int64
		if sc.Stream.BatchSupport {
			succeeded, failed, err = ld.loadBatch(ctx, sc, cfg, page)
		} else {
			succeeded, failed, err = ld.loadIndividual(ctx, sc, cfg, limiter, page)
		}
		if err != nil {
			ld.failRun(ctx, runID)
			swept, serr := ld.store.MarkPendingFailed(ctx, runID, skippedDuringProcessing)
			if serr != nil {
				l.Error("unable to sweep pending records", zap.String("run_id", runID), zap.Error(serr))
			}
			_ = ld.store.AddRunRowCounts(ctx, runID, succeeded, failed+swept, 0)
			return err
		}

		totalSuccess += succeeded
		totalFailed += failed

		// Counter updates always come from this single-threaded loop, never
		// from the dispatch workers.
		err = ld.store.AddRunRowCounts(ctx, runID, succeeded, failed, 0)
		if err != nil {
			return err
		}

		err = heartbeat.Check(ctx, ld.monitor)
		if err != nil {
			l.Warn("cancellation requested, failing run",
				zap.String("sync_id", syncID),
				zap.String("run_id", runID),
			)
			ld.failRun(ctx, runID)
			swept, serr := ld.store.MarkPendingFailed(ctx, runID, "run cancelled before record was processed")
			if serr != nil {
				l.Error("unable to sweep pending records", zap.String("run_id", runID), zap.Error(serr))
			}
			if swept > 0 {
				_ = ld.store.AddRunRowCounts(ctx, runID, 0, swept, 0)
			}
			return err
		}
	}

	// The loader guarantees no record is left pending after a write pass.
	swept, err := ld.store.MarkPendingFailed(ctx, runID, skippedDuringProcessing)
	if err != nil {
		return err
	}
	if swept > 0 {
		l.Warn("records were never processed during write pass",
			zap.String("run_id", runID),
			zap.Int64("count", swept),
		)
		totalFailed += swept
		err = ld.store.AddRunRowCounts(ctx, runID, 0, swept, 0)
		if err != nil {
			return err
		}
	}

	terminal := runs.StatusSuccess
	if totalSuccess == 0 && totalFailed > 0 {
		terminal = runs.StatusFailed
	}

	_, err = ld.store.TransitionRun(ctx, runID, terminal)
	if err != nil {
		return err
	}

	l.Info("load complete",
		zap.String("sync_id", syncID),
		zap.String("run_id", runID),
		zap.Int64("successful_rows", totalSuccess),
		zap.Int64("failed_rows", totalFailed),
	)

	return nil
}

// transformRecord applies the sync's field mapping to one ledger row.
func transformRecord(sc *store.Sync, rec *store.SyncRecord) connector.Record {
	return connector.Record{Data: transform.Apply(sc.Mappings, rec.Record)}
}

// actionGroups splits a page by staged action while preserving order within
// each group. A destination write carries exactly one action.
func actionGroups(page []*store.SyncRecord) map[connector.Action][]*store.SyncRecord {
	groups := make(map[connector.Action][]*store.SyncRecord, 2)
	for _, rec := range page {
		groups[rec.Action] = append(groups[rec.Action], rec)
	}
	return groups
}

// loadBatch sends a page as one write per action group. Batch destinations
// are assumed to fail atomically: a tracking result with zero successes is
// run-fatal. Partial results must carry per-record acknowledgements;
// anything else is a protocol violation.
func (ld *Standard) loadBatch(ctx context.Context, sc *store.Sync, cfg connector.SyncConfig, page []*store.SyncRecord) (int64, int64, error) {
	var succeeded, failed int64

	for action, group := range actionGroups(page) {
		records := make([]connector.Record, len(group))
		for i, rec := range group {
			records[i] = transformRecord(sc, rec)
		}

		tracking, err := ld.destination.Write(ctx, cfg, records, action)
		if err != nil {
			return succeeded, failed, fmt.Errorf("loader: batch write failed: %w", err)
		}

		err = tracking.Validate(len(records))
		if err != nil {
			return succeeded, failed, fmt.Errorf("loader: %w", err)
		}

		if tracking.SuccessCount == 0 {
			return succeeded, failed, fmt.Errorf(
				"loader: destination rejected entire batch of %d records for sync '%s'", len(records), sc.SyncID,
			)
		}

		s, f, err := ld.reconcileBatch(ctx, group, tracking)
		if err != nil {
			return succeeded, failed, err
		}
		succeeded += s
		failed += f
	}

	return succeeded, failed, nil
}

// reconcileBatch marks each record of a batch write according to the
// tracking result.
func (ld *Standard) reconcileBatch(ctx context.Context, group []*store.SyncRecord, tracking *connector.TrackingResult) (int64, int64, error) {
	// Full success needs no per-record acknowledgement.
	if tracking.FailedCount == 0 {
		for _, rec := range group {
			err := ld.store.SetRecordStatus(ctx, rec.ID, store.RecordStatusSuccess)
			if err != nil {
				return 0, 0, err
			}
		}
		return int64(len(group)), 0, nil
	}

	// Partial failure: the destination must say which records failed.
	if len(tracking.Records) == 0 {
		return 0, 0, fmt.Errorf(
			"loader: destination reported partial batch failure (success=%d failed=%d) without per-record results",
			tracking.SuccessCount, tracking.FailedCount,
		)
	}

	results := make(map[int]connector.RecordResult, len(tracking.Records))
	for _, r := range tracking.Records {
		results[r.Index] = r
	}

	var succeeded, failed int64
	for i, rec := range group {
		res, ok := results[i]
		if ok && res.Success {
			err := ld.store.SetRecordStatus(ctx, rec.ID, store.RecordStatusSuccess, toRecordLogs(res.Logs)...)
			if err != nil {
				return succeeded, failed, err
			}
			succeeded++
			continue
		}

		entries := toRecordLogs(res.Logs)
		if len(entries) == 0 {
			entries = []store.RecordLog{store.NewRecordLog(connector.LogEntry{
				Level:   "error",
				Message: "destination reported record as failed",
			})}
		}
		err := ld.store.SetRecordStatus(ctx, rec.ID, store.RecordStatusFailed, entries...)
		if err != nil {
			return succeeded, failed, err
		}
		failed++
	}

	return succeeded, failed, nil
}

// loadIndividual dispatches records one at a time across a bounded worker
// pool, throttled to the destination's declared rate limit. Each result
// updates only its own record, so worker order does not matter.
func (ld *Standard) loadIndividual(
	ctx context.Context,
	sc *store.Sync,
	cfg connector.SyncConfig,
	limiter ratelimit.Limiter,
	page []*store.SyncRecord,
) (int64, int64, error) {
	var succeeded, failed int64
	var protocolErr, storeErr atomic.Value

	workers := ld.cfg.workerCount()
	if workers > len(page) {
		workers = len(page)
	}

	jobs := make(chan *store.SyncRecord)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range jobs {
				if protocolErr.Load() != nil || storeErr.Load() != nil {
					continue
				}

				limiter.Take()

				tracking, err := ld.destination.Write(ctx, cfg, []connector.Record{transformRecord(sc, rec)}, rec.Action)
				if err != nil {
					entry := store.NewRecordLog(connector.LogEntry{
						Level:   "error",
						Message: fmt.Sprintf("destination write failed: %v", err),
					})
					if serr := ld.store.SetRecordStatus(ctx, rec.ID, store.RecordStatusFailed, entry); serr != nil {
						storeErr.Store(fmt.Errorf("unable to update record %d after write: %w", rec.ID, serr))
						continue
					}
					atomic.AddInt64(&failed, 1)
					continue
				}

				if verr := tracking.Validate(1); verr != nil {
					protocolErr.Store(verr)
					continue
				}

				status := store.RecordStatusSuccess
				if tracking.SuccessCount != 1 {
					status = store.RecordStatusFailed
				}

				// A ledger write that fails after the destination accepted
				// the record must stop the run; counting it either way would
				// let the run finish with a ledger that disagrees with the
				// destination.
				if serr := ld.store.SetRecordStatus(ctx, rec.ID, status, toRecordLogs(tracking.Logs)...); serr != nil {
					storeErr.Store(fmt.Errorf("unable to update record %d after write: %w", rec.ID, serr))
					continue
				}

				if status == store.RecordStatusSuccess {
					atomic.AddInt64(&succeeded, 1)
				} else {
					atomic.AddInt64(&failed, 1)
				}
			}
		}()
	}

	for _, rec := range page {
		jobs <- rec
	}
	close(jobs)

	wg.Wait()

	if perr := protocolErr.Load(); perr != nil {
		return succeeded, failed, fmt.Errorf("loader: %w", perr.(error))
	}
	if serr := storeErr.Load(); serr != nil {
		return succeeded, failed, fmt.Errorf("loader: %w", serr.(error))
	}

	return succeeded, failed, nil
}

func toRecordLogs(entries []connector.LogEntry) []store.RecordLog {
	if len(entries) == 0 {
		return nil
	}
	logs := make([]store.RecordLog, len(entries))
	for i, e := range entries {
		logs[i] = store.NewRecordLog(e)
	}
	return logs
}

func (ld *Standard) failRun(ctx context.Context, runID string) {
	if _, err := ld.store.TransitionRun(ctx, runID, runs.StatusFailed); err != nil {
		ctxzap.Extract(ctx).Error("unable to mark run failed", zap.String("run_id", runID), zap.Error(err))
	}
}
