package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/runs"
)

const maxPageSize = 100

const syncRunsTableVersion = "1"
const syncRunsTableName = "sync_runs"
const syncRunsTableSchema = `
create table if not exists %s (
    id integer primary key,
    run_id text not null,
    sync_id text not null,
    status text not null default 'pending',
    run_type text not null default 'general',
    current_offset integer not null default 0,
    total_query_rows integer not null default 0,
    skipped_rows integer not null default 0,
    successful_rows integer not null default 0,
    failed_rows integer not null default 0,
    started_at datetime,
    finished_at datetime,
    discarded_at datetime,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (run_id);
create index if not exists %s on %s (sync_id, status);`

var syncRuns = (*syncRunsTable)(nil)

type syncRunsTable struct{}

func (t *syncRunsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), syncRunsTableName)
}

func (t *syncRunsTable) Version() string {
	return syncRunsTableVersion
}

func (t *syncRunsTable) Schema() (string, []interface{}) {
	return syncRunsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_sync_runs_run_id_v%s", t.Version()),
		t.Name(),
		fmt.Sprintf("idx_sync_runs_sync_status_v%s", t.Version()),
		t.Name(),
	}
}

// CreateRun inserts a new pending run for the given sync and returns it.
func (s *Store) CreateRun(ctx context.Context, syncID string, runType runs.RunType) (*runs.Run, error) {
	ctx, span := tracer.Start(ctx, "Store.CreateRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &runs.Run{
		ID:        ksuid.New().String(),
		SyncID:    syncID,
		Status:    runs.StatusPending,
		Type:      runType,
		StartedAt: &now,
	}

	q := s.db.Insert(syncRuns.Name()).Prepared(true)
	q = q.Rows(goqu.Record{
		"run_id":     run.ID,
		"sync_id":    run.SyncID,
		"status":     run.Status.String(),
		"run_type":   string(run.Type),
		"started_at": timeNow(),
		"created_at": timeNow(),
		"updated_at": timeNow(),
	})

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: unable to create run for sync '%s': %w", syncID, err)
	}

	return run, nil
}

const runColumns = "run_id, sync_id, status, run_type, current_offset, total_query_rows, skipped_rows, successful_rows, failed_rows, started_at, finished_at"

type runScanner interface {
	Scan(dest ...any) error
}

func scanRun(row runScanner) (*runs.Run, error) {
	ret := &runs.Run{}
	var status, runType string

	err := row.Scan(
		&ret.ID, &ret.SyncID, &status, &runType,
		&ret.CurrentOffset, &ret.TotalQueryRows,
		&ret.SkippedRows, &ret.SuccessfulRows, &ret.FailedRows,
		&ret.StartedAt, &ret.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ret.Status = runs.NewStatus(status)
	ret.Type = runs.RunType(runType)
	return ret, nil
}

// GetRun fetches a run by its ID.
func (s *Store) GetRun(ctx context.Context, runID string) (*runs.Run, error) {
	ctx, span := tracer.Start(ctx, "Store.GetRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	q := s.db.From(syncRuns.Name())
	q = q.Select(goqu.L(runColumns))
	q = q.Where(goqu.C("run_id").Eq(runID))
	q = q.Where(goqu.C("discarded_at").IsNull())

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	return scanRun(s.db.QueryRowContext(ctx, query, args...))
}

// TransitionRun attempts to move a run to the target status. The move is
// checked against the transition table inside a transaction so two callers
// cannot both win the same guard. A rejected transition is a logged no-op
// and returns (false, nil); this is what makes redundant triggers from an
// at-least-once scheduler safe.
func (s *Store) TransitionRun(ctx context.Context, runID string, to runs.Status) (bool, error) {
	ctx, span := tracer.Start(ctx, "Store.TransitionRun")
	defer span.End()

	l := ctxzap.Extract(ctx)

	err := s.validateDb(ctx)
	if err != nil {
		return false, err
	}

	tx, err := s.rawDb.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	sq := s.db.From(syncRuns.Name())
	sq = sq.Select("status")
	sq = sq.Where(goqu.C("run_id").Eq(runID))

	query, args, err := sq.ToSQL()
	if err != nil {
		return false, err
	}

	var current string
	err = tx.QueryRowContext(ctx, query, args...).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}

	from := runs.NewStatus(current)
	if !from.CanTransition(to) {
		l.Info("run transition rejected",
			zap.String("run_id", runID),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
		return false, nil
	}

	fields := goqu.Record{"status": to.String(), "updated_at": timeNow()}
	if to.Terminal() {
		fields["finished_at"] = timeNow()
	}

	uq := s.db.Update(syncRuns.Name())
	uq = uq.Set(fields)
	uq = uq.Where(goqu.C("run_id").Eq(runID))

	query, args, err = uq.ToSQL()
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}

	err = tx.Commit()
	if err != nil {
		return false, err
	}

	l.Debug("run transitioned",
		zap.String("run_id", runID),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	return true, nil
}

// CheckpointRun persists the run's extraction progress after a batch. When
// cursor is non-nil the owning sync's current_cursor is advanced in the same
// transaction, so a crash between batches resumes from a consistent
// offset/cursor pair.
func (s *Store) CheckpointRun(ctx context.Context, runID string, offset int64, totalQueryRows int64, cursor *string) error {
	ctx, span := tracer.Start(ctx, "Store.CheckpointRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	tx, err := s.rawDb.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	uq := s.db.Update(syncRuns.Name())
	uq = uq.Set(goqu.Record{
		"current_offset":   offset,
		"total_query_rows": totalQueryRows,
		"updated_at":       timeNow(),
	})
	uq = uq.Where(goqu.C("run_id").Eq(runID))

	query, args, err := uq.ToSQL()
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	if cursor != nil {
		cq := s.db.Update(syncs.Name())
		cq = cq.Set(goqu.Record{"current_cursor": *cursor, "updated_at": timeNow()})
		cq = cq.Where(goqu.C("sync_id").Eq(
			s.db.From(syncRuns.Name()).Select("sync_id").Where(goqu.C("run_id").Eq(runID)),
		))

		query, args, err = cq.ToSQL()
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// AddRunRowCounts increments the run's result counters. Only the
// single-threaded outer loop calls this; parallel workers never touch the
// run row.
func (s *Store) AddRunRowCounts(ctx context.Context, runID string, successful, failed, skipped int64) error {
	ctx, span := tracer.Start(ctx, "Store.AddRunRowCounts")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	q := s.db.Update(syncRuns.Name())
	q = q.Set(goqu.Record{
		"successful_rows": goqu.L("successful_rows + ?", successful),
		"failed_rows":     goqu.L("failed_rows + ?", failed),
		"skipped_rows":    goqu.L("skipped_rows + ?", skipped),
		"updated_at":      timeNow(),
	})
	q = q.Where(goqu.C("run_id").Eq(runID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// ListRuns pages through the runs for a sync, newest first.
func (s *Store) ListRuns(ctx context.Context, syncID string, pageToken string, pageSize uint32) ([]*runs.Run, string, error) {
	ctx, span := tracer.Start(ctx, "Store.ListRuns")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, "", err
	}

	q := s.db.From(syncRuns.Name()).Prepared(true)
	q = q.Select(goqu.L("id, " + runColumns))
	q = q.Where(goqu.C("sync_id").Eq(syncID))
	q = q.Where(goqu.C("discarded_at").IsNull())

	if pageToken != "" {
		q = q.Where(goqu.C("id").Lte(pageToken))
	}

	if pageSize > maxPageSize || pageSize <= 0 {
		pageSize = maxPageSize
	}

	q = q.Order(goqu.C("id").Desc())
	q = q.Limit(uint(pageSize + 1))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, "", err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var ret []*runs.Run
	var count uint32 = 0
	lastRow := 0
	for rows.Next() {
		count++
		if count > pageSize {
			break
		}
		rowId := 0
		data := &runs.Run{}
		var status, runType string
		err := rows.Scan(
			&rowId,
			&data.ID, &data.SyncID, &status, &runType,
			&data.CurrentOffset, &data.TotalQueryRows,
			&data.SkippedRows, &data.SuccessfulRows, &data.FailedRows,
			&data.StartedAt, &data.FinishedAt,
		)
		if err != nil {
			return nil, "", err
		}
		data.Status = runs.NewStatus(status)
		data.Type = runs.RunType(runType)
		lastRow = rowId
		ret = append(ret, data)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextPageToken := ""
	if count > pageSize {
		nextPageToken = strconv.Itoa(lastRow - 1)
	}

	return ret, nextPageToken, nil
}

// LatestActiveRun returns the most recent non-terminal run for a sync, or
// ErrNotFound when every run has finished.
func (s *Store) LatestActiveRun(ctx context.Context, syncID string) (*runs.Run, error) {
	ctx, span := tracer.Start(ctx, "Store.LatestActiveRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	terminal := []string{
		runs.StatusSuccess.String(),
		runs.StatusFailed.String(),
		runs.StatusAborted.String(),
	}

	q := s.db.From(syncRuns.Name())
	q = q.Select(goqu.L(runColumns))
	q = q.Where(goqu.C("sync_id").Eq(syncID))
	q = q.Where(goqu.C("status").NotIn(terminal))
	q = q.Where(goqu.C("discarded_at").IsNull())
	q = q.Order(goqu.C("id").Desc())
	q = q.Limit(1)

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	return scanRun(s.db.QueryRowContext(ctx, query, args...))
}

// DiscardRun soft-deletes a run. The core never hard-deletes run history.
func (s *Store) DiscardRun(ctx context.Context, runID string) error {
	ctx, span := tracer.Start(ctx, "Store.DiscardRun")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	q := s.db.Update(syncRuns.Name())
	q = q.Set(goqu.Record{"discarded_at": timeNow()})
	q = q.Where(goqu.C("run_id").Eq(runID))
	q = q.Where(goqu.C("discarded_at").IsNull())

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}
