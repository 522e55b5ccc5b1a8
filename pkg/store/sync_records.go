package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"

	"github.com/outflowhq/outflow/pkg/connector"
)

const syncRecordsTableVersion = "1"
const syncRecordsTableName = "sync_records"
const syncRecordsTableSchema = `
create table if not exists %s (
    id integer primary key,
    sync_id text not null,
    primary_key text not null,
    record blob not null,
    fingerprint text not null,
    action text not null,
    status text not null default 'pending',
    logs blob not null default '[]',
    sync_run_id text not null,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (sync_id, primary_key);
create unique index if not exists %s on %s (sync_id, fingerprint);
create index if not exists %s on %s (sync_run_id, status);`

var syncRecords = (*syncRecordsTable)(nil)

type syncRecordsTable struct{}

func (t *syncRecordsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), syncRecordsTableName)
}

func (t *syncRecordsTable) Version() string {
	return syncRecordsTableVersion
}

func (t *syncRecordsTable) Schema() (string, []interface{}) {
	return syncRecordsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_sync_records_sync_pk_v%s", t.Version()),
		t.Name(),
		fmt.Sprintf("idx_sync_records_sync_fp_v%s", t.Version()),
		t.Name(),
		fmt.Sprintf("idx_sync_records_run_status_v%s", t.Version()),
		t.Name(),
	}
}

// RecordStatus is the loader-facing state of a sync record.
type RecordStatus string

const (
	RecordStatusPending RecordStatus = "pending"
	RecordStatusSuccess RecordStatus = "success"
	RecordStatusFailed  RecordStatus = "failed"
)

// RecordLog is one diagnostic entry in a sync record's log trail.
type RecordLog struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	connector.LogEntry
}

// NewRecordLog stamps a connector log entry with an ID and timestamp.
func NewRecordLog(entry connector.LogEntry) RecordLog {
	return RecordLog{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		LogEntry:  entry,
	}
}

// SyncRecord is the ledger entry for one logical row of a sync. It survives
// across runs and is stamped with the run that last wrote it.
type SyncRecord struct {
	ID          int64            `json:"id"`
	SyncID      string           `json:"sync_id"`
	PrimaryKey  string           `json:"primary_key"`
	Record      map[string]any   `json:"record"`
	Fingerprint string           `json:"fingerprint"`
	Action      connector.Action `json:"action"`
	Status      RecordStatus     `json:"status"`
	Logs        []RecordLog      `json:"logs,omitempty"`
	SyncRunID   string           `json:"sync_run_id"`
}

func fingerprintCacheKey(syncID, primaryKey string) string {
	return fmt.Sprintf("%s/%s", syncID, primaryKey)
}

func (r *SyncRecord) fields() (goqu.Record, error) {
	payload, err := json.Marshal(r.Record)
	if err != nil {
		return nil, fmt.Errorf("store: unable to serialize record '%s': %w", r.PrimaryKey, err)
	}
	logs, err := json.Marshal(r.Logs)
	if err != nil {
		return nil, fmt.Errorf("store: unable to serialize logs for record '%s': %w", r.PrimaryKey, err)
	}

	return goqu.Record{
		"sync_id":     r.SyncID,
		"primary_key": r.PrimaryKey,
		"record":      payload,
		"fingerprint": r.Fingerprint,
		"action":      string(r.Action),
		"status":      string(r.Status),
		"logs":        logs,
		"sync_run_id": r.SyncRunID,
		"updated_at":  timeNow(),
	}, nil
}

// BulkInsertRecords inserts a batch of sync records, skipping rows that
// collide with an existing (sync_id, primary_key) or (sync_id, fingerprint).
// The returned count is the number of rows actually inserted; callers log a
// mismatch against the prepared count rather than failing the batch.
func (s *Store) BulkInsertRecords(ctx context.Context, records ...*SyncRecord) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.BulkInsertRecords")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return 0, err
	}

	if len(records) == 0 {
		return 0, nil
	}

	rows := make([]interface{}, 0, len(records))
	for _, r := range records {
		fields, err := r.fields()
		if err != nil {
			return 0, err
		}
		fields["created_at"] = timeNow()
		rows = append(rows, fields)
	}

	q := s.db.Insert(syncRecords.Name()).Prepared(true)
	q = q.Rows(rows...)
	q = q.OnConflict(goqu.DoNothing())

	query, args, err := q.ToSQL()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: bulk insert of %d records failed: %w", len(records), err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	for _, r := range records {
		s.fingerprints.Set(fingerprintCacheKey(r.SyncID, r.PrimaryKey), r.Fingerprint)
	}

	return inserted, nil
}

// UpsertRecord writes one sync record, using the unique (sync_id,
// primary_key) index as the conflict resolver: a worker that loses the
// insert race falls through to an update of the existing row. Safe to call
// from concurrent workers.
func (s *Store) UpsertRecord(ctx context.Context, r *SyncRecord) error {
	ctx, span := tracer.Start(ctx, "Store.UpsertRecord")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	fields, err := r.fields()
	if err != nil {
		return err
	}

	insertFields := goqu.Record{"created_at": timeNow()}
	for k, v := range fields {
		insertFields[k] = v
	}

	q := s.db.Insert(syncRecords.Name()).Prepared(true)
	q = q.Rows(insertFields)
	q = q.OnConflict(goqu.DoUpdate("sync_id, primary_key", fields))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: unable to upsert record '%s' for sync '%s': %w", r.PrimaryKey, r.SyncID, err)
	}

	s.fingerprints.Set(fingerprintCacheKey(r.SyncID, r.PrimaryKey), r.Fingerprint)

	return nil
}

const recordColumns = "id, sync_id, primary_key, record, fingerprint, action, status, logs, sync_run_id"

func scanRecord(row runScanner) (*SyncRecord, error) {
	ret := &SyncRecord{}
	var payload, logs []byte
	var action, status string

	err := row.Scan(
		&ret.ID, &ret.SyncID, &ret.PrimaryKey,
		&payload, &ret.Fingerprint, &action, &status, &logs,
		&ret.SyncRunID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ret.Action = connector.Action(action)
	ret.Status = RecordStatus(status)
	if err := json.Unmarshal(payload, &ret.Record); err != nil {
		return nil, fmt.Errorf("store: corrupt payload for record '%s': %w", ret.PrimaryKey, err)
	}
	if err := json.Unmarshal(logs, &ret.Logs); err != nil {
		return nil, fmt.Errorf("store: corrupt logs for record '%s': %w", ret.PrimaryKey, err)
	}

	return ret, nil
}

// GetRecord fetches the ledger entry for one primary key.
func (s *Store) GetRecord(ctx context.Context, syncID string, primaryKey string) (*SyncRecord, error) {
	ctx, span := tracer.Start(ctx, "Store.GetRecord")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	q := s.db.From(syncRecords.Name())
	q = q.Select(goqu.L(recordColumns))
	q = q.Where(goqu.C("sync_id").Eq(syncID))
	q = q.Where(goqu.C("primary_key").Eq(primaryKey))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	return scanRecord(s.db.QueryRowContext(ctx, query, args...))
}

// GetRecordFingerprint returns the stored fingerprint for a primary key, or
// ok=false when the key has never been synced. Lookups are served from an
// in-memory cache that writes keep coherent, since incremental extraction
// probes this once per source record.
func (s *Store) GetRecordFingerprint(ctx context.Context, syncID string, primaryKey string) (string, bool, error) {
	ctx, span := tracer.Start(ctx, "Store.GetRecordFingerprint")
	defer span.End()

	key := fingerprintCacheKey(syncID, primaryKey)
	if fp, ok := s.fingerprints.GetIfPresent(key); ok {
		return fp, true, nil
	}

	rec, err := s.GetRecord(ctx, syncID, primaryKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}

	s.fingerprints.Set(key, rec.Fingerprint)
	return rec.Fingerprint, true, nil
}

// ListPendingRecords returns up to limit records still awaiting dispatch for
// the given run. The loader calls this repeatedly; records leave pending as
// they are processed, so the same call makes progress without a page token.
func (s *Store) ListPendingRecords(ctx context.Context, runID string, limit uint32) ([]*SyncRecord, error) {
	ctx, span := tracer.Start(ctx, "Store.ListPendingRecords")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	if limit > maxPageSize*10 || limit == 0 {
		limit = maxPageSize
	}

	q := s.db.From(syncRecords.Name()).Prepared(true)
	q = q.Select(goqu.L(recordColumns))
	q = q.Where(goqu.C("sync_run_id").Eq(runID))
	q = q.Where(goqu.C("status").Eq(string(RecordStatusPending)))
	q = q.Order(goqu.C("id").Asc())
	q = q.Limit(uint(limit))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ret []*SyncRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ret, nil
}

// SetRecordStatus updates one record's status and appends log entries. Safe
// to call from concurrent workers; each worker owns exactly one record.
func (s *Store) SetRecordStatus(ctx context.Context, recordID int64, status RecordStatus, entries ...RecordLog) error {
	ctx, span := tracer.Start(ctx, "Store.SetRecordStatus")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	fields := goqu.Record{"status": string(status), "updated_at": timeNow()}
	if len(entries) > 0 {
		// Read-modify-write is safe here, each worker owns exactly one
		// record at a time.
		existing, err := s.recordLogs(ctx, recordID)
		if err != nil {
			return err
		}
		logs, err := json.Marshal(append(existing, entries...))
		if err != nil {
			return fmt.Errorf("store: unable to serialize logs for record %d: %w", recordID, err)
		}
		fields["logs"] = logs
	}

	q := s.db.Update(syncRecords.Name())
	q = q.Set(fields)
	q = q.Where(goqu.C("id").Eq(recordID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *Store) recordLogs(ctx context.Context, recordID int64) ([]RecordLog, error) {
	q := s.db.From(syncRecords.Name()).Prepared(true)
	q = q.Select("logs")
	q = q.Where(goqu.C("id").Eq(recordID))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	var raw []byte
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var logs []RecordLog
	if err := json.Unmarshal(raw, &logs); err != nil {
		return nil, fmt.Errorf("store: corrupt logs for record %d: %w", recordID, err)
	}
	return logs, nil
}

// MarkPendingFailed fails every record of the run still pending and returns
// how many were swept. The loader uses this so no record is ever left in
// pending after a write pass.
func (s *Store) MarkPendingFailed(ctx context.Context, runID string, message string) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.MarkPendingFailed")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return 0, err
	}

	logs, err := json.Marshal([]RecordLog{NewRecordLog(connector.LogEntry{Level: "error", Message: message})})
	if err != nil {
		return 0, err
	}

	q := s.db.Update(syncRecords.Name())
	q = q.Set(goqu.Record{
		"status":     string(RecordStatusFailed),
		"logs":       logs,
		"updated_at": timeNow(),
	})
	q = q.Where(goqu.C("sync_run_id").Eq(runID))
	q = q.Where(goqu.C("status").Eq(string(RecordStatusPending)))

	query, args, err := q.ToSQL()
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// DeleteSyncRecords removes the entire record ledger for a sync. Full
// refresh replaces everything, so this runs before the first insert.
func (s *Store) DeleteSyncRecords(ctx context.Context, syncID string) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteSyncRecords")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	q := s.db.Delete(syncRecords.Name())
	q = q.Where(goqu.C("sync_id").Eq(syncID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	s.fingerprints.InvalidateAll()

	return nil
}

// DeleteRunRecords removes records written by a specific run. Used when a
// cancelled run needs its in-flight rows purged.
func (s *Store) DeleteRunRecords(ctx context.Context, syncID string, runID string) error {
	ctx, span := tracer.Start(ctx, "Store.DeleteRunRecords")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	q := s.db.Delete(syncRecords.Name())
	q = q.Where(goqu.C("sync_id").Eq(syncID))
	q = q.Where(goqu.C("sync_run_id").Eq(runID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	s.fingerprints.InvalidateAll()

	return nil
}

// CountRecords returns how many ledger entries a sync has, optionally
// filtered to one status.
func (s *Store) CountRecords(ctx context.Context, syncID string, status RecordStatus) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.CountRecords")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return 0, err
	}

	q := s.db.From(syncRecords.Name())
	q = q.Select(goqu.COUNT("*"))
	q = q.Where(goqu.C("sync_id").Eq(syncID))
	if status != "" {
		q = q.Where(goqu.C("status").Eq(string(status)))
	}

	query, args, err := q.ToSQL()
	if err != nil {
		return 0, err
	}

	var count int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, err
	}

	return count, nil
}
