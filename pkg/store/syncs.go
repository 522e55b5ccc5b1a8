package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/outflowhq/outflow/pkg/connector"
	"github.com/outflowhq/outflow/pkg/transform"
)

// ErrNotFound is returned when a requested sync, run, or record does not
// exist.
var ErrNotFound = errors.New("store: not found")

const syncsTableVersion = "1"
const syncsTableName = "syncs"
const syncsTableSchema = `
create table if not exists %s (
    id integer primary key,
    sync_id text not null,
    name text not null,
    mode text not null,
    model blob not null,
    stream blob not null,
    mappings blob not null,
    cursor_field text not null default '',
    current_cursor text not null default '',
    schedule_seconds integer not null default 0,
    discarded_at datetime,
    created_at datetime not null,
    updated_at datetime not null
);
create unique index if not exists %s on %s (sync_id);`

var syncs = (*syncsTable)(nil)

type syncsTable struct{}

func (t *syncsTable) Name() string {
	return fmt.Sprintf("v%s_%s", t.Version(), syncsTableName)
}

func (t *syncsTable) Version() string {
	return syncsTableVersion
}

func (t *syncsTable) Schema() (string, []interface{}) {
	return syncsTableSchema, []interface{}{
		t.Name(),
		fmt.Sprintf("idx_syncs_sync_id_v%s", t.Version()),
		t.Name(),
	}
}

// Sync is a durable sync definition: what to read, how to diff it, and where
// to write it.
type Sync struct {
	SyncID          string              `json:"sync_id"`
	Name            string              `json:"name"`
	Mode            connector.SyncMode  `json:"mode"`
	Model           connector.Model     `json:"model"`
	Stream          connector.Stream    `json:"stream"`
	Mappings        []transform.Mapping `json:"mappings,omitempty"`
	CursorField     string              `json:"cursor_field,omitempty"`
	CurrentCursor   string              `json:"current_cursor,omitempty"`
	ScheduleSeconds int64               `json:"schedule_seconds,omitempty"`
}

func timeNow() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05.999999999")
}

// PutSync inserts or replaces a sync definition.
func (s *Store) PutSync(ctx context.Context, sc *Sync) error {
	ctx, span := tracer.Start(ctx, "Store.PutSync")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	model, err := json.Marshal(sc.Model)
	if err != nil {
		return fmt.Errorf("store: unable to serialize model for sync '%s': %w", sc.SyncID, err)
	}
	stream, err := json.Marshal(sc.Stream)
	if err != nil {
		return fmt.Errorf("store: unable to serialize stream for sync '%s': %w", sc.SyncID, err)
	}
	mappings, err := json.Marshal(sc.Mappings)
	if err != nil {
		return fmt.Errorf("store: unable to serialize mappings for sync '%s': %w", sc.SyncID, err)
	}

	fields := goqu.Record{
		"sync_id":          sc.SyncID,
		"name":             sc.Name,
		"mode":             string(sc.Mode),
		"model":            model,
		"stream":           stream,
		"mappings":         mappings,
		"cursor_field":     sc.CursorField,
		"current_cursor":   sc.CurrentCursor,
		"schedule_seconds": sc.ScheduleSeconds,
		"updated_at":       timeNow(),
	}

	insertFields := goqu.Record{"created_at": timeNow()}
	for k, v := range fields {
		insertFields[k] = v
	}

	q := s.db.Insert(syncs.Name()).Prepared(true)
	q = q.Rows(insertFields)
	q = q.OnConflict(goqu.DoUpdate("sync_id", fields))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: unable to upsert sync '%s': %w", sc.SyncID, err)
	}

	return nil
}

func (s *Store) scanSync(row *sql.Row) (*Sync, error) {
	ret := &Sync{}
	var model, stream, mappings []byte
	var mode string

	err := row.Scan(&ret.SyncID, &ret.Name, &mode, &model, &stream, &mappings, &ret.CursorField, &ret.CurrentCursor, &ret.ScheduleSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	ret.Mode = connector.SyncMode(mode)
	if err := json.Unmarshal(model, &ret.Model); err != nil {
		return nil, fmt.Errorf("store: corrupt model for sync '%s': %w", ret.SyncID, err)
	}
	if err := json.Unmarshal(stream, &ret.Stream); err != nil {
		return nil, fmt.Errorf("store: corrupt stream for sync '%s': %w", ret.SyncID, err)
	}
	if err := json.Unmarshal(mappings, &ret.Mappings); err != nil {
		return nil, fmt.Errorf("store: corrupt mappings for sync '%s': %w", ret.SyncID, err)
	}

	return ret, nil
}

// GetSync fetches a sync definition by its ID. Discarded syncs are not
// returned.
func (s *Store) GetSync(ctx context.Context, syncID string) (*Sync, error) {
	ctx, span := tracer.Start(ctx, "Store.GetSync")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, err
	}

	q := s.db.From(syncs.Name())
	q = q.Select("sync_id", "name", "mode", "model", "stream", "mappings", "cursor_field", "current_cursor", "schedule_seconds")
	q = q.Where(goqu.C("sync_id").Eq(syncID))
	q = q.Where(goqu.C("discarded_at").IsNull())

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	return s.scanSync(s.db.QueryRowContext(ctx, query, args...))
}

// ListSyncs pages through non-discarded sync definitions.
func (s *Store) ListSyncs(ctx context.Context, pageToken string, pageSize uint32) ([]*Sync, string, error) {
	ctx, span := tracer.Start(ctx, "Store.ListSyncs")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return nil, "", err
	}

	q := s.db.From(syncs.Name()).Prepared(true)
	q = q.Select("id", "sync_id", "name", "mode", "model", "stream", "mappings", "cursor_field", "current_cursor", "schedule_seconds")
	q = q.Where(goqu.C("discarded_at").IsNull())

	if pageToken != "" {
		q = q.Where(goqu.C("id").Gte(pageToken))
	}

	if pageSize > maxPageSize || pageSize <= 0 {
		pageSize = maxPageSize
	}

	q = q.Order(goqu.C("id").Asc())
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

	var ret []*Sync
	var count uint32 = 0
	lastRow := 0
	for rows.Next() {
		count++
		if count > pageSize {
			break
		}
		rowId := 0
		data := &Sync{}
		var model, stream, mappings []byte
		var mode string
		err := rows.Scan(&rowId, &data.SyncID, &data.Name, &mode, &model, &stream, &mappings, &data.CursorField, &data.CurrentCursor, &data.ScheduleSeconds)
		if err != nil {
			return nil, "", err
		}
		data.Mode = connector.SyncMode(mode)
		if err := json.Unmarshal(model, &data.Model); err != nil {
			return nil, "", fmt.Errorf("store: corrupt model for sync '%s': %w", data.SyncID, err)
		}
		if err := json.Unmarshal(stream, &data.Stream); err != nil {
			return nil, "", fmt.Errorf("store: corrupt stream for sync '%s': %w", data.SyncID, err)
		}
		if err := json.Unmarshal(mappings, &data.Mappings); err != nil {
			return nil, "", fmt.Errorf("store: corrupt mappings for sync '%s': %w", data.SyncID, err)
		}
		lastRow = rowId
		ret = append(ret, data)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	nextPageToken := ""
	if count > pageSize {
		nextPageToken = strconv.Itoa(lastRow + 1)
	}

	return ret, nextPageToken, nil
}

// SetSyncCursor updates the sync's current cursor value outside of a
// checkpoint, used to restore the pre-run cursor when a run is cancelled.
func (s *Store) SetSyncCursor(ctx context.Context, syncID string, cursor string) error {
	ctx, span := tracer.Start(ctx, "Store.SetSyncCursor")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	q := s.db.Update(syncs.Name())
	q = q.Set(goqu.Record{"current_cursor": cursor, "updated_at": timeNow()})
	q = q.Where(goqu.C("sync_id").Eq(syncID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}

// DiscardSync soft-deletes a sync definition. Its run history and record
// ledger are kept.
func (s *Store) DiscardSync(ctx context.Context, syncID string) error {
	ctx, span := tracer.Start(ctx, "Store.DiscardSync")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	q := s.db.Update(syncs.Name())
	q = q.Set(goqu.Record{"discarded_at": timeNow()})
	q = q.Where(goqu.C("sync_id").Eq(syncID))
	q = q.Where(goqu.C("discarded_at").IsNull())

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, query, args...)
	return err
}
