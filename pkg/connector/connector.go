package connector

import (
	"context"
	"fmt"
	"time"
)

// SyncMode selects how an extractor treats previously synced records.
type SyncMode string

const (
	SyncModeFullRefresh SyncMode = "full_refresh"
	SyncModeIncremental SyncMode = "incremental"
)

// Action is the destination operation a sync record is staged for.
type Action string

const (
	ActionInsert Action = "destination_insert"
	ActionUpdate Action = "destination_update"
)

// Model describes the extraction query and which source field uniquely
// identifies a row.
type Model struct {
	Name       string `json:"name"`
	Query      string `json:"query"`
	PrimaryKey string `json:"primary_key"`
	// Scraped marks models whose query has already run by extraction time
	// (web scrapes); a single read returns the complete result.
	Scraped bool `json:"scraped,omitempty"`
}

// Stream is the destination-side descriptor the loader consumes. When
// BatchSupport is false records are written one at a time, optionally
// throttled to RequestsPerSecond.
type Stream struct {
	Name              string `json:"name"`
	BatchSupport      bool   `json:"batch_support"`
	BatchSize         int64  `json:"batch_size"`
	RequestsPerSecond int    `json:"requests_per_second"`
}

// SyncConfig is the request envelope passed to connector clients. Offset and
// Limit are set by the batch iterator; everything else comes from the sync
// definition.
type SyncConfig struct {
	SyncID        string   `json:"sync_id"`
	SyncRunID     string   `json:"sync_run_id"`
	Mode          SyncMode `json:"mode"`
	Model         Model    `json:"model"`
	Stream        Stream   `json:"stream"`
	CursorField   string   `json:"cursor_field,omitempty"`
	CurrentCursor string   `json:"current_cursor,omitempty"`
	Offset        int64    `json:"offset"`
	Limit         int64    `json:"limit"`
}

// Record is one row read from a source or written to a destination.
type Record struct {
	Data      map[string]any `json:"data"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// LogEntry captures a request/response pair from a connector call for
// per-record diagnostics.
type LogEntry struct {
	Level    string `json:"level"`
	Message  string `json:"message"`
	Request  string `json:"request,omitempty"`
	Response string `json:"response,omitempty"`
}

// RecordResult is a destination's per-record acknowledgement within a batch
// write. Index refers to the position in the records slice passed to Write.
type RecordResult struct {
	Index   int        `json:"index"`
	Success bool       `json:"success"`
	Logs    []LogEntry `json:"logs,omitempty"`
}

// TrackingResult is the only acceptable return shape for a destination
// write. Records is optional; when present it carries per-record
// acknowledgements for partial batch failures.
type TrackingResult struct {
	SuccessCount int64          `json:"success_count"`
	FailedCount  int64          `json:"failed_count"`
	Logs         []LogEntry     `json:"logs,omitempty"`
	Records      []RecordResult `json:"records,omitempty"`
}

// Validate checks that a tracking result is well formed for a write of n
// records. Anything else is a protocol violation and run-fatal.
func (t *TrackingResult) Validate(n int) error {
	if t == nil {
		return fmt.Errorf("destination returned no tracking result")
	}
	if t.SuccessCount < 0 || t.FailedCount < 0 {
		return fmt.Errorf("destination returned negative tracking counts (success=%d failed=%d)", t.SuccessCount, t.FailedCount)
	}
	if t.SuccessCount+t.FailedCount > int64(n) {
		return fmt.Errorf("destination tracking counts exceed records written (success=%d failed=%d records=%d)", t.SuccessCount, t.FailedCount, n)
	}
	return nil
}

// SourceClient reads pages of records. Read must honor Offset/Limit and
// return fewer records than Limit exactly when the source is exhausted.
type SourceClient interface {
	Read(ctx context.Context, cfg SyncConfig) ([]Record, error)
}

// RecordCounter is implemented by sources that can cheaply report the total
// row count for a query. Used for randomized sampling in test runs.
type RecordCounter interface {
	CountRecords(ctx context.Context, cfg SyncConfig) (int64, error)
}

// DestinationClient writes records staged for a single action and reports
// the outcome as a tracking result.
type DestinationClient interface {
	Write(ctx context.Context, cfg SyncConfig, records []Record, action Action) (*TrackingResult, error)
}
