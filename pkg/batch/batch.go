package batch

import (
	"context"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.uber.org/zap"

	"github.com/outflowhq/outflow/pkg/connector"
)

// Params configures one batched read loop against a source client.
type Params struct {
	// Offset is the row offset to resume from, usually the run's
	// current_offset checkpoint.
	Offset int64
	// BatchSize is the page size requested from the source on every read.
	BatchSize int64
	// SyncConfig is the request envelope. Offset/Limit are overwritten per
	// page.
	SyncConfig connector.SyncConfig
	// Client is the source to read from.
	Client connector.SourceClient
}

// Handler receives each page along with the offset after that page and, when
// the sync config names a cursor field, the cursor value of the last record
// in the page. Returning an error stops iteration.
type Handler func(records []connector.Record, offset int64, lastCursor string) error

// ExecuteInBatches repeatedly reads pages from the source, advancing the
// offset by BatchSize each iteration, until a page comes back smaller than
// requested. The handler is invoked for every page including the final
// short or empty one, so callers always observe the terminating read.
//
// This layer is deliberately dumb: no retries, no dedup, no cursor
// bookkeeping beyond surfacing the last-seen value. Read errors propagate to
// the caller untouched.
func ExecuteInBatches(ctx context.Context, p Params, handler Handler) error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch: batch size must be positive, got %d", p.BatchSize)
	}

	l := ctxzap.Extract(ctx)

	offset := p.Offset
	for {
		cfg := p.SyncConfig
		cfg.Offset = offset
		cfg.Limit = p.BatchSize

		records, err := p.Client.Read(ctx, cfg)
		if err != nil {
			return fmt.Errorf("batch: source read at offset %d: %w", offset, err)
		}

		if int64(len(records)) > p.BatchSize {
			return fmt.Errorf("batch: source returned %d records for a page of %d", len(records), p.BatchSize)
		}

		newOffset := offset + int64(len(records))

		lastCursor := ""
		if cfg.CursorField != "" && len(records) > 0 {
			if v, ok := records[len(records)-1].Data[cfg.CursorField]; ok {
				lastCursor = fmt.Sprintf("%v", v)
			}
		}

		l.Debug("fetched source page",
			zap.String("sync_id", cfg.SyncID),
			zap.Int64("offset", offset),
			zap.Int("records", len(records)),
		)

		err = handler(records, newOffset, lastCursor)
		if err != nil {
			return err
		}

		// A short page means the source is exhausted.
		if int64(len(records)) < p.BatchSize {
			return nil
		}

		offset = newOffset
	}
}
