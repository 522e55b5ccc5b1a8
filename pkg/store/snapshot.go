package store

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// SaveSnapshot writes a zstd-compressed copy of the store to path. The
// snapshot is a byte-for-byte archive of the sqlite file, suitable for run
// archival or moving a ledger between hosts.
func (s *Store) SaveSnapshot(ctx context.Context, path string) error {
	ctx, span := tracer.Start(ctx, "Store.SaveSnapshot")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	// Flush WAL contents into the main database file first.
	_, err = s.rawDb.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("store: wal checkpoint before snapshot: %w", err)
	}

	src, err := os.Open(s.dbFilePath)
	if err != nil {
		return fmt.Errorf("store: unable to open database file for snapshot: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("store: unable to create snapshot file: %w", err)
	}
	defer dst.Close()

	enc, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(enc, src)
	if err != nil {
		_ = enc.Close()
		return fmt.Errorf("store: error writing snapshot: %w", err)
	}

	err = enc.Close()
	if err != nil {
		return fmt.Errorf("store: error finalizing snapshot: %w", err)
	}

	return dst.Sync()
}

// RestoreSnapshot decompresses a snapshot file into dbPath. The store at
// that path must not be open.
func RestoreSnapshot(ctx context.Context, snapshotPath string, dbPath string) error {
	_, span := tracer.Start(ctx, "store.RestoreSnapshot")
	defer span.End()

	src, err := os.Open(snapshotPath)
	if err != nil {
		return fmt.Errorf("store: unable to open snapshot file: %w", err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return err
	}
	defer dec.Close()

	dst, err := os.Create(dbPath)
	if err != nil {
		return fmt.Errorf("store: unable to create database file: %w", err)
	}
	defer dst.Close()

	_, err = io.Copy(dst, dec.IOReadCloser())
	if err != nil {
		return fmt.Errorf("store: error restoring snapshot: %w", err)
	}

	return dst.Sync()
}
