package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/doug-martin/goqu/v9"
	"github.com/maypok86/otter/v2"
	"go.opentelemetry.io/otel"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want,
	// and allocates a ton of memory.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("outflow/pkg.store")

const fingerprintCacheSize = 65536

type pragma struct {
	name  string
	value string
}

// tableDescriptor describes a versioned table so schema changes can ship as
// new table versions.
type tableDescriptor interface {
	Name() string
	Version() string
	Schema() (string, []interface{})
}

var allTableDescriptors = []tableDescriptor{
	syncs,
	syncRuns,
	syncRecords,
}

// Store is the relational ledger behind the sync engine: sync definitions,
// run lifecycle rows, and the per-primary-key record ledger.
type Store struct {
	rawDb      *sql.DB
	db         *goqu.Database
	dbFilePath string
	pragmas    []pragma

	// fingerprints caches (sync_id, primary_key) -> fingerprint lookups for
	// incremental diffing. Writes invalidate through it.
	fingerprints *otter.Cache[string, string]
}

type Option func(*Store)

func WithPragma(name string, value string) Option {
	return func(s *Store) {
		s.pragmas = append(s.pragmas, pragma{name, value})
	}
}

// New opens (creating if necessary) the sqlite-backed store rooted at
// workingDir.
func New(ctx context.Context, workingDir string, opts ...Option) (*Store, error) {
	ctx, span := tracer.Start(ctx, "store.New")
	defer span.End()

	err := os.MkdirAll(workingDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("store: could not create working directory: %w", err)
	}

	s := &Store{
		dbFilePath: filepath.Join(workingDir, "outflow.db"),
		pragmas: []pragma{
			{"journal_mode", "WAL"},
			{"busy_timeout", "5000"},
			{"foreign_keys", "ON"},
		},
	}

	for _, opt := range opts {
		opt(s)
	}

	rawDb, err := sql.Open("sqlite", s.dbFilePath)
	if err != nil {
		return nil, fmt.Errorf("store: unable to open database: %w", err)
	}

	for _, p := range s.pragmas {
		_, err = rawDb.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value))
		if err != nil {
			return nil, fmt.Errorf("store: unable to set pragma %s: %w", p.name, err)
		}
	}

	s.rawDb = rawDb
	s.db = goqu.New("sqlite3", rawDb)

	cache, err := otter.New(&otter.Options[string, string]{
		MaximumSize: fingerprintCacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("store: unable to create fingerprint cache: %w", err)
	}
	s.fingerprints = cache

	err = s.init(ctx)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, t := range allTableDescriptors {
		stmt, args := t.Schema()
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(stmt, args...))
		if err != nil {
			return fmt.Errorf("store: unable to create table %s: %w", t.Name(), err)
		}
	}

	return nil
}

// DbPath returns the path of the underlying sqlite file. Used by snapshot
// export.
func (s *Store) DbPath() string {
	return s.dbFilePath
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.rawDb == nil {
		return nil
	}

	err := s.rawDb.Close()
	if err != nil {
		return fmt.Errorf("store: error closing database: %w", err)
	}
	s.rawDb = nil
	s.db = nil

	return nil
}

func (s *Store) validateDb(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store: database is not open")
	}
	return nil
}

// Vacuum runs a VACUUM on the database to reclaim space.
func (s *Store) Vacuum(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Store.Vacuum")
	defer span.End()

	err := s.validateDb(ctx)
	if err != nil {
		return err
	}

	_, err = s.rawDb.ExecContext(ctx, "VACUUM")
	return err
}
