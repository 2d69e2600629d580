// Package sqlite stores the session catalog in a local SQLite file using the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pulsewatch/internal/catalog/core"
	"pulsewatch/internal/infra/persistence/sqlcatalog"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const ddl = `CREATE TABLE IF NOT EXISTS sessions (
	patient_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	recordings INTEGER NOT NULL,
	total_rows INTEGER NOT NULL,
	total_bytes INTEGER NOT NULL,
	schema_consistent BOOLEAN NOT NULL,
	last_updated TIMESTAMP NOT NULL,
	version INTEGER NOT NULL,
	PRIMARY KEY (patient_id, session_id)
)`

// Store is a SQLite-backed catalog.
type Store struct {
	*sqlcatalog.Store
	path string
}

// NewStore opens (creating if needed) the catalog database at path.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "pulsewatch.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serialises writers instead of surfacing SQLITE_BUSY
	db.SetMaxOpenConns(1)
	s := &Store{
		Store: sqlcatalog.New(db, sqlcatalog.Dialect{Driver: core.DriverSQLite, DDL: ddl, Placeholder: sqlcatalog.Question}),
		path:  path,
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
