// Package postgres stores the session catalog in Postgres through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"pulsewatch/internal/catalog/core"
	"pulsewatch/internal/infra/persistence/sqlcatalog"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/pulsewatch?sslmode=disable"
)

const ddl = `CREATE TABLE IF NOT EXISTS sessions (
	patient_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	recordings INTEGER NOT NULL,
	total_rows BIGINT NOT NULL,
	total_bytes BIGINT NOT NULL,
	schema_consistent BOOLEAN NOT NULL,
	last_updated TIMESTAMPTZ NOT NULL,
	version BIGINT NOT NULL,
	PRIMARY KEY (patient_id, session_id)
)`

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store is a Postgres-backed catalog.
type Store struct {
	*sqlcatalog.Store
}

// NewStore connects using dsn (falls back to defaultDSN) and creates the
// sessions table when missing.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{Store: sqlcatalog.New(db, sqlcatalog.Dialect{
		Driver:      core.DriverPostgres,
		DDL:         ddl,
		Placeholder: sqlcatalog.Dollar,
	})}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
