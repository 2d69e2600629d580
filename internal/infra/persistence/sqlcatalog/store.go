// Package sqlcatalog implements the session catalog over database/sql. The
// sqlite and postgres packages supply the connection and the dialect.
package sqlcatalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"pulsewatch/internal/catalog/core"
)

// Dialect carries the per-database differences.
type Dialect struct {
	Driver core.Driver
	// DDL creates the sessions table if missing.
	DDL string
	// Placeholder returns the bind marker of the n-th (1-based) argument.
	Placeholder func(n int) string
}

// Question binds with "?" (sqlite).
func Question(int) string { return "?" }

// Dollar binds with "$n" (postgres).
func Dollar(n int) string { return fmt.Sprintf("$%d", n) }

var columns = []string{
	"patient_id", "session_id", "recordings", "total_rows", "total_bytes",
	"schema_consistent", "last_updated", "version",
}

// Store is a Catalog over a *sql.DB.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	upsertSQL string
}

// New wraps db. Call Migrate before use.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d, upsertSQL: upsertStatement(d)}
}

func upsertStatement(d Dialect) string {
	binds := make([]string, len(columns))
	sets := make([]string, 0, len(columns)-2)
	for i, c := range columns {
		binds[i] = d.Placeholder(i + 1)
		if i >= 2 {
			sets = append(sets, c+"=excluded."+c)
		}
	}
	return fmt.Sprintf(
		"INSERT INTO sessions(%s) VALUES(%s) ON CONFLICT(patient_id, session_id) DO UPDATE SET %s WHERE sessions.version <= excluded.version",
		strings.Join(columns, ", "), strings.Join(binds, ", "), strings.Join(sets, ", "))
}

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.DDL); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

func (s *Store) Driver() core.Driver { return s.dialect.Driver }

// Upsert inserts e or replaces an older version of it.
func (s *Store) Upsert(ctx context.Context, e core.Entry) error {
	_, err := s.db.ExecContext(ctx, s.upsertSQL,
		e.PatientID, e.SessionID, e.Recordings, e.TotalRows, e.TotalBytes,
		e.SchemaConsistent, e.LastUpdated.UTC(), e.Version)
	if err != nil {
		return fmt.Errorf("upsert session %s/%s: %w", e.PatientID, e.SessionID, err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (core.Stats, error) {
	var st core.Stats
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT patient_id), COUNT(*), COALESCE(SUM(recordings), 0) FROM sessions`)
	if err := row.Scan(&st.Patients, &st.Sessions, &st.Recordings); err != nil {
		return core.Stats{}, fmt.Errorf("select stats: %w", err)
	}
	return st, nil
}

func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("reset sessions: %w", err)
	}
	return nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }
