// Package catalog keeps a queryable summary of every session next to the
// blob store and opens the configured backend.
package catalog

import (
	"context"
	"fmt"

	"pulsewatch/internal/catalog/core"
	"pulsewatch/internal/infra/persistence/memory"
	"pulsewatch/internal/infra/persistence/postgres"
	"pulsewatch/internal/infra/persistence/sqlite"
	"pulsewatch/internal/manifest"
)

type (
	// Catalog is the session catalog interface.
	Catalog = core.Catalog
	// Entry is one session row.
	Entry = core.Entry
	// Stats are aggregate counters.
	Stats = core.Stats
	// Driver identifies a backend.
	Driver = core.Driver
)

const (
	DriverMemory   = core.DriverMemory
	DriverSQLite   = core.DriverSQLite
	DriverPostgres = core.DriverPostgres
)

// Config selects a backend. DSN is a file path for sqlite and a connection
// string for postgres.
type Config struct {
	Driver Driver
	DSN    string
}

// Open returns the configured catalog (default memory).
func Open(ctx context.Context, cfg Config) (Catalog, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return memory.NewStore(), nil
	case DriverSQLite:
		return sqlite.NewStore(ctx, cfg.DSN)
	case DriverPostgres:
		return postgres.NewStore(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown catalog driver %s", cfg.Driver)
	}
}

// FromManifest derives the catalog entry of a committed manifest.
func FromManifest(m manifest.Manifest) Entry {
	return Entry{
		PatientID:        m.PatientID,
		SessionID:        m.SessionID,
		Recordings:       len(m.Recordings),
		TotalRows:        m.TotalRows,
		TotalBytes:       m.TotalBytes,
		SchemaConsistent: m.SchemaConsistent,
		LastUpdated:      m.LastUpdated,
		Version:          m.Version,
	}
}

// Rebuild replaces the catalog content with entries derived from manifests.
func Rebuild(ctx context.Context, c Catalog, manifests []manifest.Manifest) error {
	if err := c.Reset(ctx); err != nil {
		return fmt.Errorf("reset catalog: %w", err)
	}
	for _, m := range manifests {
		if err := c.Upsert(ctx, FromManifest(m)); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", m.PatientID, m.SessionID, err)
		}
	}
	return nil
}
