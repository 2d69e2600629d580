// Package core defines the session catalog abstraction shared by the
// persistence backends.
package core

import (
	"context"
	"time"
)

// Driver identifies a catalog backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Entry is the catalog row of one session, derived from its manifest.
type Entry struct {
	PatientID        string
	SessionID        string
	Recordings       int
	TotalRows        int
	TotalBytes       int64
	SchemaConsistent bool
	LastUpdated      time.Time
	// Version is the manifest version; older versions never replace newer ones.
	Version int64
}

// Stats are the aggregate counters reported by the health endpoint.
type Stats struct {
	Patients   int64 `json:"patients"`
	Sessions   int64 `json:"sessions"`
	Recordings int64 `json:"recordings"`
}

// Catalog is a derived read model of sessions. Manifests stay the source of
// truth; a catalog can always be rebuilt from them.
type Catalog interface {
	Upsert(ctx context.Context, e Entry) error
	Stats(ctx context.Context) (Stats, error)
	// Reset removes every entry before a rebuild.
	Reset(ctx context.Context) error
	Driver() Driver
	Close() error
}
