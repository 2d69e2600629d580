// Package observability records operation metrics and traces.
package observability

import (
	"context"
	"time"
)

// Operation names observed by the services.
const (
	OpIngest = "ingest"
	OpList   = "list_sessions"
	OpFetch  = "fetch_session"
)

// Counter names passed to Recorder.Incr.
const (
	CounterSchemaDrift   = "schema_drift"
	CounterEventFailed   = "event_publish_failed"
	CounterCatalogFailed = "catalog_upsert_failed"
	CounterRollback      = "ingest_rollback"
)

// Recorder receives operation outcomes and ingest volume.
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
	AddBytes(n int64)
	AddRows(n int)
	Incr(counter string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Observe(context.Context, string, bool, time.Duration) {}
func (Nop) AddBytes(int64)                                      {}
func (Nop) AddRows(int)                                         {}
func (Nop) Incr(string)                                         {}
