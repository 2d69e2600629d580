// Package ingest orchestrates the write path: resolve identifiers, parse the
// payload, store it under a fresh name, record it in the session manifest,
// then update the catalog and notify subscribers.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"pulsewatch/internal/catalog"
	"pulsewatch/internal/events"
	"pulsewatch/internal/identity"
	"pulsewatch/internal/layout"
	"pulsewatch/internal/logger"
	"pulsewatch/internal/manifest"
	"pulsewatch/internal/observability"
	"pulsewatch/internal/recording"
)

// Defaults for Config.
const (
	DefaultMinPayloadBytes = 50
	DefaultOpTimeout       = 30 * time.Second
)

// Config tunes the service.
type Config struct {
	MinPayloadBytes int
	MaxWarnings     int
	// OpTimeout bounds a whole ingest. Client disconnects do not cancel it.
	OpTimeout time.Duration
}

// Request is one upload.
type Request struct {
	Fields          identity.Fields
	Payload         []byte
	Source          layout.Source
	ClientTimestamp string
	ChunkIndex      *int
}

// Result describes a committed recording.
type Result struct {
	Identity     identity.Identity
	Filename     string
	Key          string
	RowCount     int
	ByteSize     int64
	SHA256       string
	Warnings     []recording.Warning
	WarningCount int
	Manifest     manifest.Manifest
}

// Service runs ingests.
type Service struct {
	cfg       Config
	layout    *layout.Manager
	index     *manifest.Index
	catalog   catalog.Catalog
	publisher events.Publisher
	metrics   observability.Recorder
	tracer    trace.Tracer
	log       *logger.Logger
	clock     *clock
}

// Option customises a Service.
type Option func(*Service)

func WithCatalog(c catalog.Catalog) Option { return func(s *Service) { s.catalog = c } }

func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.publisher = p } }

func WithMetrics(r observability.Recorder) Option { return func(s *Service) { s.metrics = r } }

func WithLogger(l *logger.Logger) Option { return func(s *Service) { s.log = l } }

func WithTracer(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(observability.TracerName) }
}

// NewService returns a Service writing through l and ix.
func NewService(cfg Config, l *layout.Manager, ix *manifest.Index, opts ...Option) *Service {
	if cfg.MinPayloadBytes < 0 {
		cfg.MinPayloadBytes = 0
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultOpTimeout
	}
	s := &Service{
		cfg:       cfg,
		layout:    l,
		index:     ix,
		publisher: events.None{},
		metrics:   observability.Nop{},
		tracer:    noop.NewTracerProvider().Tracer(observability.TracerName),
		log:       logger.Nop(),
		clock:     &clock{now: time.Now},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest persists req. On error nothing is left behind: a stored file whose
// manifest update fails is removed again.
func (s *Service) Ingest(ctx context.Context, req Request) (res Result, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.OpTimeout)
	defer cancel()
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, observability.OpIngest, trace.WithAttributes(attribute.String("source", string(req.Source))))
	defer func() {
		s.metrics.Observe(ctx, observability.OpIngest, err == nil, time.Since(started))
		observability.EndSpan(span, err)
	}()

	now := s.clock.Now()
	id, err := identity.Resolve(req.Fields, now)
	if err != nil {
		return Result{}, err
	}
	parsed, err := recording.Parse(req.Payload, recording.Options{MinBytes: s.cfg.MinPayloadBytes, MaxWarnings: s.cfg.MaxWarnings})
	if err != nil {
		return Result{}, err
	}

	source := req.Source
	if source == "" {
		source = layout.SourceRecorderLog
	}
	stored, err := s.layout.Store(ctx, layout.StoreRequest{Identity: id, Payload: req.Payload, ServerTime: now, Source: source})
	if err != nil {
		return Result{}, err
	}

	ref := manifest.RecordingRef{
		Filename:        stored.Filename,
		Key:             stored.Key,
		DeviceID:        string(id.Device),
		Source:          string(source),
		ChunkIndex:      req.ChunkIndex,
		RowCount:        parsed.RowCount,
		ByteSize:        stored.Size,
		SHA256:          stored.SHA256,
		Columns:         parsed.Columns,
		WarningCount:    parsed.WarningCount,
		ServerTimestamp: now,
		ClientTimestamp: req.ClientTimestamp,
	}
	key := manifest.SessionKey{Patient: string(id.Patient), Session: string(id.Session)}
	m, err := s.index.Record(ctx, key, ref)
	if err != nil {
		s.metrics.Incr(observability.CounterRollback)
		if rmErr := s.layout.Remove(context.WithoutCancel(ctx), stored.Key); rmErr != nil {
			return Result{}, errors.Join(err, fmt.Errorf("rollback: %w", rmErr))
		}
		return Result{}, err
	}

	warnings := parsed.Warnings
	warningCount := parsed.WarningCount
	if m.Drifted(parsed.Columns) {
		s.metrics.Incr(observability.CounterSchemaDrift)
		warnings = append(warnings, recording.Warning{
			Code:    "schema_drift",
			Message: fmt.Sprintf("columns %q differ from the session's %q", parsed.Columns, m.Columns),
		})
		warningCount++
	}
	s.metrics.AddBytes(stored.Size)
	s.metrics.AddRows(parsed.RowCount)

	s.afterCommit(ctx, m, ref)

	return Result{
		Identity:     id,
		Filename:     stored.Filename,
		Key:          stored.Key,
		RowCount:     parsed.RowCount,
		ByteSize:     stored.Size,
		SHA256:       stored.SHA256,
		Warnings:     warnings,
		WarningCount: warningCount,
		Manifest:     m,
	}, nil
}

// afterCommit updates the catalog and publishes the event. Failures are
// logged and counted only.
func (s *Service) afterCommit(ctx context.Context, m manifest.Manifest, ref manifest.RecordingRef) {
	log := s.log.With("patient_id", m.PatientID, "session_id", m.SessionID, "filename", ref.Filename)
	if s.catalog != nil {
		if err := s.catalog.Upsert(ctx, catalog.FromManifest(m)); err != nil {
			s.metrics.Incr(observability.CounterCatalogFailed)
			log.Warn("catalog upsert failed", "error", err)
		}
	}
	ev := events.RecordingIngested{
		PatientID:        m.PatientID,
		SessionID:        m.SessionID,
		DeviceID:         ref.DeviceID,
		Filename:         ref.Filename,
		Key:              ref.Key,
		Source:           ref.Source,
		RowCount:         ref.RowCount,
		ByteSize:         ref.ByteSize,
		SHA256:           ref.SHA256,
		ManifestVersion:  m.Version,
		SchemaConsistent: m.SchemaConsistent,
		ServerTimestamp:  ref.ServerTimestamp,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.metrics.Incr(observability.CounterEventFailed)
		log.Warn("event publish failed", "error", err)
	}
	log.Debug("recording committed", "rows", ref.RowCount, "bytes", ref.ByteSize, "version", m.Version)
}

// clock hands out strictly increasing UTC timestamps so that two ingests in
// one process never share a filename timestamp.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}
