// Package query serves the read side: session listings and combined session
// data. It never writes; manifests decide which recordings exist and in
// which order.
package query

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"pulsewatch/internal/blob"
	"pulsewatch/internal/catalog"
	"pulsewatch/internal/errs"
	"pulsewatch/internal/identity"
	"pulsewatch/internal/layout"
	"pulsewatch/internal/manifest"
	"pulsewatch/internal/observability"
	"pulsewatch/internal/recording"
)

const readConcurrency = 4

var (
	// ErrNotFound is returned for an unknown patient or session.
	ErrNotFound = manifest.ErrNotFound
	// ErrSchemaMismatch rejects a merged fetch of a session whose recordings
	// do not share one header.
	ErrSchemaMismatch = errs.Sentinel(errs.KindConflict, "session recordings have differing columns")
)

// Mode selects how recordings are combined.
type Mode string

const (
	// ModeRaw concatenates raw payloads, each newline-terminated.
	ModeRaw Mode = "raw"
	// ModeMerged emits one header followed by every data row.
	ModeMerged Mode = "merged"
)

// SessionSummary is one entry of a session listing.
type SessionSummary struct {
	SessionID        string    `json:"session_id"`
	FileCount        int       `json:"file_count"`
	Files            []string  `json:"files"`
	RowCount         int       `json:"row_count"`
	ByteSize         int64     `json:"byte_size"`
	Columns          []string  `json:"columns,omitempty"`
	SchemaConsistent bool      `json:"schema_consistent"`
	LastUpdated      time.Time `json:"last_updated"`
}

// FetchOptions tune FetchSessionData.
type FetchOptions struct {
	Mode Mode
}

// Combined is the data of one session.
type Combined struct {
	PatientID string   `json:"patient_id"`
	SessionID string   `json:"session_id"`
	FileCount int      `json:"file_count"`
	Files     []string `json:"files"`
	RowCount  int      `json:"row_count"`
	Data      string   `json:"combined_data"`
}

// Stats are the health counters.
type Stats struct {
	StorageDriver  blob.Driver `json:"storage_driver"`
	ActiveSessions int         `json:"active_sessions"`
	catalog.Stats
}

// Service answers read requests.
type Service struct {
	index   *manifest.Index
	layout  *layout.Manager
	catalog catalog.Catalog
	metrics observability.Recorder
	tracer  trace.Tracer
}

// Option customises a Service.
type Option func(*Service)

// WithMetrics records operation outcomes on r.
func WithMetrics(r observability.Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithTracer wraps operations in spans from tp.
func WithTracer(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(observability.TracerName) }
}

// NewService returns a query Service.
func NewService(ix *manifest.Index, l *layout.Manager, c catalog.Catalog, opts ...Option) *Service {
	s := &Service{
		index:   ix,
		layout:  l,
		catalog: c,
		metrics: observability.Nop{},
		tracer:  noop.NewTracerProvider().Tracer(observability.TracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) observe(ctx context.Context, op string, started time.Time, err error) {
	s.metrics.Observe(ctx, op, err == nil, time.Since(started))
}

// ListSessions summarises every session of patient, ordered by session id.
func (s *Service) ListSessions(ctx context.Context, patient string) (out []SessionSummary, err error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, observability.OpList)
	defer func() {
		s.observe(ctx, observability.OpList, started, err)
		observability.EndSpan(span, err)
	}()

	pid, err := identity.Normalize(patient)
	if err != nil {
		return nil, err
	}
	manifests, err := s.index.Sessions(ctx, string(pid))
	if err != nil {
		return nil, err
	}
	out = make([]SessionSummary, len(manifests))
	for i, m := range manifests {
		out[i] = SessionSummary{
			SessionID:        m.SessionID,
			FileCount:        len(m.Recordings),
			Files:            m.Filenames(),
			RowCount:         m.TotalRows,
			ByteSize:         m.TotalBytes,
			Columns:          m.Columns,
			SchemaConsistent: m.SchemaConsistent,
			LastUpdated:      m.LastUpdated,
		}
	}
	return out, nil
}

// Manifest returns the committed manifest of a session.
func (s *Service) Manifest(ctx context.Context, patient, session string) (manifest.Manifest, error) {
	key, err := sessionKey(patient, session)
	if err != nil {
		return manifest.Manifest{}, err
	}
	return s.index.Read(ctx, key)
}

func sessionKey(patient, session string) (manifest.SessionKey, error) {
	pid, err := identity.Normalize(patient)
	if err != nil {
		return manifest.SessionKey{}, err
	}
	sid, err := identity.Normalize(session)
	if err != nil {
		return manifest.SessionKey{}, err
	}
	return manifest.SessionKey{Patient: string(pid), Session: string(sid)}, nil
}

// FetchSessionData combines the recordings of a session in manifest order.
func (s *Service) FetchSessionData(ctx context.Context, patient, session string, opts FetchOptions) (out *Combined, err error) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, observability.OpFetch, trace.WithAttributes(attribute.String("mode", string(opts.Mode))))
	defer func() {
		s.observe(ctx, observability.OpFetch, started, err)
		observability.EndSpan(span, err)
	}()

	key, err := sessionKey(patient, session)
	if err != nil {
		return nil, err
	}
	m, err := s.index.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if opts.Mode == ModeMerged && !m.SchemaConsistent {
		return nil, fmt.Errorf("session %s: %w", key, ErrSchemaMismatch)
	}

	payloads, err := s.readAll(ctx, m.Recordings)
	if err != nil {
		return nil, err
	}
	var data []byte
	if opts.Mode == ModeMerged {
		data, err = merge(payloads)
		if err != nil {
			return nil, err
		}
	} else {
		data = concat(payloads)
	}
	return &Combined{
		PatientID: m.PatientID,
		SessionID: m.SessionID,
		FileCount: len(m.Recordings),
		Files:     m.Filenames(),
		RowCount:  m.TotalRows,
		Data:      string(data),
	}, nil
}

func (s *Service) readAll(ctx context.Context, refs []manifest.RecordingRef) ([][]byte, error) {
	out := make([][]byte, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, r := range refs {
		i, r := i, r
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, err := s.layout.ReadAll(gctx, r.Key)
			if err != nil {
				return err
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func concat(payloads [][]byte) []byte {
	var buf bytes.Buffer
	for _, p := range payloads {
		buf.Write(p)
		if len(p) > 0 && p[len(p)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// merge keeps the first payload's header and appends the data rows of every
// payload. Rows are re-encoded, so quoting is normalised.
func merge(payloads [][]byte) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for i, p := range payloads {
		r := recording.NewReader(bytes.NewReader(bytes.TrimPrefix(p, []byte("\ufeff"))))
		for line := 0; ; line++ {
			rec, err := recording.ReadRecord(r)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, errs.Wrap(errs.KindStorage, fmt.Errorf("re-read recording %d: %w", i, err))
			}
			if line == 0 && i > 0 {
				continue
			}
			if err := w.Write(rec); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// Stats returns the health counters. Catalog failures leave the catalog
// counters at zero and are returned alongside the partial result.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st := Stats{StorageDriver: s.layout.Driver(), ActiveSessions: s.index.Active()}
	if s.catalog == nil {
		return st, nil
	}
	cs, err := s.catalog.Stats(ctx)
	if err != nil {
		return st, fmt.Errorf("catalog stats: %w", err)
	}
	st.Stats = cs
	return st, nil
}
