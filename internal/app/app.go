// Package app wires configuration into the running service: storage, index,
// catalog, events, observability, the ingest and query services and the
// HTTP server. It also implements the maintenance commands.
package app

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"pulsewatch/internal/adapters/httpapi"
	"pulsewatch/internal/blob"
	"pulsewatch/internal/catalog"
	"pulsewatch/internal/config"
	"pulsewatch/internal/events"
	"pulsewatch/internal/ingest"
	"pulsewatch/internal/layout"
	"pulsewatch/internal/locks"
	"pulsewatch/internal/logger"
	"pulsewatch/internal/manifest"
	"pulsewatch/internal/observability"
	"pulsewatch/internal/query"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// App holds every wired component.
type App struct {
	Config  config.Config
	Log     *logger.Logger
	Store   blob.Store
	Layout  *layout.Manager
	Index   *manifest.Index
	Catalog catalog.Catalog
	Events  events.Publisher
	Metrics observability.Recorder
	Ingest  *ingest.Service
	Query   *query.Service

	metricsHandler http.Handler
	tracer         trace.TracerProvider
	closers        []func(context.Context) error
}

// New builds an App from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (_ *App, err error) {
	if log == nil {
		log = logger.Nop()
	}
	a := &App{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	a.Store, err = blob.Open(ctx, blob.Config{
		Driver: blob.Driver(cfg.Storage.Driver),
		FSRoot: cfg.Storage.FSRoot,
		S3: blob.S3Config{
			Region:          cfg.Storage.S3.Region,
			Bucket:          cfg.Storage.S3.Bucket,
			Endpoint:        cfg.Storage.S3.Endpoint,
			AccessKeyID:     cfg.Storage.S3.AccessKeyID,
			SecretAccessKey: cfg.Storage.S3.SecretAccessKey,
			PathStyle:       cfg.Storage.S3.PathStyle,
		},
		GCS: blob.GCSConfig{
			Bucket:          cfg.Storage.GCS.Bucket,
			EmulatorHost:    cfg.Storage.GCS.EmulatorHost,
			CredentialsFile: cfg.Storage.GCS.CredentialsFile,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if c, ok := a.Store.(io.Closer); ok {
		a.addCloser(func(context.Context) error { return c.Close() })
	}
	a.Layout = layout.New(a.Store)

	locker, err := a.openLocker(ctx)
	if err != nil {
		return nil, err
	}
	a.Index = manifest.NewIndex(a.Layout, locker)

	a.Catalog, err = catalog.Open(ctx, catalog.Config{Driver: catalog.Driver(cfg.Catalog.Driver), DSN: cfg.Catalog.DSN})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	a.addCloser(func(context.Context) error { return a.Catalog.Close() })

	a.Events, err = events.Open(ctx, events.Config{
		Driver:    events.Driver(cfg.Events.Driver),
		Brokers:   cfg.Events.Brokers,
		Topic:     cfg.Events.Topic,
		RedisAddr: cfg.Events.RedisAddr,
		Channel:   cfg.Events.Channel,
	})
	if err != nil {
		return nil, fmt.Errorf("open events: %w", err)
	}
	a.addCloser(func(context.Context) error { return a.Events.Close() })

	a.openMetrics()
	tp, shutdown, err := observability.NewTracerProvider(cfg.Tracing.Exporter, os.Stdout)
	if err != nil {
		return nil, err
	}
	a.tracer = tp
	a.addCloser(shutdown)

	a.Ingest = ingest.NewService(ingest.Config{
		MinPayloadBytes: cfg.Ingest.MinPayloadBytes,
		MaxWarnings:     cfg.Ingest.MaxWarnings,
		OpTimeout:       cfg.Storage.OpTimeout,
	}, a.Layout, a.Index,
		ingest.WithCatalog(a.Catalog),
		ingest.WithPublisher(a.Events),
		ingest.WithMetrics(a.Metrics),
		ingest.WithLogger(log.With("component", "ingest")),
		ingest.WithTracer(tp),
	)
	a.Query = query.NewService(a.Index, a.Layout, a.Catalog, query.WithMetrics(a.Metrics), query.WithTracer(tp))
	return a, nil
}

func (a *App) addCloser(fn func(context.Context) error) { a.closers = append(a.closers, fn) }

func (a *App) openLocker(ctx context.Context) (locks.Locker, error) {
	m := a.Config.Manifest
	if m.LockBackend != "redis" {
		return locks.NewTable(m.LockTimeout), nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: m.RedisAddr, DialTimeout: 5 * time.Second})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis lock backend: %w", err)
	}
	a.addCloser(func(context.Context) error { return rdb.Close() })
	return locks.NewRedis(rdb, "pulsewatch:lock:", m.LockTimeout, m.LockLease), nil
}

func (a *App) openMetrics() {
	switch {
	case !a.Config.Metrics.Enabled:
		a.Metrics = observability.Nop{}
	case a.Config.Metrics.Backend == "expvar":
		a.Metrics = observability.NewExpvar("pulsewatch")
		a.metricsHandler = expvar.Handler()
	default:
		p := observability.NewPrometheus()
		a.Metrics = p
		a.metricsHandler = p.Handler()
	}
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	h := httpapi.NewHandler(a.Ingest, a.Query, a.Log.With("component", "http"))
	h.MaxBodyBytes = a.Config.HTTP.MaxBodyBytes
	h.Metrics = a.metricsHandler
	return h.Router()
}

// Serve runs the HTTP server until ctx is canceled, then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	c := a.Config.HTTP
	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           a.Handler(),
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("listening", "addr", c.Addr, "storage_driver", a.Store.Driver(), "catalog_driver", a.Catalog.Driver())
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.ShutdownTimeout)
	defer cancel()
	a.Log.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Reindex rebuilds the catalog from every manifest and returns the number of sessions.
func (a *App) Reindex(ctx context.Context) (int, error) {
	manifests, err := a.Index.All(ctx)
	if err != nil {
		return 0, fmt.Errorf("read manifests: %w", err)
	}
	if err := catalog.Rebuild(ctx, a.Catalog, manifests); err != nil {
		return 0, err
	}
	return len(manifests), nil
}

// Problem is one inconsistency found by Verify.
type Problem struct {
	Session string
	Detail  string
}

// Verify checks every manifest against storage.
func (a *App) Verify(ctx context.Context) (sessions int, problems []Problem, err error) {
	manifests, err := a.Index.All(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("read manifests: %w", err)
	}
	for _, m := range manifests {
		key := manifest.SessionKey{Patient: m.PatientID, Session: m.SessionID}
		for _, p := range a.Index.Check(ctx, m) {
			problems = append(problems, Problem{Session: key.String(), Detail: p})
		}
	}
	return len(manifests), problems, nil
}

// Close releases every resource in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
