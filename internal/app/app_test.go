package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pulsewatch/internal/config"
	"pulsewatch/internal/identity"
	"pulsewatch/internal/ingest"
	"pulsewatch/internal/layout"
)

const payload = "timestamp,bpm,confidence\n1733234567000,72,95\n1733234568000,73,96\n1733234569000,74,94\n"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.FSRoot = filepath.Join(dir, "data")
	cfg.Catalog.Driver = "sqlite"
	cfg.Catalog.DSN = filepath.Join(dir, "catalog.db")
	return cfg
}

func newApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func ingestOne(t *testing.T, a *App, patient, session string) ingest.Result {
	t.Helper()
	res, err := a.Ingest.Ingest(context.Background(), ingest.Request{
		Fields:  identity.Fields{Patient: patient, Session: session, Device: "watch"},
		Payload: []byte(payload),
		Source:  layout.SourceUpload,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func TestNewWiresConfiguredDrivers(t *testing.T) {
	a := newApp(t, testConfig(t))
	if a.Store.Driver() != "fs" {
		t.Fatalf("storage driver = %s", a.Store.Driver())
	}
	if a.Catalog.Driver() != "sqlite" {
		t.Fatalf("catalog driver = %s", a.Catalog.Driver())
	}
	ingestOne(t, a, "p1", "s1")
	st, err := a.Catalog.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Sessions != 1 || st.Recordings != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Driver = "carrier-pigeon"
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error for unknown events driver")
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	for _, backend := range []string{"prometheus", "expvar"} {
		cfg := testConfig(t)
		cfg.Metrics.Backend = backend
		a := newApp(t, cfg)
		ingestOne(t, a, "p1", "s1")
		rr := httptest.NewRecorder()
		a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: metrics status %d", backend, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "ingest") {
			t.Fatalf("%s: metrics body missing ingest: %s", backend, rr.Body.String())
		}
	}
}

func TestHandlerWithoutMetrics(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	a := newApp(t, cfg)
	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("metrics status %d", rr.Code)
	}
}

func TestReindexRebuildsCatalog(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)
	ingestOne(t, a, "p1", "s1")
	ingestOne(t, a, "p1", "s1")
	ingestOne(t, a, "p2", "s1")
	if err := a.Catalog.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	n, err := a.Reindex(context.Background())
	if err != nil {
		t.Fatalf("reindex: %v", err)
	}
	if n != 2 {
		t.Fatalf("reindexed %d sessions", n)
	}
	st, err := a.Catalog.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Patients != 2 || st.Sessions != 2 || st.Recordings != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestVerifyReportsMissingRecording(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)
	ingestOne(t, a, "p1", "s1")
	res := ingestOne(t, a, "p1", "s1")

	n, problems, err := a.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if n != 1 || len(problems) != 0 {
		t.Fatalf("clean store: sessions=%d problems=%+v", n, problems)
	}

	if err := os.Remove(filepath.Join(cfg.Storage.FSRoot, filepath.FromSlash(res.Key))); err != nil {
		t.Fatalf("remove: %v", err)
	}
	_, problems, err = a.Verify(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if len(problems) != 1 || problems[0].Session != "p1/s1" || !strings.Contains(problems[0].Detail, res.Filename) {
		t.Fatalf("unexpected problems %+v", problems)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = "127.0.0.1:0"
	a := newApp(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Serve(ctx); err != nil {
		t.Fatalf("serve: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	a := newApp(t, testConfig(t))
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
