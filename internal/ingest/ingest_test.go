package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pulsewatch/internal/blob"
	"pulsewatch/internal/catalog"
	"pulsewatch/internal/errs"
	"pulsewatch/internal/events"
	"pulsewatch/internal/identity"
	"pulsewatch/internal/layout"
	"pulsewatch/internal/locks"
	"pulsewatch/internal/manifest"
	"pulsewatch/internal/observability"
	"pulsewatch/internal/recording"
)

const sample = "Time,HR,HR Confidence,BAT %\n" +
	"1733234567,72,95,87\n" +
	"1733234568,73,96,87\n" +
	"1733234569,74,94,86\n"

type harness struct {
	svc     *Service
	store   blob.Store
	layout  *layout.Manager
	index   *manifest.Index
	catalog catalog.Catalog
	events  *events.Memory
	metrics *observability.Expvar
}

func newHarness(t *testing.T, store blob.Store, locker locks.Locker, opts ...Option) *harness {
	t.Helper()
	if store == nil {
		store = blob.NewMemory()
	}
	if locker == nil {
		locker = locks.NewTable(2 * time.Minute)
	}
	l := layout.New(store)
	ix := manifest.NewIndex(l, locker)
	cat, err := catalog.Open(context.Background(), catalog.Config{Driver: catalog.DriverMemory})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	ev := &events.Memory{}
	rec := observability.NewExpvar("")
	base := []Option{WithCatalog(cat), WithPublisher(ev), WithMetrics(rec)}
	svc := NewService(Config{MinPayloadBytes: DefaultMinPayloadBytes}, l, ix, append(base, opts...)...)
	return &harness{svc: svc, store: store, layout: l, index: ix, catalog: cat, events: ev, metrics: rec}
}

func request(patient, session, device, payload string) Request {
	return Request{
		Fields:  identity.Fields{Patient: patient, Session: session, Device: device},
		Payload: []byte(payload),
		Source:  layout.SourceRecorderLog,
	}
}

func TestIngestCommitsEverything(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	chunk := 3
	req := request("patient_001", "20251018_101500", "watch-1", sample)
	req.ClientTimestamp = "1733234567"
	req.ChunkIndex = &chunk

	res, err := h.svc.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.RowCount != 3 || res.ByteSize != int64(len(sample)) || res.WarningCount != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.HasPrefix(res.Filename, "recorder_") || !strings.Contains(res.Filename, "_watch-1_") {
		t.Fatalf("unexpected filename %s", res.Filename)
	}
	if res.Key != "patient_001/20251018_101500/"+res.Filename {
		t.Fatalf("unexpected key %s", res.Key)
	}

	m, err := h.index.Read(ctx, manifest.SessionKey{Patient: "patient_001", Session: "20251018_101500"})
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(m.Recordings) != 1 || m.TotalRows != 3 || m.TotalBytes != res.ByteSize {
		t.Fatalf("unexpected manifest %+v", m)
	}
	r := m.Recordings[0]
	if r.ClientTimestamp != "1733234567" || r.ChunkIndex == nil || *r.ChunkIndex != 3 || r.DeviceID != "watch-1" || r.SHA256 != res.SHA256 {
		t.Fatalf("unexpected ref %+v", r)
	}
	data, err := h.layout.ReadAll(ctx, res.Key)
	if err != nil || string(data) != sample {
		t.Fatalf("stored payload %q (%v)", data, err)
	}

	if st, _ := h.catalog.Stats(ctx); st.Sessions != 1 || st.Recordings != 1 {
		t.Fatalf("catalog not updated: %+v", st)
	}
	evs := h.events.Events()
	if len(evs) != 1 || evs[0].Filename != res.Filename || evs[0].ManifestVersion != 1 {
		t.Fatalf("unexpected events %+v", evs)
	}
	snap := h.metrics.Snapshot()
	if snap.Results[observability.OpIngest]["success"] != 1 || snap.Rows != 3 || snap.Bytes != int64(len(sample)) {
		t.Fatalf("unexpected metrics %+v", snap)
	}
}

func TestIngestDefaults(t *testing.T) {
	h := newHarness(t, nil, nil)
	res, err := h.svc.Ingest(context.Background(), request("", "", "", sample))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Identity.Patient != identity.Unknown || res.Identity.Device != identity.Unknown {
		t.Fatalf("unexpected defaults %+v", res.Identity)
	}
	if _, err := time.Parse(identity.SessionLayout, string(res.Identity.Session)); err != nil {
		t.Fatalf("default session %q: %v", res.Identity.Session, err)
	}
}

func TestIngestRejectionsLeaveNothing(t *testing.T) {
	cases := []struct {
		name string
		req  Request
		kind errs.Kind
	}{
		{"bad patient", request("../etc", "s1", "d", sample), errs.KindValidation},
		{"header only", request("p1", "s1", "d", "HR\n"), errs.KindParse},
		{"malformed", request("p1", "s1", "d", "A,B\n1,2,3"), errs.KindParse},
		{"too small", request("p1", "s1", "d", "A,B\n1,2\n"), errs.KindParse},
	}
	for _, tc := range cases {
		h := newHarness(t, nil, nil)
		_, err := h.svc.Ingest(context.Background(), tc.req)
		if errs.KindOf(err) != tc.kind {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
		infos, err := h.store.List(context.Background(), "")
		if err != nil {
			t.Fatalf("%s: list: %v", tc.name, err)
		}
		if len(infos) != 0 {
			t.Fatalf("%s: left %d objects", tc.name, len(infos))
		}
		if snap := h.metrics.Snapshot(); snap.Results[observability.OpIngest]["error"] != 1 {
			t.Fatalf("%s: failure not observed: %+v", tc.name, snap.Results)
		}
	}
}

func TestIngestMalformedRowNamesLine(t *testing.T) {
	h := newHarness(t, nil, nil)
	_, err := h.svc.Ingest(context.Background(), request("p1", "s1", "d", "A,B\n1,2,3"))
	var pe *recording.ParseError
	if !errors.As(err, &pe) || pe.Code != recording.CodeMalformedRow || pe.Line != 2 {
		t.Fatalf("expected malformed row at line 2, got %v", err)
	}
}

// manifestFailStore fails every manifest write.
type manifestFailStore struct {
	blob.Store
	err error
}

func (s manifestFailStore) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if strings.HasSuffix(key, layout.ManifestName) {
		return blob.Info{}, s.err
	}
	return s.Store.Put(ctx, key, r, opts)
}

func TestIngestRollsBackOnManifestFailure(t *testing.T) {
	store := manifestFailStore{Store: blob.NewMemory(), err: fs.ErrPermission}
	h := newHarness(t, store, nil)
	_, err := h.svc.Ingest(context.Background(), request("p1", "s1", "d", sample))
	if !errors.Is(err, fs.ErrPermission) || errs.KindOf(err) != errs.KindStorage {
		t.Fatalf("expected storage permission error, got %v", err)
	}
	infos, _ := h.store.List(context.Background(), "")
	if len(infos) != 0 {
		t.Fatalf("rollback left %v", infos)
	}
	if h.metrics.Snapshot().Counters[observability.CounterRollback] != 1 {
		t.Fatalf("rollback not counted")
	}
	if len(h.events.Events()) != 0 {
		t.Fatalf("event published for failed ingest")
	}
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (func(), error) { return nil, locks.ErrBusy }
func (busyLocker) Active() int                                     { return 0 }

func TestIngestBusyRollsBack(t *testing.T) {
	h := newHarness(t, nil, busyLocker{})
	_, err := h.svc.Ingest(context.Background(), request("p1", "s1", "d", sample))
	if !errors.Is(err, manifest.ErrBusy) || errs.KindOf(err) != errs.KindBusy {
		t.Fatalf("expected busy, got %v", err)
	}
	infos, _ := h.store.List(context.Background(), "")
	if len(infos) != 0 {
		t.Fatalf("busy ingest left %v", infos)
	}
}

func TestIngestIgnoresClientCancellation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.Ingest(ctx, request("p1", "s1", "d", sample)); err != nil {
		t.Fatalf("ingest under canceled client ctx: %v", err)
	}
}

func TestIngestSchemaDriftWarns(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	if _, err := h.svc.Ingest(ctx, request("p1", "s1", "d", sample)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	other := "timestamp,bpm\n1733234567000,70\n1733234568000,71\n1733234569000,72\n"
	res, err := h.svc.Ingest(ctx, request("p1", "s1", "d", other))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Manifest.SchemaConsistent || res.WarningCount != 1 || res.Warnings[0].Code != "schema_drift" {
		t.Fatalf("expected schema drift, got %+v", res)
	}
	if h.metrics.Snapshot().Counters[observability.CounterSchemaDrift] != 1 {
		t.Fatalf("drift not counted")
	}
}

type failingCatalog struct{ catalog.Catalog }

func (failingCatalog) Upsert(context.Context, catalog.Entry) error { return errors.New("db down") }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, events.RecordingIngested) error {
	return errors.New("broker down")
}
func (failingPublisher) Close() error { return nil }

func TestIngestSideEffectFailuresAreBestEffort(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.svc.catalog = failingCatalog{h.catalog}
	h.svc.publisher = failingPublisher{}
	if _, err := h.svc.Ingest(context.Background(), request("p1", "s1", "d", sample)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	c := h.metrics.Snapshot().Counters
	if c[observability.CounterCatalogFailed] != 1 || c[observability.CounterEventFailed] != 1 {
		t.Fatalf("side-effect failures not counted: %v", c)
	}
}

func TestConcurrentFirstWritesShareSession(t *testing.T) {
	root := t.TempDir()
	store, err := blob.Open(context.Background(), blob.Config{Driver: blob.DriverFilesystem, FSRoot: root})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	h := newHarness(t, store, nil)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Ingest(context.Background(), request("p1", "s1", "d", sample)); err != nil {
				t.Errorf("ingest: %v", err)
			}
		}()
	}
	wg.Wait()
	m, err := h.index.Read(context.Background(), manifest.SessionKey{Patient: "p1", Session: "s1"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(m.Recordings) != 2 || m.Recordings[0].Filename == m.Recordings[1].Filename {
		t.Fatalf("unexpected recordings %+v", m.Recordings)
	}
}

func TestManifestSidecarFailureKeepsSessionConsistent(t *testing.T) {
	root := t.TempDir()
	store, err := blob.Open(context.Background(), blob.Config{Driver: blob.DriverFilesystem, FSRoot: root})
	if err != nil {
		t.Fatalf("open fs: %v", err)
	}
	h := newHarness(t, store, nil)
	if _, err := h.svc.Ingest(context.Background(), request("p1", "s1", "d", sample)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	meta := filepath.Join(root, "p1", "s1", "manifest.json.meta")
	if err := os.Remove(meta); err != nil {
		t.Fatalf("rm sidecar: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(meta, "blocker"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	if _, err := h.svc.Ingest(context.Background(), request("p1", "s1", "d", sample)); err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	m, err := h.index.Read(context.Background(), manifest.SessionKey{Patient: "p1", Session: "s1"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(m.Recordings) != 2 || m.TotalRows != 6 {
		t.Fatalf("recordings=%d rows=%d", len(m.Recordings), m.TotalRows)
	}
	if problems := h.index.Check(context.Background(), m); len(problems) != 0 {
		t.Fatalf("inconsistent session: %v", problems)
	}
}

func TestThousandConcurrentUploads(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	const n = 1000
	h := newHarness(t, nil, nil)
	frozen := time.Date(2025, 10, 18, 10, 15, 0, 0, time.UTC)
	h.svc.clock = &clock{now: func() time.Time { return frozen }}

	var wg sync.WaitGroup
	names := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Ingest(context.Background(), request("p1", "s1", "watch", sample))
			if err != nil {
				t.Errorf("ingest %d: %v", i, err)
				return
			}
			names[i] = res.Filename
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, name := range names {
		seen[name] = struct{}{}
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct names, got %d", n, len(seen))
	}
	m, err := h.index.Read(context.Background(), manifest.SessionKey{Patient: "p1", Session: "s1"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(m.Recordings) != n || m.TotalRows != 3*n {
		t.Fatalf("manifest has %d recordings, %d rows", len(m.Recordings), m.TotalRows)
	}
	if err := m.CheckTotals(); err != nil {
		t.Fatalf("totals: %v", err)
	}
}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &clock{now: func() time.Time { return fixed }}
	prev := c.Now()
	for i := 0; i < 10; i++ {
		next := c.Now()
		if !next.After(prev) {
			t.Fatalf("clock went from %v to %v", prev, next)
		}
		prev = next
	}
	if got := fmt.Sprint(prev.Sub(fixed)); got != "10ns" {
		t.Fatalf("unexpected drift %s", got)
	}
}
