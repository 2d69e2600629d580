package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pulsewatch/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_PutGetHeadListDelete(t *testing.T) { //nolint:cyclop
	ctx := context.Background()
	store := newTempStore(t)
	if store.Driver() != core.DriverFilesystem {
		t.Fatalf("unexpected driver %v", store.Driver())
	}
	info, err := store.Put(ctx, "p1/s1/rec.csv", bytes.NewReader([]byte("HR\n72\n")), core.PutOptions{ContentType: "text/csv", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "p1/s1/rec.csv" || info.Size != 6 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	h, err := store.Head(ctx, "p1/s1/rec.csv")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	g, rc, err := store.Get(ctx, "p1/s1/rec.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "HR\n72\n" || g.ETag != h.ETag || g.ContentType != "text/csv" || g.Metadata["k"] != "v" {
		t.Fatalf("unexpected get artifacts %+v", g)
	}
	list, err := store.List(ctx, "p1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "p1/s1/rec.csv" {
		t.Fatalf("unexpected list %+v", list)
	}
	ok, err := store.Delete(ctx, "p1/s1/rec.csv")
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, "p1/s1/rec.csv")
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
}

func TestStore_CreateOnly(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "k1.csv", bytes.NewReader([]byte("first")), core.PutOptions{}); err != nil {
		t.Fatalf("put1: %v", err)
	}
	_, err := store.Put(ctx, "k1.csv", bytes.NewReader([]byte("second")), core.PutOptions{})
	if !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	_, rc, err := store.Get(ctx, "k1.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	if b, _ := io.ReadAll(rc); string(b) != "first" {
		t.Fatalf("existing blob was replaced: %q", b)
	}
}

func TestStore_Overwrite(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, body := range []string{"v1", "version2"} {
		if _, err := store.Put(ctx, "p/s/manifest.json", strings.NewReader(body), core.PutOptions{Overwrite: true}); err != nil {
			t.Fatalf("put %s: %v", body, err)
		}
	}
	info, rc, err := store.Get(ctx, "p/s/manifest.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	if b, _ := io.ReadAll(rc); string(b) != "version2" || info.Size != 8 {
		t.Fatalf("unexpected content %q size %d", b, info.Size)
	}
}

func TestStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, _, err := store.Get(ctx, "missing/x.csv"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := store.Head(ctx, "missing/x.csv"); !errors.Is(err, core.ErrNotFound) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	list, err := store.List(ctx, "missing/")
	if err != nil || len(list) != 0 {
		t.Fatalf("list of missing prefix: %v %v", list, err)
	}
}

type errorReader struct{}

func (errorReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

func TestStore_FailedPutLeavesNothing(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "p/s/bad.csv", errorReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected copy error")
	}
	entries, err := os.ReadDir(filepath.Join(store.Root(), "p", "s"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir, found %d entries", len(entries))
	}
}

func TestStore_CanceledContext(t *testing.T) {
	store := newTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Put(ctx, "p/s/x.csv", strings.NewReader("x"), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestStore_ConcurrentFirstWriters(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("new/session/f%02d.csv", i)
			if _, err := store.Put(ctx, key, strings.NewReader("A\n1\n"), core.PutOptions{}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent put: %v", err)
	}
	list, err := store.List(ctx, "new/session/")
	if err != nil || len(list) != n {
		t.Fatalf("list: %v len=%d", err, len(list))
	}
}

func TestStore_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var created, exists int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Put(ctx, "same/key.csv", strings.NewReader(fmt.Sprintf("w%d", i)), core.PutOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, core.ErrExists):
				exists++
			default:
				t.Errorf("put: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if created != 1 || exists != n-1 {
		t.Fatalf("created=%d exists=%d", created, exists)
	}
}

func TestStore_ListSkipsSidecarsAndTemps(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "a/1.csv", strings.NewReader("a1"), core.PutOptions{}); err != nil {
		t.Fatalf("put1: %v", err)
	}
	if _, err := store.Put(ctx, "b/2.csv", strings.NewReader("b2"), core.PutOptions{}); err != nil {
		t.Fatalf("put2: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Root(), "a", ".tmp-123"), []byte("partial"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}
	list, err := store.List(ctx, "")
	if err != nil || len(list) != 2 {
		t.Fatalf("list root: %v %v", err, list)
	}
	if list[0].Key != "a/1.csv" || list[1].Key != "b/2.csv" {
		t.Fatalf("expected sorted order: %+v", list)
	}
	list, err = store.List(ctx, "a/1")
	if err != nil || len(list) != 1 {
		t.Fatalf("list partial prefix: %v %v", err, list)
	}
}

func TestStore_MissingSidecarFallsBackToStat(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "folder/f0.csv", strings.NewReader("data"), core.PutOptions{ContentType: "text/csv"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, metaPath, _ := store.pathFor("folder/f0.csv")
	if err := os.Remove(metaPath); err != nil {
		t.Fatalf("rm meta: %v", err)
	}
	info, err := store.Head(ctx, "folder/f0.csv")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if info.Size != 4 || info.ContentType != "" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestStore_SidecarFailureAfterCommitIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	if _, err := store.Put(ctx, "p/s/manifest.json", strings.NewReader("v1"), core.PutOptions{Overwrite: true}); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	_, metaPath, _ := store.pathFor("p/s/manifest.json")
	// A non-empty directory in place of the sidecar makes the sidecar rename fail.
	if err := os.Remove(metaPath); err != nil {
		t.Fatalf("rm meta: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(metaPath, "blocker"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	info, err := store.Put(ctx, "p/s/manifest.json", strings.NewReader("version2"), core.PutOptions{Overwrite: true})
	if err != nil {
		t.Fatalf("overwrite with broken sidecar: %v", err)
	}
	if info.Size != 8 {
		t.Fatalf("size = %d", info.Size)
	}
	_, rc, err := store.Get(ctx, "p/s/manifest.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "version2" {
		t.Fatalf("content = %q", b)
	}

	_, newMeta, _ := store.pathFor("p/s/new.csv")
	if err := os.MkdirAll(filepath.Join(newMeta, "blocker"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := store.Put(ctx, "p/s/new.csv", strings.NewReader("x"), core.PutOptions{}); err != nil {
		t.Fatalf("create-only put with broken sidecar: %v", err)
	}
	if _, err := store.Put(ctx, "p/s/new.csv", strings.NewReader("y"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestSanitizeKeyErrors(t *testing.T) {
	cases := []string{"", "../escape", "/abs", "a/../b", "a/b.csv.meta", "a/.tmp-1"}
	for _, c := range cases {
		if _, err := sanitizeKey(c); err == nil {
			t.Fatalf("expected error for key %q", c)
		}
	}
}

func TestCloneMetadata(t *testing.T) {
	if cloneMetadata(nil) != nil {
		t.Fatalf("expected nil pass-through")
	}
	src := map[string]string{"a": "1"}
	cp := cloneMetadata(src)
	src["a"] = "2"
	if cp["a"] != "1" {
		t.Fatalf("expected deep copy isolation")
	}
}

func TestNewRejectsFileRoot(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "afile")
	if err := os.WriteFile(filePath, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if _, err := New(filePath); err == nil {
		t.Fatalf("expected error when root is file")
	}
}
