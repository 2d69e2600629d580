package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"pulsewatch/internal/errs"
	"pulsewatch/internal/identity"
	"pulsewatch/internal/layout"
	"pulsewatch/internal/locks"
)

// readConcurrency bounds parallel manifest reads in Sessions and All.
const readConcurrency = 8

var (
	// ErrNotFound is returned when a session or patient has no manifest.
	ErrNotFound = errs.Sentinel(errs.KindNotFound, "manifest not found")
	// ErrBusy is returned when the session lock cannot be acquired in time.
	ErrBusy = locks.ErrBusy
)

// Index reads and updates manifests. Updates of one session are serialised
// through the Locker; reads never lock and always see a committed manifest
// because every write replaces the whole object atomically.
type Index struct {
	layout *layout.Manager
	locker locks.Locker
	now    func() time.Time
}

// NewIndex returns an Index storing manifests through l.
func NewIndex(l *layout.Manager, locker locks.Locker) *Index {
	return &Index{layout: l, locker: locker, now: func() time.Time { return time.Now().UTC() }}
}

// Active returns the number of sessions with an update in flight.
func (ix *Index) Active() int { return ix.locker.Active() }

func objectKey(key SessionKey) string {
	return layout.ManifestKey(identity.ID(key.Patient), identity.ID(key.Session))
}

// Record appends ref to the session's manifest, creating the manifest on
// first use, and returns the committed result.
func (ix *Index) Record(ctx context.Context, key SessionKey, ref RecordingRef) (Manifest, error) {
	release, err := ix.locker.Acquire(ctx, key.String())
	if err != nil {
		return Manifest{}, err
	}
	defer release()

	m, err := ix.Read(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		m = newManifest(key, ix.now())
	case err != nil:
		return Manifest{}, err
	}
	m.add(ref, ix.now())

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Manifest{}, fmt.Errorf("encode manifest %s: %w", key, err)
	}
	if err := ix.layout.Replace(ctx, objectKey(key), data, "application/json"); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Read returns the last committed manifest of key.
func (ix *Index) Read(ctx context.Context, key SessionKey) (Manifest, error) {
	return ix.readKey(ctx, objectKey(key))
}

func (ix *Index) readKey(ctx context.Context, objKey string) (Manifest, error) {
	data, err := ix.layout.ReadAll(ctx, objKey)
	if layout.IsNotFound(err) {
		return Manifest{}, fmt.Errorf("%s: %w", objKey, ErrNotFound)
	}
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, errs.Wrap(errs.KindStorage, fmt.Errorf("decode manifest %s: %w", objKey, err))
	}
	return m, nil
}

// Sessions returns every manifest of patient ordered by session id.
func (ix *Index) Sessions(ctx context.Context, patient string) ([]Manifest, error) {
	out, err := ix.collect(ctx, layout.PatientPrefix(identity.ID(patient)))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("patient %s: %w", patient, ErrNotFound)
	}
	return out, nil
}

// All returns every manifest in the store ordered by patient and session.
func (ix *Index) All(ctx context.Context) ([]Manifest, error) {
	return ix.collect(ctx, "")
}

func (ix *Index) collect(ctx context.Context, prefix string) ([]Manifest, error) {
	infos, err := ix.layout.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, info := range infos {
		if isManifestKey(info.Key) {
			keys = append(keys, info.Key)
		}
	}
	out := make([]Manifest, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, k := range keys {
		i, k := i, k
		g.Go(func() error {
			m, err := ix.readKey(gctx, k)
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PatientID != out[j].PatientID {
			return out[i].PatientID < out[j].PatientID
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

// isManifestKey matches <patient>/<session>/manifest.json only.
func isManifestKey(key string) bool {
	return strings.Count(key, "/") == 2 && strings.HasSuffix(key, "/"+layout.ManifestName)
}

// Check verifies m against storage: totals must equal the sums and every
// recording must exist with its recorded size.
func (ix *Index) Check(ctx context.Context, m Manifest) []string {
	var problems []string
	if err := m.CheckTotals(); err != nil {
		problems = append(problems, err.Error())
	}
	for _, r := range m.Recordings {
		info, err := ix.layout.Head(ctx, r.Key)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", r.Filename, err))
			continue
		}
		if info.Size != r.ByteSize {
			problems = append(problems, fmt.Sprintf("%s: size %d, manifest says %d", r.Filename, info.Size, r.ByteSize))
		}
	}
	return problems
}
