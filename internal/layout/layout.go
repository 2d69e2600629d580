// Package layout maps patients, sessions and recordings onto blob keys and
// performs the create-only writes that keep every recording filename unique.
//
// Keys follow <patient>/<session>/<filename>; each session also holds a
// manifest.json maintained by the manifest package.
package layout

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"

	"pulsewatch/internal/blob"
	"pulsewatch/internal/errs"
	"pulsewatch/internal/identity"
)

const (
	// ManifestName is the per-session manifest object name.
	ManifestName = "manifest.json"
	// DefaultMaxAttempts bounds filename regeneration after a collision.
	DefaultMaxAttempts = 5

	timeLayout = "20060102T150405.000000000"
)

// Source is the upload family a recording arrived through.
type Source string

const (
	SourceUpload      Source = "upload"
	SourceRecorderLog Source = "recorder_log"
	SourceChunk       Source = "chunk"
)

func (s Source) prefix() string {
	switch s {
	case SourceUpload:
		return "pulsewatch_data"
	case SourceChunk:
		return "chunk"
	default:
		return "recorder"
	}
}

// StorageError wraps a failed storage operation. The underlying error is kept
// unchanged, so errors.Is(err, fs.ErrPermission) and similar still match.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Kind implements errs.Kinded.
func (e *StorageError) Kind() errs.Kind { return errs.KindStorage }

// StoreRequest is one payload to persist.
type StoreRequest struct {
	Identity   identity.Identity
	Payload    []byte
	ServerTime time.Time
	Source     Source
}

// Stored describes a persisted recording.
type Stored struct {
	Key      string
	Filename string
	Size     int64
	SHA256   string
	StoredAt time.Time
}

// Manager writes and reads recordings through a blob.Store.
type Manager struct {
	store       blob.Store
	maxAttempts int
	suffix      func() string
}

// New returns a Manager over store.
func New(store blob.Store) *Manager {
	return &Manager{store: store, maxAttempts: DefaultMaxAttempts, suffix: randomSuffix}
}

// Driver reports the underlying blob driver.
func (m *Manager) Driver() blob.Driver { return m.store.Driver() }

// PatientPrefix returns the key prefix of every object of patient.
func PatientPrefix(patient identity.ID) string { return string(patient) + "/" }

// SessionPrefix returns the key prefix of every object of a session.
func SessionPrefix(patient, session identity.ID) string {
	return path.Join(string(patient), string(session)) + "/"
}

// ManifestKey returns the key of a session's manifest.
func ManifestKey(patient, session identity.ID) string {
	return SessionPrefix(patient, session) + ManifestName
}

// Filename builds <prefix>_<UTC time to the nanosecond>Z_<device>_<suffix>.csv.
func Filename(src Source, t time.Time, device identity.ID, suffix string) string {
	return fmt.Sprintf("%s_%sZ_%s_%s.csv", src.prefix(), t.UTC().Format(timeLayout), device, suffix)
}

// randomSuffix returns 12 hex characters from the random tail of a UUIDv7.
func randomSuffix() string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return hex.EncodeToString(u[10:])
}

// Store writes req.Payload under a fresh filename. Writes are create-only: a
// name collision regenerates the suffix, so concurrent uploads in the same
// nanosecond never overwrite each other.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (Stored, error) {
	id := req.Identity
	sum := sha256.Sum256(req.Payload)
	opts := blob.PutOptions{
		ContentType: "text/csv",
		Metadata: map[string]string{
			"device": string(id.Device),
			"source": string(req.Source),
			"sha256": hex.EncodeToString(sum[:]),
		},
	}
	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		name := Filename(req.Source, req.ServerTime, id.Device, m.suffix())
		key := SessionPrefix(id.Patient, id.Session) + name
		info, err := m.store.Put(ctx, key, bytes.NewReader(req.Payload), opts)
		if err == nil {
			return Stored{
				Key:      key,
				Filename: name,
				Size:     int64(len(req.Payload)),
				SHA256:   hex.EncodeToString(sum[:]),
				StoredAt: info.LastModified,
			}, nil
		}
		if !errors.Is(err, blob.ErrExists) {
			return Stored{}, &StorageError{Op: "put", Key: key, Err: err}
		}
		lastErr = &StorageError{Op: "put", Key: key, Err: err}
	}
	return Stored{}, fmt.Errorf("no free filename after %d attempts: %w", m.maxAttempts, lastErr)
}

// Remove deletes key. Removing a missing key is not an error.
func (m *Manager) Remove(ctx context.Context, key string) error {
	if _, err := m.store.Delete(ctx, key); err != nil {
		return &StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Open streams the object at key.
func (m *Manager) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	_, rc, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	return rc, nil
}

// ReadAll returns the full content of key.
func (m *Manager) ReadAll(ctx context.Context, key string) ([]byte, error) {
	rc, err := m.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, &StorageError{Op: "read", Key: key, Err: err}
	}
	return b, nil
}

// Head returns metadata of key.
func (m *Manager) Head(ctx context.Context, key string) (blob.Info, error) {
	info, err := m.store.Head(ctx, key)
	if err != nil {
		return blob.Info{}, &StorageError{Op: "head", Key: key, Err: err}
	}
	return info, nil
}

// Replace atomically creates or replaces key with data.
func (m *Manager) Replace(ctx context.Context, key string, data []byte, contentType string) error {
	if _, err := m.store.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: contentType, Overwrite: true}); err != nil {
		return &StorageError{Op: "replace", Key: key, Err: err}
	}
	return nil
}

// List returns every object under prefix, ordered by key.
func (m *Manager) List(ctx context.Context, prefix string) ([]blob.Info, error) {
	infos, err := m.store.List(ctx, prefix)
	if err != nil {
		return nil, &StorageError{Op: "list", Key: prefix, Err: err}
	}
	return infos, nil
}

// IsNotFound reports whether err means the object does not exist.
func IsNotFound(err error) bool { return errors.Is(err, blob.ErrNotFound) }
