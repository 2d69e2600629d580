// Package manifest maintains the per-session index of recordings. The
// manifest, not the directory listing, is the authority on which recordings
// a session contains and in which order they arrived.
package manifest

import (
	"fmt"
	"slices"
	"time"
)

// SessionKey addresses one session.
type SessionKey struct {
	Patient string
	Session string
}

func (k SessionKey) String() string { return k.Patient + "/" + k.Session }

// RecordingRef describes one stored recording inside a manifest.
type RecordingRef struct {
	Filename        string    `json:"filename"`
	Key             string    `json:"key"`
	DeviceID        string    `json:"device_id"`
	Source          string    `json:"source"`
	ChunkIndex      *int      `json:"chunk_index,omitempty"`
	RowCount        int       `json:"row_count"`
	ByteSize        int64     `json:"byte_size"`
	SHA256          string    `json:"sha256"`
	Columns         []string  `json:"columns"`
	WarningCount    int       `json:"warning_count"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	ClientTimestamp string    `json:"client_timestamp,omitempty"`
}

// Manifest is the committed state of a session.
type Manifest struct {
	PatientID        string         `json:"patient_id"`
	SessionID        string         `json:"session_id"`
	Recordings       []RecordingRef `json:"recordings"`
	TotalRows        int            `json:"total_rows"`
	TotalBytes       int64          `json:"total_bytes"`
	Columns          []string       `json:"columns"`
	SchemaConsistent bool           `json:"schema_consistent"`
	CreatedAt        time.Time      `json:"created_at"`
	LastUpdated      time.Time      `json:"last_updated"`
	Version          int64          `json:"version"`
}

func newManifest(key SessionKey, now time.Time) Manifest {
	return Manifest{
		PatientID:        key.Patient,
		SessionID:        key.Session,
		Recordings:       []RecordingRef{},
		SchemaConsistent: true,
		CreatedAt:        now,
	}
}

// add appends ref and recomputes every derived field from the recording list.
func (m *Manifest) add(ref RecordingRef, now time.Time) {
	m.Recordings = append(m.Recordings, ref)
	m.TotalRows, m.TotalBytes = 0, 0
	m.SchemaConsistent = true
	m.Columns = m.Recordings[0].Columns
	for _, r := range m.Recordings {
		m.TotalRows += r.RowCount
		m.TotalBytes += r.ByteSize
		if !slices.Equal(r.Columns, m.Columns) {
			m.SchemaConsistent = false
		}
	}
	m.LastUpdated = now
	m.Version++
}

// Filenames lists recording filenames in arrival order.
func (m *Manifest) Filenames() []string {
	out := make([]string, len(m.Recordings))
	for i, r := range m.Recordings {
		out[i] = r.Filename
	}
	return out
}

// Drifted reports whether columns differ from the session's reference schema.
func (m *Manifest) Drifted(columns []string) bool {
	return !slices.Equal(m.Columns, columns)
}

// CheckTotals verifies that the totals equal the sums over the recordings.
func (m *Manifest) CheckTotals() error {
	var rows int
	var size int64
	for _, r := range m.Recordings {
		rows += r.RowCount
		size += r.ByteSize
	}
	if rows != m.TotalRows || size != m.TotalBytes {
		return fmt.Errorf("totals %d rows/%d bytes, recordings sum to %d rows/%d bytes", m.TotalRows, m.TotalBytes, rows, size)
	}
	return nil
}
