// Package identity validates and canonicalises the patient, session and device
// identifiers supplied by clients so they can be used as storage path segments.
package identity

import (
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"pulsewatch/internal/errs"
)

const (
	// MaxLen is the maximum length of a normalised identifier in bytes.
	MaxLen = 256
	// Unknown is substituted for an omitted patient or device identifier.
	Unknown = "unknown"
	// SessionLayout formats the default session identifier.
	SessionLayout = "20060102_150405"
)

// hostile lists characters rejected by at least one supported filesystem or object store.
const hostile = `/\<>:"|?*`

// ID is a normalised identifier, safe to use as a single path segment.
type ID string

func (id ID) String() string { return string(id) }

// ValidationError reports an identifier that cannot be normalised.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	v := e.Value
	if len(v) > 64 {
		v = v[:64] + "..."
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, v, e.Reason)
}

// Kind implements errs.Kinded.
func (e *ValidationError) Kind() errs.Kind { return errs.KindValidation }

// Normalize canonicalises raw (NFC, surrounding whitespace trimmed) and rejects
// anything that is unsafe as a path segment.
func Normalize(raw string) (ID, error) {
	return normalize("id", raw)
}

func normalize(field, raw string) (ID, error) {
	if !utf8.ValidString(raw) {
		return "", &ValidationError{Field: field, Value: raw, Reason: "not valid UTF-8"}
	}
	s := norm.NFC.String(strings.TrimSpace(raw))
	if s == "" {
		return "", &ValidationError{Field: field, Value: raw, Reason: "empty"}
	}
	if len(s) > MaxLen {
		return "", &ValidationError{Field: field, Value: s, Reason: fmt.Sprintf("longer than %d bytes", MaxLen)}
	}
	if strings.Contains(s, "..") {
		return "", &ValidationError{Field: field, Value: s, Reason: "contains '..'"}
	}
	if strings.HasPrefix(s, ".") {
		return "", &ValidationError{Field: field, Value: s, Reason: "starts with '.'"}
	}
	for _, r := range s {
		switch {
		case unicode.IsControl(r):
			return "", &ValidationError{Field: field, Value: s, Reason: "contains control character"}
		case strings.ContainsRune(hostile, r):
			return "", &ValidationError{Field: field, Value: s, Reason: fmt.Sprintf("contains %q", r)}
		}
	}
	return ID(s), nil
}

func absent(raw string) bool { return strings.TrimSpace(raw) == "" }

// PatientOrDefault returns raw, or Unknown when raw is absent.
func PatientOrDefault(raw string) string {
	if absent(raw) {
		return Unknown
	}
	return raw
}

// DeviceOrDefault returns raw, or Unknown when raw is absent.
func DeviceOrDefault(raw string) string {
	if absent(raw) {
		return Unknown
	}
	return raw
}

// SessionOrDefault returns raw, or now (UTC) formatted with SessionLayout when raw is absent.
func SessionOrDefault(raw string, now time.Time) string {
	if absent(raw) {
		return now.UTC().Format(SessionLayout)
	}
	return raw
}

// Fields are the identifiers as received from the client.
type Fields struct {
	Patient string
	Session string
	Device  string
}

// Identity is the normalised triple used by the storage layer.
type Identity struct {
	Patient ID
	Session ID
	Device  ID
}

// Resolve applies the defaults and normalises every field. The returned error
// names the first failing field.
func Resolve(f Fields, now time.Time) (Identity, error) {
	patient, err := normalize("patient_id", PatientOrDefault(f.Patient))
	if err != nil {
		return Identity{}, err
	}
	session, err := normalize("session_id", SessionOrDefault(f.Session, now))
	if err != nil {
		return Identity{}, err
	}
	device, err := normalize("device_id", DeviceOrDefault(f.Device))
	if err != nil {
		return Identity{}, err
	}
	return Identity{Patient: patient, Session: session, Device: device}, nil
}
