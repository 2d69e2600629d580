// Package errs classifies errors returned by the ingestion core so that the
// transport layer can map them to responses without knowing every package.
package errs

import "errors"

// Kind is the coarse category of a failure.
type Kind string

const (
	// KindValidation marks a bad identifier. Never retried.
	KindValidation Kind = "validation"
	// KindParse marks a malformed payload; the client must resend corrected data.
	KindParse Kind = "parse"
	// KindStorage marks an I/O failure. Safe to retry.
	KindStorage Kind = "storage"
	// KindBusy marks transient lock contention. Retry with backoff.
	KindBusy Kind = "busy"
	// KindNotFound marks an unknown patient or session on a read path.
	KindNotFound Kind = "not_found"
	// KindConflict marks a request that cannot be served for the current session state.
	KindConflict Kind = "conflict"
)

// Kinded is implemented by errors that carry their own Kind.
type Kinded interface {
	Kind() Kind
}

// KindOf returns the kind of the first error in err's chain that reports one.
// Unclassified errors are treated as storage failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k Kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindStorage
}

// Error attaches a Kind to an arbitrary error.
type Error struct {
	K   Kind
	Err error
}

// Wrap returns err tagged with kind. A nil err stays nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{K: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.K)
	}
	return e.Err.Error()
}

// Kind implements Kinded.
func (e *Error) Kind() Kind { return e.K }

func (e *Error) Unwrap() error { return e.Err }

type sentinel struct {
	kind Kind
	msg  string
}

func (s *sentinel) Error() string { return s.msg }
func (s *sentinel) Kind() Kind    { return s.kind }

// Sentinel returns a comparable error value (usable with errors.Is) of the given kind.
func Sentinel(kind Kind, msg string) error {
	return &sentinel{kind: kind, msg: msg}
}
