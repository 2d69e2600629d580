// Package recording parses uploaded sensor CSV payloads and validates their
// structure. Structural problems reject the payload; implausible sensor
// values are reported as warnings.
package recording

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode/utf8"

	"pulsewatch/internal/errs"
)

// DefaultMaxWarnings caps the number of warnings kept in a Parsed result.
const DefaultMaxWarnings = 100

// Code identifies a structural parse failure.
type Code string

const (
	CodeEmpty        Code = "empty"
	CodeEncoding     Code = "encoding"
	CodeBadHeader    Code = "bad_header"
	CodeMalformedRow Code = "malformed_row"
	CodeTooSmall     Code = "too_small"
)

// ParseError rejects a whole payload.
type ParseError struct {
	Code   Code
	Line   int // 1-based, 0 when not tied to a line
	Detail string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s at line %d: %s", e.Code, e.Line, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Kind implements errs.Kinded.
func (e *ParseError) Kind() errs.Kind { return errs.KindParse }

// Options tune the parser.
type Options struct {
	// MinBytes rejects payloads shorter than this many bytes.
	MinBytes int
	// ExpectedColumns, when set, produces a schema_mismatch warning if the header differs.
	ExpectedColumns []string
	// MaxWarnings caps Parsed.Warnings; zero means DefaultMaxWarnings.
	MaxWarnings int
}

// Warning is a non-fatal finding.
type Warning struct {
	Line    int    `json:"line,omitempty"`
	Column  string `json:"column,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Parsed summarises a valid payload.
type Parsed struct {
	Columns      []string
	RowCount     int
	ByteSize     int64
	Warnings     []Warning
	WarningCount int
}

// Fingerprint returns the ordered column list as a single string.
func (p *Parsed) Fingerprint() string { return strings.Join(p.Columns, ",") }

func (p *Parsed) warn(limit int, w Warning) {
	p.WarningCount++
	if len(p.Warnings) < limit {
		p.Warnings = append(p.Warnings, w)
	}
}

// Parse validates payload and summarises it. Any malformed row rejects the
// whole payload.
func Parse(payload []byte, opts Options) (*Parsed, error) {
	limit := opts.MaxWarnings
	if limit <= 0 {
		limit = DefaultMaxWarnings
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, &ParseError{Code: CodeEmpty, Detail: "no data received"}
	}
	if !utf8.Valid(payload) {
		return nil, &ParseError{Code: CodeEncoding, Detail: "payload is not valid UTF-8"}
	}

	r := NewReader(bytes.NewReader(payload))
	r.ReuseRecord = true

	header, err := ReadRecord(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ParseError{Code: CodeEmpty, Detail: "no data received"}
		}
		return nil, rowError(err, "header")
	}
	columns, perr := checkHeader(header)
	if perr != nil {
		perr.Line, _ = r.FieldPos(0)
		return nil, perr
	}

	out := &Parsed{Columns: columns, ByteSize: int64(len(payload))}
	if len(opts.ExpectedColumns) > 0 && !slices.Equal(columns, opts.ExpectedColumns) {
		out.warn(limit, Warning{
			Code:    "schema_mismatch",
			Message: fmt.Sprintf("columns %q differ from expected %q", columns, opts.ExpectedColumns),
		})
	}
	checks := boundsFor(columns)

	for {
		rec, err := ReadRecord(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, rowError(err, "row")
		}
		line, _ := r.FieldPos(0)
		if len(rec) != len(columns) {
			return nil, &ParseError{
				Code:   CodeMalformedRow,
				Line:   line,
				Detail: fmt.Sprintf("expected %d fields, got %d", len(columns), len(rec)),
			}
		}
		out.RowCount++
		for _, c := range checks {
			if w, ok := c.check(rec[c.index]); !ok {
				w.Line = line
				w.Column = columns[c.index]
				out.warn(limit, w)
			}
		}
	}

	if out.RowCount == 0 {
		return nil, &ParseError{Code: CodeTooSmall, Detail: "insufficient data: header without data rows"}
	}
	if len(payload) < opts.MinBytes {
		return nil, &ParseError{
			Code:   CodeTooSmall,
			Detail: fmt.Sprintf("payload of %d bytes is below the %d byte minimum", len(payload), opts.MinBytes),
		}
	}
	return out, nil
}

// NewReader returns a csv.Reader configured the way Parse reads payloads:
// variable field counts are reported by the caller and stray quotes inside a
// cell are accepted, since device exports occasionally carry them.
func NewReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

// ReadRecord returns the next record that has at least one non-blank cell.
// encoding/csv only skips empty lines; whitespace-only lines are skipped here.
func ReadRecord(r *csv.Reader) ([]string, error) {
	for {
		rec, err := r.Read()
		if err != nil {
			return nil, err
		}
		for _, cell := range rec {
			if strings.TrimSpace(cell) != "" {
				return rec, nil
			}
		}
	}
}

func checkHeader(fields []string) ([]string, *ParseError) {
	columns := make([]string, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for i, f := range fields {
		name := strings.TrimSpace(strings.TrimPrefix(f, "\ufeff"))
		if name == "" {
			return nil, &ParseError{Code: CodeBadHeader, Detail: fmt.Sprintf("column %d has an empty name", i+1)}
		}
		if _, dup := seen[name]; dup {
			return nil, &ParseError{Code: CodeBadHeader, Detail: fmt.Sprintf("duplicate column %q", name)}
		}
		seen[name] = struct{}{}
		columns[i] = name
	}
	return columns, nil
}

func rowError(err error, what string) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return &ParseError{Code: CodeMalformedRow, Line: pe.Line, Detail: pe.Err.Error()}
	}
	return &ParseError{Code: CodeMalformedRow, Detail: fmt.Sprintf("read %s: %v", what, err)}
}
