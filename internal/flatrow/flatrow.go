// Package flatrow reads and writes the tabular intermediates passed between
// pipeline stages: flat field rows and normalized triples.
package flatrow

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/agentic-research/affilink/api"
)

// ErrBadHeader is returned when a file's header lacks a required column.
var ErrBadHeader = errors.New("flatrow: bad header")

// FlatHeader is the column order written for flat field rows.
var FlatHeader = []string{
	"document_id", "field_name", "indexed_path", "value",
	"grouping_key_1", "grouping_key_2", "origin_shard",
}

var flatRequired = []string{"document_id", "field_name", "indexed_path", "value"}

// FlatWriter writes flat field rows as CSV.
type FlatWriter struct {
	cw *csv.Writer
}

func NewFlatWriter(w io.Writer) *FlatWriter {
	return &FlatWriter{cw: csv.NewWriter(w)}
}

func (w *FlatWriter) WriteHeader() error {
	return w.cw.Write(FlatHeader)
}

func (w *FlatWriter) Write(r api.FlatFieldRow) error {
	return w.cw.Write([]string{
		r.DocumentID, r.FieldName, r.IndexedPath, r.Value,
		r.GroupingKey1, r.GroupingKey2, r.OriginShard,
	})
}

// Flush writes buffered rows to the underlying writer.
func (w *FlatWriter) Flush() error {
	w.cw.Flush()
	return w.cw.Error()
}

// FlatReader reads flat field rows, mapping columns by header name.
type FlatReader struct {
	cr   *csv.Reader
	cols columns
	line int64
}

// NewFlatReader consumes and validates the header.
func NewFlatReader(r io.Reader) (*FlatReader, error) {
	cr := newCSVReader(r)
	cols, err := readHeader(cr, flatRequired)
	if err != nil {
		return nil, err
	}
	return &FlatReader{cr: cr, cols: cols, line: 1}, nil
}

// Line is the 1-based line number of the last row returned (the header is line 1).
func (r *FlatReader) Line() int64 { return r.line }

// Read returns the next row or io.EOF.
func (r *FlatReader) Read() (api.FlatFieldRow, error) {
	rec, err := r.cr.Read()
	if err != nil {
		if pe, ok := err.(*csv.ParseError); ok {
			r.line++
			return api.FlatFieldRow{}, &RowError{Line: r.line, Raw: rec, Err: pe}
		}
		return api.FlatFieldRow{}, err
	}
	r.line++
	if len(rec) < r.cols.width {
		return api.FlatFieldRow{}, &RowError{Line: r.line, Raw: rec, Err: fmt.Errorf("expected %d columns, got %d", r.cols.width, len(rec))}
	}
	return api.FlatFieldRow{
		DocumentID:   r.cols.get(rec, "document_id"),
		FieldName:    r.cols.get(rec, "field_name"),
		IndexedPath:  r.cols.get(rec, "indexed_path"),
		Value:        r.cols.get(rec, "value"),
		GroupingKey1: r.cols.get(rec, "grouping_key_1"),
		GroupingKey2: r.cols.get(rec, "grouping_key_2"),
		OriginShard:  r.cols.get(rec, "origin_shard"),
	}, nil
}

// RowError is a recoverable problem with a single row.
type RowError struct {
	Line int64
	Raw  []string
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

func newCSVReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false
	return cr
}

type columns struct {
	index map[string]int
	width int
}

func (c columns) get(rec []string, name string) string {
	i, ok := c.index[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return rec[i]
}

func (c columns) has(name string) bool {
	_, ok := c.index[name]
	return ok
}

func readHeader(cr *csv.Reader, required []string) (columns, error) {
	head, err := cr.Read()
	if err == io.EOF {
		return columns{}, fmt.Errorf("%w: empty file", ErrBadHeader)
	}
	if err != nil {
		return columns{}, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	c := columns{index: make(map[string]int, len(head))}
	for i, h := range head {
		if i == 0 {
			h = trimBOM(h)
		}
		c.index[h] = i
	}
	for _, name := range required {
		i, ok := c.index[name]
		if !ok {
			return columns{}, fmt.Errorf("%w: missing column %q", ErrBadHeader, name)
		}
		if i+1 > c.width {
			c.width = i + 1
		}
	}
	return c, nil
}

func trimBOM(s string) string {
	if len(s) >= 3 && s[0] == 0xEF && s[1] == 0xBB && s[2] == 0xBF {
		return s[3:]
	}
	return s
}
