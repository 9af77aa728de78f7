package flatrow

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/agentic-research/affilink/api"
)

// TripleHeader is the column order written for normalized triples.
var TripleHeader = []string{
	"document_id", "author_sequence",
	"author_given_original", "author_given_normalized",
	"author_family_original", "author_family_normalized",
	"author_name_original", "author_name_normalized",
	"affiliation_sequence", "affiliation_name_original", "affiliation_name_normalized",
	"affiliation_external_ref", "coordinate_flag", "origin_shard",
}

var tripleRequired = []string{"document_id", "author_sequence", "affiliation_sequence"}

// FieldError reports a column value that could not be decoded.
type FieldError struct {
	Column string
	Value  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("column %s: invalid value %q", e.Column, e.Value)
}

// TripleWriter writes normalized triples as CSV.
type TripleWriter struct {
	cw *csv.Writer
}

func NewTripleWriter(w io.Writer) *TripleWriter {
	return &TripleWriter{cw: csv.NewWriter(w)}
}

func (w *TripleWriter) WriteHeader() error {
	return w.cw.Write(TripleHeader)
}

func (w *TripleWriter) Write(t api.NormalizedTriple) error {
	return w.cw.Write([]string{
		t.DocumentID, strconv.Itoa(t.AuthorSequence),
		t.AuthorGivenOriginal, t.AuthorGivenNormalized,
		t.AuthorFamilyOriginal, t.AuthorFamilyNormalized,
		t.AuthorNameOriginal, t.AuthorNameNormalized,
		FormatSequence(t.AffiliationSequence), t.AffiliationNameOriginal, t.AffiliationNameNormalized,
		t.AffiliationExternalRef, t.CoordinateFlag, t.OriginShard,
	})
}

func (w *TripleWriter) Flush() error {
	w.cw.Flush()
	return w.cw.Error()
}

// FormatSequence renders an affiliation sequence, empty for api.NoSequence.
func FormatSequence(seq int) string {
	if seq == api.NoSequence {
		return ""
	}
	return strconv.Itoa(seq)
}

// ParseSequence is the inverse of FormatSequence. "None" is accepted as absent.
func ParseSequence(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return api.NoSequence, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// TripleReader reads normalized triples, mapping columns by header name.
type TripleReader struct {
	cr   *csv.Reader
	cols columns
	line int64
}

func NewTripleReader(r io.Reader) (*TripleReader, error) {
	cr := newCSVReader(r)
	cols, err := readHeader(cr, tripleRequired)
	if err != nil {
		return nil, err
	}
	return &TripleReader{cr: cr, cols: cols, line: 1}, nil
}

func (r *TripleReader) Line() int64 { return r.line }

// Read returns the next triple, a *RowError for a row that cannot be decoded,
// or io.EOF. Reading may continue after a *RowError.
func (r *TripleReader) Read() (api.NormalizedTriple, error) {
	rec, err := r.cr.Read()
	if err != nil {
		if pe, ok := err.(*csv.ParseError); ok {
			r.line++
			return api.NormalizedTriple{}, &RowError{Line: r.line, Raw: rec, Err: pe}
		}
		return api.NormalizedTriple{}, err
	}
	r.line++
	if len(rec) < r.cols.width {
		return api.NormalizedTriple{}, &RowError{Line: r.line, Raw: rec, Err: fmt.Errorf("expected %d columns, got %d", r.cols.width, len(rec))}
	}

	get := func(name string) string { return r.cols.get(rec, name) }
	authorSeq, err := strconv.Atoi(strings.TrimSpace(get("author_sequence")))
	if err != nil || authorSeq < 0 {
		return api.NormalizedTriple{}, &RowError{Line: r.line, Raw: rec, Err: &FieldError{Column: "author_sequence", Value: get("author_sequence")}}
	}
	affSeq, ok := ParseSequence(get("affiliation_sequence"))
	if !ok {
		return api.NormalizedTriple{}, &RowError{Line: r.line, Raw: rec, Err: &FieldError{Column: "affiliation_sequence", Value: get("affiliation_sequence")}}
	}

	return api.NormalizedTriple{
		DocumentID:                get("document_id"),
		AuthorSequence:            authorSeq,
		AuthorGivenOriginal:       get("author_given_original"),
		AuthorGivenNormalized:     get("author_given_normalized"),
		AuthorFamilyOriginal:      get("author_family_original"),
		AuthorFamilyNormalized:    get("author_family_normalized"),
		AuthorNameOriginal:        get("author_name_original"),
		AuthorNameNormalized:      get("author_name_normalized"),
		AffiliationSequence:       affSeq,
		AffiliationNameOriginal:   get("affiliation_name_original"),
		AffiliationNameNormalized: get("affiliation_name_normalized"),
		AffiliationExternalRef:    get("affiliation_external_ref"),
		CoordinateFlag:            get("coordinate_flag"),
		OriginShard:               get("origin_shard"),
	}, nil
}

// HasColumn reports whether the input header carried the named column.
func (r *TripleReader) HasColumn(name string) bool { return r.cols.has(name) }
