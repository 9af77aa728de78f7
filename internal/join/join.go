// Package join regroups document-sorted flat rows into one normalized
// (document, author, affiliation) triple per occurrence.
package join

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/flatrow"
	"github.com/agentic-research/affilink/internal/normalize"
)

// Fields maps flat-row field names to the author and affiliation parts they carry.
type Fields struct {
	DisplayName    string
	Given          string
	Family         string
	Affiliation    string
	AffiliationRef string
}

// DefaultFields matches the field names used by the bundled catalogs.
var DefaultFields = Fields{
	DisplayName:    "author.name",
	Given:          "author.given",
	Family:         "author.family",
	Affiliation:    "affiliation.name",
	AffiliationRef: "affiliation.ref",
}

type Options struct {
	Fields Fields
	Logger *slog.Logger
}

// Stats counts what a join pass consumed and produced.
type Stats struct {
	RowsRead    int64
	Documents   int64
	Triples     int64
	FlaggedRows int64
	IgnoredRows int64
	OutOfOrder  int64
}

// DefaultOutputPath is "<input stem>_processed.csv" beside the input.
func DefaultOutputPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_processed.csv"
}

type role int

const (
	roleNone role = iota
	roleDisplay
	roleGiven
	roleFamily
	roleAffiliation
	roleAffiliationRef
)

func (f Fields) role(name string) role {
	switch name {
	case "":
		return roleNone
	case f.DisplayName:
		return roleDisplay
	case f.Given:
		return roleGiven
	case f.Family:
		return roleFamily
	case f.Affiliation:
		return roleAffiliation
	case f.AffiliationRef:
		return roleAffiliationRef
	}
	return roleNone
}

// Run streams flat rows sorted by document_id from in and writes normalized
// triples to out. Rows must be grouped by document; rows of one document
// split across the input are emitted as separate groups and counted in
// Stats.OutOfOrder.
func Run(ctx context.Context, in io.Reader, out io.Writer, opts Options) (*Stats, error) {
	if opts.Fields == (Fields{}) {
		opts.Fields = DefaultFields
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger

	r, err := flatrow.NewFlatReader(in)
	if err != nil {
		return nil, &api.StageError{Stage: "join", RecordRange: "header", Err: err}
	}
	w := flatrow.NewTripleWriter(out)
	if err := w.WriteHeader(); err != nil {
		return nil, err
	}

	st := &Stats{}
	var doc *document
	flush := func() error {
		if doc == nil {
			return nil
		}
		st.Documents++
		for _, t := range doc.triples() {
			if err := w.Write(t); err != nil {
				return err
			}
			st.Triples++
		}
		return nil
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return st, &api.StageError{Stage: "join", RecordRange: fmt.Sprintf("input line %d", r.Line()), Err: err}
		}
		st.RowsRead++
		if st.RowsRead%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
		}

		if doc == nil || row.DocumentID != doc.id {
			if doc != nil && row.DocumentID < doc.id {
				st.OutOfOrder++
				log.Debug("document out of order", "document_id", row.DocumentID, "after", doc.id, "line", r.Line())
			}
			if err := flush(); err != nil {
				return st, err
			}
			doc = newDocument(row.DocumentID, row.OriginShard)
		}

		rl := opts.Fields.role(row.FieldName)
		if rl == roleNone {
			st.IgnoredRows++
			continue
		}
		if !doc.add(rl, row) {
			st.FlaggedRows++
		}
	}
	if err := flush(); err != nil {
		return st, err
	}
	if err := w.Flush(); err != nil {
		return st, err
	}
	if st.OutOfOrder > 0 {
		log.Warn("input was not sorted by document_id", "out_of_order", st.OutOfOrder)
	}
	log.Info("join finished",
		"rows", st.RowsRead,
		"documents", st.Documents,
		"triples", st.Triples,
		"flagged_rows", st.FlaggedRows,
		"ignored_rows", st.IgnoredRows,
	)
	return st, nil
}

// Indices returns the array positions in an indexed path, in order.
// ok is false if a bracket does not hold a non-negative integer.
func Indices(path string) (idx []int, ok bool) {
	for {
		open := strings.IndexByte(path, '[')
		if open < 0 {
			return idx, true
		}
		end := strings.IndexByte(path[open:], ']')
		if end < 0 {
			return idx, false
		}
		inner := path[open+1 : open+end]
		if inner == "" {
			return idx, false
		}
		n := 0
		for _, c := range inner {
			if c < '0' || c > '9' {
				return idx, false
			}
			n = n*10 + int(c-'0')
		}
		idx = append(idx, n)
		path = path[open+end+1:]
	}
}

type affiliation struct {
	name string
	ref  string
}

// coord is an (author, affiliation) array position.
type coord [2]int

type author struct {
	given, family, display string
	affs                   map[int]*affiliation
	flaggedAffs            []*affiliation
}

func newAuthor() *author {
	return &author{affs: make(map[int]*affiliation)}
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

type document struct {
	id      string
	shard   string
	authors map[int]*author
	// flagged holds authors whose position could not be read, in input order.
	flagged []*author
	orphans *author
	// refs are attached at emit time to the named affiliation at the same
	// coordinate; a ref alone never creates an affiliation.
	refs map[coord]string
}

func newDocument(id, shard string) *document {
	return &document{id: id, shard: shard, authors: make(map[int]*author), refs: make(map[coord]string)}
}

// add places one row. It returns false if the row's coordinates were unusable:
// names are kept under an unresolved position, refs are dropped.
func (d *document) add(rl role, row api.FlatFieldRow) bool {
	idx, ok := Indices(row.IndexedPath)
	if !ok {
		idx = nil
	}

	if rl == roleAffiliationRef {
		if len(idx) < 2 {
			return false
		}
		c := coord{idx[0], idx[1]}
		if _, seen := d.refs[c]; !seen {
			d.refs[c] = row.Value
		}
		return true
	}

	if rl == roleAffiliation {
		if len(idx) == 0 {
			if d.orphans == nil {
				d.orphans = newAuthor()
			}
			d.orphans.flaggedAffs = append(d.orphans.flaggedAffs, &affiliation{name: row.Value})
			return false
		}
		a := d.author(idx[0])
		if len(idx) < 2 {
			a.flaggedAffs = append(a.flaggedAffs, &affiliation{name: row.Value})
			return false
		}
		aff, ok := a.affs[idx[1]]
		if !ok {
			aff = &affiliation{}
			a.affs[idx[1]] = aff
		}
		setIfEmpty(&aff.name, row.Value)
		return true
	}

	var a *author
	if len(idx) == 0 {
		a = newAuthor()
		d.flagged = append(d.flagged, a)
	} else {
		a = d.author(idx[0])
	}
	switch rl {
	case roleDisplay:
		setIfEmpty(&a.display, row.Value)
	case roleGiven:
		setIfEmpty(&a.given, row.Value)
	case roleFamily:
		setIfEmpty(&a.family, row.Value)
	}
	return len(idx) > 0
}

func (d *document) author(seq int) *author {
	a, ok := d.authors[seq]
	if !ok {
		a = newAuthor()
		d.authors[seq] = a
	}
	return a
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// triples emits well-formed authors in sequence order, then unresolved ones
// numbered after the highest well-formed sequence.
func (d *document) triples() []api.NormalizedTriple {
	var out []api.NormalizedTriple
	seqs := sortedKeys(d.authors)
	next := 0
	for _, s := range seqs {
		a := d.authors[s]
		for as, aff := range a.affs {
			aff.ref = d.refs[coord{s, as}]
		}
		out = d.emit(out, a, s, "")
		next = s + 1
	}
	for _, a := range d.flagged {
		out = d.emit(out, a, next, api.FlagUnresolvedAuthor)
		next++
	}
	if d.orphans != nil {
		out = d.emit(out, d.orphans, next, api.FlagUnresolvedAuthor)
	}
	return out
}

func (d *document) emit(out []api.NormalizedTriple, a *author, seq int, flag string) []api.NormalizedTriple {
	display := a.display
	if display == "" {
		display = strings.TrimSpace(a.given + " " + a.family)
	}
	base := api.NormalizedTriple{
		DocumentID:             d.id,
		AuthorSequence:         seq,
		AuthorGivenOriginal:    a.given,
		AuthorGivenNormalized:  normalize.Normalize(a.given),
		AuthorFamilyOriginal:   a.family,
		AuthorFamilyNormalized: normalize.Normalize(a.family),
		AuthorNameOriginal:     display,
		AuthorNameNormalized:   normalize.Normalize(display),
		AffiliationSequence:    api.NoSequence,
		CoordinateFlag:         flag,
		OriginShard:            d.shard,
	}
	if len(a.affs) == 0 && len(a.flaggedAffs) == 0 {
		return append(out, base)
	}

	affSeqs := sortedKeys(a.affs)
	next := 0
	for _, s := range affSeqs {
		out = append(out, withAffiliation(base, s, a.affs[s], flag))
		next = s + 1
	}
	affFlag := flag
	if affFlag == "" {
		affFlag = api.FlagUnresolvedAffiliation
	}
	for _, aff := range a.flaggedAffs {
		out = append(out, withAffiliation(base, next, aff, affFlag))
		next++
	}
	return out
}

func withAffiliation(base api.NormalizedTriple, seq int, aff *affiliation, flag string) api.NormalizedTriple {
	t := base
	t.AffiliationSequence = seq
	t.AffiliationNameOriginal = aff.name
	t.AffiliationNameNormalized = normalize.Normalize(aff.name)
	t.AffiliationExternalRef = aff.ref
	t.CoordinateFlag = flag
	return t
}
