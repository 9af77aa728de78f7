// Package linkage resolves external (document, author) pairs against the
// reference store and picks one affiliation per author.
package linkage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/entity"
	"github.com/agentic-research/affilink/internal/names"
	"github.com/agentic-research/affilink/internal/normalize"
)

// Querier is the read side of the store used by linkage and discovery.
type Querier interface {
	QueryBy(ctx context.Context, column, value string) ([]api.StoreRecord, error)
}

// Columns maps the external input file.
type Columns struct {
	Document string
	Authors  string
	// Separator splits Authors into names; empty means one name per row.
	Separator string
}

// DefaultColumns matches the usual export layout.
var DefaultColumns = Columns{Document: "doi", Authors: "authors", Separator: ";"}

// Options configures an Engine.
type Options struct {
	Convention names.Convention
	// Organizations are variants of the target organization's name, in
	// priority order.
	Organizations []string
	NameThreshold float64
	// Matcher corroborates affiliations by entity extraction; nil disables it.
	Matcher *entity.Matcher
	// CacheSize bounds the per-document lookups kept in memory.
	CacheSize int
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.NameThreshold <= 0 {
		o.NameThreshold = names.DefaultThreshold
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 1024
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Input is one external author reference.
type Input struct {
	Row         int64
	DocumentRef string
	AuthorRef   string
}

// EntityMapping records an accepted entity corroboration.
type EntityMapping struct {
	DocumentID          string  `json:"document_id"`
	AffiliationOriginal string  `json:"affiliation_original"`
	Candidate           string  `json:"candidate"`
	Organization        string  `json:"organization"`
	Score               float64 `json:"score"`
}

// Result is the outcome for one Input.
type Result struct {
	api.LinkageResult
	// Entity is set when entity extraction corroborated the chosen affiliation.
	Entity *EntityMapping
}

// Stats counts one linkage run.
type Stats struct {
	Rows         int64
	SkippedEmpty int64
	Authors      int64
	Matched      int64
	Unmatched    int64
	Corroborated int64
	ByStatus     map[string]int64
	// Documents are the distinct input document keys in first-seen order.
	Documents []string
}

// Engine links inputs against a store.
type Engine struct {
	q     Querier
	opts  Options
	orgs  []string
	cache *simplelru.LRU[string, []storedAuthor]
}

// New returns an Engine reading from q.
func New(q Querier, opts Options) (*Engine, error) {
	opts.defaults()
	cache, err := simplelru.NewLRU[string, []storedAuthor](opts.CacheSize, nil)
	if err != nil {
		return nil, err
	}
	e := &Engine{q: q, opts: opts, cache: cache}
	for _, o := range opts.Organizations {
		if n := normalize.Normalize(o); n != "" {
			e.orgs = append(e.orgs, n)
		}
	}
	return e, nil
}

type storedAuthor struct {
	sequence int
	key      string
	name     names.Name
	display  string
	// affiliations in sequence order; the first record stands in when empty.
	affiliations []api.StoreRecord
	first        api.StoreRecord
}

func storedName(r api.StoreRecord) names.Name {
	family := strings.Join(normalize.Tokens(r.AuthorFamilyOriginal), " ")
	if family == "" {
		return names.Parse(r.AuthorNameOriginal, names.GivenFamily)
	}
	n := names.Name{Original: r.AuthorNameOriginal, Family: family}
	if g := normalize.Tokens(r.AuthorGivenOriginal); len(g) > 0 {
		n.Given = g[0]
		n.Middle = strings.Join(g[1:], " ")
	}
	return n
}

func (e *Engine) authors(ctx context.Context, docKey string) ([]storedAuthor, error) {
	if a, ok := e.cache.Get(docKey); ok {
		return a, nil
	}
	recs, err := e.q.QueryBy(ctx, "document_key", docKey)
	if err != nil {
		return nil, err
	}
	var out []storedAuthor
	for _, r := range recs {
		if len(out) == 0 || out[len(out)-1].sequence != r.AuthorSequence || out[len(out)-1].first.DocumentID != r.DocumentID {
			out = append(out, storedAuthor{
				sequence: r.AuthorSequence,
				key:      r.AuthorKey,
				name:     storedName(r),
				display:  r.AuthorNameOriginal,
				first:    r,
			})
		}
		if r.HasAffiliation() {
			a := &out[len(out)-1]
			a.affiliations = append(a.affiliations, r)
		}
	}
	e.cache.Add(docKey, out)
	return out, nil
}

// Link resolves one input. Inputs without a stored author come back with
// StatusUnmatched; errors are reserved for store failures.
func (e *Engine) Link(ctx context.Context, in Input) (Result, error) {
	n := names.Parse(in.AuthorRef, e.opts.Convention)
	res := Result{LinkageResult: api.LinkageResult{
		InputRow:              in.Row,
		ExternalDocumentRef:   in.DocumentRef,
		ExternalAuthorRef:     in.AuthorRef,
		DocumentKey:           normalize.DocumentKey(in.DocumentRef),
		AuthorKey:             n.Key(),
		MatchedAuthorSequence: api.NoSequence,
		Status:                api.StatusUnmatched,
	}}
	if res.DocumentKey == "" || n.Key() == "" {
		return res, nil
	}
	stored, err := e.authors(ctx, res.DocumentKey)
	if err != nil {
		return res, fmt.Errorf("lookup %s: %w", res.DocumentKey, err)
	}

	author, basis := matchAuthor(stored, n, e.opts.NameThreshold)
	if author == nil {
		return res, nil
	}
	res.MatchedDocumentID = author.first.DocumentID
	res.MatchedAuthorName = author.display
	res.MatchedAuthorSequence = author.sequence
	res.MatchBasis = basis

	choice := Disambiguate(author.affiliations, e.orgs)
	res.Status = choice.Status
	if choice.Index < 0 && len(e.orgs) > 0 && e.opts.Matcher != nil {
		if i, m := e.corroborateAny(ctx, author.affiliations); i >= 0 {
			choice = Choice{Index: i, Status: api.StatusOrgMatch}
			res.Status = api.StatusOrgMatch
			res.MatchBasis = api.BasisEntityExtraction
			res.EntityScore = m.Score
			res.Entity = mapping(author.affiliations[i], m)
		}
	} else if choice.Status == api.StatusOrgMatch && e.opts.Matcher != nil {
		aff := author.affiliations[choice.Index]
		e.opts.Logger.Debug("entity corroboration", "document", aff.DocumentID, "affiliation", aff.AffiliationNameOriginal)
		if m, ok := e.corroborate(ctx, aff); ok {
			res.EntityScore = m.Score
			res.Entity = mapping(aff, m)
		}
	}

	if i := choice.selected(); i >= 0 {
		aff := author.affiliations[i]
		res.MatchedAffiliationKey = aff.AffiliationKey
		res.MatchedAffiliationOriginal = aff.AffiliationNameOriginal
		res.MatchedAffiliationRef = aff.AffiliationExternalRef
	}
	res.Confidence = Confidence(res.MatchBasis, res.Status, res.EntityScore)
	return res, nil
}

// corroborate treats extraction failures as no evidence.
func (e *Engine) corroborate(ctx context.Context, aff api.StoreRecord) (entity.Match, bool) {
	m, ok, err := e.opts.Matcher.Corroborate(ctx, aff.AffiliationNameOriginal)
	if err != nil {
		e.opts.Logger.Warn("entity extraction failed", "document", aff.DocumentID, "err", err)
		return entity.Match{}, false
	}
	return m, ok
}

func (e *Engine) corroborateAny(ctx context.Context, affs []api.StoreRecord) (int, entity.Match) {
	for i, a := range affs {
		if m, ok := e.corroborate(ctx, a); ok {
			return i, m
		}
	}
	return -1, entity.Match{}
}

func mapping(aff api.StoreRecord, m entity.Match) *EntityMapping {
	return &EntityMapping{
		DocumentID:          aff.DocumentID,
		AffiliationOriginal: aff.AffiliationNameOriginal,
		Candidate:           m.Candidate,
		Organization:        m.Organization,
		Score:               m.Score,
	}
}

// matchAuthor prefers an exact key match and falls back to name similarity,
// both in author sequence order.
func matchAuthor(stored []storedAuthor, n names.Name, threshold float64) (*storedAuthor, string) {
	key := n.Key()
	for i := range stored {
		if stored[i].key == key {
			return &stored[i], api.BasisExactName
		}
	}
	for i := range stored {
		if names.Similar(n, stored[i].name, threshold) {
			return &stored[i], api.BasisFuzzyName
		}
	}
	return nil, ""
}

// Choice is the affiliation picked for an author. Index is -1 when nothing
// matched an organization variant; Fallback is then the first by sequence.
type Choice struct {
	Index    int
	Fallback int
	Status   string
}

func (c Choice) selected() int {
	if c.Index >= 0 {
		return c.Index
	}
	return c.Fallback
}

// Disambiguate walks affiliations in sequence order and returns the first
// whose normalized text contains any normalized organization variant. With no
// variants the first affiliation is taken. affiliations must already be in
// sequence order.
func Disambiguate(affiliations []api.StoreRecord, orgs []string) Choice {
	c := Choice{Index: -1, Fallback: -1}
	if len(affiliations) > 0 {
		c.Fallback = 0
	}
	if len(orgs) == 0 {
		c.Status = api.StatusFirstAvail
		return c
	}
	for i, a := range affiliations {
		text := a.AffiliationNameNormalized
		if text == "" {
			text = normalize.Normalize(a.AffiliationNameOriginal)
		}
		for _, o := range orgs {
			if strings.Contains(text, o) {
				c.Index = i
				c.Status = api.StatusOrgMatch
				return c
			}
		}
	}
	c.Status = api.StatusNoOrgMatch
	return c
}

// Confidence scores a result from its basis, status and entity evidence.
func Confidence(basis, status string, entityScore float64) float64 {
	var c float64
	switch basis {
	case api.BasisExactName:
		c = 0.8
	case api.BasisFuzzyName:
		c = 0.6
	case api.BasisEntityExtraction:
		c = 0.5
	default:
		return 0
	}
	switch status {
	case api.StatusOrgMatch:
		c += 0.1
	case api.StatusNoOrgMatch:
		c -= 0.1
	}
	if entityScore > 0 {
		c += 0.1 * entityScore
	}
	if c > 1 {
		c = 1
	}
	return c
}

// RowReader yields input rows; the first row is the header. *csv.Reader
// satisfies it.
type RowReader interface {
	Read() ([]string, error)
}

// Run reads input rows and emits one Result per author name.
func (e *Engine) Run(ctx context.Context, rows RowReader, cols Columns, emit func(Result) error) (*Stats, error) {
	log := e.opts.Logger
	st := &Stats{ByStatus: make(map[string]int64)}

	header, err := rows.Read()
	if err != nil {
		return st, &api.StageError{Stage: "link", RecordRange: "header", Err: err}
	}
	docCol, authCol := -1, -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch h {
		case cols.Document:
			docCol = i
		case cols.Authors:
			authCol = i
		}
	}
	if docCol < 0 || authCol < 0 {
		return st, &api.StageError{Stage: "link", RecordRange: "header",
			Err: fmt.Errorf("input needs columns %q and %q", cols.Document, cols.Authors)}
	}

	seen := make(map[string]bool)
	line := int64(1)
	for {
		rec, err := rows.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return st, &api.StageError{Stage: "link", RecordRange: fmt.Sprintf("line %d", line), Err: err}
		}
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Rows++
		doc := field(rec, docCol)
		if key := normalize.DocumentKey(doc); key != "" && !seen[key] {
			seen[key] = true
			st.Documents = append(st.Documents, key)
		}
		authors := names.Split(field(rec, authCol), cols.Separator)
		if len(authors) == 0 {
			st.SkippedEmpty++
			log.Debug("row without authors", "line", line, "document", doc)
			continue
		}
		for _, a := range authors {
			res, err := e.Link(ctx, Input{Row: line, DocumentRef: doc, AuthorRef: a})
			if err != nil {
				return st, &api.StageError{Stage: "link", RecordRange: fmt.Sprintf("line %d", line), Err: err}
			}
			st.Authors++
			st.ByStatus[res.Status]++
			if res.Matched() {
				st.Matched++
			} else {
				st.Unmatched++
			}
			if res.Entity != nil {
				st.Corroborated++
			}
			if err := emit(res); err != nil {
				return st, err
			}
		}
	}

	log.Info("linkage finished", "rows", st.Rows, "authors", st.Authors,
		"matched", st.Matched, "unmatched", st.Unmatched, "skipped_empty", st.SkippedEmpty)
	for status, n := range st.ByStatus {
		log.Debug("linkage status", "status", status, "count", n)
	}
	return st, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return strings.TrimSpace(rec[i])
	}
	return ""
}
