// Package discovery finds stored documents that share an affiliation key with
// a set of origin documents.
//
// Every stored record is addressed by its rowid. Each affiliation key resolves
// to a bitmap of rowids, the excluded input documents resolve to another, and
// the discovered set is the union of the key bitmaps minus the exclusion.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/normalize"
)

// Unmatched reasons.
const (
	ReasonNotInStore          = "not_in_store"
	ReasonNoLinkedAuthor      = "no_linked_author"
	ReasonNoMatchingAff       = "no_matching_affiliation"
	ReasonNoOtherDocuments    = "no_other_documents"
	ReasonNoStoredAffiliation = "no_stored_affiliation"
)

// Unmatched input kinds.
const (
	KindDocument       = "document"
	KindAffiliationKey = "affiliation_key"
	KindAffiliation    = "affiliation"
)

// Querier is the read side of the store.
type Querier interface {
	QueryBy(ctx context.Context, column, value string) ([]api.StoreRecord, error)
}

// Options configures an Engine.
type Options struct {
	// Organizations restricts document-seeded discovery to affiliations
	// whose key contains one of these names.
	Organizations []string
	Logger        *slog.Logger
}

// LinkingAffiliation is one affiliation key that seeded discovery.
type LinkingAffiliation struct {
	Key        string `json:"affiliation_key"`
	Original   string `json:"affiliation_original"`
	Origins    int    `json:"origins"`
	Discovered int    `json:"discovered"`
}

// Result is the outcome of one discovery run.
type Result struct {
	// Log holds one entry per (origin, shared key, discovered record).
	Log []api.DiscoveredWork
	// Works holds each discovered record once, ordered by document.
	Works []api.DiscoveredWork
	// Documents are the distinct discovered document ids, sorted.
	Documents   []string
	Linking     []LinkingAffiliation
	Unmatched   []api.UnmatchedInput
	RowsScanned int64
}

// Engine runs discovery queries against a store.
type Engine struct {
	q    Querier
	orgs []string
	log  *slog.Logger
}

// New returns an Engine reading from q.
func New(q Querier, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{q: q, log: opts.Logger}
	for _, o := range opts.Organizations {
		if k := normalize.Key(o); k != "" {
			e.orgs = append(e.orgs, k)
		}
	}
	return e
}

type origin struct {
	documentID string
	authorSeq  int
	key        string
	term       string
	original   string
}

type traversal struct {
	e        *Engine
	records  map[uint64]api.StoreRecord
	byKey    map[string]*roaring64.Bitmap
	excluded *roaring64.Bitmap
	docKeys  map[string]bool
	res      *Result
}

func (e *Engine) newTraversal(exclude []string) *traversal {
	t := &traversal{
		e:        e,
		records:  make(map[uint64]api.StoreRecord),
		byKey:    make(map[string]*roaring64.Bitmap),
		excluded: roaring64.New(),
		docKeys:  make(map[string]bool),
		res:      &Result{},
	}
	for _, d := range exclude {
		if k := normalize.DocumentKey(d); k != "" {
			t.docKeys[k] = true
		}
	}
	return t
}

// lookup resolves key to the rowids sharing it, marking rows of excluded
// documents as it goes.
func (t *traversal) lookup(ctx context.Context, key string) (*roaring64.Bitmap, error) {
	if bm, ok := t.byKey[key]; ok {
		return bm, nil
	}
	recs, err := t.e.q.QueryBy(ctx, "affiliation_key", key)
	if err != nil {
		return nil, fmt.Errorf("query affiliation key %q: %w", key, err)
	}
	bm := roaring64.New()
	for _, r := range recs {
		id := uint64(r.RowID)
		bm.Add(id)
		t.records[id] = r
		if t.docKeys[r.DocumentKey] {
			t.excluded.Add(id)
		}
	}
	t.res.RowsScanned += int64(len(recs))
	t.byKey[key] = bm
	return bm, nil
}

// discovered is the key's rowids minus the excluded ones.
func (t *traversal) discovered(key string) *roaring64.Bitmap {
	bm := t.byKey[key].Clone()
	bm.AndNot(t.excluded)
	return bm
}

func work(r api.StoreRecord, key string) api.DiscoveredWork {
	return api.DiscoveredWork{
		DiscoveredDocumentID:          r.DocumentID,
		SharedAffiliationKey:          key,
		OriginAuthorSequence:          api.NoSequence,
		DiscoveredAuthorName:          r.AuthorNameOriginal,
		DiscoveredAffiliationOriginal: r.AffiliationNameOriginal,
		DiscoveredAffiliationRef:      r.AffiliationExternalRef,
	}
}

// run expands every origin and assembles the result.
func (t *traversal) run(ctx context.Context, origins []origin) (*Result, error) {
	var (
		order   []string
		linking = make(map[string]*LinkingAffiliation)
	)
	for _, o := range origins {
		if _, err := t.lookup(ctx, o.key); err != nil {
			return nil, err
		}
		la, ok := linking[o.key]
		if !ok {
			la = &LinkingAffiliation{Key: o.key, Original: o.original}
			linking[o.key] = la
			order = append(order, o.key)
		}
		la.Origins++
	}

	all := roaring64.New()
	for _, o := range origins {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		found := t.discovered(o.key)
		it := found.Iterator()
		for it.HasNext() {
			r := t.records[it.Next()]
			w := work(r, o.key)
			w.OriginDocumentID = o.documentID
			w.OriginAuthorSequence = o.authorSeq
			w.OriginTerm = o.term
			t.res.Log = append(t.res.Log, w)
		}
		all.Or(found)
	}

	for _, k := range order {
		la := linking[k]
		la.Discovered = int(t.discovered(k).GetCardinality())
		if la.Original == "" {
			if it := t.byKey[k].Iterator(); it.HasNext() {
				la.Original = t.records[it.Next()].AffiliationNameOriginal
			}
		}
		t.res.Linking = append(t.res.Linking, *la)
	}

	seen := make(map[string]bool)
	it := all.Iterator()
	for it.HasNext() {
		r := t.records[it.Next()]
		t.res.Works = append(t.res.Works, work(r, r.AffiliationKey))
		if !seen[r.DocumentID] {
			seen[r.DocumentID] = true
			t.res.Documents = append(t.res.Documents, r.DocumentID)
		}
	}
	slices.SortStableFunc(t.res.Works, func(a, b api.DiscoveredWork) int {
		return strings.Compare(a.DiscoveredDocumentID, b.DiscoveredDocumentID)
	})
	slices.Sort(t.res.Documents)
	return t.res, nil
}

func (t *traversal) unmatched(kind, value, reason string) {
	t.res.Unmatched = append(t.res.Unmatched, api.UnmatchedInput{Kind: kind, Value: value, Reason: reason})
}

// reportBarrenKeys marks linking keys whose every record belongs to an
// input document.
func (t *traversal) reportBarrenKeys() {
	for _, la := range t.res.Linking {
		if la.Discovered == 0 {
			t.unmatched(KindAffiliationKey, la.Key, ReasonNoOtherDocuments)
		}
	}
}

// FromLinkage seeds discovery with the affiliations chosen by a linkage run.
// Only results with status org_match_found or first_available contribute.
// inputDocuments are excluded from the discoveries along with every linked
// document; input documents that contributed no key are reported unmatched.
func (e *Engine) FromLinkage(ctx context.Context, results []api.LinkageResult, inputDocuments []string) (*Result, error) {
	exclude := slices.Clone(inputDocuments)
	for _, r := range results {
		exclude = append(exclude, r.ExternalDocumentRef, r.MatchedDocumentID)
	}
	t := e.newTraversal(exclude)

	var origins []origin
	contributed := make(map[string]bool)
	for _, r := range results {
		if r.Status != api.StatusOrgMatch && r.Status != api.StatusFirstAvail {
			continue
		}
		if r.MatchedAffiliationKey == "" {
			continue
		}
		origins = append(origins, origin{
			documentID: r.MatchedDocumentID,
			authorSeq:  r.MatchedAuthorSequence,
			key:        r.MatchedAffiliationKey,
			original:   r.MatchedAffiliationOriginal,
		})
		contributed[r.DocumentKey] = true
	}

	res, err := t.run(ctx, origins)
	if err != nil {
		return nil, err
	}
	for _, d := range dedupKeys(inputDocuments) {
		if !contributed[d] {
			t.unmatched(KindDocument, d, ReasonNoLinkedAuthor)
		}
	}
	t.reportBarrenKeys()
	e.summary("linkage", len(origins), res)
	return res, nil
}

// FromAffiliations keys each term directly and reports every stored record
// carrying that key. Nothing is excluded.
func (e *Engine) FromAffiliations(ctx context.Context, terms []string) (*Result, error) {
	t := e.newTraversal(nil)
	var origins []origin
	for _, term := range terms {
		key := normalize.Key(term)
		if key == "" {
			t.unmatched(KindAffiliation, term, ReasonNoStoredAffiliation)
			continue
		}
		bm, err := t.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if bm.IsEmpty() {
			t.unmatched(KindAffiliation, term, ReasonNoStoredAffiliation)
			continue
		}
		origins = append(origins, origin{authorSeq: api.NoSequence, key: key, term: term, original: term})
	}
	res, err := t.run(ctx, origins)
	if err != nil {
		return nil, err
	}
	e.summary("affiliation", len(origins), res)
	return res, nil
}

// FromDocuments looks up the stored affiliations of each input document and
// discovers other documents sharing them. With organizations configured only
// affiliations whose key contains one of them link.
func (e *Engine) FromDocuments(ctx context.Context, documents []string) (*Result, error) {
	keys := dedupKeys(documents)
	t := e.newTraversal(keys)
	var origins []origin
	for _, d := range keys {
		recs, err := e.q.QueryBy(ctx, "document_key", d)
		if err != nil {
			return nil, fmt.Errorf("query document %q: %w", d, err)
		}
		if len(recs) == 0 {
			t.unmatched(KindDocument, d, ReasonNotInStore)
			continue
		}
		n := 0
		for _, r := range recs {
			if r.AffiliationKey == "" || !e.wanted(r.AffiliationKey) {
				continue
			}
			origins = append(origins, origin{
				documentID: r.DocumentID,
				authorSeq:  r.AuthorSequence,
				key:        r.AffiliationKey,
				original:   r.AffiliationNameOriginal,
			})
			n++
		}
		if n == 0 {
			t.unmatched(KindDocument, d, ReasonNoMatchingAff)
		}
	}
	res, err := t.run(ctx, origins)
	if err != nil {
		return nil, err
	}
	t.reportBarrenKeys()
	e.summary("document", len(origins), res)
	return res, nil
}

func (e *Engine) wanted(key string) bool {
	if len(e.orgs) == 0 {
		return true
	}
	for _, o := range e.orgs {
		if strings.Contains(key, o) {
			return true
		}
	}
	return false
}

func (e *Engine) summary(mode string, origins int, res *Result) {
	e.log.Info("discovery finished",
		"mode", mode,
		"origins", origins,
		"linking_affiliations", len(res.Linking),
		"log_rows", len(res.Log),
		"works", len(res.Works),
		"documents", len(res.Documents),
		"unmatched", len(res.Unmatched))
}

func dedupKeys(docs []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range docs {
		k := normalize.DocumentKey(d)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
