package discovery

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/normalize"
	"github.com/agentic-research/affilink/internal/store"
)

func rec(doc string, seq int, name, aff string) api.StoreRecord {
	return api.StoreRecord{NormalizedTriple: api.NormalizedTriple{
		DocumentID:              doc,
		AuthorSequence:          seq,
		AuthorNameOriginal:      name,
		AffiliationSequence:     0,
		AffiliationNameOriginal: aff,
	}}
}

func fixture(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ref.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	require.NoError(t, s.CreateTables(ctx))
	_, rejected, err := s.BatchInsert(ctx, []api.StoreRecord{
		rec("D1", 0, "Jane Doe", "University of Oxford"),
		rec("D2", 0, "Ann Poe", "Univ. of Oxford"),
		rec("D2", 1, "Bob Roe", "The University of Oxford"),
		rec("D3", 0, "Carl Zoe", "University of Oxford"),
		rec("D4", 0, "Dee Moe", "Harvard University"),
	})
	require.NoError(t, err)
	require.Empty(t, rejected)
	return s
}

var oxford = normalize.Key("University of Oxford")

func TestFromLinkageExcludesInputs(t *testing.T) {
	e := New(fixture(t), Options{})
	results := []api.LinkageResult{
		{
			ExternalDocumentRef:   "D1",
			DocumentKey:           "d1",
			MatchedDocumentID:     "D1",
			MatchedAuthorSequence: 0,
			MatchedAffiliationKey: oxford,
			Status:                api.StatusOrgMatch,
		},
		{
			ExternalDocumentRef:   "D4",
			DocumentKey:           "d4",
			MatchedDocumentID:     "D4",
			MatchedAffiliationKey: normalize.Key("Harvard University"),
			Status:                api.StatusNoOrgMatch,
		},
	}
	res, err := e.FromLinkage(context.Background(), results, []string{"D1", "D4", "D7"})
	require.NoError(t, err)

	assert.Equal(t, []string{"D2", "D3"}, res.Documents)
	require.Len(t, res.Log, 3)
	for _, w := range res.Log {
		assert.NotEqual(t, "D1", w.DiscoveredDocumentID)
		assert.Equal(t, "D1", w.OriginDocumentID)
		assert.Equal(t, oxford, w.SharedAffiliationKey)
	}
	assert.Len(t, res.Works, 3)
	require.Len(t, res.Linking, 1)
	assert.Equal(t, LinkingAffiliation{Key: oxford, Original: "University of Oxford", Origins: 1, Discovered: 3}, res.Linking[0])

	assert.ElementsMatch(t, []api.UnmatchedInput{
		{Kind: KindDocument, Value: "d4", Reason: ReasonNoLinkedAuthor},
		{Kind: KindDocument, Value: "d7", Reason: ReasonNoLinkedAuthor},
	}, res.Unmatched)
}

func TestFromLinkageDeterministic(t *testing.T) {
	s := fixture(t)
	results := []api.LinkageResult{{
		ExternalDocumentRef:   "D1",
		DocumentKey:           "d1",
		MatchedDocumentID:     "D1",
		MatchedAffiliationKey: oxford,
		Status:                api.StatusFirstAvail,
	}}
	a, err := New(s, Options{}).FromLinkage(context.Background(), results, []string{"D1"})
	require.NoError(t, err)
	b, err := New(s, Options{}).FromLinkage(context.Background(), results, []string{"D1"})
	require.NoError(t, err)
	assert.Equal(t, a.Log, b.Log)
	assert.Equal(t, a.Works, b.Works)
}

func TestFromAffiliations(t *testing.T) {
	e := New(fixture(t), Options{})
	res, err := e.FromAffiliations(context.Background(), []string{"Univ. of Oxford", "Nowhere College", "  "})
	require.NoError(t, err)

	assert.Equal(t, []string{"D1", "D2", "D3"}, res.Documents)
	require.Len(t, res.Log, 4)
	for _, w := range res.Log {
		assert.Equal(t, "Univ. of Oxford", w.OriginTerm)
		assert.Equal(t, api.NoSequence, w.OriginAuthorSequence)
	}
	assert.Equal(t, []api.UnmatchedInput{
		{Kind: KindAffiliation, Value: "Nowhere College", Reason: ReasonNoStoredAffiliation},
		{Kind: KindAffiliation, Value: "  ", Reason: ReasonNoStoredAffiliation},
	}, res.Unmatched)
}

func TestFromDocuments(t *testing.T) {
	s := fixture(t)

	t.Run("organization filter", func(t *testing.T) {
		res, err := New(s, Options{Organizations: []string{"Oxford"}}).FromDocuments(context.Background(), []string{"D1", "D9"})
		require.NoError(t, err)
		assert.Equal(t, []string{"D2", "D3"}, res.Documents)
		assert.Equal(t, []api.UnmatchedInput{{Kind: KindDocument, Value: "d9", Reason: ReasonNotInStore}}, res.Unmatched)
	})

	t.Run("no affiliation passes the filter", func(t *testing.T) {
		res, err := New(s, Options{Organizations: []string{"Cambridge"}}).FromDocuments(context.Background(), []string{"D1"})
		require.NoError(t, err)
		assert.Empty(t, res.Documents)
		assert.Equal(t, []api.UnmatchedInput{{Kind: KindDocument, Value: "d1", Reason: ReasonNoMatchingAff}}, res.Unmatched)
	})

	t.Run("key shared with nobody else", func(t *testing.T) {
		res, err := New(s, Options{}).FromDocuments(context.Background(), []string{"D4"})
		require.NoError(t, err)
		assert.Empty(t, res.Log)
		assert.Equal(t, []api.UnmatchedInput{{Kind: KindAffiliationKey, Value: normalize.Key("Harvard University"), Reason: ReasonNoOtherDocuments}}, res.Unmatched)
	})

	t.Run("every input document is excluded", func(t *testing.T) {
		res, err := New(s, Options{}).FromDocuments(context.Background(), []string{"D1", "D2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"D3"}, res.Documents)
	})
}
