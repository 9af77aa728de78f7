package linkage

import (
	"context"
	"encoding/csv"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/entity"
	"github.com/agentic-research/affilink/internal/names"
	"github.com/agentic-research/affilink/internal/normalize"
	"github.com/agentic-research/affilink/internal/store"
)

func rec(doc string, seq int, name string, affSeq int, aff string) api.StoreRecord {
	return api.StoreRecord{NormalizedTriple: api.NormalizedTriple{
		DocumentID:              doc,
		AuthorSequence:          seq,
		AuthorNameOriginal:      name,
		AffiliationSequence:     affSeq,
		AffiliationNameOriginal: aff,
	}}
}

func testStore(t *testing.T, recs ...api.StoreRecord) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ref.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateTables(context.Background()))
	n, rejected, err := s.BatchInsert(context.Background(), recs)
	require.NoError(t, err)
	require.Empty(t, rejected)
	require.Equal(t, len(recs), n)
	return s
}

func fixture(t *testing.T) *store.Store {
	muller := rec("https://doi.org/10.1000/XYZ", 1, "Hans Müller", 0, "University of Oxford")
	muller.AuthorGivenOriginal = "Hans"
	muller.AuthorFamilyOriginal = "Müller"
	return testStore(t,
		rec("https://doi.org/10.1000/XYZ", 0, "Jane Doe", 0, "Dept. of Chemistry, Harvard University"),
		rec("https://doi.org/10.1000/XYZ", 0, "Jane Doe", 1, "Department of Physics, MIT"),
		rec("https://doi.org/10.1000/XYZ", 0, "Jane Doe", 2, "Broad Institute"),
		muller,
		rec("https://doi.org/10.1000/XYZ", 2, "Wei Zhang", api.NoSequence, ""),
	)
}

func affs(texts ...string) []api.StoreRecord {
	var out []api.StoreRecord
	for i, n := range texts {
		r := rec("D", 0, "A", i, n)
		r.AffiliationNameNormalized = normalize.Normalize(n)
		out = append(out, r)
	}
	return out
}

func TestDisambiguate(t *testing.T) {
	list := affs("Harvard University", "Dept. of Physics, MIT", "Broad Institute")

	t.Run("variant picks the matching affiliation", func(t *testing.T) {
		c := Disambiguate(list, []string{"mit"})
		assert.Equal(t, 1, c.Index)
		assert.Equal(t, 1, c.selected())
		assert.Equal(t, api.StatusOrgMatch, c.Status)
	})
	t.Run("variant order does not override sequence order", func(t *testing.T) {
		c := Disambiguate(list, []string{"broad institute", "harvard"})
		assert.Equal(t, 0, c.Index)
	})
	t.Run("no variants takes the first", func(t *testing.T) {
		c := Disambiguate(list, nil)
		assert.Equal(t, -1, c.Index)
		assert.Equal(t, 0, c.selected())
		assert.Equal(t, api.StatusFirstAvail, c.Status)
	})
	t.Run("no hit falls back to the first", func(t *testing.T) {
		c := Disambiguate(list, []string{"stanford"})
		assert.Equal(t, 0, c.selected())
		assert.Equal(t, api.StatusNoOrgMatch, c.Status)
	})
	t.Run("author without affiliations", func(t *testing.T) {
		c := Disambiguate(nil, []string{"mit"})
		assert.Equal(t, -1, c.selected())
		assert.Equal(t, api.StatusNoOrgMatch, c.Status)
	})
}

func TestConfidence(t *testing.T) {
	assert.Zero(t, Confidence("", api.StatusUnmatched, 0))
	assert.Greater(t, Confidence(api.BasisExactName, api.StatusOrgMatch, 0), Confidence(api.BasisFuzzyName, api.StatusOrgMatch, 0))
	assert.Greater(t, Confidence(api.BasisExactName, api.StatusOrgMatch, 0.9), Confidence(api.BasisExactName, api.StatusOrgMatch, 0))
	assert.Greater(t, Confidence(api.BasisFuzzyName, api.StatusFirstAvail, 0), Confidence(api.BasisFuzzyName, api.StatusNoOrgMatch, 0))
	assert.LessOrEqual(t, Confidence(api.BasisExactName, api.StatusOrgMatch, 1), 1.0)
}

func TestLink(t *testing.T) {
	e, err := New(fixture(t), Options{Organizations: []string{"Massachusetts Institute of Technology", "MIT"}})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("exact name with organization match", func(t *testing.T) {
		res, err := e.Link(ctx, Input{Row: 2, DocumentRef: "doi:10.1000/xyz", AuthorRef: "Doe, J."})
		require.NoError(t, err)
		assert.True(t, res.Matched())
		assert.Equal(t, "10.1000/xyz", res.DocumentKey)
		assert.Equal(t, "doe j", res.AuthorKey)
		assert.Equal(t, api.BasisExactName, res.MatchBasis)
		assert.Equal(t, api.StatusOrgMatch, res.Status)
		assert.Equal(t, 0, res.MatchedAuthorSequence)
		assert.Equal(t, "Department of Physics, MIT", res.MatchedAffiliationOriginal)
		assert.Equal(t, normalize.Key("Department of Physics, MIT"), res.MatchedAffiliationKey)
		assert.Equal(t, "https://doi.org/10.1000/XYZ", res.MatchedDocumentID)
	})

	t.Run("fuzzy name across conventions", func(t *testing.T) {
		res, err := e.Link(ctx, Input{DocumentRef: "10.1000/XYZ", AuthorRef: "Mueller, Hans"})
		require.NoError(t, err)
		assert.Equal(t, api.BasisFuzzyName, res.MatchBasis)
		assert.Equal(t, api.StatusNoOrgMatch, res.Status)
		assert.Equal(t, 1, res.MatchedAuthorSequence)
		assert.Equal(t, "University of Oxford", res.MatchedAffiliationOriginal)
	})

	t.Run("matched author without affiliation", func(t *testing.T) {
		res, err := e.Link(ctx, Input{DocumentRef: "10.1000/xyz", AuthorRef: "W. Zhang"})
		require.NoError(t, err)
		assert.True(t, res.Matched())
		assert.Equal(t, 2, res.MatchedAuthorSequence)
		assert.Empty(t, res.MatchedAffiliationKey)
	})

	t.Run("unknown author", func(t *testing.T) {
		res, err := e.Link(ctx, Input{DocumentRef: "10.1000/xyz", AuthorRef: "Smith, Q."})
		require.NoError(t, err)
		assert.False(t, res.Matched())
		assert.Equal(t, api.StatusUnmatched, res.Status)
		assert.Equal(t, api.NoSequence, res.MatchedAuthorSequence)
		assert.Zero(t, res.Confidence)
	})

	t.Run("unknown document", func(t *testing.T) {
		res, err := e.Link(ctx, Input{DocumentRef: "10.9999/nothing", AuthorRef: "Doe, J."})
		require.NoError(t, err)
		assert.Equal(t, api.StatusUnmatched, res.Status)
	})
}

func TestLinkWithoutOrganizations(t *testing.T) {
	e, err := New(fixture(t), Options{Convention: names.FamilyCommaInitial})
	require.NoError(t, err)
	res, err := e.Link(context.Background(), Input{DocumentRef: "10.1000/xyz", AuthorRef: "Doe, J"})
	require.NoError(t, err)
	assert.Equal(t, api.StatusFirstAvail, res.Status)
	assert.Equal(t, "Dept. of Chemistry, Harvard University", res.MatchedAffiliationOriginal)
}

func TestLinkEntityCorroboration(t *testing.T) {
	s := testStore(t,
		rec("D9", 0, "Jane Doe", 0, "Broad Institute"),
		rec("D9", 0, "Jane Doe", 1, "Dept. of Physics, Massachusetts Institute of Technology"),
	)
	full := []string{"Massachusetts Institute of Technology"}
	m := entity.NewMatcher(entity.NewGazetteer(full, 0), full, 0)

	t.Run("fills a silent case", func(t *testing.T) {
		e, err := New(s, Options{Organizations: []string{"Massachusetts Inst. of Technology"}, Matcher: m})
		require.NoError(t, err)
		res, err := e.Link(context.Background(), Input{DocumentRef: "D9", AuthorRef: "Jane Doe"})
		require.NoError(t, err)
		assert.Equal(t, api.BasisEntityExtraction, res.MatchBasis)
		assert.Equal(t, api.StatusOrgMatch, res.Status)
		assert.Equal(t, 0, res.MatchedAuthorSequence)
		assert.Equal(t, "Dept. of Physics, Massachusetts Institute of Technology", res.MatchedAffiliationOriginal)
		assert.Equal(t, 1.0, res.EntityScore)
		require.NotNil(t, res.Entity)
		assert.Equal(t, "Massachusetts Institute of Technology", res.Entity.Candidate)
	})

	t.Run("never overrides a substring match", func(t *testing.T) {
		e, err := New(s, Options{Organizations: []string{"Broad"}, Matcher: m})
		require.NoError(t, err)
		res, err := e.Link(context.Background(), Input{DocumentRef: "D9", AuthorRef: "Jane Doe"})
		require.NoError(t, err)
		assert.Equal(t, api.BasisExactName, res.MatchBasis)
		assert.Equal(t, "Broad Institute", res.MatchedAffiliationOriginal)
		assert.Nil(t, res.Entity)
	})
}

type failingQuerier struct{}

func (failingQuerier) QueryBy(context.Context, string, string) ([]api.StoreRecord, error) {
	return nil, errors.New("disk gone")
}

func TestLinkStoreError(t *testing.T) {
	e, err := New(failingQuerier{}, Options{})
	require.NoError(t, err)
	_, err = e.Link(context.Background(), Input{DocumentRef: "D1", AuthorRef: "Jane Doe"})
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	e, err := New(fixture(t), Options{Organizations: []string{"MIT"}})
	require.NoError(t, err)

	in := strings.Join([]string{
		"doi,title,authors",
		`https://doi.org/10.1000/xyz,A paper,"Doe, J.;Smith, Q."`,
		"10.1000/xyz,A paper,",
		"10.9999/none,Other,Someone Else",
	}, "\n") + "\n"

	var results []Result
	st, err := e.Run(context.Background(), csv.NewReader(strings.NewReader(in)), DefaultColumns, func(r Result) error {
		results = append(results, r)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, int64(3), st.Rows)
	assert.Equal(t, int64(1), st.SkippedEmpty)
	assert.Equal(t, int64(3), st.Authors)
	assert.Equal(t, int64(1), st.Matched)
	assert.Equal(t, int64(2), st.Unmatched)
	assert.Equal(t, []string{"10.1000/xyz", "10.9999/none"}, st.Documents)

	require.Len(t, results, 3)
	assert.Equal(t, []int64{2, 2, 4}, []int64{results[0].InputRow, results[1].InputRow, results[2].InputRow})
	assert.Equal(t, api.StatusOrgMatch, results[0].Status)
	assert.Equal(t, api.StatusUnmatched, results[1].Status)
	assert.Equal(t, api.StatusUnmatched, results[2].Status)
}

func TestRunMissingColumns(t *testing.T) {
	e, err := New(failingQuerier{}, Options{})
	require.NoError(t, err)
	_, err = e.Run(context.Background(), csv.NewReader(strings.NewReader("id,names\n")), DefaultColumns, func(Result) error { return nil })
	var se *api.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "header", se.RecordRange)
}
