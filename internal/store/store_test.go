package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/flatrow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ref.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.CreateTables(context.Background()))
	return s
}

func triple(doc string, author int, name string, aff int, affName string) api.NormalizedTriple {
	return api.NormalizedTriple{
		DocumentID:              doc,
		AuthorSequence:          author,
		AuthorNameOriginal:      name,
		AffiliationSequence:     aff,
		AffiliationNameOriginal: affName,
	}
}

func record(t api.NormalizedTriple) api.StoreRecord {
	return api.StoreRecord{NormalizedTriple: t}
}

func TestBatchInsertDerivesKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	n, rejected, err := s.BatchInsert(ctx, []api.StoreRecord{
		record(triple("https://doi.org/10.1000/ABC", 0, "Jane Doe", 0, "Dept. of Physics, Univ. of Oxford")),
		record(triple("https://doi.org/10.1000/ABC", 0, "Jane Doe", 1, "The Department of Physics, University of Oxford")),
		record(triple("https://doi.org/10.1000/ABC", 1, "Ana García", api.NoSequence, "")),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, rejected)

	recs, err := s.QueryBy(ctx, "document_key", "10.1000/abc")
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "department physics university oxford", recs[0].AffiliationKey)
	assert.Equal(t, recs[0].AffiliationKey, recs[1].AffiliationKey)
	assert.Equal(t, "dept of physics univ of oxford", recs[0].AffiliationNameNormalized)
	assert.Equal(t, "doe j", recs[0].AuthorKey)
	assert.Equal(t, "jane doe", recs[0].AuthorNameNormalized)
	assert.NotZero(t, recs[0].RowID)

	assert.Equal(t, 1, recs[2].AuthorSequence)
	assert.Equal(t, api.NoSequence, recs[2].AffiliationSequence)
	assert.Empty(t, recs[2].AffiliationKey)
	assert.Equal(t, "garcia a", recs[2].AuthorKey)

	byKey, err := s.QueryBy(ctx, "affiliation_key", "department physics university oxford")
	require.NoError(t, err)
	assert.Len(t, byKey, 2)
}

func TestBatchInsertRejects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, _, err := s.BatchInsert(ctx, []api.StoreRecord{record(triple("D1", 0, "A", 0, "X"))})
	require.NoError(t, err)

	n, rejected, err := s.BatchInsert(ctx, []api.StoreRecord{
		record(triple("", 0, "A", 0, "X")),
		record(triple("D2", -3, "A", 0, "X")),
		record(triple("D2", 0, "A", -7, "X")),
		record(triple("D1", 0, "A", 0, "X")),
		record(triple("D2", 0, "A", 0, "X")),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, rejected, 4)

	reasons := []string{rejected[0].Reason, rejected[1].Reason, rejected[2].Reason, rejected[3].Reason}
	assert.Equal(t, []string{ReasonMissingDocumentID, ReasonBadAuthorSequence, ReasonBadAffiliationSequence, ReasonInsertFailed}, reasons)
	assert.Equal(t, int64(4), rejected[3].RowNumber)

	logged, err := s.LoadErrors(ctx, "")
	require.NoError(t, err)
	assert.Len(t, logged, 4)
}

func TestValidate(t *testing.T) {
	r := record(triple("", 0, "A", 0, "X"))
	err := Validate(&r)
	require.ErrorIs(t, err, ErrRejected)
	var rej *RejectError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, ReasonMissingDocumentID, rej.Reason)

	ok := record(triple("D", 0, "A", api.NoSequence, ""))
	assert.NoError(t, Validate(&ok))
}

func TestQueryByRejectsUnknownColumn(t *testing.T) {
	s := openTestStore(t)
	_, err := s.QueryBy(context.Background(), "author_sequence; DROP TABLE affiliations", "x")
	assert.Error(t, err)
}

func TestQueryByOrdersBySequence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, _, err := s.BatchInsert(ctx, []api.StoreRecord{
		record(triple("D1", 0, "Jane Doe", 2, "C")),
		record(triple("D1", 0, "Jane Doe", 0, "A")),
		record(triple("D1", 0, "Jane Doe", 1, "B")),
	})
	require.NoError(t, err)
	recs, err := s.QueryBy(ctx, "author_key", "doe j")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{recs[0].AffiliationNameOriginal, recs[1].AffiliationNameOriginal, recs[2].AffiliationNameOriginal})
}

func tripleFile(t *testing.T, rows ...api.NormalizedTriple) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w := flatrow.NewTripleWriter(&buf)
	require.NoError(t, w.WriteHeader())
	for _, r := range rows {
		require.NoError(t, w.Write(r))
	}
	require.NoError(t, w.Flush())
	return &buf
}

func TestLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := tripleFile(t,
		triple("D1", 0, "Jane Doe", 0, "MIT"),
		triple("D1", 1, "John Roe", api.NoSequence, ""),
		triple("", 0, "Nobody", 0, "MIT"),
		triple("D2", 0, "Ann Poe", 0, "Harvard University"),
	)
	in.WriteString("D3,x,,,,,,,,,,,,\n")
	in.WriteString("D4,0,,,,,,,7b,,,,,\n")
	in.WriteString("D5,0\n")

	var elog bytes.Buffer
	sum, err := s.Load(ctx, in, LoadOptions{BatchSize: 2, SourceFile: "works_processed.csv", ErrorLog: &elog})
	require.NoError(t, err)
	assert.NotEmpty(t, sum.RunID)
	assert.Equal(t, int64(3), sum.Accepted)
	assert.Equal(t, int64(4), sum.Rejected)
	assert.Equal(t, map[string]int64{
		ReasonMissingDocumentID:      1,
		ReasonBadAuthorSequence:      1,
		ReasonBadAffiliationSequence: 1,
		ReasonMalformedRow:           1,
	}, sum.ByReason)

	logRows, err := csv.NewReader(&elog).ReadAll()
	require.NoError(t, err)
	require.Len(t, logRows, 5)
	assert.Equal(t, errorLogHeader, logRows[0])

	stored, err := s.LoadErrors(ctx, sum.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
	for _, e := range stored {
		if e.Reason == ReasonBadAuthorSequence {
			assert.Equal(t, int64(6), e.RowNumber)
			assert.True(t, strings.HasPrefix(e.Raw, "D3,x"))
		}
	}

	recs, err := s.QueryBy(ctx, "document_id", "D1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "works_processed.csv", recs[0].SourceFile)
	assert.Equal(t, sum.RunID, recs[0].LoadRunID)
}

func TestLoadBadHeader(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Load(context.Background(), strings.NewReader("a,b\n"), LoadOptions{})
	require.ErrorIs(t, err, flatrow.ErrBadHeader)
}

func TestIndexesAndVerify(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, _, err := s.BatchInsert(ctx, []api.StoreRecord{
		record(triple("D1", 0, "Jane Doe", 0, "MIT")),
		record(triple("D2", 0, "Ann Poe", 0, "MIT")),
	})
	require.NoError(t, err)

	rep, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Rows)
	assert.Equal(t, int64(2), rep.Documents)
	assert.Equal(t, int64(1), rep.AffiliationKeys)
	assert.False(t, rep.Indexes["idx_affiliations_affiliation_key"])

	created, err := s.CreateIndexes(ctx, "affiliation_key")
	require.NoError(t, err)
	assert.Equal(t, []string{"idx_affiliations_affiliation_key"}, created)

	_, err = s.CreateIndexes(ctx)
	require.NoError(t, err)
	_, err = s.CreateIndexes(ctx)
	require.NoError(t, err, "index creation is idempotent")

	rep, err = s.Verify(ctx)
	require.NoError(t, err)
	for _, idx := range Indexes {
		assert.True(t, rep.Indexes[idx.Name], idx.Name)
	}

	_, err = s.CreateIndexes(ctx, "coordinate_flag")
	assert.Error(t, err)
}

func TestOpenReadOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ref.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateTables(context.Background()))
	_, _, err = s.BatchInsert(context.Background(), []api.StoreRecord{record(triple("D1", 0, "Jane Doe", 0, "MIT"))})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ro, err := OpenReadOnly(path)
	require.NoError(t, err)
	defer func() { _ = ro.Close() }()
	recs, err := ro.QueryBy(context.Background(), "affiliation_key", "mit")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, _, err = ro.BatchInsert(context.Background(), []api.StoreRecord{record(triple("D2", 0, "A", 0, "B"))})
	assert.Error(t, err)
}
