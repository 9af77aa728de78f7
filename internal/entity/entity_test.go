package entity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubExtractor struct {
	cands []Candidate
	err   error
	calls int
}

func (s *stubExtractor) ExtractOrganizations(ctx context.Context, text string) ([]Candidate, error) {
	s.calls++
	return s.cands, s.err
}

func TestPartialRatio(t *testing.T) {
	assert.Equal(t, 1.0, PartialRatio("mit", "dept of physics mit"))
	assert.Equal(t, 1.0, PartialRatio("european molecular biology laboratory heidelberg", "european molecular biology laboratory"))
	assert.Equal(t, 0.0, PartialRatio("", "x"))
	assert.Less(t, PartialRatio("stanford university", "university of oxford"), 0.7)
	assert.InDelta(t, 0.8, PartialRatio("abcdefghij", "xxabcdefghyxx"), 0.001)
}

func TestLikelyAcronym(t *testing.T) {
	tests := map[string]bool{
		"MIT":      true,
		"U.C.L.A.": true,
		"CNRS":     true,
		"EMBL-EBI": false,
		"Oxford":   false,
		"":         false,
		"12-3":     false,
	}
	for in, want := range tests {
		assert.Equal(t, want, LikelyAcronym(in), in)
	}
}

func TestEligible(t *testing.T) {
	assert.True(t, Eligible("European Molecular Biology Laboratory"))
	assert.True(t, Eligible("Oxford University"))
	assert.False(t, Eligible("MIT"))
	assert.False(t, Eligible("Harvard"))
}

func TestMatcherCorroborate(t *testing.T) {
	orgs := []string{"European Molecular Biology Laboratory", "EMBL"}

	t.Run("accepts close candidate", func(t *testing.T) {
		ex := &stubExtractor{cands: []Candidate{{Text: "EMBL"}, {Text: "European Molecular Biology Lab"}, {Text: "European Molecular Biology Laboratory, Heidelberg"}}}
		m, ok, err := NewMatcher(ex, orgs, 0).Corroborate(context.Background(), "EMBL Heidelberg")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "European Molecular Biology Lab", m.Candidate)
		assert.Equal(t, "European Molecular Biology Laboratory", m.Organization)
		assert.Equal(t, 1.0, m.Score)
	})

	t.Run("acronyms never corroborate", func(t *testing.T) {
		ex := &stubExtractor{cands: []Candidate{{Text: "EMBL"}}}
		_, ok, err := NewMatcher(ex, orgs, 0).Corroborate(context.Background(), "EMBL")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("below threshold", func(t *testing.T) {
		ex := &stubExtractor{cands: []Candidate{{Text: "Max Planck Institute for Biology"}}}
		_, ok, err := NewMatcher(ex, orgs, 0.85).Corroborate(context.Background(), "Max Planck Institute for Biology")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("no organizations skips extraction", func(t *testing.T) {
		ex := &stubExtractor{}
		_, ok, err := NewMatcher(ex, nil, 0).Corroborate(context.Background(), "anything")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, ex.calls)
	})

	t.Run("extractor error", func(t *testing.T) {
		ex := &stubExtractor{err: errors.New("service down")}
		_, _, err := NewMatcher(ex, orgs, 0).Corroborate(context.Background(), "text")
		assert.Error(t, err)
	})
}

func TestGazetteer(t *testing.T) {
	g := NewGazetteer([]string{"University of Oxford", "Harvard University", ""}, 0)
	cands, err := g.ExtractOrganizations(context.Background(), "Dept. of Physics, University of Oxford, UK")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "University of Oxford", cands[0].Text)
	assert.Equal(t, 1.0, cands[0].Score)

	cands, err = g.ExtractOrganizations(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req extractRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Dept. of Physics, MIT", req.Text)
		_, _ = w.Write([]byte(`{"entities":[{"text":"Dept. of Physics","label":"ORG","score":0.7},{"text":"Cambridge","label":"LOC","score":0.9}]}`))
	}))
	defer srv.Close()

	cands, err := NewClient(srv.URL, 0).ExtractOrganizations(context.Background(), "Dept. of Physics, MIT")
	require.NoError(t, err)
	assert.Equal(t, []Candidate{{Text: "Dept. of Physics", Score: 0.7}}, cands)
}

func TestClientHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, 0).ExtractOrganizations(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
