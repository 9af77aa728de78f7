// Package entity finds organization names in free-text affiliations and
// scores them against configured organization variants.
package entity

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"

	"github.com/agentic-research/affilink/internal/normalize"
)

// DefaultThreshold is the partial-ratio similarity accepted as corroboration.
const DefaultThreshold = 0.85

// minCandidateLen is the shortest normalized candidate considered.
const minCandidateLen = 15

// Candidate is an organization name found in text.
type Candidate struct {
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Extractor finds organization names in text.
type Extractor interface {
	ExtractOrganizations(ctx context.Context, text string) ([]Candidate, error)
}

// PartialRatio is the best similarity of the shorter string against any
// equal-length window of the longer one, in [0, 1].
func PartialRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	short := string(ra)
	n := len(ra)
	best := 0.0
	for i := 0; i+n <= len(rb); i++ {
		d := levenshtein.ComputeDistance(short, string(rb[i:i+n]))
		if s := 1 - float64(d)/float64(n); s > best {
			best = s
			if best == 1 {
				break
			}
		}
	}
	return best
}

// LikelyAcronym reports short all-capital strings such as "MIT" or "U.C.L.A.".
func LikelyAcronym(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	stripped := strings.NewReplacer(".", "", "-", "").Replace(s)
	if len([]rune(stripped)) > 5 {
		return false
	}
	hasUpper := false
	for _, r := range stripped {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsUpper(r) {
			hasUpper = true
		}
	}
	return hasUpper
}

// Eligible reports whether a candidate is specific enough to corroborate a match.
func Eligible(text string) bool {
	if LikelyAcronym(text) {
		return false
	}
	return len([]rune(normalize.Normalize(text))) > minCandidateLen
}

// Match is the best corroboration found for one affiliation text.
type Match struct {
	Candidate    string
	Organization string
	Score        float64
}

// Matcher scores extracted candidates against organization variants.
type Matcher struct {
	Extractor Extractor
	// Organizations are the configured variants, as written.
	Organizations []string
	Threshold     float64

	normalized []string
}

// NewMatcher returns a Matcher; a zero threshold means DefaultThreshold.
func NewMatcher(ex Extractor, organizations []string, threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	m := &Matcher{Extractor: ex, Organizations: organizations, Threshold: threshold}
	for _, o := range organizations {
		m.normalized = append(m.normalized, normalize.Normalize(o))
	}
	return m
}

// Corroborate extracts candidates from text and returns the best one at or
// above the threshold. ok is false when nothing qualifies.
func (m *Matcher) Corroborate(ctx context.Context, text string) (Match, bool, error) {
	if m == nil || m.Extractor == nil || len(m.normalized) == 0 || strings.TrimSpace(text) == "" {
		return Match{}, false, nil
	}
	cands, err := m.Extractor.ExtractOrganizations(ctx, text)
	if err != nil {
		return Match{}, false, err
	}
	var best Match
	for _, c := range cands {
		if !Eligible(c.Text) {
			continue
		}
		nc := normalize.Normalize(c.Text)
		for i, org := range m.normalized {
			if s := PartialRatio(nc, org); s > best.Score {
				best = Match{Candidate: c.Text, Organization: m.Organizations[i], Score: s}
			}
		}
	}
	if best.Score < m.Threshold {
		return Match{}, false, nil
	}
	return best, true, nil
}

// Gazetteer is an Extractor that finds known organization names in text
// without a model.
type Gazetteer struct {
	names      []string
	normalized []string
	threshold  float64
}

// NewGazetteer returns a Gazetteer over the given names; a zero threshold
// means DefaultThreshold.
func NewGazetteer(names []string, threshold float64) *Gazetteer {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	g := &Gazetteer{threshold: threshold}
	for _, n := range names {
		nn := normalize.Normalize(n)
		if nn == "" {
			continue
		}
		g.names = append(g.names, n)
		g.normalized = append(g.normalized, nn)
	}
	return g
}

// ExtractOrganizations returns every known name that appears in text,
// approximately, best first.
func (g *Gazetteer) ExtractOrganizations(ctx context.Context, text string) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nt := normalize.Normalize(text)
	if nt == "" {
		return nil, nil
	}
	var out []Candidate
	for i, nn := range g.normalized {
		if s := PartialRatio(nn, nt); s >= g.threshold {
			out = append(out, Candidate{Text: g.names[i], Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}
