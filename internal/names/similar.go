package names

import (
	"github.com/xrash/smetrics"
)

// DefaultThreshold is the name similarity accepted by default.
const DefaultThreshold = 0.85

// strongFamily is the family similarity accepted without a given-name check.
const strongFamily = 0.95

// Winkler adjustment: the prefix boost applies above boostThreshold and
// counts at most prefixSize shared leading letters.
const (
	boostThreshold = 0.7
	prefixSize     = 4
)

// Score is the Jaro-Winkler similarity of two normalized strings in [0, 1].
func Score(a, b string) float64 {
	if a == b {
		return 1
	}
	return smetrics.JaroWinkler(a, b, boostThreshold, prefixSize)
}

// Similar reports whether a and b plausibly name the same person.
// Family names must score at least threshold. Given names then decide:
// a single letter on either side must agree with the other's initial, full
// given names must score at least threshold. Without a usable given-name
// comparison a family score of 0.95 is accepted alone.
func Similar(a, b Name, threshold float64) bool {
	if a.Family == "" || b.Family == "" {
		return a.Full() != "" && a.Full() == b.Full()
	}
	family := Score(a.Family, b.Family)
	if family < threshold {
		return false
	}
	if a.Given != "" && b.Given != "" {
		// Conflicting initials reject outright, even on an identical family
		// name; they do not fall back to the strong-family rule.
		if len([]rune(a.Given)) == 1 || len([]rune(b.Given)) == 1 {
			return a.Initial() == b.Initial()
		}
		if Score(a.Given, b.Given) >= threshold {
			return true
		}
	}
	return family >= strongFamily
}
