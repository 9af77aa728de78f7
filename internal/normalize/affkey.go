package normalize

import (
	"strings"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "at": true,
	"for": true, "in": true, "on": true, "to": true,
	"de": true, "del": true, "della": true, "der": true, "des": true, "di": true,
	"du": true, "da": true, "do": true, "dos": true, "la": true, "le": true,
	"les": true, "und": true, "et": true, "y": true, "e": true, "fur": true,
}

// Abbreviation and spelling variants folded to one token.
var synonyms = map[string]string{
	"univ":     "university",
	"uni":      "university",
	"inst":     "institute",
	"institut": "institute",
	"dept":     "department",
	"dep":      "department",
	"lab":      "laboratory",
	"labs":     "laboratories",
	"natl":     "national",
	"nat":      "national",
	"ctr":      "center",
	"centre":   "center",
	"hosp":     "hospital",
	"coll":     "college",
	"sch":      "school",
	"sci":      "science",
	"technol":  "technology",
	"tech":     "technology",
	"res":      "research",
	"assoc":    "association",
	"intl":     "international",
	"co":       "company",
	"corp":     "corporation",
	"inc":      "incorporated",
	"ltd":      "limited",
}

// AffiliationKey canonicalizes an already-normalized affiliation name into the
// store's equality key: stopwords dropped and abbreviations expanded. When
// every token is a stopword the normalized input is returned unchanged so a
// non-empty name never maps to an empty key.
func AffiliationKey(normalized string) string {
	fields := strings.Fields(normalized)
	if len(fields) == 0 {
		return ""
	}
	kept := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopwords[f] {
			continue
		}
		if s, ok := synonyms[f]; ok {
			f = s
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return strings.Join(fields, " ")
	}
	return strings.Join(kept, " ")
}

// Key normalizes a raw affiliation string and derives its key.
func Key(raw string) string {
	return AffiliationKey(Normalize(raw))
}
