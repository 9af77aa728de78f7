package normalize

import (
	"regexp"
	"strings"
)

var doiPattern = regexp.MustCompile(`^(10\.\d{4,}(?:\.\d+)?/[-._;()/:a-zA-Z0-9]+)`)

var doiPrefixes = []string{
	"https://doi.org/",
	"http://doi.org/",
	"https://dx.doi.org/",
	"http://dx.doi.org/",
	"doi.org/",
	"dx.doi.org/",
	"doi:",
}

// DOI extracts a bare DOI from s, dropping resolver URL or "doi:" prefixes,
// query strings and fragments. The result is lowercased.
func DOI(s string) (string, bool) {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, p := range doiPrefixes {
		if strings.HasPrefix(lower, p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	m := doiPattern.FindString(s)
	if m == "" {
		return "", false
	}
	return strings.ToLower(m), true
}

// DOIPrefix returns the registrant prefix of a DOI ("10.1000" for "10.1000/xyz").
func DOIPrefix(s string) string {
	doi, ok := DOI(s)
	if !ok {
		return ""
	}
	prefix, _, _ := strings.Cut(doi, "/")
	return prefix
}

// DocumentKey is the lookup form of a document identifier: the bare DOI when
// one can be extracted, otherwise the trimmed, lowercased identifier.
func DocumentKey(s string) string {
	if doi, ok := DOI(s); ok {
		return doi
	}
	return strings.ToLower(strings.TrimSpace(s))
}
