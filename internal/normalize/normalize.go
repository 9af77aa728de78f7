// Package normalize derives the canonical string forms used for matching
// author names and affiliations across corpora and name conventions.
package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Letters that survive NFKD without decomposing into a base letter.
var transliterations = map[rune]string{
	'ß': "ss",
	'æ': "ae",
	'œ': "oe",
	'ø': "o",
	'ł': "l",
	'đ': "d",
	'ð': "d",
	'þ': "th",
	'ı': "i",
	'ŋ': "n",
	'ħ': "h",
	'ĸ': "k",
	'ſ': "s",
}

// Apostrophes join the surrounding letters instead of splitting a token,
// so "O'Brien" and "OBrien" agree.
var joiners = map[rune]bool{
	'\'':     true,
	'\u2019': true,
	'\u2018': true,
	'`':      true,
	'\u00b4': true,
}

func newFolder() transform.Transformer {
	return transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		cases.Lower(language.Und),
	)
}

// Normalize returns the matching form of s: compatibility-decomposed with
// combining marks removed, lowercased, punctuation replaced by spaces,
// whitespace collapsed and trimmed. Normalize is idempotent.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	folded, _, err := transform.String(newFolder(), s)
	if err != nil {
		folded = strings.ToLower(s)
	}

	var b strings.Builder
	b.Grow(len(folded))
	space := false
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			if t, ok := transliterations[r]; ok {
				b.WriteString(t)
			} else {
				b.WriteRune(r)
			}
		case joiners[r]:
		case unicode.IsMark(r):
		default:
			space = true
		}
	}
	return b.String()
}

// Tokens splits the normalized form of s into words.
func Tokens(s string) []string {
	return strings.Fields(Normalize(s))
}
