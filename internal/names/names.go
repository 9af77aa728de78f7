// Package names reads personal names written in a known convention and
// reduces them to the "family initial" key shared by the store and linkage.
package names

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/agentic-research/affilink/internal/normalize"
)

// Convention is the order in which a name's parts are written.
type Convention string

const (
	Auto               Convention = "auto"
	GivenFamily        Convention = "given_family"         // Jane Q. Doe
	InitialFamily      Convention = "initial_family"       // J. Q. Doe
	FamilyCommaGiven   Convention = "family_comma_given"   // Doe, Jane Q.
	FamilyCommaInitial Convention = "family_comma_initial" // Doe, J.
	FamilyGiven        Convention = "family_given"         // Doe Jane
	FamilyInitial      Convention = "family_initial"       // Doe JQ
	FamilyOnly         Convention = "family_only"          // Doe
)

var conventionAliases = map[string]Convention{
	"auto":                 Auto,
	"given_family":         GivenFamily,
	"first_last":           GivenFamily,
	"initial_family":       InitialFamily,
	"first_initial_last":   InitialFamily,
	"family_comma_given":   FamilyCommaGiven,
	"last_comma_first":     FamilyCommaGiven,
	"family_comma_initial": FamilyCommaInitial,
	"last_comma_initial":   FamilyCommaInitial,
	"family_given":         FamilyGiven,
	"last_first":           FamilyGiven,
	"family_initial":       FamilyInitial,
	"last_initial":         FamilyInitial,
	"family_only":          FamilyOnly,
	"last_only":            FamilyOnly,
}

// ParseConvention accepts the canonical names above and their first/last aliases.
func ParseConvention(s string) (Convention, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if key == "" {
		return Auto, nil
	}
	c, ok := conventionAliases[key]
	if !ok {
		return "", fmt.Errorf("unknown name convention %q", s)
	}
	return c, nil
}

var (
	particles = map[string]bool{
		"van": true, "von": true, "de": true, "del": true, "della": true, "di": true, "da": true,
		"le": true, "la": true, "du": true, "des": true, "den": true, "der": true, "het": true,
		"ter": true, "ten": true, "op": true, "al": true, "el": true, "ibn": true, "bin": true, "dos": true,
	}
	suffixes = map[string]bool{
		"jr": true, "sr": true, "ii": true, "iii": true, "iv": true, "phd": true, "md": true, "esq": true,
	}
)

// Name holds normalized name parts.
type Name struct {
	Original string
	Family   string
	Given    string
	Middle   string
}

// Initial is the first letter of the given name, or "".
func (n Name) Initial() string {
	for _, r := range n.Given {
		return string(r)
	}
	return ""
}

// Key is "family initial", or just the family name when no given name is known.
func (n Name) Key() string {
	if n.Family == "" {
		return ""
	}
	if i := n.Initial(); i != "" {
		return n.Family + " " + i
	}
	return n.Family
}

// Full is the normalized "given middle family" form.
func (n Name) Full() string {
	return strings.Join(strings.Fields(n.Given+" "+n.Middle+" "+n.Family), " ")
}

// Parse reads raw according to c.
func Parse(raw string, c Convention) Name {
	raw = strings.TrimSpace(raw)
	n := Name{Original: raw}
	if raw == "" {
		return n
	}
	if c == Auto {
		c = detect(raw)
	}

	switch c {
	case FamilyCommaGiven, FamilyCommaInitial:
		left, right, ok := strings.Cut(raw, ",")
		if !ok {
			if c == FamilyCommaGiven {
				return Parse(raw, FamilyGiven)
			}
			return Parse(raw, FamilyInitial)
		}
		n.Family = strings.Join(normalize.Tokens(left), " ")
		given := stripSuffixes(normalize.Tokens(right))
		if len(given) > 0 {
			n.Given = given[0]
			n.Middle = strings.Join(given[1:], " ")
		}

	case FamilyGiven:
		t := stripSuffixes(normalize.Tokens(raw))
		k := familyPrefixLen(t)
		n.Family = strings.Join(t[:k], " ")
		if k < len(t) {
			n.Given = t[k]
			n.Middle = strings.Join(t[k+1:], " ")
		}

	case FamilyInitial:
		fields := strings.Fields(raw)
		if len(fields) < 2 {
			n.Family = strings.Join(normalize.Tokens(raw), " ")
			break
		}
		n.Family = strings.Join(normalize.Tokens(strings.Join(fields[:len(fields)-1], " ")), " ")
		initials := []rune(strings.ReplaceAll(normalize.Normalize(fields[len(fields)-1]), " ", ""))
		if len(initials) > 0 {
			n.Given = string(initials[:1])
			n.Middle = spaced(string(initials[1:]))
		}

	case InitialFamily:
		fields := strings.Fields(raw)
		var initials []string
		i := 0
		for ; i < len(fields)-1 && isInitial(fields[i]); i++ {
			initials = append(initials, strings.ReplaceAll(normalize.Normalize(fields[i]), " ", ""))
		}
		if i == 0 {
			return Parse(raw, GivenFamily)
		}
		n.Family = strings.Join(stripSuffixes(normalize.Tokens(strings.Join(fields[i:], " "))), " ")
		n.Given = initials[0]
		n.Middle = strings.Join(initials[1:], " ")

	case FamilyOnly:
		n.Family = strings.Join(normalize.Tokens(raw), " ")

	default:
		t := stripSuffixes(normalize.Tokens(raw))
		switch len(t) {
		case 0:
		case 1:
			n.Family = t[0]
		default:
			start := len(t) - 1
			for start > 1 && particles[t[start-1]] {
				start--
			}
			n.Given = t[0]
			n.Middle = strings.Join(t[1:start], " ")
			n.Family = strings.Join(t[start:], " ")
		}
	}
	return n
}

// StoreKey derives the key for a stored author. Separate given and family
// parts win over the display name.
func StoreKey(given, family, display string) string {
	fam := strings.Join(normalize.Tokens(family), " ")
	if fam != "" {
		g := normalize.Tokens(given)
		n := Name{Family: fam}
		if len(g) > 0 {
			n.Given = g[0]
		}
		return n.Key()
	}
	return Parse(display, GivenFamily).Key()
}

// Split separates an author list. An empty separator means the field holds one name.
func Split(s, sep string) []string {
	if sep == "" {
		if s = strings.TrimSpace(s); s == "" {
			return nil
		}
		return []string{s}
	}
	var out []string
	for _, p := range strings.Split(s, sep) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func detect(raw string) Convention {
	if strings.Contains(raw, ",") {
		return FamilyCommaGiven
	}
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return FamilyOnly
	}
	if isInitial(fields[0]) {
		return InitialFamily
	}
	if looksLikeInitials(fields[len(fields)-1]) {
		return FamilyInitial
	}
	return GivenFamily
}

// isInitial matches "J", "J." and "JQ." style tokens.
func isInitial(s string) bool {
	letters := strings.ReplaceAll(s, ".", "")
	n := len([]rune(letters))
	if n == 0 || n > 2 {
		return false
	}
	return n == 1 || strings.HasSuffix(s, ".")
}

// looksLikeInitials matches a trailing "J", "JQ" or "J.Q.".
func looksLikeInitials(s string) bool {
	letters := strings.ReplaceAll(s, ".", "")
	rs := []rune(letters)
	if len(rs) == 0 || len(rs) > 3 {
		return false
	}
	for _, r := range rs {
		if !unicode.IsUpper(r) {
			return false
		}
	}
	return true
}

func familyPrefixLen(t []string) int {
	k := 0
	for k < len(t)-1 && particles[t[k]] {
		k++
	}
	if k < len(t) {
		k++
	}
	return k
}

func stripSuffixes(t []string) []string {
	for len(t) > 1 && suffixes[t[len(t)-1]] {
		t = t[:len(t)-1]
	}
	return t
}

func spaced(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
