package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Müller", "muller"},
		{"MULLER", "muller"},
		{"  José   García-Márquez ", "jose garcia marquez"},
		{"O'Brien", "obrien"},
		{"O’Brien", "obrien"},
		{"Université de Montréal", "universite de montreal"},
		{"Universite de Montreal", "universite de montreal"},
		{"Dept. of Physics, MIT", "dept of physics mit"},
		{"Straße", "strasse"},
		{"Łódź University", "lodz university"},
		{"Ørsted\tInstitute\n", "orsted institute"},
		{"ﬁnance", "finance"},
		{"", ""},
		{"...", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"Müller", "Ærøskøbing Kommune", "São Paulo (USP)", "Zürich, ETH",
		"北京大学", "Ковалёв", "Δημόκριτος", "İstanbul Üniversitesi",
		"Max-Planck-Institut für Physik", "L'Institut Pasteur", "x²+y²",
		"  many     spaces  ", "TAB\tand\nnewline",
	}
	for _, in := range inputs {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func TestNormalizeCaseAndAccentInsensitive(t *testing.T) {
	assert.Equal(t, Normalize("MULLER"), Normalize("Müller"))
	assert.Equal(t, Normalize("ecole polytechnique"), Normalize("ÉCOLE POLYTECHNIQUE"))
}

func TestTokens(t *testing.T) {
	assert.Equal(t, []string{"van", "der", "berg"}, Tokens("van der Berg"))
	assert.Empty(t, Tokens(" - "))
}

func TestAffiliationKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"stopwords dropped", "university of the west", "university west"},
		{"abbreviation expanded", "univ of oxford", "university oxford"},
		{"centre spelling", "national centre for research", "national center research"},
		{"only stopwords kept", "de la", "de la"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AffiliationKey(tt.in))
		})
	}
}

func TestKeyToleratesWordingDifferences(t *testing.T) {
	assert.Equal(t, Key("Univ. of Oxford"), Key("University of Oxford"))
	assert.Equal(t, Key("Dept of Chemistry, The University of Tokyo"), Key("Department of Chemistry, University of Tokyo"))
	k := Key("Univ. of Oxford")
	assert.Equal(t, k, AffiliationKey(k))
}

func TestDOI(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"10.1000/XYZ123", "10.1000/xyz123", true},
		{"https://doi.org/10.1038/nphys1170", "10.1038/nphys1170", true},
		{"http://dx.doi.org/10.1000/abc?utm=1#top", "10.1000/abc", true},
		{"doi: 10.12345.6/a(b)c", "10.12345.6/a(b)c", true},
		{"DOI:10.1000/x", "10.1000/x", true},
		{"https://openalex.org/W2741809807", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := DOI(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDOIPrefix(t *testing.T) {
	assert.Equal(t, "10.1038", DOIPrefix("https://doi.org/10.1038/nphys1170"))
	assert.Equal(t, "", DOIPrefix("not a doi"))
}

func TestDocumentKey(t *testing.T) {
	assert.Equal(t, "10.1000/abc", DocumentKey("https://doi.org/10.1000/ABC"))
	assert.Equal(t, "https://openalex.org/w1", DocumentKey(" https://openalex.org/W1 "))
}
