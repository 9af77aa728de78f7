package api

import (
	"fmt"
)

// FlatFieldRow is one concrete occurrence of a requested field path within a record.
// Identity is (DocumentID, IndexedPath).
type FlatFieldRow struct {
	DocumentID string `json:"document_id"`
	// FieldName is the caller's name for the requested path (e.g. "author.given").
	FieldName string `json:"field_name"`
	// IndexedPath is the resolved path with concrete array positions,
	// e.g. "authorships[2].affiliations[0].raw_affiliation_string".
	IndexedPath  string `json:"indexed_path"`
	Value        string `json:"value"`
	GroupingKey1 string `json:"grouping_key_1"`
	GroupingKey2 string `json:"grouping_key_2"`
	OriginShard  string `json:"origin_shard,omitempty"`
}

// NoSequence marks an absent affiliation on a NormalizedTriple.
const NoSequence = -1

// Coordinate flags set on triples whose sequence could not be read from the indexed path.
const (
	FlagUnresolvedAuthor      = "unresolved_author"
	FlagUnresolvedAffiliation = "unresolved_affiliation"
)

// NormalizedTriple is one (document, author, affiliation) combination.
// An author without affiliations yields one triple with AffiliationSequence == NoSequence.
type NormalizedTriple struct {
	DocumentID     string `json:"document_id"`
	AuthorSequence int    `json:"author_sequence"`

	AuthorGivenOriginal    string `json:"author_given_original"`
	AuthorGivenNormalized  string `json:"author_given_normalized"`
	AuthorFamilyOriginal   string `json:"author_family_original"`
	AuthorFamilyNormalized string `json:"author_family_normalized"`
	AuthorNameOriginal     string `json:"author_name_original"`
	AuthorNameNormalized   string `json:"author_name_normalized"`

	AffiliationSequence       int    `json:"affiliation_sequence"`
	AffiliationNameOriginal   string `json:"affiliation_name_original"`
	AffiliationNameNormalized string `json:"affiliation_name_normalized"`
	// AffiliationExternalRef is a registry identifier such as a ROR id.
	AffiliationExternalRef string `json:"affiliation_external_ref"`

	// CoordinateFlag is empty for well-formed coordinates.
	CoordinateFlag string `json:"coordinate_flag,omitempty"`
	OriginShard    string `json:"origin_shard,omitempty"`
}

// HasAffiliation reports whether the triple carries an affiliation occurrence.
func (t NormalizedTriple) HasAffiliation() bool {
	return t.AffiliationSequence != NoSequence
}

// StoreRecord is a NormalizedTriple as held by the indexed store.
type StoreRecord struct {
	NormalizedTriple

	RowID int64 `json:"row_id"`
	// DocumentKey is the cleaned, case-folded document identifier used for lookups.
	DocumentKey string `json:"document_key"`
	// AuthorKey is the "family initial" token form of the author name.
	AuthorKey string `json:"author_key"`
	// AffiliationKey is derived from AffiliationNameNormalized on every insert.
	AffiliationKey string `json:"affiliation_key"`

	SourceFile string `json:"source_file"`
	LoadRunID  string `json:"load_run_id"`
}

// ErrorRecord is a rejected input row and the reason it was rejected.
type ErrorRecord struct {
	RunID     string `json:"run_id"`
	RowNumber int64  `json:"row_number"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail"`
	Raw       string `json:"raw"`
}

// Match basis values for LinkageResult.
const (
	BasisExactName        = "exact-name"
	BasisFuzzyName        = "fuzzy-name"
	BasisEntityExtraction = "entity-extraction"
)

// Linkage status values for LinkageResult.
const (
	StatusOrgMatch   = "org_match_found"
	StatusFirstAvail = "first_available"
	StatusNoOrgMatch = "name_match_no_org_affiliation"
	StatusUnmatched  = "unmatched"
)

// LinkageResult resolves one external (document, author) pair. Unmatched inputs
// carry Status == StatusUnmatched and empty match fields.
type LinkageResult struct {
	InputRow            int64  `json:"input_row"`
	ExternalDocumentRef string `json:"external_document_ref"`
	ExternalAuthorRef   string `json:"external_author_ref"`
	DocumentKey         string `json:"document_key"`
	AuthorKey           string `json:"author_key"`

	MatchedDocumentID          string `json:"matched_document_id"`
	MatchedAuthorName          string `json:"matched_author_name"`
	MatchedAuthorSequence      int    `json:"matched_author_sequence"`
	MatchedAffiliationKey      string `json:"matched_affiliation_key"`
	MatchedAffiliationOriginal string `json:"matched_affiliation_original"`
	MatchedAffiliationRef      string `json:"matched_affiliation_ref"`

	MatchBasis string  `json:"match_basis"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
	// EntityScore is the best corroborating entity similarity, zero when unused.
	EntityScore float64 `json:"entity_score"`
}

// Matched reports whether an author was found for the input pair.
func (r LinkageResult) Matched() bool {
	return r.Status != StatusUnmatched
}

// DiscoveredWork is one provenance link from an origin author to a discovered document.
type DiscoveredWork struct {
	DiscoveredDocumentID string `json:"discovered_document_id"`
	SharedAffiliationKey string `json:"shared_affiliation_key"`
	OriginDocumentID     string `json:"origin_document_id"`
	OriginAuthorSequence int    `json:"origin_author_sequence"`
	// OriginTerm is the input term for affiliation searches.
	OriginTerm string `json:"origin_term,omitempty"`

	DiscoveredAuthorName          string `json:"discovered_author_name"`
	DiscoveredAffiliationOriginal string `json:"discovered_affiliation_original"`
	DiscoveredAffiliationRef      string `json:"discovered_affiliation_ref"`
}

// UnmatchedInput is an input document or key that produced nothing.
type UnmatchedInput struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// FieldCatalog names the field paths available in one corpus.
type FieldCatalog struct {
	Corpus string            `yaml:"corpus" json:"corpus"`
	Fields map[string]string `yaml:"fields" json:"fields"`
}

// StageError reports a fatal failure in a pipeline stage and the record range affected.
type StageError struct {
	Stage       string
	RecordRange string
	Err         error
}

func (e *StageError) Error() string {
	if e.RecordRange == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Stage, e.RecordRange, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
