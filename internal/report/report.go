// Package report reads external input tables and writes linkage and
// discovery results as CSV or XLSX.
package report

import (
	"encoding/csv"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/discovery"
	"github.com/agentic-research/affilink/internal/flatrow"
	"github.com/agentic-research/affilink/internal/linkage"
)

// Output suffixes appended to the base of the requested output path.
const (
	SuffixLinkage   = "_linkage.csv"
	SuffixFullLog   = "_full_discovery_log.csv"
	SuffixWorks     = "_discovered_works.csv"
	SuffixLinking   = "_linking_affiliations.csv"
	SuffixUnmatched = "_unmatched_ids.csv"
	SuffixEntities  = "_entity_mappings.csv"
	SuffixWorkbook  = ".xlsx"
)

// Path derives a sibling output name: "out/run.csv" with SuffixWorks
// becomes "out/run_discovered_works.csv".
func Path(output, suffix string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + suffix
}

// Table is a named header plus rows.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

func itoa(n int) string { return strconv.Itoa(n) }

func seq(n int) string { return flatrow.FormatSequence(n) }

func score(f float64) string {
	if f == 0 {
		return ""
	}
	return strconv.FormatFloat(f, 'f', 3, 64)
}

// LinkageTable has one row per input author.
func LinkageTable(rs []linkage.Result) Table {
	t := Table{Name: "linkage", Header: []string{
		"input_row", "input_document", "input_author_name", "document_key", "author_key",
		"ref_document_id", "ref_author_name", "ref_author_sequence",
		"ref_affiliation", "ref_affiliation_key", "ref_affiliation_ref",
		"match_basis", "linkage_status", "confidence", "entity_score",
	}}
	for _, r := range rs {
		t.Rows = append(t.Rows, []string{
			strconv.FormatInt(r.InputRow, 10), r.ExternalDocumentRef, r.ExternalAuthorRef, r.DocumentKey, r.AuthorKey,
			r.MatchedDocumentID, r.MatchedAuthorName, seq(r.MatchedAuthorSequence),
			r.MatchedAffiliationOriginal, r.MatchedAffiliationKey, r.MatchedAffiliationRef,
			r.MatchBasis, r.Status, score(r.Confidence), score(r.EntityScore),
		})
	}
	return t
}

// EntityTable lists accepted entity corroborations.
func EntityTable(rs []linkage.Result) Table {
	t := Table{Name: "entity_mappings", Header: []string{
		"input_document", "input_author_name", "ref_document_id", "ref_affiliation",
		"candidate", "organization", "score",
	}}
	for _, r := range rs {
		if r.Entity == nil {
			continue
		}
		t.Rows = append(t.Rows, []string{
			r.ExternalDocumentRef, r.ExternalAuthorRef, r.Entity.DocumentID, r.Entity.AffiliationOriginal,
			r.Entity.Candidate, r.Entity.Organization, score(r.Entity.Score),
		})
	}
	return t
}

// LogTable is the full provenance log.
func LogTable(ws []api.DiscoveredWork) Table {
	t := Table{Name: "full_discovery_log", Header: []string{
		"origin_document_id", "origin_author_sequence", "origin_term", "linking_affiliation_key",
		"discovered_document_id", "discovered_author", "discovered_author_affiliation", "discovered_affiliation_ref",
	}}
	for _, w := range ws {
		t.Rows = append(t.Rows, []string{
			w.OriginDocumentID, seq(w.OriginAuthorSequence), w.OriginTerm, w.SharedAffiliationKey,
			w.DiscoveredDocumentID, w.DiscoveredAuthorName, w.DiscoveredAffiliationOriginal, w.DiscoveredAffiliationRef,
		})
	}
	return t
}

// WorksTable is the deduplicated discovered-record list.
func WorksTable(ws []api.DiscoveredWork) Table {
	t := Table{Name: "discovered_works", Header: []string{
		"document_id", "author", "author_affiliation", "affiliation_key", "affiliation_ref",
	}}
	for _, w := range ws {
		t.Rows = append(t.Rows, []string{
			w.DiscoveredDocumentID, w.DiscoveredAuthorName, w.DiscoveredAffiliationOriginal,
			w.SharedAffiliationKey, w.DiscoveredAffiliationRef,
		})
	}
	return t
}

// LinkingTable lists the keys that seeded discovery.
func LinkingTable(ls []discovery.LinkingAffiliation) Table {
	t := Table{Name: "linking_affiliations", Header: []string{
		"affiliation_key", "affiliation_original", "origins", "discovered",
	}}
	for _, l := range ls {
		t.Rows = append(t.Rows, []string{l.Key, l.Original, itoa(l.Origins), itoa(l.Discovered)})
	}
	return t
}

// UnmatchedTable lists inputs that produced nothing.
func UnmatchedTable(us []api.UnmatchedInput) Table {
	t := Table{Name: "unmatched", Header: []string{"kind", "value", "reason"}}
	for _, u := range us {
		t.Rows = append(t.Rows, []string{u.Kind, u.Value, u.Reason})
	}
	return t
}

// SearchTable is the affiliation-search output: every stored record whose
// key matches an input term.
func SearchTable(ws []api.DiscoveredWork) Table {
	t := Table{Name: "affiliation_search", Header: []string{
		"input_search_term", "ref_document_id", "ref_author_name", "ref_affiliation", "ref_affiliation_key",
	}}
	for _, w := range ws {
		t.Rows = append(t.Rows, []string{
			w.OriginTerm, w.DiscoveredDocumentID, w.DiscoveredAuthorName,
			w.DiscoveredAffiliationOriginal, w.SharedAffiliationKey,
		})
	}
	return t
}

// WriteCSV writes t to name on fs through a .partial file committed on success.
func WriteCSV(fs billy.Filesystem, name string, t Table) (err error) {
	pf, err := flatrow.CreatePartial(fs, name)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = pf.Abort()
		}
	}()
	w := csv.NewWriter(pf)
	if err := w.Write(t.Header); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := w.WriteAll(t.Rows); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return pf.Commit()
}
