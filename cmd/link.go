package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/config"
	"github.com/agentic-research/affilink/internal/discovery"
	"github.com/agentic-research/affilink/internal/entity"
	"github.com/agentic-research/affilink/internal/flatrow"
	"github.com/agentic-research/affilink/internal/linkage"
	"github.com/agentic-research/affilink/internal/names"
	"github.com/agentic-research/affilink/internal/report"
	"github.com/agentic-research/affilink/internal/store"
)

// newMatcher builds the entity corroborator, or nil when it is disabled or
// there are no organizations to corroborate.
func newMatcher(c *config.Config) *entity.Matcher {
	ec := c.Linkage.Entity
	if !ec.Enabled || len(c.Linkage.Organizations) == 0 {
		return nil
	}
	var ex entity.Extractor
	if ec.Endpoint != "" {
		ex = entity.NewClient(ec.Endpoint, ec.Timeout)
	} else {
		gaz := ec.Gazetteer
		if len(gaz) == 0 {
			gaz = c.Linkage.Organizations
		}
		ex = entity.NewGazetteer(gaz, ec.Threshold)
	}
	return entity.NewMatcher(ex, c.Linkage.Organizations, ec.Threshold)
}

type outputTable struct {
	suffix string
	table  report.Table
}

// writeOutputs writes each table beside base under its suffix, plus one
// workbook holding all of them when xlsx is set. It returns the paths written.
func writeOutputs(base string, xlsx bool, outs []outputTable) ([]string, error) {
	fs, name, err := localFile(base)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(base)
	var files []string
	tables := make([]report.Table, 0, len(outs))
	for _, o := range outs {
		p := report.Path(name, o.suffix)
		if err := report.WriteCSV(fs, p, o.table); err != nil {
			return files, err
		}
		files = append(files, filepath.Join(dir, p))
		tables = append(tables, o.table)
	}
	if !xlsx {
		return files, nil
	}
	p := report.Path(name, report.SuffixWorkbook)
	pf, err := flatrow.CreatePartial(fs, p)
	if err != nil {
		return files, err
	}
	if err := report.WriteXLSX(pf, tables...); err != nil {
		_ = pf.Abort()
		return files, err
	}
	if err := pf.Commit(); err != nil {
		return files, err
	}
	return append(files, filepath.Join(dir, p)), nil
}

func discoveryOutputs(res *discovery.Result) []outputTable {
	return []outputTable{
		{report.SuffixFullLog, report.LogTable(res.Log)},
		{report.SuffixWorks, report.WorksTable(res.Works)},
		{report.SuffixLinking, report.LinkingTable(res.Linking)},
		{report.SuffixUnmatched, report.UnmatchedTable(res.Unmatched)},
	}
}

type linkRun struct {
	Stats     *linkage.Stats
	Results   []linkage.Result
	Discovery *discovery.Result
	Files     []string
}

// runLink links every author in input against the store, discovers the
// documents sharing the linked affiliations, and writes the outputs beside
// dest.
func runLink(ctx context.Context, c *config.Config, input, dest string) (*linkRun, error) {
	conv, err := names.ParseConvention(c.Linkage.NameConvention)
	if err != nil {
		return nil, err
	}
	st, err := store.OpenReadOnly(c.Store.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }() // safe to ignore

	matcher := newMatcher(c)
	eng, err := linkage.New(st, linkage.Options{
		Convention:    conv,
		Organizations: c.Linkage.Organizations,
		NameThreshold: c.Linkage.NameThreshold,
		Matcher:       matcher,
		Logger:        slog.Default(),
	})
	if err != nil {
		return nil, err
	}

	infs, name, err := localFile(input)
	if err != nil {
		return nil, err
	}
	rows, err := report.OpenInput(infs, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	run := &linkRun{}
	cols := linkage.Columns{
		Document:  c.Linkage.DocumentColumn,
		Authors:   c.Linkage.AuthorsColumn,
		Separator: c.Linkage.AuthorSeparator,
	}
	run.Stats, err = eng.Run(ctx, rows, cols, func(r linkage.Result) error {
		run.Results = append(run.Results, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	linked := make([]api.LinkageResult, len(run.Results))
	for i, r := range run.Results {
		linked[i] = r.LinkageResult
	}
	disc := discovery.New(st, discovery.Options{Organizations: c.Linkage.Organizations, Logger: slog.Default()})
	if run.Discovery, err = disc.FromLinkage(ctx, linked, run.Stats.Documents); err != nil {
		return nil, err
	}

	outs := append([]outputTable{{report.SuffixLinkage, report.LinkageTable(run.Results)}}, discoveryOutputs(run.Discovery)...)
	if matcher != nil {
		outs = append(outs, outputTable{report.SuffixEntities, report.EntityTable(run.Results)})
	}
	run.Files, err = writeOutputs(dest, c.Discovery.XLSX, outs)
	return run, err
}

var linkCmd = &cobra.Command{
	Use:   "link [input.csv|input.xlsx] [output-base]",
	Short: "Link external author references to stored affiliations",
	Long: `Link reads a table with a document reference column and an author list
column, matches each author against the store, picks the affiliation that
names the target organization, and then discovers other stored documents
sharing the linked affiliations.

Outputs are written beside output-base with the suffixes _linkage.csv,
_full_discovery_log.csv, _discovered_works.csv, _linking_affiliations.csv,
_unmatched_ids.csv and, with entity extraction, _entity_mappings.csv.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		run, err := runLink(cmd.Context(), cfg, args[0], args[1])
		if err != nil {
			return err
		}
		s := run.Stats
		fmt.Printf("Linked %d authors from %d rows: %d matched, %d unmatched, %d rows without authors\n",
			s.Authors, s.Rows, s.Matched, s.Unmatched, s.SkippedEmpty)
		for _, status := range []string{api.StatusOrgMatch, api.StatusFirstAvail, api.StatusNoOrgMatch, api.StatusUnmatched} {
			fmt.Printf("  %s: %d\n", status, s.ByStatus[status])
		}
		if s.Corroborated > 0 {
			fmt.Printf("  corroborated by entity extraction: %d\n", s.Corroborated)
		}
		printDiscovery(run.Discovery, run.Files)
		return nil
	},
}

func printDiscovery(res *discovery.Result, files []string) {
	fmt.Printf("Discovered %d documents (%d works) through %d affiliations; %d unmatched inputs\n",
		len(res.Documents), len(res.Works), len(res.Linking), len(res.Unmatched))
	for _, f := range files {
		fmt.Printf("  wrote %s\n", f)
	}
}

func init() {
	linkCmd.Flags().String("name-convention", "", "How input author names are written (auto, last_comma_first, ...)")
	linkCmd.Flags().String("separator", "", "Separator between authors in the authors column")
	linkCmd.Flags().Bool("entity", false, "Corroborate affiliations by entity extraction")
	linkCmd.Flags().String("entity-endpoint", "", "Entity extraction service URL; a local gazetteer is used when empty")
	bindFlags(linkCmd.Flags(), map[string]string{
		"linkage.name_convention":  "name-convention",
		"linkage.author_separator": "separator",
		"linkage.entity.enabled":   "entity",
		"linkage.entity.endpoint":  "entity-endpoint",
	})
	rootCmd.AddCommand(linkCmd)
}
