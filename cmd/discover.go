package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/agentic-research/affilink/internal/config"
	"github.com/agentic-research/affilink/internal/discovery"
	"github.com/agentic-research/affilink/internal/report"
	"github.com/agentic-research/affilink/internal/store"
)

// readInputColumn returns the non-empty values of column in a CSV or XLSX file.
func readInputColumn(input, column string) ([]string, error) {
	fs, name, err := localFile(input)
	if err != nil {
		return nil, err
	}
	r, err := report.OpenInput(fs, name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }() // safe to ignore
	return report.ReadColumn(r, column)
}

func openDiscovery(c *config.Config) (*store.Store, *discovery.Engine, error) {
	st, err := store.OpenReadOnly(c.Store.Path)
	if err != nil {
		return nil, nil, err
	}
	return st, discovery.New(st, discovery.Options{
		Organizations: c.Linkage.Organizations,
		Logger:        slog.Default(),
	}), nil
}

// runDiscover seeds discovery from the documents listed in input.
func runDiscover(ctx context.Context, c *config.Config, input, dest string) (*discovery.Result, []string, error) {
	docs, err := readInputColumn(input, c.Discovery.IDColumn)
	if err != nil {
		return nil, nil, err
	}
	st, eng, err := openDiscovery(c)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = st.Close() }() // safe to ignore

	res, err := eng.FromDocuments(ctx, docs)
	if err != nil {
		return nil, nil, err
	}
	files, err := writeOutputs(dest, c.Discovery.XLSX, discoveryOutputs(res))
	return res, files, err
}

// runSearch reports every stored record whose affiliation key matches one
// of the affiliation terms in input.
func runSearch(ctx context.Context, c *config.Config, input, dest string) (*discovery.Result, []string, error) {
	terms, err := readInputColumn(input, c.Discovery.AffiliationColumn)
	if err != nil {
		return nil, nil, err
	}
	st, eng, err := openDiscovery(c)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = st.Close() }() // safe to ignore

	res, err := eng.FromAffiliations(ctx, terms)
	if err != nil {
		return nil, nil, err
	}
	fs, name, err := localFile(dest)
	if err != nil {
		return res, nil, err
	}
	if err := report.WriteCSV(fs, name, report.SearchTable(res.Log)); err != nil {
		return res, nil, err
	}
	files, err := writeOutputs(dest, c.Discovery.XLSX, []outputTable{
		{report.SuffixUnmatched, report.UnmatchedTable(res.Unmatched)},
	})
	return res, append([]string{dest}, files...), err
}

var discoverCmd = &cobra.Command{
	Use:   "discover [ids.csv|ids.xlsx] [output-base]",
	Short: "Find stored documents sharing affiliations with the listed documents",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, files, err := runDiscover(cmd.Context(), cfg, args[0], args[1])
		if err != nil {
			return err
		}
		printDiscovery(res, files)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search [affiliations.csv|affiliations.xlsx] [output.csv]",
	Short: "List stored records carrying the given affiliations",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, files, err := runSearch(cmd.Context(), cfg, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Found %d records in %d documents; %d terms unmatched\n",
			len(res.Log), len(res.Documents), len(res.Unmatched))
		for _, f := range files {
			fmt.Printf("  wrote %s\n", f)
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().String("id-column", "", "Column holding document identifiers")
	searchCmd.Flags().String("column", "", "Column holding affiliation names")
	bindFlags(discoverCmd.Flags(), map[string]string{"discovery.id_column": "id-column"})
	bindFlags(searchCmd.Flags(), map[string]string{"discovery.affiliation_column": "column"})
	rootCmd.AddCommand(discoverCmd, searchCmd)
}
