package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/agentic-research/affilink/internal/store"
)

var indexCmd = &cobra.Command{
	Use:   "index [column...]",
	Short: "Create lookup indexes on the store",
	Long: `Index creates the named lookup indexes, or every index when no column is
given. Existing indexes are kept, so the command can be re-run safely.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }() // safe to ignore
		if err := st.CreateTables(cmd.Context()); err != nil {
			return err
		}
		done, err := st.CreateIndexes(cmd.Context(), args...)
		for _, name := range done {
			fmt.Printf("Index ready: %s\n", name)
		}
		return err
	},
}

var showErrors bool

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Report store row counts and index presence",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.OpenReadOnly(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }() // safe to ignore

		rep, err := st.Verify(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Store %s\n", st.Path())
		fmt.Printf("  rows:             %d\n", rep.Rows)
		fmt.Printf("  documents:        %d\n", rep.Documents)
		fmt.Printf("  affiliation keys: %d\n", rep.AffiliationKeys)
		fmt.Printf("  load runs:        %d\n", rep.LoadRuns)
		fmt.Printf("  rejected rows:    %d\n", rep.LoadErrors)
		names := make([]string, 0, len(rep.Indexes))
		for n := range rep.Indexes {
			names = append(names, n)
		}
		slices.Sort(names)
		for _, n := range names {
			state := "missing"
			if rep.Indexes[n] {
				state = "present"
			}
			fmt.Printf("  index %s: %s\n", n, state)
		}

		if !showErrors {
			return nil
		}
		errs, err := st.LoadErrors(cmd.Context(), "")
		if err != nil {
			return err
		}
		for _, e := range errs {
			fmt.Printf("  %s line %d: %s %s\n", e.RunID, e.RowNumber, e.Reason, e.Detail)
		}
		return nil
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&showErrors, "errors", false, "List rejected rows from every load run")
	rootCmd.AddCommand(indexCmd, verifyCmd)
}
