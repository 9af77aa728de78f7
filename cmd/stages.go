package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/config"
	"github.com/agentic-research/affilink/internal/extract"
	"github.com/agentic-research/affilink/internal/extsort"
	"github.com/agentic-research/affilink/internal/flatrow"
	"github.com/agentic-research/affilink/internal/join"
	"github.com/agentic-research/affilink/internal/store"
)

// extractOptions resolves the configured fields against the corpus catalog
// and fills unset identifier paths from the corpus preset.
func extractOptions(c *config.Config) (extract.Options, error) {
	var cat *api.FieldCatalog
	catalog := c.Extract.Catalog
	if catalog == "" && slices.Contains(config.Bundled(), c.Extract.Corpus) {
		catalog = c.Extract.Corpus
	}
	if catalog != "" {
		var err error
		if cat, err = config.LoadCatalog(catalog); err != nil {
			return extract.Options{}, err
		}
	}
	fields, err := config.ResolveFields(cat, c.Extract.Fields)
	if err != nil {
		return extract.Options{}, err
	}
	opts := extract.Options{
		Fields:        fields,
		IDPaths:       c.Extract.IDPaths,
		GroupKey1Path: c.Extract.GroupKey1Path,
		GroupKey2Path: c.Extract.GroupKey2Path,
		Filter: extract.Filter{
			GroupKey1:       c.Extract.FilterGroupKey1,
			GroupKey2Prefix: c.Extract.FilterGroupKey2Prefix,
		},
		Threads:    c.Extract.Threads,
		BatchSize:  c.Extract.BatchSize,
		ObjectMode: extract.ObjectMode(c.Extract.ObjectMode),
		Logger:     slog.Default(),
	}
	if p, err := extract.LookupPreset(c.Extract.Corpus); err == nil {
		p.Apply(&opts)
	}
	return opts, nil
}

// runExtract flattens every shard under corpus into output: one flat-row
// file, or a directory of per-grouping-key files when organize is set.
func runExtract(ctx context.Context, c *config.Config, corpus, output string) (*extract.Stats, error) {
	opts, err := extractOptions(c)
	if err != nil {
		return nil, err
	}
	ex, err := extract.New(opts)
	if err != nil {
		return nil, err
	}
	out, name, err := localFile(output)
	if err != nil {
		return nil, err
	}

	var sink extract.Sink
	if c.Extract.Organize {
		sink, err = extract.NewOrganizedSink(out, name, c.Extract.MaxOpenFiles, slog.Default())
	} else {
		sink, err = extract.NewFileSink(out, name)
	}
	if err != nil {
		return nil, err
	}
	return ex.Run(ctx, osfs.New(corpus), ".", sink)
}

// transform streams in through fn into output, which only appears once fn
// succeeds.
func transform(input, output string, fn func(in io.Reader, out io.Writer) error) error {
	in, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = in.Close() }() // safe to ignore

	fs, name, err := localFile(output)
	if err != nil {
		return err
	}
	pf, err := flatrow.CreatePartial(fs, name)
	if err != nil {
		return err
	}
	if err := fn(in, pf); err != nil {
		_ = pf.Abort()
		return err
	}
	return pf.Commit()
}

func runSort(ctx context.Context, c *config.Config, input, output string) (*extsort.Stats, error) {
	var st *extsort.Stats
	err := transform(input, output, func(in io.Reader, out io.Writer) error {
		var err error
		st, err = extsort.Sort(ctx, in, out, extsort.Options{
			MemoryLimit: c.Sort.MemoryLimitBytes,
			TempDir:     c.Sort.TempDir,
			Threads:     c.Sort.Threads,
			MaxFanIn:    c.Sort.MaxFanIn,
			Logger:      slog.Default(),
		})
		return err
	})
	return st, err
}

func runJoin(ctx context.Context, c *config.Config, input, output string) (*join.Stats, error) {
	var st *join.Stats
	err := transform(input, output, func(in io.Reader, out io.Writer) error {
		var err error
		st, err = join.Run(ctx, in, out, join.Options{
			Fields: join.Fields{
				DisplayName:    c.Join.DisplayName,
				Given:          c.Join.Given,
				Family:         c.Join.Family,
				Affiliation:    c.Join.Affiliation,
				AffiliationRef: c.Join.AffiliationRef,
			},
			Logger: slog.Default(),
		})
		return err
	})
	return st, err
}

// runLoad appends the triples in input to the configured store and builds
// the lookup indexes.
func runLoad(ctx context.Context, c *config.Config, input string) (*store.Summary, error) {
	in, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer func() { _ = in.Close() }() // safe to ignore

	st, err := store.Open(c.Store.Path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }() // safe to ignore
	st.WithLogger(slog.Default())

	opts := store.LoadOptions{BatchSize: c.Store.BatchSize, SourceFile: filepath.Base(input)}
	if c.Store.ErrorLog != "" {
		f, err := os.Create(c.Store.ErrorLog)
		if err != nil {
			return nil, fmt.Errorf("create error log: %w", err)
		}
		defer func() { _ = f.Close() }() // safe to ignore
		opts.ErrorLog = f
	}
	sum, err := st.Load(ctx, in, opts)
	if err != nil {
		return sum, err
	}
	if _, err := st.CreateIndexes(ctx); err != nil {
		return sum, err
	}
	return sum, nil
}

var extractCmd = &cobra.Command{
	Use:   "extract [corpus-dir] [output]",
	Short: "Flatten JSON-lines shards into field rows",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := runExtract(cmd.Context(), cfg, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Extracted %d rows from %d records (%d files, %d failed)\n",
			st.RowsEmitted, st.Records, st.FilesOK, st.FilesFailed)
		fmt.Printf("Rejected: %d malformed lines, %d records without id, %d filtered\n",
			st.JSONErrors, st.MissingID, st.FilteredOut)
		return nil
	},
}

var sortCmd = &cobra.Command{
	Use:   "sort [input] [output]",
	Short: "Order a flat-row file by document_id within a memory budget",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := runSort(cmd.Context(), cfg, args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Sorted %d rows (%d chunks, %d spills, %d merge passes)\n",
			st.Rows, st.Chunks, st.Spills, st.MergePasses)
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join [input] [output]",
	Short: "Group sorted field rows into normalized author-affiliation triples",
	Long: `Join reads a flat-row file sorted by document_id and writes one triple per
(document, author, affiliation). The output defaults to <input>_processed.csv.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		output := join.DefaultOutputPath(args[0])
		if len(args) == 2 {
			output = args[1]
		}
		st, err := runJoin(cmd.Context(), cfg, args[0], output)
		if err != nil {
			return err
		}
		fmt.Printf("Joined %d documents into %d triples at %s\n", st.Documents, st.Triples, output)
		fmt.Printf("Rejected: %d flagged, %d ignored, %d out of order\n", st.FlaggedRows, st.IgnoredRows, st.OutOfOrder)
		return nil
	},
}

var loadCmd = &cobra.Command{
	Use:   "load [triples]",
	Short: "Append normalized triples to the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := runLoad(cmd.Context(), cfg, args[0])
		if err != nil {
			return err
		}
		printLoad(cmd.OutOrStdout(), sum)
		return nil
	},
}

func printLoad(w io.Writer, sum *store.Summary) {
	_, _ = fmt.Fprintf(w, "Load %s: %d accepted, %d rejected\n", sum.RunID, sum.Accepted, sum.Rejected)
	reasons := make([]string, 0, len(sum.ByReason))
	for r := range sum.ByReason {
		reasons = append(reasons, r)
	}
	slices.Sort(reasons)
	for _, r := range reasons {
		_, _ = fmt.Fprintf(w, "  %s: %d\n", r, sum.ByReason[r])
	}
}

func init() {
	extractCmd.Flags().String("corpus", "", "Corpus preset and bundled catalog (openalex, crossref)")
	extractCmd.Flags().String("catalog", "", "Field catalog file or bundled name")
	extractCmd.Flags().StringSlice("fields", nil, "Catalog field names or name=path pairs")
	extractCmd.Flags().String("filter-group-key-1", "", "Only emit records with this grouping_key_1")
	extractCmd.Flags().String("filter-group-key-2-prefix", "", "Only emit records whose grouping_key_2 starts with this")
	extractCmd.Flags().Int("threads", 0, "Worker count (0 = NumCPU)")
	extractCmd.Flags().Bool("organize", false, "Write one file per grouping_key_1 into the output directory")
	extractCmd.Flags().Int("max-open-files", 0, "Open file handles kept by --organize")
	bindFlags(extractCmd.Flags(), map[string]string{
		"extract.corpus":                    "corpus",
		"extract.catalog":                   "catalog",
		"extract.fields":                    "fields",
		"extract.filter_group_key_1":        "filter-group-key-1",
		"extract.filter_group_key_2_prefix": "filter-group-key-2-prefix",
		"extract.threads":                   "threads",
		"extract.organize":                  "organize",
		"extract.max_open_files":            "max-open-files",
	})

	sortCmd.Flags().Int64("memory-limit", 0, "Bytes of rows held in memory")
	sortCmd.Flags().String("temp-dir", "", "Directory for spill files")
	bindFlags(sortCmd.Flags(), map[string]string{
		"sort.memory_limit_bytes": "memory-limit",
		"sort.temp_dir":           "temp-dir",
	})

	loadCmd.Flags().String("error-log", "", "CSV file receiving rejected rows")
	bindFlags(loadCmd.Flags(), map[string]string{"store.error_log": "error-log"})

	rootCmd.AddCommand(extractCmd, sortCmd, joinCmd, loadCmd)
}
