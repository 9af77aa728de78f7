// Package cmd provides the affilink command line.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/agentic-research/affilink/internal/config"
)

var (
	cfgFile string
	v       = config.New()
	cfg     *config.Config
)

func parseLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogger(levelName string) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(levelName)})
	slog.SetDefault(slog.New(handler))
}

var rootCmd = &cobra.Command{
	Use:   "affilink",
	Short: "Link author affiliations across bibliographic corpora",
	Long: `affilink flattens compressed JSON-lines bibliographic corpora, normalizes
author and affiliation records into an indexed store, and links external
author references to stored affiliations.

Examples:
  affilink pipeline /data/openalex work/ --store ref.db
  affilink link authors.csv out/run.csv --organizations "University of Oxford"
  affilink discover ids.xlsx out/ids.csv
  affilink search affiliations.csv out/search.csv`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(v, cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		setupLogger(cfg.LogLevel)
		return nil
	},
}

// Execute runs the root command. An interrupt or SIGTERM cancels the
// running stage, which leaves its output as a partial file.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute(ctx context.Context, args []string) error {
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "", "DEBUG, INFO, WARN or ERROR (env LOG_LEVEL)")
	rootCmd.PersistentFlags().String("store", "", "Path to the SQLite store")
	rootCmd.PersistentFlags().StringSlice("organizations", nil, "Target organization name variants, in priority order")
	rootCmd.PersistentFlags().Bool("xlsx", false, "Also write linkage and discovery outputs as one .xlsx workbook")
	bindFlags(rootCmd.PersistentFlags(), map[string]string{
		"log_level":             "log-level",
		"store.path":            "store",
		"linkage.organizations": "organizations",
		"discovery.xlsx":        "xlsx",
	})
}

// bindFlags binds config keys to flags so a set flag overrides file and env.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind %s: %v", flag, err))
		}
	}
}

// localFile splits path into a filesystem rooted at its directory and the
// file's name within it.
func localFile(path string) (billy.Filesystem, string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, "", fmt.Errorf("resolve %s: %w", path, err)
	}
	return osfs.New(filepath.Dir(abs)), filepath.Base(abs), nil
}
