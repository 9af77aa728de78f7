// Package config loads the pipeline configuration from a YAML file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. AFFILINK_STORE_PATH.
const EnvPrefix = "AFFILINK"

type Extract struct {
	Corpus  string `mapstructure:"corpus"`
	Catalog string `mapstructure:"catalog"`
	// Fields are catalog names, or "name=path" pairs.
	Fields                []string `mapstructure:"fields"`
	IDPaths               []string `mapstructure:"id_paths"`
	GroupKey1Path         string   `mapstructure:"group_key_1_path"`
	GroupKey2Path         string   `mapstructure:"group_key_2_path"`
	FilterGroupKey1       string   `mapstructure:"filter_group_key_1"`
	FilterGroupKey2Prefix string   `mapstructure:"filter_group_key_2_prefix"`
	Threads               int      `mapstructure:"threads"`
	BatchSize             int      `mapstructure:"batch_size"`
	MaxOpenFiles          int      `mapstructure:"max_open_files"`
	ObjectMode            string   `mapstructure:"object_mode"`
	Organize              bool     `mapstructure:"organize"`
}

type Sort struct {
	MemoryLimitBytes int64  `mapstructure:"memory_limit_bytes"`
	TempDir          string `mapstructure:"temp_dir"`
	Threads          int    `mapstructure:"threads"`
	MaxFanIn         int    `mapstructure:"max_fan_in"`
}

type Join struct {
	DisplayName    string `mapstructure:"display_name"`
	Given          string `mapstructure:"given"`
	Family         string `mapstructure:"family"`
	Affiliation    string `mapstructure:"affiliation"`
	AffiliationRef string `mapstructure:"affiliation_ref"`
}

type Store struct {
	Path      string `mapstructure:"path"`
	BatchSize int    `mapstructure:"batch_size"`
	ErrorLog  string `mapstructure:"error_log"`
}

type Entity struct {
	Enabled   bool          `mapstructure:"enabled"`
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Threshold float64       `mapstructure:"threshold"`
	// Gazetteer names are matched locally when no endpoint is set.
	Gazetteer []string `mapstructure:"gazetteer"`
}

type Linkage struct {
	DocumentColumn  string   `mapstructure:"document_column"`
	AuthorsColumn   string   `mapstructure:"authors_column"`
	AuthorSeparator string   `mapstructure:"author_separator"`
	NameConvention  string   `mapstructure:"name_convention"`
	Organizations   []string `mapstructure:"organizations"`
	NameThreshold   float64  `mapstructure:"name_threshold"`
	Entity          Entity   `mapstructure:"entity"`
}

type Discovery struct {
	IDColumn          string `mapstructure:"id_column"`
	AffiliationColumn string `mapstructure:"affiliation_column"`
	XLSX              bool   `mapstructure:"xlsx"`
}

// Config is the full configuration surface.
type Config struct {
	LogLevel  string    `mapstructure:"log_level"`
	Extract   Extract   `mapstructure:"extract"`
	Sort      Sort      `mapstructure:"sort"`
	Join      Join      `mapstructure:"join"`
	Store     Store     `mapstructure:"store"`
	Linkage   Linkage   `mapstructure:"linkage"`
	Discovery Discovery `mapstructure:"discovery"`
}

var defaults = map[string]any{
	"log_level":                    "INFO",
	"extract.corpus":               "openalex",
	"extract.fields":               []string{"author.name", "affiliation.name", "affiliation.ref"},
	"extract.batch_size":           10000,
	"extract.max_open_files":       256,
	"extract.object_mode":          "json",
	"sort.memory_limit_bytes":      int64(512 << 20),
	"sort.max_fan_in":              64,
	"join.display_name":            "author.name",
	"join.given":                   "author.given",
	"join.family":                  "author.family",
	"join.affiliation":             "affiliation.name",
	"join.affiliation_ref":         "affiliation.ref",
	"store.path":                   "affiliations.db",
	"store.batch_size":             10000,
	"linkage.document_column":      "doi",
	"linkage.authors_column":       "authors",
	"linkage.author_separator":     ";",
	"linkage.name_convention":      "auto",
	"linkage.name_threshold":       0.85,
	"linkage.entity.timeout":       30 * time.Second,
	"linkage.entity.threshold":     0.85,
	"discovery.id_column":          "doi",
	"discovery.affiliation_column": "affiliation_name",
}

// New returns a viper instance with defaults and environment overrides
// registered. Flags are bound to it by the caller before Load.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("log_level", EnvPrefix+"_LOG_LEVEL", "LOG_LEVEL")
	return v
}

// Load reads path, when set, into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no stage can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Linkage.NameThreshold < 0 || c.Linkage.NameThreshold > 1 {
		errs = append(errs, fmt.Errorf("linkage.name_threshold %v outside [0, 1]", c.Linkage.NameThreshold))
	}
	if c.Linkage.Entity.Threshold < 0 || c.Linkage.Entity.Threshold > 1 {
		errs = append(errs, fmt.Errorf("linkage.entity.threshold %v outside [0, 1]", c.Linkage.Entity.Threshold))
	}
	if c.Extract.MaxOpenFiles < 0 {
		errs = append(errs, errors.New("extract.max_open_files must not be negative"))
	}
	if c.Sort.MemoryLimitBytes < 0 {
		errs = append(errs, errors.New("sort.memory_limit_bytes must not be negative"))
	}
	return errors.Join(errs...)
}
