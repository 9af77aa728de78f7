package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "openalex", cfg.Extract.Corpus)
	assert.Equal(t, 256, cfg.Extract.MaxOpenFiles)
	assert.Equal(t, int64(512<<20), cfg.Sort.MemoryLimitBytes)
	assert.Equal(t, "affiliation.name", cfg.Join.Affiliation)
	assert.Equal(t, ";", cfg.Linkage.AuthorSeparator)
	assert.Equal(t, 0.85, cfg.Linkage.NameThreshold)
	assert.Equal(t, 30*time.Second, cfg.Linkage.Entity.Timeout)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "affilink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  path: /data/ref.db
linkage:
  name_convention: last_comma_first
  organizations:
    - Massachusetts Institute of Technology
    - MIT
  entity:
    enabled: true
    endpoint: http://localhost:8080/extract
    timeout: 5s
`), 0o644))
	t.Setenv("AFFILINK_STORE_BATCH_SIZE", "500")

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "/data/ref.db", cfg.Store.Path)
	assert.Equal(t, 500, cfg.Store.BatchSize)
	assert.Equal(t, "last_comma_first", cfg.Linkage.NameConvention)
	assert.Equal(t, []string{"Massachusetts Institute of Technology", "MIT"}, cfg.Linkage.Organizations)
	assert.True(t, cfg.Linkage.Entity.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Linkage.Entity.Timeout)
	assert.Equal(t, "doi", cfg.Linkage.DocumentColumn)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "affilink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("linkage:\n  name_threshold: 1.5\n"), 0o644))
	_, err := Load(New(), path)
	assert.ErrorContains(t, err, "name_threshold")

	_, err = Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCatalogs(t *testing.T) {
	assert.Equal(t, []string{"crossref", "openalex"}, Bundled())

	cat, err := LoadCatalog("openalex")
	require.NoError(t, err)
	assert.Equal(t, "openalex", cat.Corpus)
	assert.Equal(t, "authorships.affiliations.raw_affiliation_string", cat.Fields["affiliation.name"])
	assert.Equal(t, "authorships.affiliations.institution_ids", cat.Fields["affiliation.ref"])

	fields, err := ResolveFields(cat, []string{"author.name", "doi=doi", " "})
	require.NoError(t, err)
	require.Len(t, fields, 2)
	assert.Equal(t, "authorships.author.display_name", fields[0].Path)
	assert.Equal(t, "doi", fields[1].Name)

	_, err = ResolveFields(cat, []string{"author.shoe_size"})
	assert.Error(t, err)
	_, err = ResolveFields(nil, []string{"author.name"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "local.yaml")
	require.NoError(t, os.WriteFile(path, []byte("corpus: local\nfields:\n  x: a.b\n"), 0o644))
	cat, err = LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, "a.b", cat.Fields["x"])

	_, err = ParseCatalog([]byte("corpus: empty\n"))
	assert.Error(t, err)
}
