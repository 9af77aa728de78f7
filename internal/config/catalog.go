package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/extract"
)

//go:embed catalogs/*.yaml
var bundled embed.FS

// ParseCatalog decodes a field catalog document.
func ParseCatalog(data []byte) (*api.FieldCatalog, error) {
	var c api.FieldCatalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Fields) == 0 {
		return nil, fmt.Errorf("catalog %q has no fields", c.Corpus)
	}
	return &c, nil
}

// LoadCatalog reads a catalog file, or a bundled catalog when path is a
// corpus name such as "openalex".
func LoadCatalog(path string) (*api.FieldCatalog, error) {
	if data, err := bundled.ReadFile("catalogs/" + path + ".yaml"); err == nil {
		return ParseCatalog(data)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Bundled lists the corpus names with a built-in catalog.
func Bundled() []string {
	entries, _ := bundled.ReadDir("catalogs")
	var out []string
	for _, e := range entries {
		out = append(out, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(out)
	return out
}

// ResolveFields turns field entries into extraction fields. An entry is either a
// catalog name or "name=path".
func ResolveFields(cat *api.FieldCatalog, specs []string) ([]extract.Field, error) {
	var out []extract.Field
	for _, s := range specs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if name, path, ok := strings.Cut(s, "="); ok {
			out = append(out, extract.Field{Name: strings.TrimSpace(name), Path: strings.TrimSpace(path)})
			continue
		}
		if cat == nil {
			return nil, fmt.Errorf("field %q: no catalog loaded", s)
		}
		path, ok := cat.Fields[s]
		if !ok {
			return nil, fmt.Errorf("field %q not in %s catalog", s, cat.Corpus)
		}
		out = append(out, extract.Field{Name: s, Path: path})
	}
	if len(out) == 0 {
		return nil, errors.New("no fields requested")
	}
	return out, nil
}
