package extract

import (
	"fmt"
)

// Preset carries the identifier and grouping-key paths of a known corpus.
type Preset struct {
	IDPaths          []string
	GroupKey1Path    string
	GroupKey2Path    string
	GroupKey2FromDOI bool
}

var presets = map[string]Preset{
	"openalex": {
		IDPaths:          []string{"doi", "id"},
		GroupKey1Path:    "primary_location.source.id",
		GroupKey2Path:    "doi",
		GroupKey2FromDOI: true,
	},
	"crossref": {
		IDPaths:       []string{"DOI"},
		GroupKey1Path: "member",
		GroupKey2Path: "prefix",
	},
}

// LookupPreset returns the named preset.
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("unknown corpus preset %q", name)
	}
	return p, nil
}

// Apply fills identifier and grouping-key options that are still unset.
func (p Preset) Apply(o *Options) {
	if len(o.IDPaths) == 0 {
		o.IDPaths = append([]string(nil), p.IDPaths...)
	}
	if o.GroupKey1Path == "" {
		o.GroupKey1Path = p.GroupKey1Path
	}
	if o.GroupKey2Path == "" {
		o.GroupKey2Path = p.GroupKey2Path
		o.GroupKey2FromDOI = p.GroupKey2FromDOI
	}
}
