package extract

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

type segKind int

const (
	segKey      segKind = iota // object member; arrays on the way are expanded
	segIndex                   // [n]
	segEach                    // [] or [*]
	segWildcard                // * : every object key or array element
)

type segment struct {
	kind  segKind
	key   string
	index int
}

// Path is a parsed dot-notation field path such as
// "authorships.institutions[0].ror" or "abstract_inverted_index.*".
type Path struct {
	Name string
	Raw  string
	segs []segment
}

// ParsePath parses raw into a Path named name.
func ParsePath(name, raw string) (Path, error) {
	p := Path{Name: name, Raw: raw}
	if strings.TrimSpace(raw) == "" {
		return p, fmt.Errorf("field %q: empty path", name)
	}
	for _, part := range strings.Split(raw, ".") {
		if part == "" {
			return p, fmt.Errorf("field %q: empty segment in %q", name, raw)
		}
		if part == "*" {
			p.segs = append(p.segs, segment{kind: segWildcard})
			continue
		}
		key := part
		rest := ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			key, rest = part[:i], part[i:]
		}
		if key != "" {
			p.segs = append(p.segs, segment{kind: segKey, key: key})
		}
		for rest != "" {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				return p, fmt.Errorf("field %q: malformed index in %q", name, part)
			}
			inner := strings.TrimSpace(rest[1:end])
			switch inner {
			case "", "*":
				p.segs = append(p.segs, segment{kind: segEach})
			default:
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return p, fmt.Errorf("field %q: bad index %q", name, inner)
				}
				p.segs = append(p.segs, segment{kind: segIndex, index: n})
			}
			rest = rest[end+1:]
		}
	}
	return p, nil
}

// Resolve walks doc and calls emit once per concrete occurrence of the path,
// with the indexed path of that occurrence. Null values yield nothing. A leaf
// array is expanded into its elements.
func (p *Path) Resolve(doc any, emit func(indexed string, v any)) {
	p.walk(doc, 0, "", emit)
}

func (p *Path) walk(v any, i int, prefix string, emit func(string, any)) {
	if v == nil {
		return
	}
	if i == len(p.segs) {
		if arr, ok := v.([]any); ok {
			for j, e := range arr {
				if e != nil {
					emit(indexAt(prefix, j), e)
				}
			}
			return
		}
		emit(prefix, v)
		return
	}

	s := p.segs[i]
	switch s.kind {
	case segKey:
		switch t := v.(type) {
		case map[string]any:
			if child, ok := t[s.key]; ok {
				p.walk(child, i+1, joinKey(prefix, s.key), emit)
			}
		case []any:
			for j, e := range t {
				p.walk(e, i, indexAt(prefix, j), emit)
			}
		}
	case segIndex:
		if arr, ok := v.([]any); ok && s.index < len(arr) {
			p.walk(arr[s.index], i+1, indexAt(prefix, s.index), emit)
		}
	case segEach:
		if arr, ok := v.([]any); ok {
			for j, e := range arr {
				p.walk(e, i+1, indexAt(prefix, j), emit)
			}
		}
	case segWildcard:
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				p.walk(t[k], i+1, joinKey(prefix, k), emit)
			}
		case []any:
			for j, e := range t {
				p.walk(e, i+1, indexAt(prefix, j), emit)
			}
		}
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func indexAt(prefix string, i int) string {
	return prefix + "[" + strconv.Itoa(i) + "]"
}
