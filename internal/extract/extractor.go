// Package extract resolves caller-specified field paths in compressed
// JSON-lines shards and emits one flat row per concrete path occurrence.
package extract

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/normalize"
)

// ObjectMode controls how object- or array-valued leaves are emitted.
type ObjectMode string

const (
	ObjectSkip ObjectMode = "skip"
	ObjectJSON ObjectMode = "json"
)

// Field is a named path to extract.
type Field struct {
	Name string
	Path string
}

// Filter restricts emission to matching records. Empty fields match everything.
type Filter struct {
	GroupKey1       string
	GroupKey2Prefix string
}

// Options configures an Extractor.
type Options struct {
	Fields []Field
	// IDPaths are tried in order; the first non-empty value is the document id.
	IDPaths       []string
	GroupKey1Path string
	GroupKey2Path string
	// GroupKey2FromDOI reduces the grouping_key_2 value to its DOI prefix.
	GroupKey2FromDOI bool
	Filter           Filter
	// Threads is the worker count; 0 means runtime.NumCPU().
	Threads int
	// BatchSize is the number of records buffered per sink write.
	BatchSize  int
	ObjectMode ObjectMode
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.Threads <= 0 {
		o.Threads = runtime.NumCPU()
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10000
	}
	if o.ObjectMode == "" {
		o.ObjectMode = ObjectJSON
	}
	if len(o.IDPaths) == 0 {
		o.IDPaths = []string{"id"}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Extractor runs field extraction over a corpus directory.
type Extractor struct {
	opts    Options
	paths   []Path
	idExprs []jp.Expr
	g1Expr  jp.Expr
	g2Expr  jp.Expr
}

// New validates options and compiles every path.
func New(opts Options) (*Extractor, error) {
	opts.defaults()
	if len(opts.Fields) == 0 {
		return nil, fmt.Errorf("no fields to extract")
	}
	switch opts.ObjectMode {
	case ObjectSkip, ObjectJSON:
	default:
		return nil, fmt.Errorf("unknown object mode %q", opts.ObjectMode)
	}
	e := &Extractor{opts: opts}
	for _, f := range opts.Fields {
		p, err := ParsePath(f.Name, f.Path)
		if err != nil {
			return nil, err
		}
		e.paths = append(e.paths, p)
	}
	for _, s := range opts.IDPaths {
		x, err := compileJSONPath(s)
		if err != nil {
			return nil, err
		}
		e.idExprs = append(e.idExprs, x)
	}
	var err error
	if e.g1Expr, err = compileJSONPath(opts.GroupKey1Path); err != nil {
		return nil, err
	}
	if e.g2Expr, err = compileJSONPath(opts.GroupKey2Path); err != nil {
		return nil, err
	}
	return e, nil
}

func compileJSONPath(s string) (jp.Expr, error) {
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "$") && !strings.HasPrefix(s, "@") {
		s = "$." + s
	}
	x, err := jp.ParseString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", s, err)
	}
	return x, nil
}

// Run extracts every shard under root on fs into sink, committing the sink on
// success and aborting it on failure or cancellation.
func (e *Extractor) Run(ctx context.Context, fs billy.Filesystem, root string, sink Sink) (*Stats, error) {
	log := e.opts.Logger
	shards, err := FindShards(fs, root)
	if err != nil {
		_ = sink.Abort()
		return nil, err
	}
	log.Info("extraction started", "root", root, "shards", len(shards), "threads", e.opts.Threads, "fields", len(e.paths))

	total := newStats()
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Threads)
	for _, shard := range shards {
		g.Go(func() error {
			st, err := e.processShard(gctx, fs, shard, sink)
			mu.Lock()
			total.merge(st)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		_ = sink.Abort()
		return total, err
	}
	if err := sink.Commit(); err != nil {
		return total, &api.StageError{Stage: "extract", Err: err}
	}
	total.Log(log)
	return total, nil
}

func (e *Extractor) processShard(ctx context.Context, fs billy.Filesystem, name string, sink Sink) (*Stats, error) {
	log := e.opts.Logger
	st := newStats()
	if err := ctx.Err(); err != nil {
		return st, err
	}

	f, err := fs.Open(name)
	if err != nil {
		log.Warn("open shard failed", "shard", name, "err", err)
		st.FilesFailed++
		return st, nil
	}
	defer func() { _ = f.Close() }() // safe to ignore

	var r io.Reader = f
	if strings.HasSuffix(name, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			log.Warn("open gzip stream failed", "shard", name, "err", err)
			st.FilesFailed++
			return st, nil
		}
		defer func() { _ = zr.Close() }() // safe to ignore
		r = zr
	}

	var (
		br       = bufio.NewReaderSize(r, 1<<20)
		parser   oj.Parser
		batch    []api.FlatFieldRow
		inBatch  int
		shardRef = shardName(name)
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := sink.WriteBatch(batch); err != nil {
			return &api.StageError{Stage: "extract", RecordRange: fmt.Sprintf("%s:%d", name, st.Lines), Err: err}
		}
		batch = batch[:0]
		inBatch = 0
		return nil
	}

	for {
		line, readErr := br.ReadBytes('\n')
		if len(line) > 0 {
			st.Lines++
			if st.Lines%1024 == 0 {
				if err := ctx.Err(); err != nil {
					return st, err
				}
			}
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				doc, err := parser.Parse(trimmed)
				if err != nil {
					st.JSONErrors++
					log.Debug("skipping malformed record", "shard", name, "line", st.Lines, "err", err)
				} else {
					st.Records++
					batch = e.extractRecord(doc, shardRef, batch, st)
					inBatch++
					if inBatch >= e.opts.BatchSize {
						if err := flush(); err != nil {
							return st, err
						}
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			log.Warn("read shard failed", "shard", name, "line", st.Lines, "err", readErr)
			if err := flush(); err != nil {
				return st, err
			}
			st.FilesFailed++
			return st, nil
		}
	}
	if err := flush(); err != nil {
		return st, err
	}
	st.FilesOK++
	log.Debug("shard done", "shard", name, "records", st.Records, "rows", st.RowsEmitted)
	return st, nil
}

// ExtractRecord returns the rows for one parsed record, or nil when the
// record has no document id or is filtered out.
func (e *Extractor) ExtractRecord(doc any, shard string) []api.FlatFieldRow {
	return e.extractRecord(doc, shard, nil, newStats())
}

func (e *Extractor) extractRecord(doc any, shard string, rows []api.FlatFieldRow, st *Stats) []api.FlatFieldRow {
	var id string
	for _, x := range e.idExprs {
		if id = scalarString(x.First(doc)); id != "" {
			break
		}
	}
	if id == "" {
		st.MissingID++
		return rows
	}

	var g1, g2 string
	if e.g1Expr != nil {
		g1 = groupKeyValue(e.g1Expr.First(doc))
	}
	if e.g2Expr != nil {
		raw := scalarString(e.g2Expr.First(doc))
		if e.opts.GroupKey2FromDOI {
			g2 = normalize.DOIPrefix(raw)
		} else {
			g2 = groupKeyValue(raw)
		}
	}
	if f := e.opts.Filter; (f.GroupKey1 != "" && g1 != f.GroupKey1) ||
		(f.GroupKey2Prefix != "" && !strings.HasPrefix(g2, f.GroupKey2Prefix)) {
		st.FilteredOut++
		return rows
	}

	for i := range e.paths {
		p := &e.paths[i]
		p.Resolve(doc, func(indexed string, v any) {
			value, ok := e.leafString(v)
			if !ok {
				return
			}
			rows = append(rows, api.FlatFieldRow{
				DocumentID:   id,
				FieldName:    p.Name,
				IndexedPath:  indexed,
				Value:        value,
				GroupingKey1: g1,
				GroupingKey2: g2,
				OriginShard:  shard,
			})
			st.RowsEmitted++
			st.RowsByField[p.Name]++
			st.RowsByGroup1[g1]++
			st.RowsByGroup2[g2]++
		})
	}
	return rows
}

func (e *Extractor) leafString(v any) (string, bool) {
	switch v.(type) {
	case map[string]any, []any:
		if e.opts.ObjectMode == ObjectSkip {
			return "", false
		}
		return oj.JSON(v, &oj.Options{Sort: true}), true
	}
	return scalarString(v), true
}

func scalarString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		return oj.JSON(t, &oj.Options{Sort: true})
	default:
		return fmt.Sprint(t)
	}
}

// groupKeyValue reduces URL-shaped identifiers to their last path segment,
// so "https://openalex.org/S123" groups as "S123".
func groupKeyValue(v any) string {
	s := strings.TrimSpace(scalarString(v))
	if strings.Contains(s, "://") {
		s = strings.TrimRight(s, "/")
		s = s[strings.LastIndexByte(s, '/')+1:]
	}
	return s
}

func shardName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}
