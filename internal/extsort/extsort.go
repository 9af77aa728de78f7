// Package extsort orders flat-row files by document_id within a fixed memory
// budget, spilling sorted chunks to disk and merging them with a min-heap.
package extsort

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/flatrow"
)

var (
	// ErrCorruptSpill means a spill file could not be read back intact.
	ErrCorruptSpill = errors.New("corrupt spill")
	// ErrCorruptInput means the input could not be parsed; a sort cannot skip rows.
	ErrCorruptInput = errors.New("corrupt input")
	// ErrDiskSpace means there is not enough room in the temp dir for a spill.
	ErrDiskSpace = errors.New("insufficient disk space for spill")
)

// Options configures a sort.
type Options struct {
	// MemoryLimit bounds the bytes of rows held in memory across all chunks.
	MemoryLimit int64
	// TempDir holds spill files; defaults to os.TempDir().
	TempDir string
	// TempFS overrides the filesystem spills are written to. When set, TempDir
	// is interpreted relative to it and no free-space check is made unless
	// FreeSpace is also set.
	TempFS billy.Filesystem
	// Threads sorts chunks in parallel; 0 means runtime.NumCPU().
	Threads int
	// MaxFanIn bounds the spills merged at once; more spills are merged in passes.
	MaxFanIn  int
	FreeSpace func(dir string) (uint64, error)
	Logger    *slog.Logger
}

func (o *Options) defaults() {
	if o.MemoryLimit <= 0 {
		o.MemoryLimit = 512 << 20
	}
	if o.Threads <= 0 {
		o.Threads = runtime.NumCPU()
	}
	if o.MaxFanIn < 2 {
		o.MaxFanIn = 256
	}
	if o.TempFS == nil {
		if o.TempDir == "" {
			o.TempDir = os.TempDir()
		}
		o.TempFS = osfs.New(o.TempDir)
		if o.FreeSpace == nil {
			dir := o.TempDir
			o.FreeSpace = func(string) (uint64, error) { return freeSpace(dir) }
		}
		o.TempDir = "."
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func freeSpace(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

// Stats describes a completed sort.
type Stats struct {
	Rows        int64
	Chunks      int
	Spills      int
	MergePasses int
}

type chunk struct {
	seq       int
	rows      []api.FlatFieldRow
	bytes     int64
	firstLine int64
	lastLine  int64
}

type spill struct {
	seq  int
	name string
	rows int64
}

func rowSize(r *api.FlatFieldRow) int64 {
	return int64(len(r.DocumentID)+len(r.FieldName)+len(r.IndexedPath)+len(r.Value)+
		len(r.GroupingKey1)+len(r.GroupingKey2)+len(r.OriginShard)) + 7*16
}

func sortRows(rows []api.FlatFieldRow) {
	slices.SortStableFunc(rows, func(a, b api.FlatFieldRow) int {
		return strings.Compare(a.DocumentID, b.DocumentID)
	})
}

// Sort reads flat rows from in and writes them to out ordered by document_id,
// preserving input order for equal ids.
func Sort(ctx context.Context, in io.Reader, out io.Writer, opts Options) (*Stats, error) {
	opts.defaults()
	log := opts.Logger
	st := &Stats{}

	r, err := flatrow.NewFlatReader(in)
	if err != nil {
		return st, &api.StageError{Stage: "sort", RecordRange: "header", Err: err}
	}
	w := flatrow.NewFlatWriter(out)
	if err := w.WriteHeader(); err != nil {
		return st, err
	}

	runDir, err := util.TempDir(opts.TempFS, opts.TempDir, "extsort-")
	if err != nil {
		return st, fmt.Errorf("create spill dir: %w", err)
	}
	defer func() { _ = util.RemoveAll(opts.TempFS, runDir) }() // safe to ignore

	s := &sorter{opts: opts, dir: runDir, log: log}
	chunkBudget := opts.MemoryLimit / int64(opts.Threads+1)

	chunks := make(chan chunk)
	var inMemory []api.FlatFieldRow
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(chunks)
		cur := chunk{firstLine: 2}
		for {
			row, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return &api.StageError{Stage: "sort", RecordRange: fmt.Sprintf("input line %d", r.Line()), Err: fmt.Errorf("%w: %v", ErrCorruptInput, err)}
			}
			cur.rows = append(cur.rows, row)
			cur.bytes += rowSize(&row)
			cur.lastLine = r.Line()
			if cur.bytes >= chunkBudget {
				select {
				case chunks <- cur:
				case <-gctx.Done():
					return gctx.Err()
				}
				cur = chunk{seq: cur.seq + 1, firstLine: cur.lastLine + 1}
			}
		}
		if cur.seq == 0 {
			inMemory = cur.rows
			return nil
		}
		if len(cur.rows) > 0 {
			select {
			case chunks <- cur:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < opts.Threads; i++ {
		g.Go(func() error {
			for c := range chunks {
				if err := gctx.Err(); err != nil {
					return err
				}
				sortRows(c.rows)
				sp, err := s.writeSpill(c)
				if err != nil {
					return err
				}
				s.addSpill(sp)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return st, err
	}

	if s.spills == nil {
		sortRows(inMemory)
		for _, row := range inMemory {
			if err := w.Write(row); err != nil {
				return st, err
			}
		}
		st.Rows = int64(len(inMemory))
		st.Chunks = 1
		log.Info("sort finished in memory", "rows", st.Rows)
		return st, w.Flush()
	}

	spills := s.ordered()
	st.Chunks = len(spills)
	st.Spills = len(spills)
	for len(spills) > opts.MaxFanIn {
		if spills, err = s.mergePass(ctx, spills); err != nil {
			return st, err
		}
		st.MergePasses++
	}
	st.MergePasses++
	n, err := s.merge(ctx, spills, w.Write)
	st.Rows = n
	if err != nil {
		return st, err
	}
	log.Info("sort finished", "rows", st.Rows, "spills", st.Spills, "merge_passes", st.MergePasses)
	return st, w.Flush()
}

type sorter struct {
	opts Options
	dir  string
	log  *slog.Logger

	mu     sync.Mutex
	spills []spill
	next   int
}

func (s *sorter) addSpill(sp spill) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spills = append(s.spills, sp)
}

func (s *sorter) ordered() []spill {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]spill(nil), s.spills...)
	slices.SortFunc(out, func(a, b spill) int { return a.seq - b.seq })
	return out
}

func (s *sorter) spillName(seq int, pass int) string {
	return s.opts.TempFS.Join(s.dir, fmt.Sprintf("spill-p%d-%06d.csv", pass, seq))
}

func (s *sorter) checkSpace(need int64) error {
	if s.opts.FreeSpace == nil {
		return nil
	}
	free, err := s.opts.FreeSpace(s.dir)
	if err != nil {
		s.log.Warn("free space check failed", "dir", s.dir, "err", err)
		return nil
	}
	if free < uint64(need) {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrDiskSpace, need, free)
	}
	return nil
}

func (s *sorter) writeSpill(c chunk) (spill, error) {
	rangeDesc := fmt.Sprintf("input lines %d-%d", c.firstLine, c.lastLine)
	if err := s.checkSpace(c.bytes); err != nil {
		return spill{}, &api.StageError{Stage: "sort", RecordRange: rangeDesc, Err: err}
	}
	sp := spill{seq: c.seq, name: s.spillName(c.seq, 0), rows: int64(len(c.rows))}
	err := s.writeFile(sp.name, func(w *flatrow.FlatWriter) error {
		for _, row := range c.rows {
			if err := w.Write(row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return spill{}, &api.StageError{Stage: "sort", RecordRange: rangeDesc, Err: err}
	}
	s.log.Debug("spilled chunk", "seq", c.seq, "rows", len(c.rows), "file", sp.name)
	return sp, nil
}

func (s *sorter) writeFile(name string, fill func(*flatrow.FlatWriter) error) error {
	f, err := s.opts.TempFS.Create(name)
	if err != nil {
		return diskErr(fmt.Errorf("create spill %s: %w", name, err))
	}
	w := flatrow.NewFlatWriter(f)
	err = w.WriteHeader()
	if err == nil {
		err = fill(w)
	}
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return diskErr(fmt.Errorf("write spill %s: %w", name, err))
	}
	return nil
}

func diskErr(err error) error {
	if errors.Is(err, unix.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrDiskSpace, err)
	}
	return err
}

// mergePass merges consecutive groups of spills so that each group's output
// keeps the relative order of its inputs.
func (s *sorter) mergePass(ctx context.Context, spills []spill) ([]spill, error) {
	s.next++
	pass := s.next
	var out []spill
	for i := 0; i < len(spills); i += s.opts.MaxFanIn {
		group := spills[i:min(i+s.opts.MaxFanIn, len(spills))]
		sp := spill{seq: len(out), name: s.spillName(len(out), pass)}
		err := s.writeFile(sp.name, func(w *flatrow.FlatWriter) error {
			n, err := s.merge(ctx, group, w.Write)
			sp.rows = n
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, old := range group {
			_ = s.opts.TempFS.Remove(old.name)
		}
		out = append(out, sp)
	}
	s.log.Debug("merge pass", "pass", pass, "in", len(spills), "out", len(out))
	return out, nil
}
