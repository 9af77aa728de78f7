package extsort

import (
	"container/heap"
	"context"
	"fmt"
	"io"

	"github.com/go-git/go-billy/v5"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/flatrow"
)

// cursor is the read position in one spill.
type cursor struct {
	sp   spill
	f    billy.File
	r    *flatrow.FlatReader
	cur  api.FlatFieldRow
	read int64
}

func (c *cursor) corrupt(format string, args ...any) error {
	return &api.StageError{
		Stage:       "sort",
		RecordRange: fmt.Sprintf("spill %s row %d", c.sp.name, c.read+1),
		Err:         fmt.Errorf("%w: %s", ErrCorruptSpill, fmt.Sprintf(format, args...)),
	}
}

// advance loads the next row. It returns false at a clean end of the spill.
func (c *cursor) advance() (bool, error) {
	row, err := c.r.Read()
	if err == io.EOF {
		if c.read != c.sp.rows {
			return false, c.corrupt("expected %d rows, read %d", c.sp.rows, c.read)
		}
		return false, nil
	}
	if err != nil {
		return false, c.corrupt("%v", err)
	}
	if c.read > 0 && row.DocumentID < c.cur.DocumentID {
		return false, c.corrupt("key %q follows %q", row.DocumentID, c.cur.DocumentID)
	}
	c.cur = row
	c.read++
	return true, nil
}

// mergeHeap orders cursors by their current key, then by spill order so that
// equal keys come out in input order.
type mergeHeap []*cursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].cur.DocumentID != h[j].cur.DocumentID {
		return h[i].cur.DocumentID < h[j].cur.DocumentID
	}
	return h[i].sp.seq < h[j].sp.seq
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*cursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// merge streams the union of spills, in order, to emit.
func (s *sorter) merge(ctx context.Context, spills []spill, emit func(api.FlatFieldRow) error) (int64, error) {
	h := make(mergeHeap, 0, len(spills))
	defer func() {
		for _, c := range h {
			_ = c.f.Close()
		}
	}()

	for _, sp := range spills {
		f, err := s.opts.TempFS.Open(sp.name)
		if err != nil {
			return 0, &api.StageError{Stage: "sort", RecordRange: "spill " + sp.name, Err: fmt.Errorf("%w: %v", ErrCorruptSpill, err)}
		}
		r, err := flatrow.NewFlatReader(f)
		if err != nil {
			_ = f.Close()
			return 0, &api.StageError{Stage: "sort", RecordRange: "spill " + sp.name, Err: fmt.Errorf("%w: %v", ErrCorruptSpill, err)}
		}
		c := &cursor{sp: sp, f: f, r: r}
		ok, err := c.advance()
		if err != nil {
			_ = f.Close()
			return 0, err
		}
		if !ok {
			_ = f.Close()
			continue
		}
		h = append(h, c)
	}
	heap.Init(&h)

	var n int64
	for h.Len() > 0 {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		top := h[0]
		if err := emit(top.cur); err != nil {
			return n, err
		}
		n++
		ok, err := top.advance()
		if err != nil {
			return n, err
		}
		if ok {
			heap.Fix(&h, 0)
			continue
		}
		_ = top.f.Close()
		heap.Pop(&h)
	}
	return n, nil
}
