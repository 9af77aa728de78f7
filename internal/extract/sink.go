package extract

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/go-git/go-billy/v5"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sys/unix"

	"github.com/agentic-research/affilink/api"
	"github.com/agentic-research/affilink/internal/flatrow"
)

// ErrTooManyOpenFiles is returned when the OS refuses a destination handle
// even though the pool is within its configured bound.
var ErrTooManyOpenFiles = errors.New("too many open files")

// Sink receives batches of rows from extraction workers. WriteBatch must not
// retain rows after it returns.
type Sink interface {
	WriteBatch(rows []api.FlatFieldRow) error
	Commit() error
	Abort() error
}

// FileSink writes every row to a single flat-row file.
type FileSink struct {
	mu   sync.Mutex
	pf   *flatrow.PartialFile
	w    *flatrow.FlatWriter
	rows int64
}

// NewFileSink creates name on fs (as a .partial until Commit) and writes the header.
func NewFileSink(fs billy.Filesystem, name string) (*FileSink, error) {
	pf, err := flatrow.CreatePartial(fs, name)
	if err != nil {
		return nil, err
	}
	w := flatrow.NewFlatWriter(pf)
	if err := w.WriteHeader(); err != nil {
		_ = pf.Abort()
		return nil, err
	}
	return &FileSink{pf: pf, w: w}, nil
}

func (s *FileSink) WriteBatch(rows []api.FlatFieldRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		if err := s.w.Write(r); err != nil {
			return err
		}
	}
	s.rows += int64(len(rows))
	return s.w.Flush()
}

func (s *FileSink) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		_ = s.pf.Abort()
		return err
	}
	return s.pf.Commit()
}

func (s *FileSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pf.Abort()
}

// Rows is the number of rows written so far.
func (s *FileSink) Rows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// UnknownGroup is the file stem used for rows without a grouping_key_1.
const UnknownGroup = "unknown"

type handle struct {
	f  billy.File
	bw *bufio.Writer
	w  *flatrow.FlatWriter
}

func (h *handle) close() error {
	if err := h.w.Flush(); err != nil {
		_ = h.f.Close()
		return err
	}
	if err := h.bw.Flush(); err != nil {
		_ = h.f.Close()
		return err
	}
	return h.f.Close()
}

// OrganizedSink partitions rows into one file per grouping_key_1 under dir,
// keeping at most MaxOpen files open. The least recently used handle is
// flushed and closed before another is opened; a file reopened after
// eviction is appended to without a second header.
type OrganizedSink struct {
	mu      sync.Mutex
	fs      billy.Filesystem
	dir     string
	maxOpen int
	logger  *slog.Logger

	handles  *simplelru.LRU[string, *handle]
	created  map[string]bool
	order    []string
	open     int
	peakOpen int
	reopened int
	evictErr error
}

// NewOrganizedSink creates dir on fs and an empty handle pool of size maxOpen.
func NewOrganizedSink(fs billy.Filesystem, dir string, maxOpen int, logger *slog.Logger) (*OrganizedSink, error) {
	if maxOpen <= 0 {
		return nil, fmt.Errorf("max open files must be positive, got %d", maxOpen)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dir %s: %w", dir, err)
	}
	s := &OrganizedSink{
		fs:      fs,
		dir:     dir,
		maxOpen: maxOpen,
		logger:  logger,
		created: make(map[string]bool),
	}
	lru, err := simplelru.NewLRU[string, *handle](maxOpen, s.onEvict)
	if err != nil {
		return nil, err
	}
	s.handles = lru
	return s, nil
}

func (s *OrganizedSink) onEvict(name string, h *handle) {
	s.open--
	if err := h.close(); err != nil && s.evictErr == nil {
		s.evictErr = fmt.Errorf("close %s: %w", name, err)
	}
}

// FileName returns the destination file for a grouping_key_1 value.
func FileName(groupKey1 string) string {
	key := sanitize(groupKey1)
	if key == "" {
		key = UnknownGroup
	}
	return key + ".csv"
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return ""
	}
	return out
}

func (s *OrganizedSink) WriteBatch(rows []api.FlatFieldRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	groups := make(map[string][]api.FlatFieldRow)
	var names []string
	for _, r := range rows {
		name := FileName(r.GroupingKey1)
		if _, ok := groups[name]; !ok {
			names = append(names, name)
		}
		groups[name] = append(groups[name], r)
	}
	for _, name := range names {
		h, err := s.acquire(name)
		if err != nil {
			return err
		}
		for _, r := range groups[name] {
			if err := h.w.Write(r); err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
		}
		if err := h.w.Flush(); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func (s *OrganizedSink) acquire(name string) (*handle, error) {
	if h, ok := s.handles.Get(name); ok {
		return h, nil
	}
	if s.handles.Len() >= s.maxOpen {
		s.handles.RemoveOldest()
	}
	if s.evictErr != nil {
		return nil, s.evictErr
	}

	full := path.Join(s.dir, name) + flatrow.PartialSuffix
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if s.created[name] {
		flag = os.O_WRONLY | os.O_APPEND
		s.reopened++
	}
	f, err := s.fs.OpenFile(full, flag, 0o644)
	if err != nil {
		if errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
			return nil, fmt.Errorf("%w: open %s with %d handles held: %v", ErrTooManyOpenFiles, full, s.open, err)
		}
		return nil, fmt.Errorf("open %s: %w", full, err)
	}
	bw := bufio.NewWriterSize(f, 64<<10)
	h := &handle{f: f, bw: bw, w: flatrow.NewFlatWriter(bw)}
	if !s.created[name] {
		if err := h.w.WriteHeader(); err != nil {
			_ = f.Close()
			return nil, err
		}
		s.created[name] = true
		s.order = append(s.order, name)
	}
	s.handles.Add(name, h)
	s.open++
	if s.open > s.peakOpen {
		s.peakOpen = s.open
	}
	return h, nil
}

// Commit closes every handle and renames each destination into place.
func (s *OrganizedSink) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles.Purge()
	if s.evictErr != nil {
		return s.evictErr
	}
	for _, name := range s.order {
		full := path.Join(s.dir, name)
		if err := s.fs.Rename(full+flatrow.PartialSuffix, full); err != nil {
			return fmt.Errorf("commit %s: %w", full, err)
		}
	}
	s.logger.Info("organized output committed", "dir", s.dir, "files", len(s.order), "peak_open", s.peakOpen, "reopened", s.reopened)
	return nil
}

// Abort closes every handle, leaving .partial files in place.
func (s *OrganizedSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles.Purge()
	return s.evictErr
}

// PeakOpen is the largest number of simultaneously open destination files.
func (s *OrganizedSink) PeakOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peakOpen
}

// Files lists the destination file names in creation order.
func (s *OrganizedSink) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}
