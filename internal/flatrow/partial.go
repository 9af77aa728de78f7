package flatrow

import (
	"bufio"
	"fmt"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
)

// PartialSuffix marks output that has not been committed.
const PartialSuffix = ".partial"

// PartialFile buffers writes into "<name>.partial" and renames it to name on
// Commit. An aborted stage leaves the .partial file behind, never a file that
// looks complete.
type PartialFile struct {
	fs   billy.Filesystem
	name string
	f    billy.File
	*bufio.Writer
}

// CreatePartial truncates or creates name+PartialSuffix on fs.
func CreatePartial(fs billy.Filesystem, name string) (*PartialFile, error) {
	if dir := path.Dir(name); dir != "." && dir != "/" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	f, err := fs.OpenFile(name+PartialSuffix, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", name+PartialSuffix, err)
	}
	return &PartialFile{fs: fs, name: name, f: f, Writer: bufio.NewWriterSize(f, 1<<20)}, nil
}

// Name is the final (committed) file name.
func (p *PartialFile) Name() string { return p.name }

// Commit flushes, closes and renames the file into place.
func (p *PartialFile) Commit() error {
	if err := p.Flush(); err != nil {
		_ = p.f.Close()
		return fmt.Errorf("flush %s: %w", p.name, err)
	}
	if err := p.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", p.name, err)
	}
	if err := p.fs.Rename(p.name+PartialSuffix, p.name); err != nil {
		return fmt.Errorf("commit %s: %w", p.name, err)
	}
	return nil
}

// Abort closes the file and leaves the .partial marker in place.
func (p *PartialFile) Abort() error {
	_ = p.Flush()
	return p.f.Close()
}
