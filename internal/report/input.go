package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/xuri/excelize/v2"
)

// RowReader yields table rows, header first.
type RowReader interface {
	Read() ([]string, error)
	Close() error
}

type csvInput struct {
	*csv.Reader
	f billy.File
}

func (c *csvInput) Close() error { return c.f.Close() }

type xlsxInput struct {
	f    *excelize.File
	rows *excelize.Rows
}

func (x *xlsxInput) Read() ([]string, error) {
	if !x.rows.Next() {
		if err := x.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return x.rows.Columns()
}

func (x *xlsxInput) Close() error {
	err := x.rows.Close()
	return errors.Join(err, x.f.Close())
}

// OpenInput opens a CSV file, or the first sheet of an .xlsx workbook.
func OpenInput(fs billy.Filesystem, name string) (RowReader, error) {
	f, err := fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	if !strings.EqualFold(filepath.Ext(name), ".xlsx") {
		cr := csv.NewReader(f)
		cr.FieldsPerRecord = -1
		cr.LazyQuotes = true
		cr.TrimLeadingSpace = true
		return &csvInput{Reader: cr, f: f}, nil
	}

	defer func() { _ = f.Close() }() // safe to ignore
	wb, err := excelize.OpenReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	sheets := wb.GetSheetList()
	if len(sheets) == 0 {
		_ = wb.Close()
		return nil, errors.New("excel file has no sheets")
	}
	rows, err := wb.Rows(sheets[0])
	if err != nil {
		_ = wb.Close()
		return nil, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return &xlsxInput{f: wb, rows: rows}, nil
}

// ReadColumn returns the non-empty values of column, in order.
func ReadColumn(r RowReader, column string) ([]string, error) {
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := -1
	for i, h := range header {
		if strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) == column {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("input has no column %q", column)
	}
	var out []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if idx < len(rec) {
			if v := strings.TrimSpace(rec[idx]); v != "" {
				out = append(out, v)
			}
		}
	}
}
