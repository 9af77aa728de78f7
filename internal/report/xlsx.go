package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// maxSheetName is the longest sheet name a workbook accepts.
const maxSheetName = 31

// WriteXLSX writes one sheet per table.
func WriteXLSX(w io.Writer, tables ...Table) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	first := true
	for _, t := range tables {
		name := t.Name
		if len(name) > maxSheetName {
			name = name[:maxSheetName]
		}
		if first {
			if err := f.SetSheetName("Sheet1", name); err != nil {
				return fmt.Errorf("name sheet %s: %w", name, err)
			}
			first = false
		} else if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("add sheet %s: %w", name, err)
		}
		if err := writeSheet(f, name, t); err != nil {
			return err
		}
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, t Table) error {
	put := func(row int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		vals := make([]any, len(values))
		for i, v := range values {
			vals[i] = v
		}
		return f.SetSheetRow(sheet, cell, &vals)
	}
	if err := put(1, t.Header); err != nil {
		return fmt.Errorf("sheet %s header: %w", sheet, err)
	}
	for i, r := range t.Rows {
		if err := put(i+2, r); err != nil {
			return fmt.Errorf("sheet %s row %d: %w", sheet, i+2, err)
		}
	}
	return nil
}
