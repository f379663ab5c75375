// Package export writes normalized tables as CSV files or an XLSX workbook.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

// WriteTable writes one table as CSV with a header row. Nulls become empty
// cells.
func WriteTable(w io.Writer, t normalizer.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns()); err != nil {
		return err
	}

	record := make([]string, len(t.Columns()))
	for i := 0; i < t.Len(); i++ {
		for j, v := range t.Row(i) {
			record[j] = FormatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSV writes every table to dir/<table>.csv and returns the paths.
func WriteCSV(dir string, tables *normalizer.Tables) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("WriteCSV: create dir: %w", err)
	}

	var paths []string
	for _, t := range tables.All() {
		path := filepath.Join(dir, t.Name()+".csv")
		if err := writeTableFile(path, t); err != nil {
			return paths, fmt.Errorf("WriteCSV: %s: %w", t.Name(), err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeTableFile(path string, t normalizer.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTable(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteXLSX writes a workbook with one sheet per table, in table order.
func WriteXLSX(w io.Writer, tables *normalizer.Tables) error {
	f := excelize.NewFile()
	defer f.Close()

	for i, t := range tables.All() {
		sheet := t.Name()
		if i == 0 {
			if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
				return fmt.Errorf("WriteXLSX: rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("WriteXLSX: new sheet %s: %w", sheet, err)
		}

		header := make([]any, len(t.Columns()))
		for j, c := range t.Columns() {
			header[j] = c
		}
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("WriteXLSX: %s header: %w", sheet, err)
		}

		for r := 0; r < t.Len(); r++ {
			row := t.Row(r)
			cells := make([]any, len(row))
			for j, v := range row {
				cells[j] = cellValue(v)
			}
			cell, _ := excelize.CoordinatesToCellName(1, r+2)
			if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
				return fmt.Errorf("WriteXLSX: %s row %d: %w", sheet, r, err)
			}
		}
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("WriteXLSX: write: %w", err)
	}
	return nil
}

// FormatValue renders a cell value as text. Maps and slices are rendered as
// JSON.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case json.Number:
		return x.String()
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
	return fmt.Sprint(v)
}

// cellValue keeps scalars typed so numbers stay numeric in the workbook.
func cellValue(v any) any {
	switch v.(type) {
	case nil:
		return nil
	case string, float64, float32, int, int64, bool:
		return v
	}
	return FormatValue(v)
}
