package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dvloznov/invoice-warehouse/internal/logger"
	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

// CSVSink writes each batch into Dir/<run id>/<table>.csv.
type CSVSink struct {
	Dir string
}

// WriteTables implements pipeline.TableSink.
func (s *CSVSink) WriteTables(ctx context.Context, tables *normalizer.Tables) error {
	dir := filepath.Join(s.Dir, tables.RunID)
	paths, err := WriteCSV(dir, tables)
	if err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Info().Str("dir", dir).Int("files", len(paths)).Msg("CSV tables written")
	return nil
}

// XLSXSink writes each batch to Dir/<run id>.xlsx.
type XLSXSink struct {
	Dir string
}

// WriteTables implements pipeline.TableSink.
func (s *XLSXSink) WriteTables(ctx context.Context, tables *normalizer.Tables) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("XLSXSink: create dir: %w", err)
	}
	path := filepath.Join(s.Dir, tables.RunID+".xlsx")
	if err := WriteXLSXFile(path, tables); err != nil {
		return err
	}
	log := logger.FromContext(ctx)
	log.Info().Str("path", path).Msg("Workbook written")
	return nil
}

// WriteXLSXFile writes the workbook to path.
func WriteXLSXFile(path string, tables *normalizer.Tables) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("WriteXLSXFile: %w", err)
	}
	if err := WriteXLSX(f, tables); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
