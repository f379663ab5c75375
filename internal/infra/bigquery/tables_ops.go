package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/invoice-warehouse/internal/logger"
	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

// insertBatchSize keeps each streaming insert request well under the API
// payload limit; markdown rows can be large.
const insertBatchSize = 200

// InsertTablesWithClient streams every non-empty table into datasetID.
func InsertTablesWithClient(ctx context.Context, client *bigquery.Client, datasetID string, tables *normalizer.Tables) error {
	log := logger.FromContext(ctx)

	for _, t := range tables.All() {
		if t.Len() == 0 {
			continue
		}

		inserter := client.Dataset(datasetID).Table(t.Name()).Inserter()
		table := t.Name()
		rows := rowsFor(t, func(column string, value any) {
			log.Warn().
				Str("table", table).
				Str("column", column).
				Interface("value", value).
				Msg("Value does not fit column type, writing NULL")
		})
		for start := 0; start < len(rows); start += insertBatchSize {
			end := min(start+insertBatchSize, len(rows))
			if err := inserter.Put(ctx, rows[start:end]); err != nil {
				return fmt.Errorf("InsertTables: inserting into %s: %w", t.Name(), err)
			}
		}

		log.Debug().
			Str("table", t.Name()).
			Int("rows", len(rows)).
			Msg("Inserted rows")
	}
	return nil
}

// EnsureTablesWithClient creates the dataset and any missing table.
// Existing tables are left untouched.
func EnsureTablesWithClient(ctx context.Context, client *bigquery.Client, datasetID, location string) error {
	log := logger.FromContext(ctx)

	ds := client.Dataset(datasetID)
	if _, err := ds.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("EnsureTables: reading dataset %s: %w", datasetID, err)
		}
		if err := ds.Create(ctx, &bigquery.DatasetMetadata{Location: location}); err != nil {
			return fmt.Errorf("EnsureTables: creating dataset %s: %w", datasetID, err)
		}
		log.Info().Str("dataset", datasetID).Msg("Created dataset")
	}

	for _, def := range TableDefinitions() {
		table := ds.Table(def.Name)
		_, err := table.Metadata(ctx)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return fmt.Errorf("EnsureTables: reading table %s: %w", def.Name, err)
		}
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: def.Schema}); err != nil {
			return fmt.Errorf("EnsureTables: creating table %s: %w", def.Name, err)
		}
		log.Info().Str("table", def.Name).Msg("Created table")
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 404
}
