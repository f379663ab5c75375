package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

// DeleteRunWithClient removes every row a run wrote, then the run itself.
// Rows still in the streaming buffer cannot be deleted by BigQuery; retry
// later in that case.
func DeleteRunWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string) error {
	tables := []string{
		normalizer.LineItemTableName,
		normalizer.InvoiceTableName,
		normalizer.ChunkTableName,
		normalizer.MarkdownTableName,
	}
	for _, table := range tables {
		if err := deleteWhere(ctx, client, datasetID, table, "RUN_ID", runID); err != nil {
			return fmt.Errorf("DeleteRun: %s: %w", table, err)
		}
	}
	if err := deleteWhere(ctx, client, datasetID, processingRunsTable, "run_id", runID); err != nil {
		return fmt.Errorf("DeleteRun: %s: %w", processingRunsTable, err)
	}
	return nil
}

func deleteWhere(ctx context.Context, client *bigquery.Client, datasetID, table, column, value string) error {
	q := client.Query(fmt.Sprintf(`
		DELETE FROM %s.%s
		WHERE %s = @value
	`, datasetID, table, column))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "value", Value: value},
	}
	return runAndWait(ctx, q)
}
