package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"

	"github.com/dvloznov/invoice-warehouse/internal/logger"
)

// StartRunWithClient inserts a processing_runs row with status=RUNNING.
// DML is used instead of streaming so the row can be updated right away.
func StartRunWithClient(ctx context.Context, client *bigquery.Client, datasetID string, info RunInfo) error {
	q := client.Query(fmt.Sprintf(`
		INSERT %s.%s (
			run_id,
			started_ts,
			status,
			extractor,
			parse_model,
			document_count
		)
		VALUES (
			@run_id,
			@started_ts,
			@status,
			@extractor,
			@parse_model,
			@document_count
		)
	`, datasetID, processingRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: info.RunID},
		{Name: "started_ts", Value: time.Now()},
		{Name: "status", Value: RunStatusRunning},
		{Name: "extractor", Value: info.Extractor},
		{Name: "parse_model", Value: info.ParseModel},
		{Name: "document_count", Value: info.DocumentCount},
	}

	if err := runAndWait(ctx, q); err != nil {
		return fmt.Errorf("StartRun: %w", err)
	}
	return nil
}

// MarkRunSucceededWithClient sets status=SUCCESS, finished_ts and row counts.
func MarkRunSucceededWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string, stats RunStats) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s.%s
		SET status = @status,
		    finished_ts = @finished_ts,
		    document_count = @document_count,
		    chunk_count = @chunk_count,
		    line_item_count = @line_item_count,
		    error_message = NULL
		WHERE run_id = @run_id
	`, datasetID, processingRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: RunStatusSuccess},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "document_count", Value: stats.Documents},
		{Name: "chunk_count", Value: stats.Chunks},
		{Name: "line_item_count", Value: stats.LineItems},
		{Name: "run_id", Value: runID},
	}

	if err := runAndWait(ctx, q); err != nil {
		return fmt.Errorf("MarkRunSucceeded: %w", err)
	}
	return nil
}

// MarkRunFailedWithClient sets status=FAILED, finished_ts and error_message.
// Failures are logged, not returned: the caller is already handling runErr.
func MarkRunFailedWithClient(ctx context.Context, client *bigquery.Client, datasetID, runID string, runErr error) {
	log := logger.FromContext(ctx)

	q := client.Query(fmt.Sprintf(`
		UPDATE %s.%s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message
		WHERE run_id = @run_id
	`, datasetID, processingRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: RunStatusFailed},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "error_message", Value: truncateError(runErr)},
		{Name: "run_id", Value: runID},
	}

	if err := runAndWait(ctx, q); err != nil {
		log.Error().
			Err(err).
			Str("run_id", runID).
			Msg("MarkRunFailed: update failed")
	}
}

// ListRunsWithClient returns the most recent runs, newest first.
func ListRunsWithClient(ctx context.Context, client *bigquery.Client, datasetID string, limit int) ([]*ProcessingRunRow, error) {
	if limit <= 0 {
		limit = 20
	}

	q := client.Query(fmt.Sprintf(`
		SELECT
			run_id,
			started_ts,
			finished_ts,
			status,
			extractor,
			parse_model,
			document_count,
			chunk_count,
			line_item_count,
			error_message
		FROM `+"`%s.%s.%s`"+`
		ORDER BY started_ts DESC
		LIMIT @limit
	`, client.Project(), datasetID, processingRunsTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "limit", Value: limit},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRuns: reading query: %w", err)
	}

	var runs []*ProcessingRunRow
	for {
		var row ProcessingRunRow
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRuns: iterating: %w", err)
		}
		runs = append(runs, &row)
	}
	return runs, nil
}

func runAndWait(ctx context.Context, q *bigquery.Query) error {
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
