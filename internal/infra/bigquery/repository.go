// Package bigquery loads normalized invoice tables into BigQuery and
// tracks processing runs.
package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

// DefaultLocation is used when the dataset has to be created.
const DefaultLocation = "US"

// Repository wraps a shared BigQuery client bound to one dataset.
type Repository struct {
	client    *bigquery.Client
	datasetID string
}

// NewRepository creates a client for projectID. Close releases it.
func NewRepository(ctx context.Context, projectID, datasetID string) (*Repository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewRepository: creating client: %w", err)
	}
	return &Repository{client: client, datasetID: datasetID}, nil
}

// Close closes the BigQuery client connection.
func (r *Repository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Dataset returns the dataset the repository writes to.
func (r *Repository) Dataset() string {
	return r.datasetID
}

// EnsureTables creates the dataset and any missing table.
func (r *Repository) EnsureTables(ctx context.Context) error {
	return EnsureTablesWithClient(ctx, r.client, r.datasetID, DefaultLocation)
}

// WriteTables streams the four normalized tables.
func (r *Repository) WriteTables(ctx context.Context, tables *normalizer.Tables) error {
	return InsertTablesWithClient(ctx, r.client, r.datasetID, tables)
}

// StartRun records a RUNNING processing run.
func (r *Repository) StartRun(ctx context.Context, info RunInfo) error {
	return StartRunWithClient(ctx, r.client, r.datasetID, info)
}

// MarkRunSucceeded records a finished run with its row counts.
func (r *Repository) MarkRunSucceeded(ctx context.Context, runID string, stats RunStats) error {
	return MarkRunSucceededWithClient(ctx, r.client, r.datasetID, runID, stats)
}

// MarkRunFailed records a failed run. Errors are logged.
func (r *Repository) MarkRunFailed(ctx context.Context, runID string, runErr error) {
	MarkRunFailedWithClient(ctx, r.client, r.datasetID, runID, runErr)
}

// ListRuns returns the most recent processing runs.
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]*ProcessingRunRow, error) {
	return ListRunsWithClient(ctx, r.client, r.datasetID, limit)
}

// DeleteRun removes a run and its rows.
func (r *Repository) DeleteRun(ctx context.Context, runID string) error {
	return DeleteRunWithClient(ctx, r.client, r.datasetID, runID)
}
