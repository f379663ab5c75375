package pipeline

import (
	"context"

	infra "github.com/dvloznov/invoice-warehouse/internal/infra/bigquery"
	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

// TableSink receives the normalized tables of a finished batch.
type TableSink interface {
	WriteTables(ctx context.Context, tables *normalizer.Tables) error
}

// RunRecorder tracks the lifecycle of a processing run.
// MarkRunFailed is best effort and does not return an error.
type RunRecorder interface {
	StartRun(ctx context.Context, info infra.RunInfo) error
	MarkRunSucceeded(ctx context.Context, runID string, stats infra.RunStats) error
	MarkRunFailed(ctx context.Context, runID string, runErr error)
}

// DocumentFetcher copies a remote document (gs://...) into dir and returns
// the local path.
type DocumentFetcher interface {
	Fetch(ctx context.Context, uri, dir string) (string, error)
}
