package bigquery

import (
	"strings"
	"time"
	"unicode/utf8"

	"cloud.google.com/go/bigquery"
)

// Processing run statuses.
const (
	RunStatusRunning = "RUNNING"
	RunStatusSuccess = "SUCCESS"
	RunStatusFailed  = "FAILED"
)

// maxErrorMessage bounds error_message so a huge upstream body cannot
// bloat the row.
const maxErrorMessage = 2000

// ProcessingRunRow is one normalization run.
type ProcessingRunRow struct {
	RunID      string                 `bigquery:"run_id" json:"run_id"`
	StartedTS  time.Time              `bigquery:"started_ts" json:"started_ts"`
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts" json:"finished_ts"`

	Status     string `bigquery:"status" json:"status"`
	Extractor  string `bigquery:"extractor" json:"extractor"`
	ParseModel string `bigquery:"parse_model" json:"parse_model"`

	DocumentCount bigquery.NullInt64  `bigquery:"document_count" json:"document_count"`
	ChunkCount    bigquery.NullInt64  `bigquery:"chunk_count" json:"chunk_count"`
	LineItemCount bigquery.NullInt64  `bigquery:"line_item_count" json:"line_item_count"`
	ErrorMessage  bigquery.NullString `bigquery:"error_message" json:"error_message"`
}

// RunInfo describes a run when it starts.
type RunInfo struct {
	RunID         string
	Extractor     string
	ParseModel    string
	DocumentCount int
}

// RunStats is recorded when a run succeeds.
type RunStats struct {
	Documents int
	Chunks    int
	LineItems int
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}
	// BigQuery rejects invalid UTF-8 in STRING parameters.
	msg := strings.ToValidUTF8(err.Error(), "\uFFFD")
	if len(msg) <= maxErrorMessage {
		return msg
	}
	cut := maxErrorMessage
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
