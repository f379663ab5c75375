package jobs

import (
	"context"
	"errors"
	"time"
)

// ErrJobNotFound is returned by a JobStore for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeProcessDocument runs one document through parse, extract and
	// normalization.
	JobTypeProcessDocument JobType = "process_document"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
)

// ProcessDocumentJob is a request to process one uploaded invoice.
type ProcessDocumentJob struct {
	JobID string `json:"job_id"`

	// Source is a local path or gs:// URI of the PDF.
	Source       string `json:"source"`
	DocumentName string `json:"document_name"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`

	// Result is set once the job completed.
	Result *JobResult `json:"result,omitempty"`
}

// JobResult summarizes the tables produced for the document.
type JobResult struct {
	RunID       string  `json:"run_id"`
	InvoiceUUID string  `json:"invoice_uuid"`
	Chunks      int     `json:"chunks"`
	LineItems   int     `json:"line_items"`
	Pages       int     `json:"pages"`
	TotalCost   float64 `json:"total_cost"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *ProcessDocumentJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *ProcessDocumentJob) GetType() JobType {
	return JobTypeProcessDocument
}

// GetStatus implements the Job interface.
func (j *ProcessDocumentJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs.
type Publisher interface {
	PublishProcessDocument(ctx context.Context, job *ProcessDocumentJob) error
	Close() error
}

// Consumer runs a handler for every queued job.
type Consumer interface {
	// Start launches the workers and returns immediately.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error makes the job eligible for
// retry.
type JobHandler func(ctx context.Context, job Job) error

// JobStore keeps job state for the status endpoints.
type JobStore interface {
	SaveJob(ctx context.Context, job *ProcessDocumentJob) error
	GetJob(ctx context.Context, jobID string) (*ProcessDocumentJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*ProcessDocumentJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}
