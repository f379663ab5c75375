package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/invoice-warehouse/internal/api/middleware"
	infra "github.com/dvloznov/invoice-warehouse/internal/infra/bigquery"
	"github.com/dvloznov/invoice-warehouse/internal/jobs"
	"github.com/dvloznov/invoice-warehouse/internal/logger"
	"github.com/dvloznov/invoice-warehouse/internal/pdfinfo"
)

// DefaultMaxUploadBytes bounds a single PDF upload.
const DefaultMaxUploadBytes = 32 << 20

// FileUploader copies a local file to remote storage and returns its URI.
type FileUploader interface {
	UploadFile(ctx context.Context, name, filePath string) (string, error)
}

// RunLister lists processing runs.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]*infra.ProcessingRunRow, error)
}

// DocumentsHandler accepts invoice uploads and queues them for processing.
type DocumentsHandler struct {
	publisher jobs.Publisher
	uploadDir string
	uploader  FileUploader
	maxBytes  int64
	log       zerolog.Logger
}

// NewDocumentsHandler creates a documents handler storing uploads under
// uploadDir. When uploader is non-nil the file is moved to remote storage
// and the job references the remote URI.
func NewDocumentsHandler(publisher jobs.Publisher, uploadDir string, uploader FileUploader, log zerolog.Logger) *DocumentsHandler {
	return &DocumentsHandler{
		publisher: publisher,
		uploadDir: uploadDir,
		uploader:  uploader,
		maxBytes:  DefaultMaxUploadBytes,
		log:       log,
	}
}

// UploadDocument handles POST /api/documents (multipart field "document").
func (h *DocumentsHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "document file is required")
		return
	}
	defer file.Close()

	filename := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		middleware.WriteError(w, http.StatusBadRequest, "Only PDF documents are accepted")
		return
	}

	// Page count is informational; the pipeline reports parse errors.
	pages, err := pdfinfo.PageCountReader(file)
	if err != nil {
		log.Warn().Err(err).Str("document", filename).Msg("Could not count pages")
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read upload")
		return
	}

	jobID := uuid.NewString()
	local, written, err := h.saveUpload(jobID, filename, file)
	if err != nil {
		log.Error().Err(err).Msg("Failed to store upload")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	source := local
	if h.uploader != nil {
		object := path.Join("uploads", time.Now().UTC().Format("2006/01/02"), jobID, filename)
		uri, err := h.uploader.UploadFile(ctx, object, local)
		if err != nil {
			log.Error().Err(err).Msg("Failed to upload document")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to upload document")
			return
		}
		_ = os.RemoveAll(filepath.Dir(local))
		source = uri
	}

	job := &jobs.ProcessDocumentJob{JobID: jobID, Source: source, DocumentName: filename}
	if err := h.publisher.PublishProcessDocument(ctx, job); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue processing job")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue processing job")
		return
	}

	log.Info().
		Str("job_id", job.JobID).
		Str("source", source).
		Int64("bytes", written).
		Msg("Document queued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":        job.JobID,
		"document_name": filename,
		"status":        string(job.Status),
		"pages":         pages,
		"parse_credits": pages * pdfinfo.ParseCreditsPerPage,
	})
}

// saveUpload writes the upload to uploadDir/<jobID>/<filename> so the
// document keeps its original name.
func (h *DocumentsHandler) saveUpload(jobID, filename string, r io.Reader) (string, int64, error) {
	dir := filepath.Join(h.uploadDir, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create upload dir: %w", err)
	}
	local := filepath.Join(dir, filename)
	f, err := os.Create(local)
	if err != nil {
		return "", 0, fmt.Errorf("create upload file: %w", err)
	}
	n, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		return "", 0, fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", 0, fmt.Errorf("close upload: %w", err)
	}
	return local, n, nil
}

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			middleware.WriteError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := jobs.JobFilter{
		Status: jobs.JobStatus(query.Get("status")),
		Limit:  intParam(query.Get("limit")),
		Offset: intParam(query.Get("offset")),
	}

	jobsList, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}

// RunsHandler exposes the processing run history.
type RunsHandler struct {
	runs RunLister
	log  zerolog.Logger
}

// NewRunsHandler creates a runs handler.
func NewRunsHandler(runs RunLister, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{runs: runs, log: log}
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRuns(r.Context(), intParam(r.URL.Query().Get("limit")))
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*infra.ProcessingRunRow{}
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
