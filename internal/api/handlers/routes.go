package handlers

import (
	"net/http"
	"strings"

	"github.com/dvloznov/invoice-warehouse/internal/api/middleware"
)

// Router bundles the handlers served by the API. Runs may be nil when no
// warehouse is configured.
type Router struct {
	Documents *DocumentsHandler
	Jobs      *JobsHandler
	Runs      *RunsHandler
}

// Handler builds the route table.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/documents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.Documents.UploadDocument(w, r)
	})

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.Jobs.ListJobs(w, r)
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
		if jobID == "" || strings.Contains(jobID, "/") {
			middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
			return
		}
		rt.Jobs.GetJob(w, r, jobID)
	})

	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if rt.Runs == nil {
			middleware.WriteError(w, http.StatusNotFound, "Warehouse not configured")
			return
		}
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		rt.Runs.ListRuns(w, r)
	})

	mux.HandleFunc("/health", Health)

	return mux
}
