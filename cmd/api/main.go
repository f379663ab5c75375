package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dvloznov/invoice-warehouse/internal/api/handlers"
	"github.com/dvloznov/invoice-warehouse/internal/api/middleware"
	"github.com/dvloznov/invoice-warehouse/internal/app"
	"github.com/dvloznov/invoice-warehouse/internal/config"
	"github.com/dvloznov/invoice-warehouse/internal/jobs/inmemory"
	"github.com/dvloznov/invoice-warehouse/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Failed to load configuration")
	}

	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	uploadDir := flag.String("upload-dir", filepath.Join(cfg.Pipeline.OutputDir, "uploads"), "directory for uploaded documents")
	flag.Parse()

	log := logger.NewWithLevel(cfg.Log.Level)
	ctx := logger.WithContext(context.Background(), log)

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise pipeline")
	}
	defer a.Close()

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(inmemory.QueueOptions{
		BufferSize: cfg.Queue.BufferSize,
		Workers:    cfg.Queue.Workers,
		MaxRetries: cfg.Queue.MaxRetries,
	}, jobStore)

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	log.Info().Int("workers", cfg.Queue.Workers).Msg("Starting job workers")
	if err := jobQueue.Start(workerCtx, a.Processor.JobHandler()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job workers")
	}

	router := &handlers.Router{
		Jobs: handlers.NewJobsHandler(jobStore, log),
	}
	// Uploads go to the bucket when one is configured so workers fetch them
	// from there; otherwise they stay on local disk.
	var uploader handlers.FileUploader
	if a.Uploads != nil {
		uploader = a.Uploads
	}
	router.Documents = handlers.NewDocumentsHandler(jobQueue, *uploadDir, uploader, log)
	if a.Warehouse != nil {
		router.Runs = handlers.NewRunsHandler(a.Warehouse, log)
	}

	handler := middleware.Chain(router.Handler(),
		middleware.Recovery(log),
		middleware.RequestID(log),
		middleware.AccessLog(log),
		middleware.CORS(cfg.Server.CORSOrigins),
	)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let in-flight jobs finish before cancelling their context.
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}
