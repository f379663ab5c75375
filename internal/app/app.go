// Package app wires configuration into the clients and the pipeline shared
// by the command line tool and the API server.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/dvloznov/invoice-warehouse/internal/ade"
	"github.com/dvloznov/invoice-warehouse/internal/config"
	"github.com/dvloznov/invoice-warehouse/internal/extract/gemini"
	infra "github.com/dvloznov/invoice-warehouse/internal/infra/bigquery"
	"github.com/dvloznov/invoice-warehouse/internal/logger"
	"github.com/dvloznov/invoice-warehouse/internal/pipeline"
	"github.com/dvloznov/invoice-warehouse/internal/rawstore"
	"github.com/dvloznov/invoice-warehouse/internal/schema"
)

// App holds the long-lived clients. Close releases them.
type App struct {
	Config    *config.Config
	Processor *pipeline.Processor

	// Warehouse is nil when no BigQuery project is configured.
	Warehouse *infra.Repository
	// Uploads is nil when no bucket is configured.
	Uploads *rawstore.GCSSink

	storage *storage.Client
}

// New builds the processing pipeline. extra table sinks run after the
// warehouse.
func New(ctx context.Context, cfg *config.Config, extra ...pipeline.TableSink) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)

	schemaJSON, err := schema.Load(cfg.Pipeline.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("app.New: %w", err)
	}

	client := ade.NewClient(cfg.ADE.APIKey,
		ade.WithBaseURL(cfg.ADE.BaseURL),
		ade.WithParseModel(cfg.ADE.ParseModel),
		ade.WithTimeout(cfg.ADE.Timeout),
	)

	a := &App{Config: cfg}
	deps := pipeline.Deps{Parser: client, Extractor: client}

	if cfg.Pipeline.Extractor == config.ExtractorGemini {
		ex, err := gemini.NewExtractor(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, fmt.Errorf("app.New: %w", err)
		}
		deps.Extractor = ex
	}

	sinks := rawstore.MultiSink{rawstore.NewDirSink(cfg.Pipeline.OutputDir)}
	if cfg.GCS.Bucket != "" {
		sc, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("app.New: storage client: %w", err)
		}
		a.storage = sc
		a.Uploads = rawstore.NewGCSSink(sc, cfg.GCS.Bucket, cfg.GCS.Prefix)
		sinks = append(sinks, a.Uploads)
		deps.Fetcher = rawstore.NewGCSFetcher(sc)
	}
	deps.RawSink = sinks

	if cfg.WarehouseEnabled() {
		repo, err := infra.NewRepository(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("app.New: %w", err)
		}
		a.Warehouse = repo
		deps.Runs = repo
		deps.Tables = append(deps.Tables, repo)
	} else {
		log.Warn().Msg("No BigQuery project configured, tables will not be loaded")
	}
	deps.Tables = append(deps.Tables, extra...)

	proc, err := pipeline.NewProcessor(deps, pipeline.Options{
		Schema:            schemaJSON,
		ParseModel:        cfg.ADE.ParseModel,
		ExtractorName:     cfg.Pipeline.Extractor,
		Concurrency:       cfg.Pipeline.Concurrency,
		RequestsPerSecond: cfg.ADE.RequestsPerSecond,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app.New: %w", err)
	}
	a.Processor = proc

	log.Debug().
		Str("extractor", cfg.Pipeline.Extractor).
		Str("output_dir", cfg.Pipeline.OutputDir).
		Bool("gcs", a.Uploads != nil).
		Bool("warehouse", a.Warehouse != nil).
		Msg("Application wired")
	return a, nil
}

// ErrWarehouseDisabled is returned by NewWarehouse without a project id.
var ErrWarehouseDisabled = errors.New("app: BigQuery project is not configured (GOOGLE_CLOUD_PROJECT)")

// NewWarehouse opens only the BigQuery repository, for maintenance commands
// that do not call the ADE API.
func NewWarehouse(ctx context.Context, cfg *config.Config) (*infra.Repository, error) {
	if !cfg.WarehouseEnabled() {
		return nil, ErrWarehouseDisabled
	}
	return infra.NewRepository(ctx, cfg.BigQuery.ProjectID, cfg.BigQuery.Dataset)
}

// Close releases every client.
func (a *App) Close() error {
	var errs []error
	if a.Warehouse != nil {
		errs = append(errs, a.Warehouse.Close())
	}
	if a.storage != nil {
		errs = append(errs, a.storage.Close())
	}
	return errors.Join(errs...)
}
