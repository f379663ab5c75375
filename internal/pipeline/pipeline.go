// Package pipeline runs documents through parse and extract, dumps the raw
// responses, normalizes the batch and hands the tables to the sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dvloznov/invoice-warehouse/internal/ade"
	infra "github.com/dvloznov/invoice-warehouse/internal/infra/bigquery"
	"github.com/dvloznov/invoice-warehouse/internal/logger"
	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
	"github.com/dvloznov/invoice-warehouse/internal/pdfinfo"
	"github.com/dvloznov/invoice-warehouse/internal/rawstore"
)

// Pipeline orchestrates the execution of pipeline steps.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all pipeline steps in order and stops at the first error.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d failed: %w", i+1, err)
		}
	}
	return nil
}

// Deps are the collaborators of a Processor. Parser and Extractor are
// required; everything else is optional.
type Deps struct {
	Parser    ade.Parser
	Extractor ade.Extractor
	RawSink   rawstore.Sink
	Fetcher   DocumentFetcher
	Runs      RunRecorder
	Tables    []TableSink
}

// Options tune a Processor.
type Options struct {
	Schema            []byte
	ParseModel        string
	ExtractorName     string
	Concurrency       int
	RequestsPerSecond float64
}

// Processor runs the per-document pipeline over a batch.
type Processor struct {
	deps    Deps
	opts    Options
	limiter *rate.Limiter
	newID   func() string
}

// NewProcessor validates deps and builds a processor. A non-positive
// RequestsPerSecond disables throttling.
func NewProcessor(deps Deps, opts Options) (*Processor, error) {
	if deps.Parser == nil {
		return nil, errors.New("NewProcessor: parser is required")
	}
	if deps.Extractor == nil {
		return nil, errors.New("NewProcessor: extractor is required")
	}
	if len(opts.Schema) == 0 {
		return nil, errors.New("NewProcessor: extraction schema is required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Processor{deps: deps, opts: opts, limiter: limiter, newID: uuid.NewString}, nil
}

func (p *Processor) documentPipeline() *Pipeline {
	return NewPipeline(
		&FetchDocumentStep{Fetcher: p.deps.Fetcher},
		&ValidateDocumentStep{},
		&ParseStep{Parser: p.deps.Parser, Model: p.opts.ParseModel, Limiter: p.limiter},
		&SaveParseStep{Sink: p.deps.RawSink},
		&ExtractStep{Extractor: p.deps.Extractor, Schema: p.opts.Schema, Limiter: p.limiter},
		&SaveExtractStep{Sink: p.deps.RawSink},
		&EstimateCostStep{},
	)
}

// DocumentResult is the outcome of one document.
type DocumentResult struct {
	Source string               `json:"source"`
	Stem   string               `json:"stem"`
	Chunks int                  `json:"chunks"`
	Cost   pdfinfo.CostEstimate `json:"cost"`

	Pair normalizer.DocumentPair `json:"-"`
}

// ProcessDocument parses, extracts and dumps a single document.
func (p *Processor) ProcessDocument(ctx context.Context, source string) (*DocumentResult, error) {
	return p.processDocument(ctx, source, "")
}

func (p *Processor) processDocument(ctx context.Context, source, stem string) (*DocumentResult, error) {
	state := &PipelineState{Source: source, Stem: stem}
	defer state.Close()

	if err := p.documentPipeline().Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("ProcessDocument: %s: %w", source, err)
	}
	return &DocumentResult{
		Source: source,
		Stem:   state.Stem,
		Chunks: len(state.Parse.Chunks),
		Cost:   state.Cost,
		Pair:   normalizer.DocumentPair{Parse: state.Parse, Extract: state.Extract},
	}, nil
}

// BatchResult is the outcome of ProcessBatch.
type BatchResult struct {
	RunID     string             `json:"run_id"`
	Documents []*DocumentResult  `json:"documents"`
	Tables    *normalizer.Tables `json:"-"`
}

// TotalCost sums the estimated cost of every document.
func (r *BatchResult) TotalCost() float64 {
	total := 0.0
	for _, d := range r.Documents {
		total += d.Cost.TotalCost
	}
	return total
}

// ProcessBatch runs every source through the document pipeline with
// bounded concurrency, normalizes the results under one run id and writes
// the tables to every sink. Documents keep their input order.
func (p *Processor) ProcessBatch(ctx context.Context, sources []string) (*BatchResult, error) {
	runID := p.newID()
	log := logger.WithFields(logger.FromContext(ctx), map[string]interface{}{"run_id": runID})
	ctx = logger.WithContext(ctx, log)

	if p.deps.Runs != nil {
		info := infra.RunInfo{
			RunID:         runID,
			Extractor:     p.opts.ExtractorName,
			ParseModel:    p.opts.ParseModel,
			DocumentCount: len(sources),
		}
		if err := p.deps.Runs.StartRun(ctx, info); err != nil {
			return nil, fmt.Errorf("ProcessBatch: %w", err)
		}
	}

	log.Info().Int("documents", len(sources)).Msg("Processing batch")

	result, err := p.processBatch(ctx, runID, sources)
	if err != nil {
		if p.deps.Runs != nil {
			// The batch may have failed because ctx was cancelled; the
			// FAILED update must still go out.
			p.deps.Runs.MarkRunFailed(context.WithoutCancel(ctx), runID, err)
		}
		return nil, err
	}

	if p.deps.Runs != nil {
		stats := infra.RunStats{
			Documents: result.Tables.Invoices.Len(),
			Chunks:    result.Tables.Chunks.Len(),
			LineItems: result.Tables.LineItems.Len(),
		}
		if err := p.deps.Runs.MarkRunSucceeded(ctx, runID, stats); err != nil {
			return nil, fmt.Errorf("ProcessBatch: %w", err)
		}
	}

	log.Info().
		Int("invoices", result.Tables.Invoices.Len()).
		Int("chunks", result.Tables.Chunks.Len()).
		Int("line_items", result.Tables.LineItems.Len()).
		Float64("total_cost", result.TotalCost()).
		Msg("Batch complete")
	return result, nil
}

func (p *Processor) processBatch(ctx context.Context, runID string, sources []string) (*BatchResult, error) {
	docs := make([]*DocumentResult, len(sources))
	stems := rawstore.UniqueStems(sources)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for i, src := range sources {
		g.Go(func() error {
			doc, err := p.processDocument(gctx, src, stems[i])
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ProcessBatch: %w", err)
	}

	pairs := make([]normalizer.DocumentPair, len(docs))
	for i, d := range docs {
		pairs[i] = d.Pair
	}
	tables, err := normalizer.NormalizeBatch(pairs, normalizer.WithRunID(runID))
	if err != nil {
		return nil, fmt.Errorf("ProcessBatch: %w", err)
	}

	for _, sink := range p.deps.Tables {
		if err := sink.WriteTables(ctx, tables); err != nil {
			return nil, fmt.Errorf("ProcessBatch: writing tables: %w", err)
		}
	}

	return &BatchResult{RunID: runID, Documents: docs, Tables: tables}, nil
}
