package pipeline

import (
	"context"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/dvloznov/invoice-warehouse/internal/ade"
	"github.com/dvloznov/invoice-warehouse/internal/logger"
	"github.com/dvloznov/invoice-warehouse/internal/pdfinfo"
	"github.com/dvloznov/invoice-warehouse/internal/rawstore"
)

// PipelineStep represents a single step of the per-document pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all steps of one document.
type PipelineState struct {
	Source string // path or gs:// URI as given by the caller
	Path   string // local path of the PDF
	Stem   string

	Parse   *ade.ParseResponse
	Extract *ade.ExtractResponse
	Cost    pdfinfo.CostEstimate

	// cleanup removes temporary files created by FetchDocumentStep.
	cleanup func()
}

// Close releases temporary files held by the state.
func (s *PipelineState) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

// FetchDocumentStep downloads gs:// sources to a temp dir. Local paths
// pass through.
type FetchDocumentStep struct {
	Fetcher DocumentFetcher
}

func (s *FetchDocumentStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Path == "" {
		state.Path = state.Source
	}
	if !rawstore.IsGCSURI(state.Source) {
		return nil
	}
	if s.Fetcher == nil {
		return fmt.Errorf("FetchDocumentStep: no fetcher configured for %s", state.Source)
	}

	dir, err := os.MkdirTemp("", "invoice-*")
	if err != nil {
		return fmt.Errorf("FetchDocumentStep: creating temp dir: %w", err)
	}
	state.cleanup = func() { _ = os.RemoveAll(dir) }

	local, err := s.Fetcher.Fetch(ctx, state.Source, dir)
	if err != nil {
		return fmt.Errorf("FetchDocumentStep: %w", err)
	}
	state.Path = local

	log := logger.FromContext(ctx)
	log.Debug().
		Str("source", state.Source).
		Str("path", local).
		Msg("Fetched document")
	return nil
}

// ValidateDocumentStep checks the document exists and is a PDF. The stem
// is derived from the path unless the caller already assigned one.
type ValidateDocumentStep struct{}

func (s *ValidateDocumentStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Path == "" {
		state.Path = state.Source
	}
	if err := pdfinfo.ValidateDocument(state.Path); err != nil {
		return err
	}
	if state.Stem == "" {
		state.Stem = rawstore.Stem(state.Path)
	}
	return nil
}

// ParseStep sends the document to the parse endpoint.
type ParseStep struct {
	Parser  ade.Parser
	Model   string
	Limiter *rate.Limiter
}

func (s *ParseStep) Execute(ctx context.Context, state *PipelineState) error {
	if err := wait(ctx, s.Limiter); err != nil {
		return fmt.Errorf("ParseStep: %w", err)
	}

	resp, err := s.Parser.Parse(ctx, ade.ParseRequest{Path: state.Path, Model: s.Model})
	if err != nil {
		return fmt.Errorf("ParseStep: %w", err)
	}
	state.Parse = resp

	log := logger.FromContext(ctx)
	log.Info().
		Str("document", state.Stem).
		Int("chunks", len(resp.Chunks)).
		Int("markdown_chars", utf8.RuneCountInString(resp.Markdown)).
		Msg("Parse complete")
	return nil
}

// SaveParseStep dumps the raw parse response as parse_<stem>.json.
type SaveParseStep struct {
	Sink rawstore.Sink
}

func (s *SaveParseStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Sink == nil {
		return nil
	}
	return rawstore.SaveParse(ctx, s.Sink, state.Stem, state.Parse)
}

// ExtractStep pulls the invoice fields out of the parsed markdown.
type ExtractStep struct {
	Extractor ade.Extractor
	Schema    []byte
	Limiter   *rate.Limiter
}

func (s *ExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	if state.Parse == nil {
		return fmt.Errorf("ExtractStep: document %s has no parse response", state.Stem)
	}
	if err := wait(ctx, s.Limiter); err != nil {
		return fmt.Errorf("ExtractStep: %w", err)
	}

	resp, err := s.Extractor.Extract(ctx, s.Schema, state.Parse.Markdown)
	if err != nil {
		return fmt.Errorf("ExtractStep: %w", err)
	}
	state.Extract = resp

	log := logger.FromContext(ctx)
	log.Info().
		Str("document", state.Stem).
		Int("fields", len(resp.Extraction)).
		Msg("Extraction complete")
	return nil
}

// SaveExtractStep dumps the raw extract response as extract_<stem>.json.
type SaveExtractStep struct {
	Sink rawstore.Sink
}

func (s *SaveExtractStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.Sink == nil {
		return nil
	}
	return rawstore.SaveExtract(ctx, s.Sink, state.Stem, state.Extract)
}

// EstimateCostStep counts pages and logs the approximate credit usage.
// When the PDF cannot be read locally the page count reported by the
// parse endpoint is used instead.
type EstimateCostStep struct{}

func (s *EstimateCostStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)

	pages, err := pdfinfo.PageCount(state.Path)
	if err != nil {
		pages = 0
		if state.Parse != nil && state.Parse.Metadata.PageCount != nil {
			pages = *state.Parse.Metadata.PageCount
		}
		log.Warn().Err(err).Str("document", state.Stem).Int("pages", pages).Msg("Could not count pages locally")
	}

	mdChars := 0
	if state.Parse != nil {
		mdChars = utf8.RuneCountInString(state.Parse.Markdown)
	}
	exChars := 0
	if state.Extract != nil {
		exChars = pdfinfo.ExtractionChars(state.Extract.Extraction)
	}
	state.Cost = pdfinfo.EstimateCost(pages, mdChars, exChars)

	log.Info().
		Str("document", state.Stem).
		Int("pages", state.Cost.Pages).
		Int("parse_credits", state.Cost.ParseCredits).
		Float64("markdown_cost", state.Cost.MarkdownCost).
		Float64("extraction_cost", state.Cost.ExtractionCost).
		Float64("total_cost", state.Cost.TotalCost).
		Msg("Estimated cost")
	return nil
}

func wait(ctx context.Context, l *rate.Limiter) error {
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}
