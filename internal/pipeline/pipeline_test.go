package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/invoice-warehouse/internal/ade"
	infra "github.com/dvloznov/invoice-warehouse/internal/infra/bigquery"
	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
	"github.com/dvloznov/invoice-warehouse/internal/pdfinfo"
	"github.com/dvloznov/invoice-warehouse/internal/rawstore"
)

var testSchema = []byte(`{"type":"object"}`)

// MockParser is a mock implementation of ade.Parser.
type MockParser struct {
	ParseFunc func(ctx context.Context, req ade.ParseRequest) (*ade.ParseResponse, error)
}

func (m *MockParser) Parse(ctx context.Context, req ade.ParseRequest) (*ade.ParseResponse, error) {
	if m.ParseFunc != nil {
		return m.ParseFunc(ctx, req)
	}
	return &ade.ParseResponse{}, nil
}

// MockExtractor is a mock implementation of ade.Extractor.
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, schema []byte, markdown string) (*ade.ExtractResponse, error)
}

func (m *MockExtractor) Extract(ctx context.Context, schema []byte, markdown string) (*ade.ExtractResponse, error) {
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, schema, markdown)
	}
	return &ade.ExtractResponse{Extraction: map[string]any{}}, nil
}

// MockRunRecorder records run lifecycle calls.
type MockRunRecorder struct {
	mu        sync.Mutex
	started   []infra.RunInfo
	succeeded map[string]infra.RunStats
	failed    map[string]error

	// failedCtxErr is ctx.Err() as seen by MarkRunFailed.
	failedCtxErr map[string]error

	StartRunErr error
}

func (m *MockRunRecorder) StartRun(ctx context.Context, info infra.RunInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, info)
	return m.StartRunErr
}

func (m *MockRunRecorder) MarkRunSucceeded(ctx context.Context, runID string, stats infra.RunStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.succeeded == nil {
		m.succeeded = map[string]infra.RunStats{}
	}
	m.succeeded[runID] = stats
	return nil
}

func (m *MockRunRecorder) MarkRunFailed(ctx context.Context, runID string, runErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed == nil {
		m.failed = map[string]error{}
		m.failedCtxErr = map[string]error{}
	}
	m.failed[runID] = runErr
	m.failedCtxErr[runID] = ctx.Err()
}

type mockTableSink struct {
	mu      sync.Mutex
	written []*normalizer.Tables
	err     error
}

func (m *mockTableSink) WriteTables(ctx context.Context, tables *normalizer.Tables) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, tables)
	return m.err
}

type memSink struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memSink) Save(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blobs == nil {
		m.blobs = map[string][]byte{}
	}
	m.blobs[name] = data
	return nil
}

// MockFetcher is a mock implementation of DocumentFetcher.
type MockFetcher struct {
	FetchFunc func(ctx context.Context, uri, dir string) (string, error)
}

func (m *MockFetcher) Fetch(ctx context.Context, uri, dir string) (string, error) {
	return m.FetchFunc(ctx, uri, dir)
}

func writeDocs(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(paths[i], []byte("%PDF-1.4 not really"), 0o644))
	}
	return paths
}

// invoiceParser answers with markdown naming the file and reports one page.
func invoiceParser(delay func(name string) time.Duration) *MockParser {
	return &MockParser{
		ParseFunc: func(ctx context.Context, req ade.ParseRequest) (*ade.ParseResponse, error) {
			name := filepath.Base(req.Path)
			if delay != nil {
				time.Sleep(delay(name))
			}
			pages := 1
			chunkID, chunkType := name+"-c1", ade.ChunkTypeText
			return &ade.ParseResponse{
				Markdown: "# " + name,
				Chunks:   []ade.Chunk{{ID: &chunkID, Type: &chunkType, Markdown: name}},
				Metadata: ade.ParseMetadata{Filename: &name, PageCount: &pages},
				Raw:      []byte(`{"markdown":"# ` + name + `"}`),
			}, nil
		},
	}
}

func invoiceExtractor() *MockExtractor {
	return &MockExtractor{
		ExtractFunc: func(ctx context.Context, schema []byte, markdown string) (*ade.ExtractResponse, error) {
			return &ade.ExtractResponse{
				Extraction: map[string]any{
					"invoice_info": map[string]any{"invoice_number": strings.TrimPrefix(markdown, "# ")},
					"line_items":   []any{map[string]any{"sku": "A"}, map[string]any{"sku": "B"}},
				},
			}, nil
		},
	}
}

func newTestProcessor(t *testing.T, deps Deps, opts Options) *Processor {
	t.Helper()
	if opts.Schema == nil {
		opts.Schema = testSchema
	}
	p, err := NewProcessor(deps, opts)
	require.NoError(t, err)
	p.newID = func() string { return "run-1" }
	return p
}

type stepFunc func(ctx context.Context, state *PipelineState) error

func (f stepFunc) Execute(ctx context.Context, state *PipelineState) error { return f(ctx, state) }

func TestPipelineExecuteStopsAtFirstError(t *testing.T) {
	boom := errors.New("boom")
	var ran []int

	p := NewPipeline(
		stepFunc(func(ctx context.Context, s *PipelineState) error { ran = append(ran, 1); return nil }),
		stepFunc(func(ctx context.Context, s *PipelineState) error { ran = append(ran, 2); return boom }),
		stepFunc(func(ctx context.Context, s *PipelineState) error { ran = append(ran, 3); return nil }),
	)

	err := p.Execute(context.Background(), &PipelineState{})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "pipeline step 2 failed")
	assert.Equal(t, []int{1, 2}, ran)
}

func TestNewProcessorRequiresDeps(t *testing.T) {
	_, err := NewProcessor(Deps{Extractor: &MockExtractor{}}, Options{Schema: testSchema})
	assert.Error(t, err)

	_, err = NewProcessor(Deps{Parser: &MockParser{}}, Options{Schema: testSchema})
	assert.Error(t, err)

	_, err = NewProcessor(Deps{Parser: &MockParser{}, Extractor: &MockExtractor{}}, Options{})
	assert.Error(t, err)

	p, err := NewProcessor(Deps{Parser: &MockParser{}, Extractor: &MockExtractor{}}, Options{Schema: testSchema})
	require.NoError(t, err)
	assert.Equal(t, 1, p.opts.Concurrency)
	assert.Nil(t, p.limiter)
}

func TestProcessBatchKeepsInputOrder(t *testing.T) {
	paths := writeDocs(t, "a.pdf", "b.pdf", "c.pdf")
	delays := map[string]time.Duration{"a.pdf": 30 * time.Millisecond, "b.pdf": 15 * time.Millisecond}

	raw := &memSink{}
	tables := &mockTableSink{}
	runs := &MockRunRecorder{}

	p := newTestProcessor(t, Deps{
		Parser:    invoiceParser(func(name string) time.Duration { return delays[name] }),
		Extractor: invoiceExtractor(),
		RawSink:   raw,
		Runs:      runs,
		Tables:    []TableSink{tables},
	}, Options{Concurrency: 3, ExtractorName: "ade", ParseModel: "dpt-2-latest"})

	res, err := p.ProcessBatch(context.Background(), paths)
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	require.Len(t, res.Documents, 3)
	for i, stem := range []string{"a", "b", "c"} {
		assert.Equal(t, stem, res.Documents[i].Stem)
		assert.Equal(t, stem+".pdf", res.Tables.Markdown[i].DocumentName)
		assert.Equal(t, stem+".pdf", res.Tables.Invoices[i].Field("INVOICE_NUMBER"))
		assert.Equal(t, "run-1", res.Tables.Markdown[i].RunID)
	}
	assert.Equal(t, 3, res.Tables.Chunks.Len())
	assert.Equal(t, 6, res.Tables.LineItems.Len())

	require.Len(t, tables.written, 1)
	assert.Same(t, res.Tables, tables.written[0])

	for _, stem := range []string{"a", "b", "c"} {
		assert.Contains(t, raw.blobs, rawstore.ParseName(stem))
		assert.Contains(t, raw.blobs, rawstore.ExtractName(stem))
	}

	require.Len(t, runs.started, 1)
	assert.Equal(t, infra.RunInfo{RunID: "run-1", Extractor: "ade", ParseModel: "dpt-2-latest", DocumentCount: 3}, runs.started[0])
	assert.Equal(t, infra.RunStats{Documents: 3, Chunks: 3, LineItems: 6}, runs.succeeded["run-1"])
	assert.Empty(t, runs.failed)
}

func TestProcessBatchMarksRunFailed(t *testing.T) {
	paths := writeDocs(t, "a.pdf", "b.pdf")
	upstream := &ade.APIError{Endpoint: "/v1/ade/parse", StatusCode: 500, Body: "oops"}

	parser := &MockParser{
		ParseFunc: func(ctx context.Context, req ade.ParseRequest) (*ade.ParseResponse, error) {
			if filepath.Base(req.Path) == "b.pdf" {
				return nil, upstream
			}
			return invoiceParser(nil).Parse(ctx, req)
		},
	}
	tables := &mockTableSink{}
	runs := &MockRunRecorder{}

	p := newTestProcessor(t, Deps{
		Parser:    parser,
		Extractor: invoiceExtractor(),
		Runs:      runs,
		Tables:    []TableSink{tables},
	}, Options{Concurrency: 2})

	res, err := p.ProcessBatch(context.Background(), paths)
	require.Error(t, err)
	assert.Nil(t, res)

	var apiErr *ade.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 500, apiErr.StatusCode)

	assert.Empty(t, tables.written)
	assert.Empty(t, runs.succeeded)
	require.Contains(t, runs.failed, "run-1")
	assert.ErrorIs(t, runs.failed["run-1"], upstream)
}

func TestProcessBatchTableSinkFailure(t *testing.T) {
	paths := writeDocs(t, "a.pdf")
	sinkErr := errors.New("insert failed")
	runs := &MockRunRecorder{}

	p := newTestProcessor(t, Deps{
		Parser:    invoiceParser(nil),
		Extractor: invoiceExtractor(),
		Runs:      runs,
		Tables:    []TableSink{&mockTableSink{err: sinkErr}},
	}, Options{})

	_, err := p.ProcessBatch(context.Background(), paths)
	require.Error(t, err)
	assert.ErrorIs(t, err, sinkErr)
	assert.ErrorIs(t, runs.failed["run-1"], sinkErr)
}

func TestProcessBatchStartRunFailure(t *testing.T) {
	called := false
	parser := &MockParser{
		ParseFunc: func(ctx context.Context, req ade.ParseRequest) (*ade.ParseResponse, error) {
			called = true
			return &ade.ParseResponse{}, nil
		},
	}
	p := newTestProcessor(t, Deps{
		Parser:    parser,
		Extractor: invoiceExtractor(),
		Runs:      &MockRunRecorder{StartRunErr: errors.New("bq down")},
	}, Options{})

	_, err := p.ProcessBatch(context.Background(), writeDocs(t, "a.pdf"))
	assert.Error(t, err)
	assert.False(t, called)
}

func TestProcessBatchEmpty(t *testing.T) {
	tables := &mockTableSink{}
	p := newTestProcessor(t, Deps{
		Parser:    invoiceParser(nil),
		Extractor: invoiceExtractor(),
		Tables:    []TableSink{tables},
	}, Options{})

	res, err := p.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.Equal(t, 0, res.Tables.Markdown.Len())
	require.Len(t, tables.written, 1)
}

func TestProcessDocumentRejectsNonPDF(t *testing.T) {
	paths := writeDocs(t, "notes.txt")
	p := newTestProcessor(t, Deps{Parser: invoiceParser(nil), Extractor: invoiceExtractor()}, Options{})

	_, err := p.ProcessDocument(context.Background(), paths[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, pdfinfo.ErrNotPDF)
}

func TestProcessDocumentMissingFile(t *testing.T) {
	p := newTestProcessor(t, Deps{Parser: invoiceParser(nil), Extractor: invoiceExtractor()}, Options{})

	_, err := p.ProcessDocument(context.Background(), filepath.Join(t.TempDir(), "missing.pdf"))
	assert.Error(t, err)
}

func TestProcessDocumentEstimatesCost(t *testing.T) {
	paths := writeDocs(t, "big.pdf")
	pages := 2
	parser := &MockParser{
		ParseFunc: func(ctx context.Context, req ade.ParseRequest) (*ade.ParseResponse, error) {
			return &ade.ParseResponse{
				Markdown: strings.Repeat("x", 5000),
				Metadata: ade.ParseMetadata{PageCount: &pages},
			}, nil
		},
	}

	p := newTestProcessor(t, Deps{Parser: parser, Extractor: &MockExtractor{}}, Options{})
	doc, err := p.ProcessDocument(context.Background(), paths[0])
	require.NoError(t, err)

	assert.Equal(t, "big", doc.Stem)
	assert.Equal(t, 2, doc.Cost.Pages)
	assert.Equal(t, 6, doc.Cost.ParseCredits)
	assert.InDelta(t, 1.0, doc.Cost.MarkdownCost, 1e-9)
	assert.InDelta(t, 0.0, doc.Cost.ExtractionCost, 1e-9)
	assert.InDelta(t, 1.0, doc.Cost.TotalCost, 1e-9)
}

func TestProcessDocumentFetchesRemoteSource(t *testing.T) {
	var fetchedDir string
	fetcher := &MockFetcher{
		FetchFunc: func(ctx context.Context, uri, dir string) (string, error) {
			assert.Equal(t, "gs://bucket/in/remote.pdf", uri)
			fetchedDir = dir
			local := filepath.Join(dir, "remote.pdf")
			return local, os.WriteFile(local, []byte("%PDF-1.4"), 0o644)
		},
	}

	var parsedPath string
	parser := &MockParser{
		ParseFunc: func(ctx context.Context, req ade.ParseRequest) (*ade.ParseResponse, error) {
			parsedPath = req.Path
			return &ade.ParseResponse{}, nil
		},
	}

	p := newTestProcessor(t, Deps{Parser: parser, Extractor: &MockExtractor{}, Fetcher: fetcher}, Options{})
	doc, err := p.ProcessDocument(context.Background(), "gs://bucket/in/remote.pdf")
	require.NoError(t, err)

	assert.Equal(t, "remote", doc.Stem)
	assert.Equal(t, filepath.Join(fetchedDir, "remote.pdf"), parsedPath)
	_, statErr := os.Stat(fetchedDir)
	assert.True(t, os.IsNotExist(statErr), "temp dir should be removed")
}

func TestProcessDocumentRemoteWithoutFetcher(t *testing.T) {
	p := newTestProcessor(t, Deps{Parser: invoiceParser(nil), Extractor: invoiceExtractor()}, Options{})

	_, err := p.ProcessDocument(context.Background(), "gs://bucket/remote.pdf")
	assert.Error(t, err)
}

func TestProcessBatchHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runs := &MockRunRecorder{}
	p := newTestProcessor(t, Deps{Parser: invoiceParser(nil), Extractor: invoiceExtractor(), Runs: runs}, Options{})

	_, err := p.ProcessBatch(ctx, writeDocs(t, "a.pdf"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, runs.failed, "run-1")
	assert.NoError(t, runs.failedCtxErr["run-1"], "run must be marked failed on a live context")
}

func TestProcessBatchSameNameDocumentsKeepSeparateDumps(t *testing.T) {
	root := t.TempDir()
	var sources []string
	for _, dir := range []string{"a", "b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, dir), 0o755))
		path := filepath.Join(root, dir, "inv.pdf")
		require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 not really"), 0o644))
		sources = append(sources, path)
	}

	raw := &memSink{}
	p := newTestProcessor(t, Deps{
		Parser:    invoiceParser(nil),
		Extractor: invoiceExtractor(),
		RawSink:   raw,
	}, Options{Concurrency: 2})

	res, err := p.ProcessBatch(context.Background(), sources)
	require.NoError(t, err)

	require.Len(t, res.Documents, 2)
	assert.Equal(t, "inv", res.Documents[0].Stem)
	assert.Equal(t, "inv_2", res.Documents[1].Stem)
	for _, name := range []string{"parse_inv.json", "parse_inv_2.json", "extract_inv.json", "extract_inv_2.json"} {
		assert.Contains(t, raw.blobs, name)
	}
}
