// Package normalizer flattens ADE parse and extract responses into the four
// warehouse tables: markdown, parsed_chunks, invoices_main and
// invoice_line_items.
package normalizer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dvloznov/invoice-warehouse/internal/ade"
)

// DocumentPair is one document's parse and extract responses.
type DocumentPair struct {
	Parse   *ade.ParseResponse
	Extract *ade.ExtractResponse
}

type options struct {
	runID string
	newID func() string
}

// Option configures a normalization call.
type Option func(*options)

// WithRunID sets the run id shared by every row. An empty id is ignored and
// a fresh one is generated.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithIDGenerator replaces the UUID generator used for run and invoice ids.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) {
		if gen != nil {
			o.newID = gen
		}
	}
}

func newOptions(opts []Option) options {
	o := options{newID: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = o.newID()
	}
	return o
}

// NormalizeOne builds the four tables for a single document. Both responses
// are required.
func NormalizeOne(parse *ade.ParseResponse, extract *ade.ExtractResponse, opts ...Option) (*Tables, error) {
	return NormalizeBatch([]DocumentPair{{Parse: parse, Extract: extract}}, opts...)
}

// NormalizeBatch builds the four tables for pairs, in input order. Every
// pair is checked before any row is built; an empty batch yields four empty
// tables.
func NormalizeBatch(pairs []DocumentPair, opts ...Option) (*Tables, error) {
	for i, p := range pairs {
		switch {
		case p.Parse == nil && p.Extract == nil:
			return nil, fmt.Errorf("NormalizeBatch: document %d: no parse or extract result: %w", i, ErrContractViolation)
		case p.Parse == nil:
			return nil, fmt.Errorf("NormalizeBatch: document %d: missing parse result: %w", i, ErrContractViolation)
		case p.Extract == nil:
			return nil, fmt.Errorf("NormalizeBatch: document %d: missing extract result: %w", i, ErrContractViolation)
		}
	}

	o := newOptions(opts)
	t := &Tables{
		RunID:     o.runID,
		Markdown:  make(MarkdownTable, 0, len(pairs)),
		Chunks:    ChunkTable{},
		Invoices:  make(InvoiceTable, 0, len(pairs)),
		LineItems: LineItemTable{},
	}
	for _, p := range pairs {
		t.add(o, p)
	}
	return t, nil
}

func (t *Tables) add(o options, p DocumentPair) {
	doc := document{
		runID:   t.RunID,
		id:      o.newID(),
		name:    orUnknown(p.Parse.Metadata.Filename),
		version: orUnknown(p.Parse.Metadata.Version),
	}

	t.Markdown = append(t.Markdown, MarkdownRow{
		RunID:             doc.runID,
		InvoiceUUID:       doc.id,
		DocumentName:      doc.name,
		AgenticDocVersion: doc.version,
		Markdown:          p.Parse.Markdown,
	})

	for _, c := range p.Parse.Chunks {
		t.Chunks = append(t.Chunks, doc.chunkRow(c))
	}

	extraction := p.Extract.Extraction
	if extraction == nil {
		extraction = map[string]any{}
	}

	values := make([]any, len(HeaderFields))
	for i, f := range HeaderFields {
		values[i] = lookup(extraction, f.Group, f.Field)
	}
	t.Invoices = append(t.Invoices, InvoiceRow{
		RunID:             doc.runID,
		InvoiceUUID:       doc.id,
		DocumentName:      doc.name,
		AgenticDocVersion: doc.version,
		Values:            values,
	})

	for idx, item := range lineItems(extraction["line_items"]) {
		rec := decodeLineItem(item)
		t.LineItems = append(t.LineItems, LineItemRow{
			RunID:             doc.runID,
			InvoiceUUID:       doc.id,
			DocumentName:      doc.name,
			AgenticDocVersion: doc.version,
			LineIndex:         idx,
			LineNumber:        rec.LineNumber,
			SKU:               rec.SKU,
			Description:       rec.Description,
			Quantity:          rec.Quantity,
			UnitPrice:         rec.UnitPrice,
			Price:             rec.Price,
			Amount:            rec.Amount,
			Total:             rec.Total,
		})
	}
}

type document struct {
	runID   string
	id      string
	name    string
	version string
}

func (d document) chunkRow(c ade.Chunk) ChunkRow {
	row := ChunkRow{
		RunID:        d.runID,
		InvoiceUUID:  d.id,
		DocumentName: d.name,
		ChunkID:      copyString(c.ID),
		ChunkType:    copyString(c.Type),
		Text:         c.Markdown,
	}
	if g := c.Grounding; g != nil {
		row.Page = g.Page
		if b := g.Box; b != nil {
			row.BoxLeft = b.Left
			row.BoxTop = b.Top
			row.BoxRight = b.Right
			row.BoxBottom = b.Bottom
		}
	}
	return row
}

func orUnknown(s *string) string {
	if s == nil {
		return unknownValue
	}
	return *s
}

// copyString detaches the row from the response it was read from.
func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
