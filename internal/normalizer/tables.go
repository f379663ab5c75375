package normalizer

import "strings"

// Table names as they appear in the warehouse and in exported files.
const (
	MarkdownTableName = "markdown"
	ChunkTableName    = "parsed_chunks"
	InvoiceTableName  = "invoices_main"
	LineItemTableName = "invoice_line_items"

	unknownValue = "unknown"
)

// Table is the read-only view every output table exposes to sinks.
// Row returns one value per column; nulls are untyped nil.
type Table interface {
	Name() string
	Columns() []string
	Len() int
	Row(i int) []any
}

// Tables holds the four tables produced by one normalization call.
type Tables struct {
	RunID     string
	Markdown  MarkdownTable
	Chunks    ChunkTable
	Invoices  InvoiceTable
	LineItems LineItemTable
}

// All returns the tables in their canonical order.
func (t *Tables) All() []Table {
	return []Table{t.Markdown, t.Chunks, t.Invoices, t.LineItems}
}

// HeaderField is one enumerated (group, field) path of the invoice header.
type HeaderField struct {
	Group  string
	Field  string
	Column string
}

func hf(group, field string) HeaderField {
	return HeaderField{Group: group, Field: field, Column: strings.ToUpper(field)}
}

// HeaderFields lists every header column read from the extraction, in
// column order.
var HeaderFields = []HeaderField{
	hf("invoice_info", "invoice_date_raw"),
	hf("invoice_info", "invoice_date"),
	hf("invoice_info", "invoice_number"),
	hf("invoice_info", "order_date"),
	hf("invoice_info", "po_number"),
	hf("invoice_info", "status"),

	hf("customer_info", "sold_to_name"),
	hf("customer_info", "sold_to_address"),
	hf("customer_info", "customer_email"),

	hf("company_info", "supplier_name"),
	hf("company_info", "supplier_address"),
	hf("company_info", "representative"),
	hf("company_info", "email"),
	hf("company_info", "phone"),
	hf("company_info", "gstin"),
	hf("company_info", "pan"),

	hf("order_details", "payment_terms"),
	hf("order_details", "ship_via"),
	hf("order_details", "ship_date"),
	hf("order_details", "tracking_number"),

	hf("totals_summary", "currency"),
	hf("totals_summary", "total_due_raw"),
	hf("totals_summary", "total_due"),
	hf("totals_summary", "subtotal"),
	hf("totals_summary", "tax"),
	hf("totals_summary", "shipping"),
	hf("totals_summary", "handling_fee"),
}

// LineItemFields are the keys read from every line item, in column order.
var LineItemFields = []string{
	"line_number", "sku", "description", "quantity",
	"unit_price", "price", "amount", "total",
}

var (
	markdownColumns = []string{"RUN_ID", "INVOICE_UUID", "DOCUMENT_NAME", "AGENTIC_DOC_VERSION", "MARKDOWN"}
	chunkColumns    = []string{
		"RUN_ID", "INVOICE_UUID", "DOCUMENT_NAME",
		"chunk_id", "chunk_type", "text", "page",
		"box_l", "box_t", "box_r", "box_b",
	}
	invoiceColumns  = append([]string{"RUN_ID", "INVOICE_UUID", "DOCUMENT_NAME", "AGENTIC_DOC_VERSION"}, headerColumnNames()...)
	lineItemColumns = append(
		[]string{"RUN_ID", "INVOICE_UUID", "DOCUMENT_NAME", "AGENTIC_DOC_VERSION", "LINE_INDEX"},
		upper(LineItemFields)...,
	)
)

func headerColumnNames() []string {
	out := make([]string, len(HeaderFields))
	for i, f := range HeaderFields {
		out[i] = f.Column
	}
	return out
}

func upper(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToUpper(s)
	}
	return out
}

// MarkdownRow is one document's full markdown.
type MarkdownRow struct {
	RunID             string
	InvoiceUUID       string
	DocumentName      string
	AgenticDocVersion string
	Markdown          string
}

// ChunkRow is one parsed chunk with its grounding box.
type ChunkRow struct {
	RunID        string
	InvoiceUUID  string
	DocumentName string
	ChunkID      *string
	ChunkType    *string
	Text         string
	Page         *int
	BoxLeft      *float64
	BoxTop       *float64
	BoxRight     *float64
	BoxBottom    *float64
}

// InvoiceRow is the flattened invoice header. Values is aligned with
// HeaderFields; a nil entry is a null column.
type InvoiceRow struct {
	RunID             string
	InvoiceUUID       string
	DocumentName      string
	AgenticDocVersion string
	Values            []any
}

// Field returns the value of a header column by name, or nil.
func (r InvoiceRow) Field(column string) any {
	for i, f := range HeaderFields {
		if f.Column == column && i < len(r.Values) {
			return r.Values[i]
		}
	}
	return nil
}

// LineItemRow is one invoice line item.
type LineItemRow struct {
	RunID             string
	InvoiceUUID       string
	DocumentName      string
	AgenticDocVersion string
	LineIndex         int

	LineNumber  any
	SKU         any
	Description any
	Quantity    any
	UnitPrice   any
	Price       any
	Amount      any
	Total       any
}

// MarkdownTable has one row per document.
type MarkdownTable []MarkdownRow

func (t MarkdownTable) Name() string      { return MarkdownTableName }
func (t MarkdownTable) Columns() []string { return markdownColumns }
func (t MarkdownTable) Len() int          { return len(t) }

func (t MarkdownTable) Row(i int) []any {
	r := t[i]
	return []any{r.RunID, r.InvoiceUUID, r.DocumentName, r.AgenticDocVersion, r.Markdown}
}

// ChunkTable has one row per chunk across all documents.
type ChunkTable []ChunkRow

func (t ChunkTable) Name() string      { return ChunkTableName }
func (t ChunkTable) Columns() []string { return chunkColumns }
func (t ChunkTable) Len() int          { return len(t) }

func (t ChunkTable) Row(i int) []any {
	r := t[i]
	return []any{
		r.RunID, r.InvoiceUUID, r.DocumentName,
		deref(r.ChunkID), deref(r.ChunkType), r.Text, deref(r.Page),
		deref(r.BoxLeft), deref(r.BoxTop), deref(r.BoxRight), deref(r.BoxBottom),
	}
}

// InvoiceTable has one header row per document.
type InvoiceTable []InvoiceRow

func (t InvoiceTable) Name() string      { return InvoiceTableName }
func (t InvoiceTable) Columns() []string { return invoiceColumns }
func (t InvoiceTable) Len() int          { return len(t) }

func (t InvoiceTable) Row(i int) []any {
	r := t[i]
	out := make([]any, 0, len(invoiceColumns))
	out = append(out, r.RunID, r.InvoiceUUID, r.DocumentName, r.AgenticDocVersion)
	for j := range HeaderFields {
		var v any
		if j < len(r.Values) {
			v = r.Values[j]
		}
		out = append(out, v)
	}
	return out
}

// LineItemTable has zero or more rows per document.
type LineItemTable []LineItemRow

func (t LineItemTable) Name() string      { return LineItemTableName }
func (t LineItemTable) Columns() []string { return lineItemColumns }
func (t LineItemTable) Len() int          { return len(t) }

func (t LineItemTable) Row(i int) []any {
	r := t[i]
	return []any{
		r.RunID, r.InvoiceUUID, r.DocumentName, r.AgenticDocVersion, r.LineIndex,
		r.LineNumber, r.SKU, r.Description, r.Quantity,
		r.UnitPrice, r.Price, r.Amount, r.Total,
	}
}

// deref turns a typed pointer into its value or an untyped nil.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
