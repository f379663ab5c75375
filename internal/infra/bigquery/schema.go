package bigquery

import (
	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

const processingRunsTable = "processing_runs"

// TableDefinition is the BigQuery layout of one warehouse table.
type TableDefinition struct {
	Name   string
	Schema bigquery.Schema
}

// Numeric header and line item columns. Everything else not listed in
// integerColumns is a STRING.
var floatColumns = map[string]bool{
	"TOTAL_DUE":    true,
	"SUBTOTAL":     true,
	"TAX":          true,
	"SHIPPING":     true,
	"HANDLING_FEE": true,
	"QUANTITY":     true,
	"UNIT_PRICE":   true,
	"PRICE":        true,
	"AMOUNT":       true,
	"TOTAL":        true,
	"box_l":        true,
	"box_t":        true,
	"box_r":        true,
	"box_b":        true,
}

var integerColumns = map[string]bool{
	"page":       true,
	"LINE_INDEX": true,
}

var requiredColumns = map[string]bool{
	"RUN_ID":       true,
	"INVOICE_UUID": true,
	"LINE_INDEX":   true,
}

// SchemaFor derives the BigQuery schema of a normalized table from its
// column list.
func SchemaFor(t normalizer.Table) bigquery.Schema {
	schema := make(bigquery.Schema, 0, len(t.Columns()))
	for _, col := range t.Columns() {
		fs := &bigquery.FieldSchema{Name: col, Type: bigquery.StringFieldType}
		switch {
		case floatColumns[col]:
			fs.Type = bigquery.FloatFieldType
		case integerColumns[col]:
			fs.Type = bigquery.IntegerFieldType
		}
		fs.Required = requiredColumns[col]
		schema = append(schema, fs)
	}
	return schema
}

// ProcessingRunsSchema is the schema of the processing_runs table.
var ProcessingRunsSchema = bigquery.Schema{
	{Name: "run_id", Type: bigquery.StringFieldType, Required: true},
	{Name: "started_ts", Type: bigquery.TimestampFieldType, Required: true},
	{Name: "finished_ts", Type: bigquery.TimestampFieldType},
	{Name: "status", Type: bigquery.StringFieldType},
	{Name: "extractor", Type: bigquery.StringFieldType},
	{Name: "parse_model", Type: bigquery.StringFieldType},
	{Name: "document_count", Type: bigquery.IntegerFieldType},
	{Name: "chunk_count", Type: bigquery.IntegerFieldType},
	{Name: "line_item_count", Type: bigquery.IntegerFieldType},
	{Name: "error_message", Type: bigquery.StringFieldType},
}

// TableDefinitions lists every table the warehouse needs, in creation order.
func TableDefinitions() []TableDefinition {
	empty := &normalizer.Tables{}
	defs := make([]TableDefinition, 0, 5)
	for _, t := range empty.All() {
		defs = append(defs, TableDefinition{Name: t.Name(), Schema: SchemaFor(t)})
	}
	return append(defs, TableDefinition{Name: processingRunsTable, Schema: ProcessingRunsSchema})
}
