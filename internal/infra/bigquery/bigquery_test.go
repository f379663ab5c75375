package bigquery

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/invoice-warehouse/internal/ade"
	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

func sampleTables(t *testing.T) *normalizer.Tables {
	t.Helper()
	page := 1
	chunkID, chunkType := "c1", "table"
	tables, err := normalizer.NormalizeOne(
		&ade.ParseResponse{
			Markdown: "# Invoice",
			Chunks:   []ade.Chunk{{ID: &chunkID, Type: &chunkType, Grounding: &ade.Grounding{Page: &page}}},
		},
		&ade.ExtractResponse{Extraction: map[string]any{
			"invoice_info":   map[string]any{"invoice_number": 1042.0},
			"totals_summary": map[string]any{"total_due": "$1,250.50", "tax": "n/a"},
			"line_items":     []any{map[string]any{"line_number": 1.0, "quantity": "3", "total": 30}},
		}},
		normalizer.WithRunID("run-1"),
	)
	require.NoError(t, err)
	return tables
}

func TestTableDefinitions(t *testing.T) {
	defs := TableDefinitions()
	require.Len(t, defs, 5)

	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Equal(t, []string{"markdown", "parsed_chunks", "invoices_main", "invoice_line_items", "processing_runs"}, names)

	tables := &normalizer.Tables{}
	for i, table := range tables.All() {
		schema := defs[i].Schema
		require.Len(t, schema, len(table.Columns()), table.Name())
		for j, col := range table.Columns() {
			assert.Equal(t, col, schema[j].Name)
		}
	}
}

func TestSchemaFor_Types(t *testing.T) {
	byName := func(s bigquery.Schema, name string) *bigquery.FieldSchema {
		for _, fs := range s {
			if fs.Name == name {
				return fs
			}
		}
		t.Fatalf("column %s not found", name)
		return nil
	}

	tables := &normalizer.Tables{}
	chunks := SchemaFor(tables.Chunks)
	assert.Equal(t, bigquery.IntegerFieldType, byName(chunks, "page").Type)
	assert.Equal(t, bigquery.FloatFieldType, byName(chunks, "box_r").Type)
	assert.Equal(t, bigquery.StringFieldType, byName(chunks, "chunk_id").Type)
	assert.True(t, byName(chunks, "RUN_ID").Required)
	assert.False(t, byName(chunks, "chunk_id").Required)

	invoices := SchemaFor(tables.Invoices)
	assert.Equal(t, bigquery.FloatFieldType, byName(invoices, "TOTAL_DUE").Type)
	assert.Equal(t, bigquery.StringFieldType, byName(invoices, "TOTAL_DUE_RAW").Type)
	assert.Equal(t, bigquery.StringFieldType, byName(invoices, "INVOICE_DATE").Type)

	items := SchemaFor(tables.LineItems)
	assert.Equal(t, bigquery.IntegerFieldType, byName(items, "LINE_INDEX").Type)
	assert.True(t, byName(items, "LINE_INDEX").Required)
	assert.Equal(t, bigquery.StringFieldType, byName(items, "LINE_NUMBER").Type)
	assert.Equal(t, bigquery.FloatFieldType, byName(items, "UNIT_PRICE").Type)
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name string
		in   any
		typ  bigquery.FieldType
		want bigquery.Value
	}{
		{"nil", nil, bigquery.StringFieldType, nil},
		{"string passthrough", "INV-1", bigquery.StringFieldType, "INV-1"},
		{"number to string", 1042.0, bigquery.StringFieldType, "1042"},
		{"map to string", map[string]any{"a": "b"}, bigquery.StringFieldType, `{"a":"b"}`},
		{"float", 12.5, bigquery.FloatFieldType, 12.5},
		{"int to float", 3, bigquery.FloatFieldType, 3.0},
		{"currency string", "$1,250.50", bigquery.FloatFieldType, 1250.5},
		{"currency code", "INR 9,000", bigquery.FloatFieldType, 9000.0},
		{"negative before symbol", "-$5", bigquery.FloatFieldType, -5.0},
		{"negative after symbol", "$-5.25", bigquery.FloatFieldType, -5.25},
		{"accounting negative", "(12.00)", bigquery.FloatFieldType, -12.0},
		{"double negative", "(-12.00)", bigquery.FloatFieldType, nil},
		{"comma decimal rejected", "1.234,50", bigquery.FloatFieldType, nil},
		{"bad grouping rejected", "1,25", bigquery.FloatFieldType, nil},
		{"unparseable", "n/a", bigquery.FloatFieldType, nil},
		{"empty", "", bigquery.FloatFieldType, nil},
		{"whole float to int", 2.0, bigquery.IntegerFieldType, int64(2)},
		{"fraction to int", 2.5, bigquery.IntegerFieldType, nil},
		{"bool to float", true, bigquery.FloatFieldType, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := coerce(tt.in, tt.typ)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCoerceReportsLoss(t *testing.T) {
	tests := []struct {
		name string
		in   any
		typ  bigquery.FieldType
		ok   bool
	}{
		{"null", nil, bigquery.FloatFieldType, true},
		{"blank string", "  ", bigquery.FloatFieldType, true},
		{"parsed", "12.5", bigquery.FloatFieldType, true},
		{"text in float column", "n/a", bigquery.FloatFieldType, false},
		{"comma decimal", "1.234,50", bigquery.FloatFieldType, false},
		{"fraction in int column", 2.5, bigquery.IntegerFieldType, false},
		{"anything to string", true, bigquery.StringFieldType, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := coerce(tt.in, tt.typ)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestRowsFor_ReportsDroppedValues(t *testing.T) {
	tables := sampleTables(t)

	dropped := map[string]any{}
	rows := rowsFor(tables.Invoices, func(column string, value any) { dropped[column] = value })
	require.Len(t, rows, 1)
	_, _, err := rows[0].Save()
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"TAX": "n/a"}, dropped)
}

func TestRowsFor(t *testing.T) {
	tables := sampleTables(t)

	rows := rowsFor(tables.Invoices, nil)
	require.Len(t, rows, 1)
	values, insertID, err := rows[0].Save()
	require.NoError(t, err)

	assert.Equal(t, "run-1", values["RUN_ID"])
	assert.Equal(t, "1042", values["INVOICE_NUMBER"])
	assert.Equal(t, 1250.5, values["TOTAL_DUE"])
	assert.NotContains(t, values, "TAX", "unparseable amount is null")
	assert.NotContains(t, values, "PO_NUMBER")
	assert.True(t, strings.HasPrefix(insertID, "run-1:"))
	assert.True(t, strings.HasSuffix(insertID, ":invoices_main:0"))

	items := rowsFor(tables.LineItems, nil)
	require.Len(t, items, 1)
	values, _, err = items[0].Save()
	require.NoError(t, err)
	assert.Equal(t, int64(0), values["LINE_INDEX"])
	assert.Equal(t, "1", values["LINE_NUMBER"])
	assert.Equal(t, 3.0, values["QUANTITY"])
	assert.Equal(t, 30.0, values["TOTAL"])

	chunks := rowsFor(tables.Chunks, nil)
	values, _, err = chunks[0].Save()
	require.NoError(t, err)
	assert.Equal(t, int64(1), values["page"])
	assert.NotContains(t, values, "box_l")
}

func TestTableRow_Errors(t *testing.T) {
	schema := bigquery.Schema{
		{Name: "RUN_ID", Type: bigquery.StringFieldType, Required: true},
		{Name: "x", Type: bigquery.StringFieldType},
	}

	_, _, err := (&tableRow{schema: schema, values: []any{"r"}}).Save()
	assert.Error(t, err, "value count mismatch")

	_, _, err = (&tableRow{schema: schema, values: []any{nil, "x"}}).Save()
	assert.ErrorContains(t, err, "RUN_ID")
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "", truncateError(nil))
	assert.Equal(t, "boom", truncateError(errors.New("boom")))
	assert.Len(t, truncateError(errors.New(strings.Repeat("x", 5000))), maxErrorMessage)

	// "€" is three bytes; 2000 is not a multiple of three.
	msg := truncateError(errors.New(strings.Repeat("€", 1000)))
	assert.True(t, utf8.ValidString(msg))
	assert.Len(t, msg, 1998)

	assert.True(t, utf8.ValidString(truncateError(errors.New("bad \xff body"))))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(&googleapi.Error{Code: 404}))
	assert.True(t, isNotFound(errors.Join(errors.New("ctx"), &googleapi.Error{Code: 404})))
	assert.False(t, isNotFound(&googleapi.Error{Code: 403}))
	assert.False(t, isNotFound(errors.New("404")))
}
