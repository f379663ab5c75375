package bigquery

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/invoice-warehouse/internal/normalizer"
)

// tableRow adapts one normalized row to bigquery.ValueSaver, converting
// each value to its column type.
type tableRow struct {
	schema   bigquery.Schema
	values   []any
	insertID string

	// onDrop is told about non-null values that had to be written as NULL.
	onDrop func(column string, value any)
}

// Save implements bigquery.ValueSaver.
func (r *tableRow) Save() (map[string]bigquery.Value, string, error) {
	if len(r.values) != len(r.schema) {
		return nil, "", fmt.Errorf("row has %d values for %d columns", len(r.values), len(r.schema))
	}
	out := make(map[string]bigquery.Value, len(r.schema))
	for i, fs := range r.schema {
		v, ok := coerce(r.values[i], fs.Type)
		if !ok && r.onDrop != nil {
			r.onDrop(fs.Name, r.values[i])
		}
		if v == nil {
			if fs.Required {
				return nil, "", fmt.Errorf("column %s is required", fs.Name)
			}
			continue
		}
		out[fs.Name] = v
	}
	return out, r.insertID, nil
}

// rowsFor builds savers for every row of t. The insert id makes retried
// inserts of the same run idempotent on the streaming buffer.
func rowsFor(t normalizer.Table, onDrop func(column string, value any)) []*tableRow {
	schema := SchemaFor(t)
	rows := make([]*tableRow, t.Len())
	for i := range rows {
		values := t.Row(i)
		rows[i] = &tableRow{
			schema:   schema,
			values:   values,
			insertID: fmt.Sprintf("%v:%v:%s:%d", values[0], values[1], t.Name(), i),
			onDrop:   onDrop,
		}
	}
	return rows
}

// coerce converts v to the Go type BigQuery expects for t. Values that
// cannot be represented become NULL and ok is false. Empty strings count
// as null, not as a loss.
func coerce(v any, t bigquery.FieldType) (bigquery.Value, bool) {
	if v == nil {
		return nil, true
	}
	switch t {
	case bigquery.FloatFieldType:
		f, ok := toFloat(v)
		if !ok {
			return nil, isBlank(v)
		}
		return f, true
	case bigquery.IntegerFieldType:
		f, ok := toFloat(v)
		if !ok || f != math.Trunc(f) {
			return nil, isBlank(v)
		}
		return int64(f), true
	default:
		return toString(v), true
	}
}

func isBlank(v any) bool {
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		return parseAmount(x)
	}
	return 0, false
}

// groupedAmount is a number with comma thousands separators and an
// optional dot decimal part, e.g. 1,234,567.89.
var groupedAmount = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)

// parseAmount accepts plain numbers, comma-grouped thousands, a leading
// currency symbol or ISO code, a sign on either side of the symbol and
// accounting parentheses for negatives. Anything else, including
// comma-decimal forms like 1.234,50, is rejected rather than guessed.
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	signs := 0
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		signs++
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.HasPrefix(s, "-") {
		signs++
		s = strings.TrimSpace(s[1:])
	}
	s = strings.TrimLeft(s, "$€£₹¥ ")
	if len(s) > 3 && isUpperAlpha(s[:3]) {
		s = strings.TrimSpace(s[3:])
	}
	if strings.HasPrefix(s, "-") {
		signs++
		s = s[1:]
	}
	if signs > 1 || s == "" || strings.ContainsAny(s[:1], "+-") {
		return 0, false
	}
	if strings.Contains(s, ",") {
		if !groupedAmount.MatchString(s) {
			return 0, false
		}
		s = strings.ReplaceAll(s, ",", "")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if signs == 1 {
		f = -f
	}
	return f, true
}

func isUpperAlpha(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}

var _ bigquery.ValueSaver = (*tableRow)(nil)
