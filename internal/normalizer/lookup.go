package normalizer

import (
	"reflect"
	"strings"
)

// FieldSource lets a line item that is neither a map nor a plain struct
// expose its fields by name.
type FieldSource interface {
	Field(name string) (any, bool)
}

// lookup walks nested maps by key. An absent key, a nil value or a
// non-map intermediate all yield nil.
func lookup(m map[string]any, keys ...string) any {
	var cur any = m
	for _, k := range keys {
		obj, ok := asMap(cur)
		if !ok {
			return nil
		}
		cur, ok = obj[k]
		if !ok {
			return nil
		}
	}
	return cur
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, m != nil
	case map[string]string:
		if m == nil {
			return nil, false
		}
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// lineItems turns the extraction's line_items value into a list. Anything
// that is not a slice or array yields an empty list.
func lineItems(v any) []any {
	switch items := v.(type) {
	case nil:
		return nil
	case []any:
		return items
	case []map[string]any:
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = it
		}
		return out
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out
}

// lineItemRecord is the uniform view of one line item, whatever shape it
// arrived in.
type lineItemRecord struct {
	LineNumber  any
	SKU         any
	Description any
	Quantity    any
	UnitPrice   any
	Price       any
	Amount      any
	Total       any
}

func decodeLineItem(item any) lineItemRecord {
	get := func(name string) any { return itemField(item, name) }
	return lineItemRecord{
		LineNumber:  get("line_number"),
		SKU:         get("sku"),
		Description: get("description"),
		Quantity:    get("quantity"),
		UnitPrice:   get("unit_price"),
		Price:       get("price"),
		Amount:      get("amount"),
		Total:       get("total"),
	}
}

// itemField reads name from item: map key first, then FieldSource, then an
// exported struct field matched by json tag or by name.
func itemField(item any, name string) any {
	if item == nil {
		return nil
	}
	if m, ok := asMap(item); ok {
		if v, ok := m[name]; ok {
			return v
		}
	}
	if fs, ok := item.(FieldSource); ok {
		if v, ok := fs.Field(name); ok {
			return v
		}
		return nil
	}
	return structField(item, name)
}

func structField(item any, name string) any {
	rv := reflect.ValueOf(item)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}

	rt := rv.Type()
	want := squash(name)
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag := strings.Split(sf.Tag.Get("json"), ",")[0]
		if tag == "-" {
			continue
		}
		if tag == name || (tag == "" && squash(sf.Name) == want) {
			return fieldValue(rv.Field(i))
		}
	}
	return nil
}

// fieldValue unwraps pointers so a nil pointer reads as null.
func fieldValue(v reflect.Value) any {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	return v.Interface()
}

func squash(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}
