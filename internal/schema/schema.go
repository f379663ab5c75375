// Package schema holds the JSON schema sent to the extract endpoint.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed invoice.schema.json
var invoiceSchema []byte

const resourceName = "invoice.schema.json"

// Default returns a copy of the built-in invoice schema.
func Default() []byte {
	return append([]byte(nil), invoiceSchema...)
}

// Load reads a schema file and checks that it compiles. An empty path
// returns the built-in schema.
func Load(path string) ([]byte, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: reading %s: %w", path, err)
	}
	if _, err := Compile(data); err != nil {
		return nil, fmt.Errorf("Load: %s: %w", path, err)
	}
	return data, nil
}

// Compile parses data as a JSON schema.
func Compile(data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceName, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// Validate checks an extraction against the schema in data.
func Validate(data []byte, extraction map[string]any) error {
	s, err := Compile(data)
	if err != nil {
		return err
	}

	// Round-trip so numbers and nested types match what the validator
	// expects from decoded JSON.
	b, err := json.Marshal(extraction)
	if err != nil {
		return fmt.Errorf("marshal extraction: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal extraction: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("extraction does not match schema: %w", err)
	}
	return nil
}
