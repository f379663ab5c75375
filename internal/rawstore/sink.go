// Package rawstore persists the raw ADE responses of each document so a
// run can be inspected or normalized again later.
package rawstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dvloznov/invoice-warehouse/internal/ade"
)

const (
	parsePrefix   = "parse_"
	extractPrefix = "extract_"
	jsonExt       = ".json"

	unknownStem = "unknown_filename"
)

// Sink stores one named blob.
type Sink interface {
	Save(ctx context.Context, name string, data []byte) error
}

// Stem returns the file name without directory or extension.
func Stem(filename string) string {
	base := filepath.Base(strings.TrimSpace(filename))
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		return unknownStem
	}
	return stem
}

// UniqueStems returns one stem per source. The first source with a given
// stem keeps it; later ones get _2, _3, ... skipping any stem another
// source already owns, so no two documents share a dump name.
func UniqueStems(sources []string) []string {
	taken := make(map[string]bool, len(sources))
	for _, src := range sources {
		taken[Stem(src)] = true
	}

	used := make(map[string]bool, len(sources))
	stems := make([]string, len(sources))
	for i, src := range sources {
		stem := Stem(src)
		if used[stem] {
			base := stem
			for n := 2; ; n++ {
				stem = fmt.Sprintf("%s_%d", base, n)
				if !taken[stem] && !used[stem] {
					break
				}
			}
		}
		used[stem] = true
		stems[i] = stem
	}
	return stems
}

// ParseName is the blob name of a document's parse response.
func ParseName(stem string) string { return parsePrefix + stem + jsonExt }

// ExtractName is the blob name of a document's extract response.
func ExtractName(stem string) string { return extractPrefix + stem + jsonExt }

// SaveParse stores the raw parse response under parse_<stem>.json.
func SaveParse(ctx context.Context, sink Sink, stem string, resp *ade.ParseResponse) error {
	data, err := rawOrMarshal(resp.Raw, resp)
	if err != nil {
		return fmt.Errorf("SaveParse: %w", err)
	}
	if err := sink.Save(ctx, ParseName(stem), data); err != nil {
		return fmt.Errorf("SaveParse: %w", err)
	}
	return nil
}

// SaveExtract stores the raw extract response under extract_<stem>.json.
func SaveExtract(ctx context.Context, sink Sink, stem string, resp *ade.ExtractResponse) error {
	data, err := rawOrMarshal(resp.Raw, resp)
	if err != nil {
		return fmt.Errorf("SaveExtract: %w", err)
	}
	if err := sink.Save(ctx, ExtractName(stem), data); err != nil {
		return fmt.Errorf("SaveExtract: %w", err)
	}
	return nil
}

func rawOrMarshal(raw json.RawMessage, v any) ([]byte, error) {
	if len(raw) > 0 {
		return raw, nil
	}
	return json.Marshal(v)
}

// DirSink writes indented JSON files into a local directory.
type DirSink struct {
	Dir string
}

// NewDirSink returns a sink writing under dir.
func NewDirSink(dir string) *DirSink {
	return &DirSink{Dir: dir}
}

// Save writes data to Dir/name, creating Dir when needed.
func (s *DirSink) Save(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	out := data
	if json.Valid(data) {
		var buf bytes.Buffer
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			buf.WriteByte('\n')
			out = buf.Bytes()
		}
	}

	path := filepath.Join(s.Dir, filepath.Base(name))
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// MultiSink saves to every sink in order and joins their errors.
type MultiSink []Sink

// Save implements Sink.
func (m MultiSink) Save(ctx context.Context, name string, data []byte) error {
	var errs []error
	for _, s := range m {
		if err := s.Save(ctx, name, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadPair reads back the parse and extract responses dumped for stem.
func LoadPair(dir, stem string) (*ade.ParseResponse, *ade.ExtractResponse, error) {
	parseData, err := os.ReadFile(filepath.Join(dir, ParseName(stem)))
	if err != nil {
		return nil, nil, fmt.Errorf("LoadPair: %w", err)
	}
	parse, err := ade.DecodeParseResponse(parseData)
	if err != nil {
		return nil, nil, fmt.Errorf("LoadPair: decoding %s: %w", ParseName(stem), err)
	}

	extractData, err := os.ReadFile(filepath.Join(dir, ExtractName(stem)))
	if err != nil {
		return nil, nil, fmt.Errorf("LoadPair: %w", err)
	}
	extract, err := ade.DecodeExtractResponse(extractData)
	if err != nil {
		return nil, nil, fmt.Errorf("LoadPair: decoding %s: %w", ExtractName(stem), err)
	}
	return parse, extract, nil
}

// ListStems returns the stems of every parse dump in dir, sorted by name.
func ListStems(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, parsePrefix+"*"+jsonExt))
	if err != nil {
		return nil, fmt.Errorf("ListStems: %w", err)
	}
	stems := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		stems = append(stems, strings.TrimSuffix(strings.TrimPrefix(base, parsePrefix), jsonExt))
	}
	return stems, nil
}

var (
	_ Sink = (*DirSink)(nil)
	_ Sink = MultiSink(nil)
)
