// Package pdfinfo checks input documents and estimates ADE credit cost.
package pdfinfo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNotPDF is returned for documents without a .pdf extension.
var ErrNotPDF = errors.New("pdfinfo: file must be a PDF")

// Credit rates of the ADE service.
const (
	ParseCreditsPerPage  = 3
	MarkdownCharsPerUnit = 5000
	ExtractCharsPerUnit  = 1000
)

// ValidateDocument checks that path exists, is a regular file and has a
// .pdf extension.
func ValidateDocument(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("ValidateDocument: document not found: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("ValidateDocument: %s is a directory", path)
	}
	if !strings.EqualFold(filepath.Ext(path), ".pdf") {
		return fmt.Errorf("ValidateDocument: %s: %w", path, ErrNotPDF)
	}
	return nil
}

// PageCount returns the number of pages in the PDF at path.
func PageCount(path string) (int, error) {
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("PageCount: %w", err)
	}
	return n, nil
}

// PageCountReader returns the number of pages of an in-memory PDF.
func PageCountReader(rs io.ReadSeeker) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	n, err := api.PageCount(rs, conf)
	if err != nil {
		return 0, fmt.Errorf("PageCountReader: %w", err)
	}
	return n, nil
}

// CostEstimate is the approximate credit usage of one document.
type CostEstimate struct {
	Pages           int     `json:"pages"`
	ParseCredits    int     `json:"parse_credits"`
	MarkdownChars   int     `json:"markdown_chars"`
	MarkdownCost    float64 `json:"markdown_cost"`
	ExtractionChars int     `json:"extraction_chars"`
	ExtractionCost  float64 `json:"extraction_cost"`
	TotalCost       float64 `json:"total_cost"`
}

// EstimateCost applies the ADE rates. TotalCost covers the markdown and
// extraction parts; parse credits are reported separately.
func EstimateCost(pages, markdownChars, extractionChars int) CostEstimate {
	md := round1(float64(markdownChars) / MarkdownCharsPerUnit)
	ex := round1(float64(extractionChars) / ExtractCharsPerUnit)
	return CostEstimate{
		Pages:           pages,
		ParseCredits:    ParseCreditsPerPage * pages,
		MarkdownChars:   markdownChars,
		MarkdownCost:    md,
		ExtractionChars: extractionChars,
		ExtractionCost:  ex,
		TotalCost:       round1(md + ex),
	}
}

// ExtractionChars is the length of the extraction serialized as JSON.
func ExtractionChars(extraction map[string]any) int {
	if extraction == nil {
		return 0
	}
	b, err := json.Marshal(extraction)
	if err != nil {
		return 0
	}
	return len([]rune(string(b)))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
