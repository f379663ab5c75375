package pdfinfo

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalPDF builds a valid PDF with n empty pages and a correct xref table.
func minimalPDF(n int) []byte {
	var buf bytes.Buffer
	offsets := []int{}
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")

	kids := ""
	for i := 0; i < n; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	obj(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, n))
	for i := 0; i < n; i++ {
		obj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}

func TestValidateDocument(t *testing.T) {
	dir := t.TempDir()
	pdf := filepath.Join(dir, "invoice.PDF")
	txt := filepath.Join(dir, "invoice.txt")
	require.NoError(t, os.WriteFile(pdf, minimalPDF(1), 0o644))
	require.NoError(t, os.WriteFile(txt, []byte("hi"), 0o644))

	assert.NoError(t, ValidateDocument(pdf))
	assert.ErrorIs(t, ValidateDocument(txt), ErrNotPDF)
	assert.Error(t, ValidateDocument(filepath.Join(dir, "missing.pdf")))
	assert.Error(t, ValidateDocument(dir))
}

func TestPageCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "three.pdf")
	require.NoError(t, os.WriteFile(path, minimalPDF(3), 0o644))

	n, err := PageCount(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = PageCountReader(bytes.NewReader(minimalPDF(2)))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPageCount_NotAPDF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake.pdf")
	require.NoError(t, os.WriteFile(path, []byte("not a pdf"), 0o644))

	_, err := PageCount(path)
	assert.Error(t, err)
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		name    string
		pages   int
		mdChars int
		exChars int
		want    CostEstimate
	}{
		{
			name: "empty",
			want: CostEstimate{},
		},
		{
			name:  "typical invoice",
			pages: 2, mdChars: 12000, exChars: 1860,
			want: CostEstimate{
				Pages: 2, ParseCredits: 6,
				MarkdownChars: 12000, MarkdownCost: 2.4,
				ExtractionChars: 1860, ExtractionCost: 1.9,
				TotalCost: 4.3,
			},
		},
		{
			name:  "rounds to one decimal",
			pages: 1, mdChars: 2600, exChars: 440,
			want: CostEstimate{
				Pages: 1, ParseCredits: 3,
				MarkdownChars: 2600, MarkdownCost: 0.5,
				ExtractionChars: 440, ExtractionCost: 0.4,
				TotalCost: 0.9,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateCost(tt.pages, tt.mdChars, tt.exChars)
			assert.Equal(t, tt.want.Pages, got.Pages)
			assert.Equal(t, tt.want.ParseCredits, got.ParseCredits)
			assert.InDelta(t, tt.want.MarkdownCost, got.MarkdownCost, 1e-9)
			assert.InDelta(t, tt.want.ExtractionCost, got.ExtractionCost, 1e-9)
			assert.InDelta(t, tt.want.TotalCost, got.TotalCost, 1e-9)
		})
	}
}

func TestExtractionChars(t *testing.T) {
	assert.Equal(t, 0, ExtractionChars(nil))
	assert.Equal(t, len(`{"a":"é"}`)-1, ExtractionChars(map[string]any{"a": "é"}))
}
