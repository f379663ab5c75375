package ade

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const parseBody = `{
  "markdown": "# Invoice INV-001",
  "chunks": [
    {"id": "c1", "type": "text", "markdown": "Invoice INV-001",
     "grounding": {"page": 0, "box": {"left": 0.1, "top": 0.2, "right": 0.9, "bottom": 0.3}}},
    {"id": "c2", "type": "table", "markdown": "| a |"}
  ],
  "metadata": {"filename": "inv.pdf", "version": "dpt-2-20250919", "page_count": 1},
  "splits": []
}`

func TestClientParse(t *testing.T) {
	dir := t.TempDir()
	pdfPath := filepath.Join(dir, "inv.pdf")
	require.NoError(t, os.WriteFile(pdfPath, []byte("%PDF-1.4 fake"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ade/parse", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "dpt-2-latest", r.FormValue("model"))

		f, hdr, err := r.FormFile("document")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "inv.pdf", hdr.Filename)
		data, _ := io.ReadAll(f)
		assert.Equal(t, "%PDF-1.4 fake", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, parseBody)
	}))
	defer srv.Close()

	c := NewClient("secret", WithBaseURL(srv.URL))
	resp, err := c.Parse(context.Background(), ParseRequest{Path: pdfPath})
	require.NoError(t, err)

	assert.Equal(t, "# Invoice INV-001", resp.Markdown)
	require.Len(t, resp.Chunks, 2)
	assert.Equal(t, "inv.pdf", String(resp.Metadata.Filename))
	assert.Equal(t, "dpt-2-20250919", String(resp.Metadata.Version))

	g := resp.Chunks[0].Grounding
	require.NotNil(t, g)
	require.NotNil(t, g.Page)
	assert.Equal(t, 0, *g.Page)
	require.NotNil(t, g.Box)
	assert.InDelta(t, 0.1, *g.Box.Left, 1e-9)
	assert.Nil(t, resp.Chunks[1].Grounding)

	assert.JSONEq(t, parseBody, string(resp.Raw))
}

func TestClientExtract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/ade/extract", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.JSONEq(t, `{"type":"object"}`, r.FormValue("schema"))

		f, _, err := r.FormFile("markdown")
		require.NoError(t, err)
		defer f.Close()
		md, _ := io.ReadAll(f)
		assert.Equal(t, "# Invoice", string(md))

		_, _ = io.WriteString(w, `{
			"extraction": {"invoice_info": {"invoice_number": "INV-001"}, "line_items": [{"sku": "A1"}]},
			"extraction_metadata": {"invoice_info": {"invoice_number": {"references": ["c1"]}}},
			"metadata": {"duration_ms": 900}
		}`)
	}))
	defer srv.Close()

	c := NewClient("secret", WithBaseURL(srv.URL+"/"))
	resp, err := c.Extract(context.Background(), []byte(`{"type":"object"}`), "# Invoice")
	require.NoError(t, err)

	info, ok := resp.Extraction["invoice_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "INV-001", info["invoice_number"])
	assert.NotEmpty(t, resp.ExtractionMetadata)
	assert.NotEmpty(t, resp.Raw)
}

func TestClientAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"message":"invalid api key"}`)
	}))
	defer srv.Close()

	c := NewClient("bad", WithBaseURL(srv.URL))
	_, err := c.Parse(context.Background(), ParseRequest{Reader: strings.NewReader("x"), Filename: "a.pdf"})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "invalid api key")
}

func TestClientAPIErrorBodyIsTruncatedOnRuneBoundary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, strings.Repeat("é", 1500))
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.Extract(context.Background(), []byte(`{"type":"object"}`), "md")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, utf8.ValidString(apiErr.Body))
	assert.Len(t, apiErr.Body, maxErrorBody)
}

func TestTruncateBody(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 10, "abc"},
		{"ascii", "abcdef", 3, "abc"},
		{"backs off multibyte", "a€b", 2, "a"},
		{"exact boundary", "a€b", 4, "a€"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncateBody([]byte(tt.in), tt.n))
		})
	}
}

func TestClientExtractRejectsInvalidSchema(t *testing.T) {
	c := NewClient("k")
	_, err := c.Extract(context.Background(), []byte("{not json"), "md")
	assert.Error(t, err)
}

func TestClientParseRequiresDocument(t *testing.T) {
	c := NewClient("k")
	_, err := c.Parse(context.Background(), ParseRequest{})
	assert.Error(t, err)
}
