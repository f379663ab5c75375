package ade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dvloznov/invoice-warehouse/internal/logger"
)

const (
	// DefaultBaseURL is the public ADE endpoint.
	DefaultBaseURL = "https://api.va.landing.ai"

	// DefaultParseModel is the layout model requested when none is configured.
	DefaultParseModel = "dpt-2-latest"

	parsePath   = "/v1/ade/parse"
	extractPath = "/v1/ade/extract"

	maxErrorBody = 2000
)

// Parser turns a document into markdown and chunks.
type Parser interface {
	Parse(ctx context.Context, req ParseRequest) (*ParseResponse, error)
}

// Extractor pulls schema-shaped fields out of parsed markdown.
type Extractor interface {
	Extract(ctx context.Context, schema []byte, markdown string) (*ExtractResponse, error)
}

// ParseRequest identifies the document to parse. Either Path or Reader must
// be set; Filename is required with Reader.
type ParseRequest struct {
	Path     string
	Reader   io.Reader
	Filename string
	Model    string
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ade %s: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Client talks to the ADE REST API.
type Client struct {
	apiKey     string
	baseURL    string
	parseModel string
	http       *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL points the client at another host (tests, regional endpoints).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithParseModel overrides the default parse model.
func WithParseModel(model string) ClientOption {
	return func(c *Client) {
		if model != "" {
			c.parseModel = model
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// NewClient creates an ADE client authenticated with apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		parseModel: DefaultParseModel,
		http:       &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Parse uploads a document to the parse endpoint.
func (c *Client) Parse(ctx context.Context, req ParseRequest) (*ParseResponse, error) {
	r, filename := req.Reader, req.Filename
	if r == nil {
		if req.Path == "" {
			return nil, fmt.Errorf("Parse: no document given")
		}
		f, err := os.Open(req.Path)
		if err != nil {
			return nil, fmt.Errorf("Parse: open document: %w", err)
		}
		defer f.Close()
		r = f
		if filename == "" {
			filename = filepath.Base(req.Path)
		}
	}

	model := req.Model
	if model == "" {
		model = c.parseModel
	}

	body, contentType, err := multipartBody(func(mw *multipart.Writer) error {
		if err := mw.WriteField("model", model); err != nil {
			return err
		}
		fw, err := mw.CreateFormFile("document", filename)
		if err != nil {
			return err
		}
		_, err = io.Copy(fw, r)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Parse: building request: %w", err)
	}

	raw, err := c.post(ctx, parsePath, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}

	resp, err := DecodeParseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("Parse: decoding response: %w", err)
	}
	return resp, nil
}

// Extract sends markdown and a JSON schema to the extract endpoint.
func (c *Client) Extract(ctx context.Context, schema []byte, markdown string) (*ExtractResponse, error) {
	if !json.Valid(schema) {
		return nil, fmt.Errorf("Extract: schema is not valid JSON")
	}

	body, contentType, err := multipartBody(func(mw *multipart.Writer) error {
		if err := mw.WriteField("schema", string(schema)); err != nil {
			return err
		}
		fw, err := mw.CreateFormFile("markdown", "document.md")
		if err != nil {
			return err
		}
		_, err = io.WriteString(fw, markdown)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("Extract: building request: %w", err)
	}

	raw, err := c.post(ctx, extractPath, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("Extract: %w", err)
	}

	resp, err := DecodeExtractResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("Extract: decoding response: %w", err)
	}
	return resp, nil
}

func multipartBody(fill func(*multipart.Writer) error) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if err := fill(mw); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, path string, body io.Reader, contentType string) ([]byte, error) {
	log := logger.FromContext(ctx)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	log.Debug().
		Str("endpoint", path).
		Int("status", resp.StatusCode).
		Int("bytes", len(raw)).
		Dur("elapsed", time.Since(start)).
		Msg("ADE response")

	if resp.StatusCode/100 != 2 {
		return nil, &APIError{Endpoint: path, StatusCode: resp.StatusCode, Body: truncateBody(raw, maxErrorBody)}
	}
	return raw, nil
}

// truncateBody cuts raw to at most n bytes without splitting a UTF-8
// sequence.
func truncateBody(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	for n > 0 && !utf8.RuneStart(raw[n]) {
		n--
	}
	return string(raw[:n])
}

var (
	_ Parser    = (*Client)(nil)
	_ Extractor = (*Client)(nil)
)
