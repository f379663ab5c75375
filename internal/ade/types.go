package ade

import "encoding/json"

// Chunk types reported by the parse endpoint.
const (
	ChunkTypeText       = "text"
	ChunkTypeTable      = "table"
	ChunkTypeFigure     = "figure"
	ChunkTypeMarginalia = "marginalia"
)

// ParseResponse is the body returned by POST /v1/ade/parse.
type ParseResponse struct {
	Markdown string          `json:"markdown"`
	Chunks   []Chunk         `json:"chunks"`
	Metadata ParseMetadata   `json:"metadata"`
	Splits   json.RawMessage `json:"splits,omitempty"`

	// Raw is the undecoded response body, kept for dumping.
	Raw json.RawMessage `json:"-"`
}

// ParseMetadata describes the parse job. Filename and Version are pointers
// so an absent key can be told apart from an empty one.
type ParseMetadata struct {
	Filename    *string  `json:"filename,omitempty"`
	Version     *string  `json:"version,omitempty"`
	PageCount   *int     `json:"page_count,omitempty"`
	DurationMS  *int64   `json:"duration_ms,omitempty"`
	CreditUsage *float64 `json:"credit_usage,omitempty"`
	JobID       *string  `json:"job_id,omitempty"`
}

// Chunk is one positioned fragment of the parsed document. ID and Type are
// nil when the service omits them; an empty string is kept as sent.
type Chunk struct {
	ID        *string    `json:"id"`
	Type      *string    `json:"type"`
	Markdown  string     `json:"markdown"`
	Grounding *Grounding `json:"grounding,omitempty"`
}

// Grounding locates a chunk on a page.
type Grounding struct {
	Page *int `json:"page,omitempty"`
	Box  *Box `json:"box,omitempty"`
}

// Box is a bounding rectangle in page-relative coordinates. Every side is
// optional on the wire.
type Box struct {
	Left   *float64 `json:"left,omitempty"`
	Top    *float64 `json:"top,omitempty"`
	Right  *float64 `json:"right,omitempty"`
	Bottom *float64 `json:"bottom,omitempty"`
}

// ExtractResponse is the body returned by POST /v1/ade/extract.
//
// Extraction is kept as a generic map: its shape is dictated by the schema
// sent with the request, not by this package.
type ExtractResponse struct {
	Extraction         map[string]any  `json:"extraction"`
	ExtractionMetadata json.RawMessage `json:"extraction_metadata,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// DecodeParseResponse decodes a parse response body and keeps the raw bytes.
func DecodeParseResponse(data []byte) (*ParseResponse, error) {
	var resp ParseResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	resp.Raw = append(json.RawMessage(nil), data...)
	return &resp, nil
}

// DecodeExtractResponse decodes an extract response body and keeps the raw bytes.
func DecodeExtractResponse(data []byte) (*ExtractResponse, error) {
	var resp ExtractResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	resp.Raw = append(json.RawMessage(nil), data...)
	return &resp, nil
}

// String returns s or the empty string when s is nil.
func String(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
