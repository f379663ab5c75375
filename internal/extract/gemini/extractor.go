// Package gemini extracts invoice fields from parsed markdown with a Gemini
// model. It is an alternative to the ADE extract endpoint and returns the
// same response shape.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/dvloznov/invoice-warehouse/internal/ade"
	"github.com/dvloznov/invoice-warehouse/internal/logger"
	"github.com/dvloznov/invoice-warehouse/internal/schema"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Extractor implements ade.Extractor on top of Gemini.
type Extractor struct {
	models contentGenerator
	model  string
}

// NewExtractor creates a Gemini client. An empty apiKey lets the SDK fall
// back to GEMINI_API_KEY / GOOGLE_API_KEY.
func NewExtractor(ctx context.Context, apiKey, model string) (*Extractor, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("NewExtractor: create genai client: %w", err)
	}
	return newExtractor(client.Models, model), nil
}

func newExtractor(models contentGenerator, model string) *Extractor {
	if model == "" {
		model = DefaultModel
	}
	return &Extractor{models: models, model: model}
}

// Extract asks the model to fill schema from markdown.
func (e *Extractor) Extract(ctx context.Context, schemaJSON []byte, markdown string) (*ade.ExtractResponse, error) {
	log := logger.FromContext(ctx)

	if !json.Valid(schemaJSON) {
		return nil, fmt.Errorf("Extract: schema is not valid JSON")
	}

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: buildPrompt(schemaJSON, markdown)}},
		},
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	}

	resp, err := e.models.GenerateContent(ctx, e.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("Extract: generate content: %w", err)
	}

	rawText := resp.Text()
	if rawText == "" {
		return nil, fmt.Errorf("Extract: empty response from model")
	}

	var extraction map[string]any
	if err := json.Unmarshal([]byte(cleanModelJSON(rawText)), &extraction); err != nil {
		return nil, fmt.Errorf("Extract: unmarshal JSON: %w\nraw response: %s", err, rawText)
	}

	if err := schema.Validate(schemaJSON, extraction); err != nil {
		log.Warn().Err(err).Str("model", e.model).Msg("Model output does not match schema")
	}

	meta := map[string]any{"model": e.model}
	if u := resp.UsageMetadata; u != nil {
		meta["prompt_tokens"] = u.PromptTokenCount
		meta["output_tokens"] = u.CandidatesTokenCount
		meta["total_tokens"] = u.TotalTokenCount
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("Extract: marshal metadata: %w", err)
	}

	out := &ade.ExtractResponse{Extraction: extraction, Metadata: metaJSON}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("Extract: marshal response: %w", err)
	}
	out.Raw = raw
	return out, nil
}

func buildPrompt(schemaJSON []byte, markdown string) string {
	var b strings.Builder
	b.WriteString("You extract structured data from invoices.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Read the invoice below, given as markdown.\n")
	b.WriteString("- Return ONE JSON object that conforms to this JSON schema:\n\n")
	b.Write(schemaJSON)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Use null for any field that is not present in the document.\n")
	b.WriteString("- Dates as \"YYYY-MM-DD\" unless the field name ends in _raw.\n")
	b.WriteString("- Amounts as plain numbers without currency symbols or thousands separators.\n")
	b.WriteString("- Keep line items in document order.\n")
	b.WriteString("Return ONLY valid raw JSON. Do NOT wrap the response in code fences.\n\n")
	b.WriteString("Invoice:\n")
	b.WriteString(markdown)
	return b.String()
}

// cleanModelJSON strips code fences and surrounding text from a model reply,
// keeping the outermost JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

var _ ade.Extractor = (*Extractor)(nil)
