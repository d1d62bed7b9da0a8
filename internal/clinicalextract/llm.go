package clinicalextract

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const systemPrompt = "You are a medical research data extraction specialist. " +
	"You extract numeric clinical outcomes for chronic myelomonocytic leukemia (CMML) " +
	"from literature records. Respond with strict JSON only."

// LLMCaller is the one-method boundary to the text-understanding service.
type LLMCaller interface {
	GenerateJSON(ctx context.Context, prompt string) (string, error)
}

type AnthropicCaller struct {
	messages AnthropicMessager
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string) AnthropicMessager

func defaultAnthropicCreator(apiKey string) AnthropicMessager {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCallerFromEnv() (*AnthropicCaller, error) {
	apiKey := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey)}, nil
}

func (a *AnthropicCaller) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	resp, err := a.messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.ModelClaudeSonnet4_20250514,
		MaxTokens:   2048,
		System:      []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
		Temperature: anthropic.Float(0),
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// subgroupPayload mirrors MetricSet in the service's response schema.
type subgroupPayload struct {
	CompleteResponse        *float64 `json:"complete_response"`
	PartialResponse         *float64 `json:"partial_response"`
	MarrowResponse          *float64 `json:"marrow_response"`
	OverallResponseRate     *float64 `json:"overall_response_rate"`
	ProgressionFreeSurvival *float64 `json:"progression_free_survival_months"`
	OverallSurvival         *float64 `json:"overall_survival_months"`
	EventFreeSurvival       *float64 `json:"event_free_survival_months"`
	SeriousAdverseEvents    *float64 `json:"serious_adverse_event_rate"`
	SampleSize              *int     `json:"sample_size"`
}

// Payload is the strictly validated intermediate form of one generative
// extraction response. Unknown keys are discarded at decode time; the
// coordinator converts it field by field into a ClinicalRecord, nulling
// anything that fails range validation.
type Payload struct {
	HasEvidence      bool             `json:"has_evidence"`
	Overall          subgroupPayload  `json:"overall"`
	RASMutant        *subgroupPayload `json:"ras_mutant"`
	NonRASMutant     *subgroupPayload `json:"non_ras_mutant"`
	SampleSize       *int             `json:"sample_size"`
	SupportingQuotes []string         `json:"supporting_quotes"`
	Confidence       *float64         `json:"extraction_confidence"`
}

func (p *subgroupPayload) metricSet() MetricSet {
	return MetricSet{
		CompleteResponse:        p.CompleteResponse,
		PartialResponse:         p.PartialResponse,
		MarrowResponse:          p.MarrowResponse,
		OverallResponseRate:     p.OverallResponseRate,
		ProgressionFreeSurvival: p.ProgressionFreeSurvival,
		OverallSurvival:         p.OverallSurvival,
		EventFreeSurvival:       p.EventFreeSurvival,
		SeriousAdverseEvents:    p.SeriousAdverseEvents,
	}
}

// GenerativeExtractor runs one service call per document and parses the
// response tolerantly: surrounding code fences and commentary are stripped
// before the first top-level JSON object is decoded.
type GenerativeExtractor struct {
	caller   LLMCaller
	maxChars int
}

func NewGenerativeExtractor(caller LLMCaller) *GenerativeExtractor {
	return &GenerativeExtractor{caller: caller, maxChars: MaxDocumentChars}
}

func (g *GenerativeExtractor) Extract(ctx context.Context, doc Document, drug string) (Payload, error) {
	raw, err := g.caller.GenerateJSON(ctx, buildExtractionPrompt(doc, drug, g.maxChars))
	if err != nil {
		return Payload{}, &ServiceError{Op: "extract " + doc.Identifier, Err: err}
	}
	return parsePayload(raw)
}

func parsePayload(raw string) (Payload, error) {
	clean := stripCodeFences(raw)
	obj, ok := firstJSONObject(clean)
	if !ok {
		return Payload{}, &MalformedResponseError{Reason: "no JSON object found", Raw: raw}
	}
	var p Payload
	if err := json.Unmarshal([]byte(obj), &p); err != nil {
		return Payload{}, &MalformedResponseError{Reason: err.Error(), Raw: raw}
	}
	return p, nil
}

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

// firstJSONObject returns the first balanced top-level {...} in s. The
// service sometimes prepends or appends commentary around the object, so a
// plain Unmarshal of the whole response is not enough.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func buildExtractionPrompt(doc Document, drug string, maxChars int) string {
	text := doc.Text()
	if len(text) > maxChars {
		text = text[:maxChars]
	}

	var b strings.Builder
	b.WriteString("Extract CMML-specific clinical outcomes for the drug \"")
	b.WriteString(drug)
	b.WriteString("\" from this literature record.\n\n")
	b.WriteString("Record ID: " + doc.Identifier + "\n")
	if doc.Citation != "" {
		b.WriteString("Citation: " + doc.Citation + "\n")
	}
	b.WriteString("\n" + text + "\n\n")
	b.WriteString(`Respond with JSON in exactly this shape:
{
  "has_evidence": true_or_false,
  "overall": {
    "complete_response": number_or_null,
    "partial_response": number_or_null,
    "marrow_response": number_or_null,
    "overall_response_rate": number_or_null,
    "progression_free_survival_months": number_or_null,
    "overall_survival_months": number_or_null,
    "event_free_survival_months": number_or_null,
    "serious_adverse_event_rate": number_or_null
  },
  "ras_mutant": same_shape_as_overall_plus_sample_size_or_null,
  "non_ras_mutant": same_shape_as_overall_plus_sample_size_or_null,
  "sample_size": number_or_null,
  "supporting_quotes": ["direct quotes backing each extracted number"],
  "extraction_confidence": number_0_to_100
}

Rules:
- Only extract values explicitly stated in the text. Never infer or estimate.
- Percentages as plain numbers (25.5 for 25.5%); survival times in months.
- Extract only data reported specifically for CMML patients treated with ` + drug + `.
  If the text does not discuss both, set has_evidence to false and every value to null.
- Report RAS-mutant and non-RAS-mutant outcomes only when the text stratifies by
  RAS mutation status; otherwise set those objects to null.
- When unsure, prefer null over a guess.`)
	return b.String()
}
