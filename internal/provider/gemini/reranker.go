package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	_ "embed"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/emirks/applications-of-llms-in-recruitment/internal/provider"
	"github.com/emirks/applications-of-llms-in-recruitment/internal/utils"
)

//go:embed prompt.md
var promptTemplate string

// Reranker implements provider.Reranker by asking a Gemini model to grade
// statements. Grades are on a -10..10 scale, which the retrieval engine
// normalizes like any cross-encoder logit.
type Reranker struct {
	client *Client
}

var _ provider.Reranker = (*Reranker)(nil)

func (r *Reranker) Model() string { return r.client.cfg.RerankModel }

func (r *Reranker) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, provider.Permanent(name, "rerank", provider.ErrEmptyInput)
	}

	statements, err := json.MarshalIndent(texts, "", "  ")
	if err != nil {
		return nil, provider.Permanent(name, "rerank", fmt.Errorf("marshal statements: %w", err))
	}

	prompt := buildPrompt(query, string(statements))
	logger := r.client.logger

	logger.Debug("gemini generate content request",
		zap.Int("statements", len(texts)),
		zap.Int("prompt_length", utf8.RuneCountInString(prompt)),
		zap.String("prompt_preview", utils.TruncateForLog(prompt, r.client.cfg.MaxLogLength)),
	)

	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	resp, err := r.client.models.GenerateContent(ctx, r.Model(), genai.Text(prompt), cfg)
	if err != nil {
		return nil, classify("rerank", err)
	}

	raw := responseText(resp)
	if raw == "" {
		return nil, provider.Transient(name, "rerank", fmt.Errorf("gemini api returned empty response"))
	}

	logger.Debug("gemini generate content response",
		zap.Int("response_length", utf8.RuneCountInString(raw)),
		zap.String("response_preview", utils.TruncateForLog(raw, r.client.cfg.MaxLogLength)),
	)

	scores, err := parseScores(raw, len(texts))
	if err != nil {
		// Malformed model output is treated as retryable.
		return nil, provider.Transient(name, "rerank", err)
	}

	return scores, nil
}

func buildPrompt(requirement, statementsJSON string) string {
	template := promptTemplate
	if strings.TrimSpace(template) == "" {
		template = "Requirement:\n{{REQUIREMENT}}\n\nStatements:\n{{STATEMENTS_JSON}}\n\nJSON Response:"
	}
	prompt := strings.ReplaceAll(template, "{{REQUIREMENT}}", strings.TrimSpace(requirement))
	prompt = strings.ReplaceAll(prompt, "{{STATEMENTS_JSON}}", statementsJSON)
	return prompt
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}

	var builder strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			text := strings.TrimSpace(part.Text)
			if text == "" {
				continue
			}
			if builder.Len() > 0 {
				builder.WriteString("\n")
			}
			builder.WriteString(text)
		}
	}

	return strings.TrimSpace(builder.String())
}

// parseScores accepts {"scores": [{"index": i, "score": s}]}, a bare list of
// such objects or a bare list of numbers in input order.
func parseScores(raw string, n int) ([]float64, error) {
	cleaned := extractJSON(raw)

	var data any
	if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}

	if obj, ok := data.(map[string]any); ok {
		data = obj["scores"]
	}

	items, ok := data.([]any)
	if !ok {
		return nil, fmt.Errorf("parse gemini response: expected a list of scores")
	}

	scores := make([]float64, n)
	seen := make([]bool, n)
	for pos, item := range items {
		idx := pos
		var score float64

		switch val := item.(type) {
		case map[string]any:
			if rawIdx, ok := val["index"]; ok {
				f := coerceFloat(rawIdx)
				if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
					return nil, fmt.Errorf("parse gemini response: invalid index %v", rawIdx)
				}
				idx = int(f)
			}
			score = coerceFloat(val["score"])
		default:
			score = coerceFloat(val)
		}

		if idx < 0 || idx >= n {
			return nil, fmt.Errorf("parse gemini response: index %d out of range", idx)
		}
		if math.IsNaN(score) {
			return nil, fmt.Errorf("parse gemini response: score for index %d is not a number", idx)
		}
		scores[idx] = score
		seen[idx] = true
	}

	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("parse gemini response: missing score for index %d", i)
		}
	}

	return scores, nil
}

func extractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSpace(raw)
		if idx := strings.LastIndex(raw, "```"); idx != -1 {
			raw = raw[:idx]
		}
	}
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}

func coerceFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return math.NaN()
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}
