package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
)

const normalizeSystemPrompt = `You rewrite raw document excerpts into clean, self-contained knowledge notes.
Keep every fact, drop navigation text, boilerplate and formatting noise.
Reply with a JSON object only: {"content": "<rewritten text>", "type": "<category>"}.`

type NormalizerConfig struct {
	// Categories restricts the "type" the model may assign. The chosen
	// category becomes the chunk domain. Empty keeps the original domain.
	Categories []string
	MaxTokens  int
}

// Normalizer rewrites chunk text with an LLM before deduplication.
type Normalizer struct {
	config NormalizerConfig
	llm    llms.Model
}

func NewNormalizer(config NormalizerConfig, model llms.Model) (*Normalizer, error) {
	if model == nil {
		return nil, fmt.Errorf("%w: normalizer model is required", types.ErrConfiguration)
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2048
	}
	return &Normalizer{config: config, llm: model}, nil
}

type normalized struct {
	Content string `json:"content"`
	Type    string `json:"type"`
}

// Normalize returns a copy of chunk with rewritten text. Metadata is copied
// unchanged.
func (n *Normalizer) Normalize(ctx context.Context, chunk models.Chunk) (models.Chunk, error) {
	prompt := fmt.Sprintf("Source: %s\n", chunk.Source)
	if len(n.config.Categories) > 0 {
		prompt += fmt.Sprintf("Allowed types: %s\n", strings.Join(n.config.Categories, ", "))
	}
	prompt += "\nExcerpt:\n" + chunk.Text

	resp, err := n.llm.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, normalizeSystemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	},
		llms.WithTemperature(0.1),
		llms.WithMaxTokens(n.config.MaxTokens),
		llms.WithJSONMode())
	if err != nil {
		return chunk, fmt.Errorf("%w: normalize chunk: %w", types.ErrExternalService, err)
	}
	if len(resp.Choices) == 0 {
		return chunk, fmt.Errorf("%w: normalize chunk: empty response", types.ErrExternalService)
	}

	var out normalized
	raw := strings.TrimSpace(resp.Choices[0].Content)
	raw = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(raw, "```json"), "```"), "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &out); err != nil {
		return chunk, fmt.Errorf("%w: normalize chunk: parse response: %w", types.ErrExternalService, err)
	}
	if strings.TrimSpace(out.Content) == "" {
		return chunk, fmt.Errorf("%w: normalize chunk: response has no content", types.ErrExternalService)
	}

	result := chunk.Derive(strings.TrimSpace(out.Content))
	if len(n.config.Categories) > 0 {
		if !slices.Contains(n.config.Categories, out.Type) {
			return chunk, fmt.Errorf("%w: normalize chunk: invalid type %q", types.ErrExternalService, out.Type)
		}
		result.Domain = out.Type
	}
	return result, nil
}
