package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/xhad/ragpipe/internal/models"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string // formatted with the context block and the question
	BaseURL         string // Ollama server URL
}

// ChatEngine answers questions over retrieved candidates.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

func applyChatDefaults(config ChatConfig) (ChatConfig, error) {
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}
	if config.Temperature <= 0 || config.Temperature > 1 {
		return config, fmt.Errorf("temperature must be between 0 and 1")
	}
	if config.MaxTokens < 0 {
		return config, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant with access to the following documents. Answer questions based on this context and say so when the context does not contain the answer."
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = "Relevant documents:\n%s\nQuestion: %s"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	return config, nil
}

// NewWithConfig creates a new ChatEngine backed by Ollama.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	config, err := applyChatDefaults(config)
	if err != nil {
		return nil, err
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{config: config, llm: llm}, nil
}

// NewWithModel creates a ChatEngine around an existing model.
func NewWithModel(config ChatConfig, model llms.Model) (*ChatEngine, error) {
	config, err := applyChatDefaults(config)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("model is required")
	}
	return &ChatEngine{config: config, llm: model}, nil
}

// Model exposes the underlying model so a Normalizer can share it.
func (ce *ChatEngine) Model() llms.Model { return ce.llm }

// Chat generates a response based on the query and the retrieved candidates.
func (ce *ChatEngine) Chat(ctx context.Context, query string, candidates []models.Candidate) (*llms.ContentResponse, error) {
	response, err := ce.llm.GenerateContent(ctx, ce.messages(query, candidates),
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens))
	if err != nil {
		return nil, fmt.Errorf("chat error: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("chat error: no response from LLM")
	}
	return response, nil
}

// ChatStream streams the response as the model produces it. The channel is
// closed when generation ends; a failure is sent as a final "Error: " line.
func (ce *ChatEngine) ChatStream(ctx context.Context, query string, candidates []models.Candidate) (<-chan string, error) {
	content := ce.messages(query, candidates)
	resultChan := make(chan string)

	go func() {
		defer close(resultChan)

		send := func(s string) bool {
			select {
			case resultChan <- s:
				return true
			case <-ctx.Done():
				return false
			}
		}

		_, err := ce.llm.GenerateContent(ctx, content,
			llms.WithTemperature(ce.config.Temperature),
			llms.WithMaxTokens(ce.config.MaxTokens),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				if !send(string(chunk)) {
					return ctx.Err()
				}
				return nil
			}))
		if err != nil && ctx.Err() == nil {
			send(fmt.Sprintf("Error: %v", err))
		}
	}()

	return resultChan, nil
}

func (ce *ChatEngine) messages(query string, candidates []models.Candidate) []llms.MessageContent {
	var contextBuilder strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&contextBuilder, "Source: %s\n%s\n\n", c.Source, c.Content)
	}

	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(ce.config.ContextTemplate, contextBuilder.String(), query)),
	}
}

// FormatSources lists the distinct candidate sources for citation.
func FormatSources(candidates []models.Candidate) string {
	var sources []string
	seen := make(map[string]bool)

	for _, c := range candidates {
		if c.Source != "" && !seen[c.Source] {
			sources = append(sources, c.Source)
			seen[c.Source] = true
		}
	}

	if len(sources) == 0 {
		return ""
	}

	return fmt.Sprintf("\nSources:\n%s", strings.Join(sources, "\n"))
}
