package llm

import (
	"context"
	"fmt"
	"math"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
)

// EmbeddingClient is the raw model call. *ollama.LLM satisfies it.
type EmbeddingClient interface {
	CreateEmbedding(ctx context.Context, inputTexts []string) ([][]float32, error)
}

type EmbedderConfig struct {
	Model   string
	BaseURL string // Ollama server URL
	// BatchSize is the number of texts sent per model call.
	BatchSize int
	// MaxAttempts bounds the calls made for one batch, first try included.
	MaxAttempts int
	// Backoff is the first retry delay; it doubles on every further retry.
	Backoff time.Duration
	// Timeout applies to each attempt separately.
	Timeout time.Duration
	// CacheSize is the number of query vectors kept in memory. Zero or less
	// disables the cache.
	CacheSize int
	Logger    logger.Logger
}

// Embedder batches texts through an EmbeddingClient, retries failed batches
// with exponential backoff and returns L2 normalized vectors in input order.
type Embedder struct {
	config EmbedderConfig
	client EmbeddingClient
	cache  *lru.Cache[string, []float32]
	log    logger.Logger
}

func applyEmbedderDefaults(config EmbedderConfig) EmbedderConfig {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest" // Default Ollama model
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Backoff <= 0 {
		config.Backoff = time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	return config
}

// NewEmbedderWithConfig connects to Ollama with the configured model.
func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	config = applyEmbedderDefaults(config)

	client, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize embedding model: %w", types.ErrConfiguration, err)
	}
	return NewEmbedderWithClient(config, client)
}

// NewEmbedderWithClient wraps an existing client.
func NewEmbedderWithClient(config EmbedderConfig, client EmbeddingClient) (*Embedder, error) {
	config = applyEmbedderDefaults(config)
	if client == nil {
		return nil, fmt.Errorf("%w: embedding client is required", types.ErrConfiguration)
	}

	e := &Embedder{config: config, client: client, log: config.Logger}
	if config.CacheSize > 0 {
		cache, err := lru.New[string, []float32](config.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("%w: init embedding cache: %w", types.ErrConfiguration, err)
		}
		e.cache = cache
	}
	return e, nil
}

func (e *Embedder) Config() EmbedderConfig { return e.config }

// EmbedDocuments embeds texts in BatchSize batches. The i-th vector belongs to
// the i-th text. A batch that still fails after MaxAttempts fails the call.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := min(start+e.config.BatchSize, len(texts))

		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: embed batch [%d:%d]: %w", types.ErrExternalService, start, end, err)
		}
		for i, v := range vectors {
			out[start+i] = normalize(v)
		}

		e.log.Debug("embedded batch", "from", start, "to", end, "total", len(texts))
	}
	return out, nil
}

// EmbedQuery embeds a single query, served from the cache when possible.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.cache != nil {
		if v, ok := e.cache.Get(text); ok {
			return clone(v), nil
		}
	}

	vectors, err := e.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", types.ErrExternalService, err)
	}
	v := normalize(vectors[0])
	if e.cache != nil {
		e.cache.Add(text, clone(v))
	}
	return v, nil
}

func (e *Embedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	backoff := retry.WithMaxRetries(uint64(e.config.MaxAttempts-1), retry.NewExponential(e.config.Backoff))

	var vectors [][]float32
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()

		got, err := e.client.CreateEmbedding(callCtx, batch)
		if err == nil && len(got) != len(batch) {
			err = fmt.Errorf("model returned %d vectors for %d texts", len(got), len(batch))
		}
		if err != nil {
			e.log.Warn("embedding attempt failed", "attempt", attempt, "max_attempts", e.config.MaxAttempts, "error", err)
			return retry.RetryableError(err)
		}
		vectors = got
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// normalize scales v to unit length. A zero vector is returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
