package config

import (
	"github.com/xhad/ragpipe/pkg/dedup"
	"github.com/xhad/ragpipe/pkg/llm"
	"github.com/xhad/ragpipe/pkg/loader"
	"github.com/xhad/ragpipe/pkg/logger"
	"github.com/xhad/ragpipe/pkg/rerank"
	"github.com/xhad/ragpipe/pkg/splitter"
	"github.com/xhad/ragpipe/pkg/store"
	"github.com/xhad/ragpipe/pkg/tokenizer"
)

func (c *Config) LoggerConfig() logger.LoggerConfig {
	return logger.LoggerConfig{Level: c.Logging.Level, Format: c.Logging.Format}
}

// Tokenizer builds the configured tokenizer, falling back to whitespace when
// the segmenter dictionary is unavailable.
func (c *Config) Tokenizer(log logger.Logger) (tokenizer.Tokenizer, error) {
	kind, err := tokenizer.ParseKind(c.Chunking.Tokenizer)
	if err != nil {
		return nil, err
	}
	return tokenizer.New(kind, log), nil
}

func (c *Config) SplitterConfig(tok tokenizer.Tokenizer, log logger.Logger) (splitter.SplitterConfig, error) {
	strategy, err := splitter.ParseStrategy(c.Chunking.Strategy)
	if err != nil {
		return splitter.SplitterConfig{}, err
	}
	return splitter.SplitterConfig{
		Strategy:     strategy,
		ChunkSize:    c.Chunking.ChunkSize,
		ChunkOverlap: c.Chunking.ChunkOverlap,
		Tokenizer:    tok,
		Logger:       log,
	}, nil
}

func (c *Config) DedupConfig(tok tokenizer.Tokenizer, log logger.Logger) (dedup.DedupConfig, error) {
	strategy, err := dedup.ParseStrategy(c.Dedup.Strategy)
	if err != nil {
		return dedup.DedupConfig{}, err
	}
	return dedup.DedupConfig{
		Strategy:           strategy,
		MD5Threshold:       c.Dedup.MD5Threshold,
		SimhashThreshold:   c.Dedup.SimhashThreshold,
		EmbeddingThreshold: c.Dedup.EmbeddingThreshold,
		Capacity:           c.Dedup.Capacity,
		Tokenizer:          tok,
		Logger:             log,
	}, nil
}

func (c *Config) RerankerConfig(tok tokenizer.Tokenizer, log logger.Logger) (rerank.RerankerConfig, error) {
	mode, err := rerank.ParseMode(c.Reranker.Mode)
	if err != nil {
		return rerank.RerankerConfig{}, err
	}
	return rerank.RerankerConfig{
		Mode:      mode,
		Weights:   c.Reranker.Weights,
		Tokenizer: tok,
		Logger:    log,
	}, nil
}

func (c *Config) EmbedderConfig(log logger.Logger) llm.EmbedderConfig {
	return llm.EmbedderConfig{
		Model:       c.Embedding.Model,
		BaseURL:     c.Embedding.BaseURL,
		BatchSize:   c.Embedding.BatchSize,
		MaxAttempts: c.Embedding.MaxRetries,
		Backoff:     c.Embedding.Backoff,
		Timeout:     c.Embedding.Timeout,
		CacheSize:   c.Embedding.CacheSize,
		Logger:      log,
	}
}

func (c *Config) ChatConfig() llm.ChatConfig {
	return llm.ChatConfig{
		Model:       c.LLM.Model,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
		BaseURL:     c.LLM.BaseURL,
	}
}

func (c *Config) NormalizerConfig() llm.NormalizerConfig {
	return llm.NormalizerConfig{Categories: c.LLM.Categories, MaxTokens: c.LLM.MaxTokens}
}

func (c *Config) StoreConfig() store.PGVectorConfig {
	return store.PGVectorConfig{
		ConnString: c.Database.URL,
		TableName:  c.Database.TableName,
		VectorDim:  c.Database.VectorDim,
		Lists:      c.Database.Lists,
	}
}

func (c *Config) WebLoaderConfig(log logger.Logger) loader.WebLoaderConfig {
	return loader.WebLoaderConfig{
		MaxDepth:          c.Scraper.MaxDepth,
		MaxPages:          c.Scraper.MaxPages,
		RateLimit:         c.Scraper.RateLimit,
		IgnorePatterns:    c.Scraper.IgnorePatterns,
		AllowedExtensions: c.Scraper.AllowedExtensions,
		Logger:            log,
	}
}
