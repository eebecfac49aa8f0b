package config

import (
	"fmt"
	"math"
	"net/url"
	"strings"

	"github.com/xhad/ragpipe/pkg/dedup"
	"github.com/xhad/ragpipe/pkg/rerank"
	"github.com/xhad/ragpipe/pkg/splitter"
	"github.com/xhad/ragpipe/pkg/tokenizer"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	add := func(field, msg string) {
		errors = append(errors, ValidationError{Field: field, Message: msg})
	}

	// LLM
	if c.LLM.BaseURL == "" {
		add("llm.base_url", "Ollama base URL is required")
	} else if _, err := url.Parse(c.LLM.BaseURL); err != nil {
		add("llm.base_url", "invalid Ollama base URL")
	}
	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		add("llm.max_tokens", "max_tokens must be between 1 and 4096")
	}
	if c.LLM.Temperature <= 0 || c.LLM.Temperature > 1 {
		add("llm.temperature", "temperature must be in (0, 1]")
	}

	// Embedding
	if _, err := url.Parse(c.Embedding.BaseURL); err != nil {
		add("embedding.base_url", "invalid embedding base URL")
	}
	if c.Embedding.BatchSize < 1 {
		add("embedding.batch_size", "batch_size must be positive")
	}
	if c.Embedding.MaxRetries < 1 {
		add("embedding.max_retries", "max_retries must be positive")
	}
	if c.Embedding.Backoff < 0 || c.Embedding.Timeout < 0 {
		add("embedding.timeout", "backoff and timeout must not be negative")
	}

	// Database
	if c.Database.URL != "" {
		if _, err := url.Parse(c.Database.URL); err != nil {
			add("database.url", "invalid database URL")
		}
	}
	if c.Database.VectorDim < 1 {
		add("database.vector_dim", "vector_dim must be positive")
	}
	if c.Database.Lists < 1 {
		add("database.lists", "lists must be positive")
	}

	// Chunking
	if _, err := splitter.ParseStrategy(c.Chunking.Strategy); err != nil {
		add("chunking.strategy", fmt.Sprintf("unknown strategy %q", c.Chunking.Strategy))
	}
	if c.Chunking.ChunkSize < 1 {
		add("chunking.chunk_size", "chunk_size must be positive")
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		add("chunking.chunk_overlap", "chunk_overlap must be non-negative and less than chunk_size")
	}
	if _, err := tokenizer.ParseKind(c.Chunking.Tokenizer); err != nil {
		add("chunking.tokenizer", fmt.Sprintf("unknown tokenizer %q", c.Chunking.Tokenizer))
	}

	// Dedup
	if _, err := dedup.ParseStrategy(c.Dedup.Strategy); err != nil {
		add("dedup.strategy", fmt.Sprintf("unknown strategy %q", c.Dedup.Strategy))
	}
	if t := c.Dedup.SimhashThreshold; t != nil && (*t < 0 || *t > 64) {
		add("dedup.simhash_threshold", "simhash_threshold must be between 0 and 64")
	}
	if t := c.Dedup.EmbeddingThreshold; t != nil && (*t < -1 || *t > 1) {
		add("dedup.embedding_threshold", "embedding_threshold must be between -1 and 1")
	}
	if c.Dedup.Capacity < 0 {
		add("dedup.capacity", "capacity must not be negative")
	}

	// Reranker
	mode, err := rerank.ParseMode(c.Reranker.Mode)
	if err != nil {
		add("reranker.mode", fmt.Sprintf("unknown mode %q", c.Reranker.Mode))
	} else if mode == rerank.Mixed {
		w := c.Reranker.Weights
		if w.ANN < 0 || w.Lexical < 0 || math.IsNaN(w.ANN) || math.IsNaN(w.Lexical) {
			add("reranker.weights", "weights must not be negative")
		} else if w.ANN == 0 && w.Lexical == 0 {
			add("reranker.weights", "at least one weight must be non-zero")
		}
	}

	// Retrieval
	if c.Retrieval.TopK < 1 {
		add("retrieval.top_k", "top_k must be positive")
	}
	if c.Retrieval.CandidateK < c.Retrieval.TopK {
		add("retrieval.candidate_k", "candidate_k must be at least top_k")
	}

	// Scraper
	if c.Scraper.MaxDepth < 1 {
		add("scraper.max_depth", "max_depth must be positive")
	}
	if c.Scraper.RateLimit <= 0 {
		add("scraper.rate_limit", "rate_limit must be positive")
	}
	for _, ext := range c.Scraper.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") && ext != "" && ext != "/" {
			add("scraper.allowed_extensions", fmt.Sprintf("invalid extension format: %s", ext))
		}
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", fmt.Sprintf("unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		add("logging.format", "format must be text or json")
	}

	if c.Server.MaxUploadSize < 1 {
		add("server.max_upload_size", "max_upload_size must be positive")
	}

	return errors
}
