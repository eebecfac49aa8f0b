// Package config loads the ragpipe YAML configuration, applies environment
// overrides and defaults, and builds the component configurations.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/xhad/ragpipe/pkg/dedup"
	"github.com/xhad/ragpipe/pkg/rerank"
)

type Config struct {
	LLM struct {
		BaseURL         string   `yaml:"base_url"`
		Model           string   `yaml:"model"`
		MaxTokens       int      `yaml:"max_tokens"`
		Temperature     float64  `yaml:"temperature"`
		NormalizeChunks bool     `yaml:"normalize_chunks"`
		Categories      []string `yaml:"categories"`
	} `yaml:"llm"`

	Embedding struct {
		BaseURL    string        `yaml:"base_url"`
		Model      string        `yaml:"model"`
		BatchSize  int           `yaml:"batch_size"`
		MaxRetries int           `yaml:"max_retries"`
		Backoff    time.Duration `yaml:"backoff"`
		Timeout    time.Duration `yaml:"timeout"`
		CacheSize  int           `yaml:"cache_size"`
	} `yaml:"embedding"`

	Database struct {
		URL       string `yaml:"url"`
		TableName string `yaml:"table_name"`
		VectorDim int    `yaml:"vector_dim"`
		Lists     int    `yaml:"lists"`
	} `yaml:"database"`

	Chunking struct {
		Strategy     string `yaml:"strategy"`
		ChunkSize    int    `yaml:"chunk_size"`
		ChunkOverlap int    `yaml:"chunk_overlap"`
		Tokenizer    string `yaml:"tokenizer"`
	} `yaml:"chunking"`

	Dedup struct {
		Strategy           string  `yaml:"strategy"`
		MD5Threshold       float64 `yaml:"md5_threshold"`
		SimhashThreshold   *int     `yaml:"simhash_threshold"`
		EmbeddingThreshold *float64 `yaml:"embedding_threshold"`
		Capacity           int     `yaml:"capacity"`
	} `yaml:"dedup"`

	Reranker struct {
		Mode    string         `yaml:"mode"`
		Weights rerank.Weights `yaml:"weights"`
	} `yaml:"reranker"`

	Retrieval struct {
		TopK       int `yaml:"top_k"`
		CandidateK int `yaml:"candidate_k"`
	} `yaml:"retrieval"`

	Scraper struct {
		MaxDepth          int      `yaml:"max_depth"`
		MaxPages          int      `yaml:"max_pages"`
		RateLimit         float64  `yaml:"rate_limit"`
		IgnorePatterns    []string `yaml:"ignore_patterns"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
	} `yaml:"scraper"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Server struct {
		Addr          string `yaml:"addr"`
		MaxUploadSize int64  `yaml:"max_upload_size"`
		UploadDir     string `yaml:"upload_dir"`
	} `yaml:"server"`

	UI struct {
		Streaming bool   `yaml:"streaming"`
		Theme     string `yaml:"theme"`
	} `yaml:"ui"`
}

// DefaultLocations are searched in order when LoadConfig gets no path.
func DefaultLocations() []string {
	return []string{
		"config.yaml",
		"config.yml",
		filepath.Join(os.Getenv("HOME"), ".config/ragpipe/config.yaml"),
		"/etc/ragpipe/config.yaml",
	}
}

// LoadConfig reads path, or the first existing default location when path is
// empty. A .env file in the working directory is loaded first; variables
// already set in the environment win over it.
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	if path == "" {
		for _, loc := range DefaultLocations() {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	mergeWithEnv(&config)
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() *Config {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	config := &Config{}
	applyDefaults(config)
	return config
}

func applyDefaults(config *Config) {
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedding.BaseURL == "" {
		config.Embedding.BaseURL = config.LLM.BaseURL
	}
	if config.Embedding.Model == "" {
		config.Embedding.Model = "nomic-embed-text:latest"
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 32
	}
	if config.Embedding.MaxRetries == 0 {
		config.Embedding.MaxRetries = 3
	}
	if config.Embedding.Backoff == 0 {
		config.Embedding.Backoff = time.Second
	}
	if config.Embedding.Timeout == 0 {
		config.Embedding.Timeout = time.Minute
	}
	if config.Embedding.CacheSize == 0 {
		config.Embedding.CacheSize = 256
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "chunks"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.Lists == 0 {
		config.Database.Lists = 100
	}

	if config.Chunking.Strategy == "" {
		config.Chunking.Strategy = "hybrid"
	}
	if config.Chunking.ChunkSize == 0 {
		config.Chunking.ChunkSize = 512
	}
	if config.Chunking.Tokenizer == "" {
		config.Chunking.Tokenizer = "segmenter"
	}

	if config.Dedup.Strategy == "" {
		config.Dedup.Strategy = "md5"
	}
	if config.Dedup.MD5Threshold == 0 {
		config.Dedup.MD5Threshold = 1.0
	}
	// Thresholds are pointers so an explicit 0 survives defaulting.
	if config.Dedup.SimhashThreshold == nil {
		t := dedup.DefaultSimhashThreshold
		config.Dedup.SimhashThreshold = &t
	}
	if config.Dedup.EmbeddingThreshold == nil {
		t := dedup.DefaultEmbeddingThreshold
		config.Dedup.EmbeddingThreshold = &t
	}

	if config.Reranker.Mode == "" {
		config.Reranker.Mode = "mixed"
	}
	if config.Reranker.Weights == (rerank.Weights{}) {
		config.Reranker.Weights = rerank.DefaultWeights
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}
	if config.Retrieval.CandidateK == 0 {
		config.Retrieval.CandidateK = max(config.Retrieval.TopK*4, 20)
	}

	if config.Scraper.MaxDepth == 0 {
		config.Scraper.MaxDepth = 3
	}
	if config.Scraper.MaxPages == 0 {
		config.Scraper.MaxPages = 500
	}
	if config.Scraper.RateLimit == 0 {
		config.Scraper.RateLimit = 2.0
	}
	if len(config.Scraper.AllowedExtensions) == 0 {
		config.Scraper.AllowedExtensions = []string{".html", ".htm", "/", ""}
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}
	if config.Server.MaxUploadSize == 0 {
		config.Server.MaxUploadSize = 32 << 20
	}

	if config.UI.Theme == "" {
		config.UI.Theme = "default"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		config.Embedding.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if level := os.Getenv("RAGPIPE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}
