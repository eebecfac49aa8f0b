package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/xhad/ragpipe/internal/types"
	cfgPkg "github.com/xhad/ragpipe/pkg/config"
	"github.com/xhad/ragpipe/pkg/dedup"
	"github.com/xhad/ragpipe/pkg/llm"
	"github.com/xhad/ragpipe/pkg/loader"
	"github.com/xhad/ragpipe/pkg/logger"
	"github.com/xhad/ragpipe/pkg/pipeline"
	"github.com/xhad/ragpipe/pkg/rerank"
	"github.com/xhad/ragpipe/pkg/splitter"
	"github.com/xhad/ragpipe/pkg/store"
)

// app holds the components built from one configuration.
type app struct {
	config *cfgPkg.Config
	log    logger.Logger
	store  types.VectorStore
	pipe   *pipeline.Pipeline
}

func loadConfig(flags *globalFlags) (*cfgPkg.Config, error) {
	config, err := cfgPkg.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.ollamaURL != "" {
		config.LLM.BaseURL = flags.ollamaURL
		config.Embedding.BaseURL = flags.ollamaURL
	}
	if flags.dbURL != "" {
		config.Database.URL = flags.dbURL
	}
	if flags.verbose {
		config.Logging.Level = "debug"
	}

	if errs := config.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("%w: invalid configuration:\n  %s", types.ErrConfiguration, strings.Join(msgs, "\n  "))
	}
	return config, nil
}

func newApp(ctx context.Context, flags *globalFlags, opts ...func(*pipeline.PipelineConfig)) (*app, error) {
	config, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	log := logger.NewWithConfig(config.LoggerConfig())

	tok, err := config.Tokenizer(log)
	if err != nil {
		return nil, err
	}

	splitCfg, err := config.SplitterConfig(tok, log)
	if err != nil {
		return nil, err
	}
	sp, err := splitter.NewWithConfig(splitCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize splitter: %w", err)
	}

	dedupCfg, err := config.DedupConfig(tok, log)
	if err != nil {
		return nil, err
	}
	dd, err := dedup.NewWithConfig(dedupCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize deduplicator: %w", err)
	}

	rerankCfg, err := config.RerankerConfig(tok, log)
	if err != nil {
		return nil, err
	}
	rr, err := rerank.NewWithConfig(rerankCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize reranker: %w", err)
	}

	emb, err := llm.NewEmbedderWithConfig(config.EmbedderConfig(log))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	var vs types.VectorStore
	if flags.memory || config.Database.URL == "" {
		log.Warn("no database configured, using in-memory vector store")
		vs = store.NewMemoryStore()
	} else {
		pg, err := store.NewWithConfig(ctx, config.StoreConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		vs = pg
	}

	pipeCfg := pipeline.PipelineConfig{
		Splitter:   sp,
		Dedup:      dd,
		Reranker:   rr,
		Embedder:   emb,
		Store:      vs,
		Files:      loader.NewFileLoader(loader.FileLoaderConfig{Recursive: true, Logger: log}),
		Web:        loader.NewWebLoader(config.WebLoaderConfig(log)),
		BatchSize:  config.Embedding.BatchSize,
		TopK:       config.Retrieval.TopK,
		CandidateK: config.Retrieval.CandidateK,
		Logger:     log,
	}

	if config.LLM.NormalizeChunks {
		chat, err := llm.NewWithConfig(config.ChatConfig())
		if err != nil {
			vs.Close()
			return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
		}
		norm, err := llm.NewNormalizer(config.NormalizerConfig(), chat.Model())
		if err != nil {
			vs.Close()
			return nil, err
		}
		pipeCfg.Normalizer = norm
	}

	for _, opt := range opts {
		opt(&pipeCfg)
	}

	pipe, err := pipeline.NewWithConfig(pipeCfg)
	if err != nil {
		vs.Close()
		return nil, err
	}

	return &app{config: config, log: log, store: vs, pipe: pipe}, nil
}

func (a *app) Close() {
	a.store.Close()
}

func (a *app) chatEngine() (*llm.ChatEngine, error) {
	chat, err := llm.NewWithConfig(a.config.ChatConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
	}
	return chat, nil
}
