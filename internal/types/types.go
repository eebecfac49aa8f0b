package types

import (
	"context"

	"github.com/xhad/ragpipe/internal/models"
)

// Core interfaces
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Insert(ctx context.Context, chunks []models.Chunk, vectors [][]float32) (int, error)
	Search(ctx context.Context, vector []float32, filters models.Filters, limit int) ([]models.Hit, error)
	List(ctx context.Context, filters models.Filters, limit int) ([]models.Hit, error)
	Close()
}

type Loader interface {
	Load(ctx context.Context, path, domain string) ([]models.Document, error)
}

// Normalizer rewrites chunk content before deduplication, e.g. with an LLM.
type Normalizer interface {
	Normalize(ctx context.Context, chunk models.Chunk) (models.Chunk, error)
}
