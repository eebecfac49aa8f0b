// Package pipeline wires loading, splitting, deduplication, embedding,
// storage and reranking into the ingestion and query flows.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
)

type Splitter interface {
	Split(doc models.Document) ([]models.Chunk, error)
}

type Deduplicator interface {
	IsDuplicate(chunk models.Chunk, vector []float32) (bool, error)
	NeedsVector() bool
}

type Reranker interface {
	Rerank(query string, candidates []models.Candidate) []models.Candidate
}

type PipelineConfig struct {
	Splitter Splitter
	Dedup    Deduplicator
	Reranker Reranker
	Embedder types.Embedder
	Store    types.VectorStore

	// Normalizer, when set, rewrites every chunk before deduplication.
	Normalizer types.Normalizer
	Files      types.Loader
	Web        types.Loader

	// BatchSize is the number of chunks embedded and stored together.
	BatchSize int
	// TopK is the default number of results returned by Query.
	TopK int
	// CandidateK is the number of ANN hits fetched before reranking.
	CandidateK int

	// OnChunks is called after each stored batch with the number of chunks
	// handled so far and the document's chunk count.
	OnChunks func(doc models.Document, done, total int)
	Logger   logger.Logger
}

// Pipeline is synchronous. Ingest calls must be serialized by the caller;
// Query and Search may run concurrently with each other.
type Pipeline struct {
	config PipelineConfig
	log    logger.Logger
}

type IngestReport struct {
	Documents  int `json:"documents"`
	Chunks     int `json:"chunks"`
	Duplicates int `json:"duplicates"`
	Indexed    int `json:"indexed"`
	Failures   int `json:"failures"`
}

func (r *IngestReport) add(o IngestReport) {
	r.Documents += o.Documents
	r.Chunks += o.Chunks
	r.Duplicates += o.Duplicates
	r.Indexed += o.Indexed
	r.Failures += o.Failures
}

type QueryRequest struct {
	Query   string
	Filters models.Filters
	// TopK overrides the configured result count when positive.
	TopK int
}

func NewWithConfig(config PipelineConfig) (*Pipeline, error) {
	switch {
	case config.Splitter == nil:
		return nil, fmt.Errorf("%w: pipeline needs a splitter", types.ErrConfiguration)
	case config.Dedup == nil:
		return nil, fmt.Errorf("%w: pipeline needs a deduplicator", types.ErrConfiguration)
	case config.Reranker == nil:
		return nil, fmt.Errorf("%w: pipeline needs a reranker", types.ErrConfiguration)
	case config.Embedder == nil:
		return nil, fmt.Errorf("%w: pipeline needs an embedder", types.ErrConfiguration)
	case config.Store == nil:
		return nil, fmt.Errorf("%w: pipeline needs a vector store", types.ErrConfiguration)
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.CandidateK < config.TopK {
		config.CandidateK = max(config.TopK*4, 20)
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	return &Pipeline{config: config, log: config.Logger}, nil
}

func (p *Pipeline) Config() PipelineConfig { return p.config }

// IngestPath loads a file or directory and ingests every document.
func (p *Pipeline) IngestPath(ctx context.Context, path, domain string) (IngestReport, error) {
	return p.ingestFrom(ctx, p.config.Files, "file", path, domain)
}

// IngestURL crawls from url and ingests every page.
func (p *Pipeline) IngestURL(ctx context.Context, url, domain string) (IngestReport, error) {
	return p.ingestFrom(ctx, p.config.Web, "web", url, domain)
}

func (p *Pipeline) ingestFrom(ctx context.Context, l types.Loader, kind, target, domain string) (IngestReport, error) {
	if l == nil {
		return IngestReport{}, fmt.Errorf("%w: no %s loader configured", types.ErrConfiguration, kind)
	}
	docs, err := l.Load(ctx, target, domain)
	if err != nil {
		return IngestReport{}, fmt.Errorf("load %s: %w", target, err)
	}
	return p.Ingest(ctx, docs)
}

// Ingest splits, deduplicates, embeds and stores docs in order. A failing
// document is recorded and skipped; batches it stored before the failure stay
// indexed. The returned error joins every document failure.
func (p *Pipeline) Ingest(ctx context.Context, docs []models.Document) (IngestReport, error) {
	var (
		report IngestReport
		errs   []error
	)
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		r, err := p.ingestDocument(ctx, doc)
		report.add(r)
		if err != nil {
			report.Failures++
			errs = append(errs, fmt.Errorf("document %s: %w", doc.Source, err))
			p.log.Error("document ingestion failed", "source", doc.Source, "error", err)
		}
	}

	p.log.Info("ingestion finished",
		"documents", report.Documents,
		"chunks", report.Chunks,
		"duplicates", report.Duplicates,
		"indexed", report.Indexed,
		"failures", report.Failures)
	return report, errors.Join(errs...)
}

func (p *Pipeline) ingestDocument(ctx context.Context, doc models.Document) (IngestReport, error) {
	report := IngestReport{Documents: 1}

	chunks, err := p.config.Splitter.Split(doc)
	if err != nil {
		return report, err
	}
	report.Chunks = len(chunks)
	if len(chunks) == 0 {
		return report, nil
	}

	chunks = p.normalize(ctx, chunks)

	progress := func(done int) {
		if p.config.OnChunks != nil {
			p.config.OnChunks(doc, done, len(chunks))
		}
	}

	if p.config.Dedup.NeedsVector() {
		return p.embedThenDedup(ctx, chunks, report, progress)
	}

	kept := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		dup, err := p.config.Dedup.IsDuplicate(c, nil)
		if err != nil {
			return report, err
		}
		if dup {
			report.Duplicates++
			continue
		}
		kept = append(kept, c)
	}

	done := report.Duplicates
	for start := 0; start < len(kept); start += p.config.BatchSize {
		batch := kept[start:min(start+p.config.BatchSize, len(kept))]
		vectors, err := p.config.Embedder.EmbedDocuments(ctx, texts(batch))
		if err != nil {
			return report, err
		}
		n, err := p.config.Store.Insert(ctx, batch, vectors)
		report.Indexed += n
		if err != nil {
			return report, err
		}
		done += len(batch)
		progress(done)
	}

	p.log.Debug("document ingested", "source", doc.Source, "chunks", report.Chunks, "indexed", report.Indexed)
	return report, nil
}

// embedThenDedup serves deduplicators that compare embeddings: each batch is
// embedded first and filtered before it reaches the store.
func (p *Pipeline) embedThenDedup(ctx context.Context, chunks []models.Chunk, report IngestReport, progress func(int)) (IngestReport, error) {
	for start := 0; start < len(chunks); start += p.config.BatchSize {
		batch := chunks[start:min(start+p.config.BatchSize, len(chunks))]
		vectors, err := p.config.Embedder.EmbedDocuments(ctx, texts(batch))
		if err != nil {
			return report, err
		}

		var (
			kept    []models.Chunk
			keptVec [][]float32
		)
		for i, c := range batch {
			dup, err := p.config.Dedup.IsDuplicate(c, vectors[i])
			if err != nil {
				return report, err
			}
			if dup {
				report.Duplicates++
				continue
			}
			kept = append(kept, c)
			keptVec = append(keptVec, vectors[i])
		}

		if len(kept) > 0 {
			n, err := p.config.Store.Insert(ctx, kept, keptVec)
			report.Indexed += n
			if err != nil {
				return report, err
			}
		}
		progress(start + len(batch))
	}
	return report, nil
}

// normalize keeps the original chunk whenever the normalizer fails.
func (p *Pipeline) normalize(ctx context.Context, chunks []models.Chunk) []models.Chunk {
	if p.config.Normalizer == nil {
		return chunks
	}
	out := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		n, err := p.config.Normalizer.Normalize(ctx, c)
		if err != nil {
			p.log.Warn("chunk normalization failed, keeping original", "source", c.Source, "error", err)
			out[i] = c
			continue
		}
		out[i] = n
	}
	return out
}

// Query embeds the question, fetches CandidateK hits, reranks them and keeps
// the best TopK. Truncation happens only after reranking.
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) ([]models.Candidate, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = p.config.TopK
	}

	hits, err := p.Search(ctx, req.Query, req.Filters, max(p.config.CandidateK, topK))
	if err != nil {
		return nil, err
	}

	candidates := make([]models.Candidate, len(hits))
	for i, h := range hits {
		candidates[i] = models.CandidateFromHit(h)
	}

	ranked := p.config.Reranker.Rerank(req.Query, candidates)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked, nil
}

// Search returns raw ANN hits without reranking.
func (p *Pipeline) Search(ctx context.Context, query string, filters models.Filters, limit int) ([]models.Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", types.ErrInput)
	}
	if limit <= 0 {
		limit = p.config.TopK
	}

	vector, err := p.config.Embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	return p.config.Store.Search(ctx, vector, filters, limit)
}

// List returns stored chunks matching filters, newest first.
func (p *Pipeline) List(ctx context.Context, filters models.Filters, limit int) ([]models.Hit, error) {
	return p.config.Store.List(ctx, filters, limit)
}

func texts(chunks []models.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Text
	}
	return out
}
