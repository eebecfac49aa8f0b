package store

import (
	"context"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
)

// MaxListLimit caps listing queries.
const MaxListLimit = 1000

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PGVectorConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	// Lists is the ivfflat list count of the embedding index.
	Lists int
}

// PGVectorStore keeps chunks and their embeddings in a pgvector table and
// searches by cosine distance.
type PGVectorStore struct {
	config PGVectorConfig
	db     DB
	pool   *pgxpool.Pool
}

func applyPGDefaults(config PGVectorConfig) PGVectorConfig {
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768 // nomic-embed-text
	}
	if config.Lists == 0 {
		config.Lists = 100
	}
	return config
}

// NewWithConfig connects to Postgres and creates the extension, table and
// index when missing.
func NewWithConfig(ctx context.Context, config PGVectorConfig) (*PGVectorStore, error) {
	config = applyPGDefaults(config)

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to database: %w", types.ErrExternalService, err)
	}

	vs := &PGVectorStore{config: config, db: pool, pool: pool}
	if err := vs.Initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return vs, nil
}

// NewWithDB wraps an existing connection without touching the schema.
func NewWithDB(config PGVectorConfig, db DB) *PGVectorStore {
	return &PGVectorStore{config: applyPGDefaults(config), db: db}
}

func (vs *PGVectorStore) Initialize(ctx context.Context) error {
	t := vs.config.TableName
	statements := []struct {
		what string
		sql  string
	}{
		{"vector extension", "CREATE EXTENSION IF NOT EXISTS vector"},
		{"table", fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			domain TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			embedding vector(%d)
		)`, t, vs.config.VectorDim)},
		{"domain index", fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_domain_idx ON %s (domain)", t, t)},
		{"embedding index", fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = %d)`, t, t, vs.config.Lists)},
	}

	for _, s := range statements {
		if _, err := vs.db.Exec(ctx, s.sql); err != nil {
			return fmt.Errorf("%w: failed to create %s: %w", types.ErrExternalService, s.what, err)
		}
	}
	return nil
}

// upsertSuffix replaces every column of a re-ingested row so filters see the
// latest domain and source.
const upsertSuffix = "ON CONFLICT (id) DO UPDATE SET domain = EXCLUDED.domain, source = EXCLUDED.source, " +
	"content = EXCLUDED.content, metadata = EXCLUDED.metadata, created_at = EXCLUDED.created_at, embedding = EXCLUDED.embedding"

// Insert upserts chunks with their vectors in one transaction. Row ids are
// "<document id>_<chunk index>".
func (vs *PGVectorStore) Insert(ctx context.Context, chunks []models.Chunk, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("%w: %d chunks but %d vectors", types.ErrInput, len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	tx, err := vs.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", types.ErrExternalService, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	for i, c := range chunks {
		if len(vectors[i]) != vs.config.VectorDim {
			return 0, fmt.Errorf("%w: vector %d has dimension %d, table expects %d",
				types.ErrInput, i, len(vectors[i]), vs.config.VectorDim)
		}
		meta, err := marshalMetadata(c.Metadata)
		if err != nil {
			return 0, fmt.Errorf("%w: encode metadata: %w", types.ErrInput, err)
		}
		created := c.Timestamp
		if created.IsZero() {
			created = time.Now().UTC()
		}

		query, args, err := sq.Insert(vs.config.TableName).
			Columns("id", "domain", "source", "content", "metadata", "created_at", "embedding").
			Values(rowID(c), c.Domain, c.Source, sanitizeUTF8(c.Text), meta, created, pgvector.NewVector(vectors[i])).
			Suffix(upsertSuffix).
			PlaceholderFormat(sq.Dollar).
			ToSql()
		if err != nil {
			return 0, fmt.Errorf("building insert query: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("%w: failed to insert chunk: %w", types.ErrExternalService, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: failed to commit transaction: %w", types.ErrExternalService, err)
	}
	committed = true
	return len(chunks), nil
}

type chunkRow struct {
	ID        string    `db:"id"`
	Domain    string    `db:"domain"`
	Source    string    `db:"source"`
	Content   string    `db:"content"`
	Metadata  []byte    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
	Score     float64   `db:"score"`
}

// Search returns the closest rows by cosine distance. Distance on the hits is
// 1 - cosine distance, so larger is closer.
func (vs *PGVectorStore) Search(ctx context.Context, vector []float32, filters models.Filters, limit int) ([]models.Hit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: search limit must be positive", types.ErrInput)
	}
	vec := pgvector.NewVector(vector)

	qb := sq.Select("id", "domain", "source", "content", "metadata", "created_at").
		Column(sq.Expr("1 - (embedding <=> ?) AS score", vec)).
		From(vs.config.TableName)
	qb = applyFilters(qb, filters).
		OrderByClause("embedding <=> ?", vec).
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar)

	return vs.selectHits(ctx, qb)
}

// List returns stored rows matching filters, newest first, without vector
// ranking. limit is capped at MaxListLimit.
func (vs *PGVectorStore) List(ctx context.Context, filters models.Filters, limit int) ([]models.Hit, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	qb := sq.Select("id", "domain", "source", "content", "metadata", "created_at", "0::float8 AS score").
		From(vs.config.TableName)
	qb = applyFilters(qb, filters).
		OrderBy("created_at DESC", "id").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar)

	return vs.selectHits(ctx, qb)
}

func (vs *PGVectorStore) selectHits(ctx context.Context, qb sq.SelectBuilder) ([]models.Hit, error) {
	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building select query: %w", err)
	}

	var rows []chunkRow
	if err := pgxscan.Select(ctx, vs.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("%w: failed to query chunks: %w", types.ErrExternalService, err)
	}

	hits := make([]models.Hit, 0, len(rows))
	for _, r := range rows {
		md, err := unmarshalMetadata(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", r.ID, err)
		}
		hits = append(hits, models.Hit{
			ID:        r.ID,
			Domain:    r.Domain,
			Source:    r.Source,
			Content:   r.Content,
			Metadata:  md,
			Timestamp: r.CreatedAt,
			Distance:  r.Score,
		})
	}
	return hits, nil
}

func applyFilters(qb sq.SelectBuilder, f models.Filters) sq.SelectBuilder {
	if f.Domain != "" {
		qb = qb.Where(sq.Eq{"domain": f.Domain})
	}
	if f.Source != "" {
		qb = qb.Where(sq.Eq{"source": f.Source})
	}
	if f.From != nil {
		qb = qb.Where(sq.GtOrEq{"created_at": *f.From})
	}
	if f.To != nil {
		qb = qb.Where(sq.LtOrEq{"created_at": *f.To})
	}
	return qb
}

func (vs *PGVectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func rowID(c models.Chunk) string {
	if idx, ok := c.ChunkIndex(); ok {
		return c.ID + "_" + strconv.Itoa(idx)
	}
	return c.ID
}

// sanitizeUTF8 drops invalid bytes; Postgres rejects them in TEXT columns.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	v := make([]rune, 0, len(s))
	for i, r := range s {
		if r == utf8.RuneError {
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		v = append(v, r)
	}
	return string(v)
}
