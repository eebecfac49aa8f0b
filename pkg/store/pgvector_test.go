package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/store"
)

var testConfig = store.PGVectorConfig{
	TableName: "test_chunks",
	VectorDim: 3,
}

var hitColumns = []string{"id", "domain", "source", "content", "metadata", "created_at", "score"}

func testChunk(id string, idx int) models.Chunk {
	md := models.NewMetadata()
	md.Set("file_name", "guide.md")
	md.Set(models.MetaChunkIndex, idx)
	md.Set(models.MetaChunkTotal, 2)
	return models.Chunk{
		ID:        id,
		Domain:    "docs",
		Source:    "/data/guide.md",
		Text:      "chunk text",
		Metadata:  md,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestInitialize(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectExec("(?s)CREATE TABLE IF NOT EXISTS test_chunks (.+) embedding vector\\(3\\)").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectExec("CREATE INDEX IF NOT EXISTS test_chunks_domain_idx").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mockPool.ExpectExec("(?s)CREATE INDEX IF NOT EXISTS test_chunks_embedding_idx.*ivfflat").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	s := store.NewWithDB(testConfig, mockPool)
	require.NoError(t, s.Initialize(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestInitialize_Error(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectExec("CREATE EXTENSION").WillReturnError(errors.New("permission denied"))

	s := store.NewWithDB(testConfig, mockPool)
	err = s.Initialize(context.Background())
	assert.True(t, errors.Is(err, types.ErrExternalService))
	assert.ErrorContains(t, err, "vector extension")
}

func TestInsert(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	c0, c1 := testChunk("doc-1", 0), testChunk("doc-1", 1)

	mockPool.ExpectBegin()
	mockPool.ExpectExec("INSERT INTO test_chunks \\(id,domain,source,content,metadata,created_at,embedding\\).*" +
		"ON CONFLICT \\(id\\) DO UPDATE SET domain = EXCLUDED.domain, source = EXCLUDED.source, .*created_at = EXCLUDED.created_at").
		WithArgs("doc-1_0", "docs", "/data/guide.md", "chunk text",
			pgxmock.AnyArg(), c0.Timestamp, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec("INSERT INTO test_chunks").
		WithArgs("doc-1_1", "docs", "/data/guide.md", "chunk text", pgxmock.AnyArg(), c1.Timestamp, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()

	s := store.NewWithDB(testConfig, mockPool)
	n, err := s.Insert(context.Background(), []models.Chunk{c0, c1}, [][]float32{{1, 0, 0}, {0, 1, 0}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestInsert_RollbackOnError(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectBegin()
	mockPool.ExpectExec("INSERT INTO test_chunks").WillReturnError(errors.New("disk full"))
	mockPool.ExpectRollback()

	s := store.NewWithDB(testConfig, mockPool)
	_, err = s.Insert(context.Background(), []models.Chunk{testChunk("doc-1", 0)}, [][]float32{{1, 0, 0}})
	assert.True(t, errors.Is(err, types.ErrExternalService))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestInsert_InvalidInput(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	s := store.NewWithDB(testConfig, mockPool)

	_, err = s.Insert(context.Background(), []models.Chunk{testChunk("a", 0)}, nil)
	assert.True(t, errors.Is(err, types.ErrInput))

	n, err := s.Insert(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	mockPool.ExpectBegin()
	mockPool.ExpectRollback()
	_, err = s.Insert(context.Background(), []models.Chunk{testChunk("a", 0)}, [][]float32{{1, 0}})
	assert.True(t, errors.Is(err, types.ErrInput))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSearch(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	from := now.Add(-time.Hour)
	rows := mockPool.NewRows(hitColumns).
		AddRow("doc-1_0", "docs", "/data/guide.md", "closest", []byte(`{"chunk_index":0,"lang":"en"}`), now, 0.92).
		AddRow("doc-2_3", "docs", "/data/other.md", "further", []byte(nil), now, 0.41)

	mockPool.ExpectQuery(`SELECT id, domain, source, content, metadata, created_at, 1 - \(embedding <=> \$1\) AS score FROM test_chunks WHERE domain = \$2 AND created_at >= \$3 ORDER BY embedding <=> \$4 LIMIT 10`).
		WithArgs(pgxmock.AnyArg(), "docs", from, pgxmock.AnyArg()).
		WillReturnRows(rows)

	s := store.NewWithDB(testConfig, mockPool)
	hits, err := s.Search(context.Background(), []float32{1, 0, 0}, models.Filters{Domain: "docs", From: &from}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "closest", hits[0].Content)
	assert.Equal(t, 0.92, hits[0].Distance)
	assert.Equal(t, now, hits[0].Timestamp)
	lang, ok := hits[0].Metadata.Get("lang")
	assert.True(t, ok)
	assert.Equal(t, "en", lang)
	assert.Equal(t, 0, hits[1].Metadata.Len())
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSearch_QueryError(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectQuery("SELECT").WillReturnError(errors.New("connection reset"))

	s := store.NewWithDB(testConfig, mockPool)
	_, err = s.Search(context.Background(), []float32{1, 0, 0}, models.Filters{}, 5)
	assert.True(t, errors.Is(err, types.ErrExternalService))

	_, err = s.Search(context.Background(), []float32{1, 0, 0}, models.Filters{}, 0)
	assert.True(t, errors.Is(err, types.ErrInput))
}

func TestList(t *testing.T) {
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	now := time.Now().UTC()
	rows := mockPool.NewRows(hitColumns).
		AddRow("doc-1_0", "docs", "/data/guide.md", "first", []byte(`{}`), now, 0.0)

	mockPool.ExpectQuery(`SELECT (.+) FROM test_chunks WHERE source = \$1 ORDER BY created_at DESC, id LIMIT 1000`).
		WithArgs("/data/guide.md").
		WillReturnRows(rows)

	s := store.NewWithDB(testConfig, mockPool)
	hits, err := s.List(context.Background(), models.Filters{Source: "/data/guide.md"}, 5000)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "first", hits[0].Content)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
