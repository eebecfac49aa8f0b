package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/store"
)

func TestMemoryStore_SearchOrderAndFilters(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	a := testChunk("a", 0)
	b := testChunk("b", 0)
	b.Domain = "other"
	c := testChunk("c", 0)
	c.Text = "mid"

	n, err := s.Insert(ctx, []models.Chunk{a, b, c}, [][]float32{{1, 0, 0}, {1, 0, 0}, {1, 1, 0}})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	hits, err := s.Search(ctx, []float32{2, 0, 0}, models.Filters{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.InDelta(t, 1.0, hits[0].Distance, 1e-9)
	assert.Equal(t, "a_0", hits[0].ID)
	assert.Equal(t, "c_0", hits[2].ID)
	assert.InDelta(t, 0.7071, hits[2].Distance, 1e-4)

	hits, err = s.Search(ctx, []float32{1, 0, 0}, models.Filters{Domain: "docs"}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a_0", hits[0].ID)
}

func TestMemoryStore_TimeRange(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	old := testChunk("old", 0)
	old.Timestamp = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recent := testChunk("new", 0)
	recent.Timestamp = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.Insert(ctx, []models.Chunk{old, recent}, [][]float32{{1, 0}, {0, 1}})
	require.NoError(t, err)

	from := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	hits, err := s.List(ctx, models.Filters{From: &from}, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "new_0", hits[0].ID)

	all, err := s.List(ctx, models.Filters{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "new_0", all[0].ID, "newest first")
}

func TestMemoryStore_Upsert(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	c := testChunk("a", 0)
	_, err := s.Insert(ctx, []models.Chunk{c}, [][]float32{{1, 0}})
	require.NoError(t, err)
	c.Text = "replaced"
	_, err = s.Insert(ctx, []models.Chunk{c}, [][]float32{{0, 1}})
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	hits, err := s.List(ctx, models.Filters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, "replaced", hits[0].Content)
}

func TestMemoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, err := s.Insert(ctx, []models.Chunk{testChunk("a", 0)}, nil)
	assert.True(t, errors.Is(err, types.ErrInput))

	_, err = s.Insert(ctx, []models.Chunk{testChunk("a", 0)}, [][]float32{{1, 0, 0}})
	require.NoError(t, err)

	_, err = s.Insert(ctx, []models.Chunk{testChunk("b", 0)}, [][]float32{{1, 0}})
	assert.True(t, errors.Is(err, types.ErrInput))

	_, err = s.Search(ctx, []float32{1, 0}, models.Filters{}, 3)
	assert.True(t, errors.Is(err, types.ErrInput))

	_, err = s.Search(ctx, []float32{1, 0, 0}, models.Filters{}, 0)
	assert.True(t, errors.Is(err, types.ErrInput))
}

func TestMemoryStore_MetadataIsolated(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	c := testChunk("a", 0)
	_, err := s.Insert(ctx, []models.Chunk{c}, [][]float32{{1}})
	require.NoError(t, err)
	c.Metadata.Set("file_name", "changed")

	hits, err := s.Search(ctx, []float32{1}, models.Filters{}, 1)
	require.NoError(t, err)
	v, _ := hits[0].Metadata.Get("file_name")
	assert.Equal(t, "guide.md", v)
}
