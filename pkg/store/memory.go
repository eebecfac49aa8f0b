package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
)

// MemoryStore is an in-process vector store using brute-force cosine
// similarity. Useful for tests and for running without Postgres.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	records   []memoryRecord
	index     map[string]int
}

type memoryRecord struct {
	hit    models.Hit
	vector []float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{index: make(map[string]int)}
}

// Insert upserts by row id. The first insert fixes the vector dimension.
func (s *MemoryStore) Insert(_ context.Context, chunks []models.Chunk, vectors [][]float32) (int, error) {
	if len(chunks) != len(vectors) {
		return 0, fmt.Errorf("%w: %d chunks but %d vectors", types.ErrInput, len(chunks), len(vectors))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dimension
	for i, v := range vectors {
		if dim == 0 {
			dim = len(v)
		}
		if len(v) == 0 || len(v) != dim {
			return 0, fmt.Errorf("%w: vector %d has dimension %d, store expects %d", types.ErrInput, i, len(v), dim)
		}
	}
	s.dimension = dim

	for i, c := range chunks {
		ts := c.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		rec := memoryRecord{
			hit: models.Hit{
				ID:        rowID(c),
				Domain:    c.Domain,
				Source:    c.Source,
				Content:   c.Text,
				Metadata:  models.CloneMetadata(c.Metadata),
				Timestamp: ts,
			},
			vector: unitVector(vectors[i]),
		}
		if at, ok := s.index[rec.hit.ID]; ok {
			s.records[at] = rec
			continue
		}
		s.index[rec.hit.ID] = len(s.records)
		s.records = append(s.records, rec)
	}
	return len(chunks), nil
}

func (s *MemoryStore) Search(_ context.Context, vector []float32, filters models.Filters, limit int) ([]models.Hit, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: search limit must be positive", types.ErrInput)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dimension != 0 && len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query dimension %d, store holds %d", types.ErrInput, len(vector), s.dimension)
	}
	q := unitVector(vector)

	var hits []models.Hit
	for _, r := range s.records {
		if !filters.Match(r.hit) {
			continue
		}
		h := r.hit
		h.Metadata = models.CloneMetadata(r.hit.Metadata)
		h.Distance = dot(q, r.vector)
		hits = append(hits, h)
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance > hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// List returns matching records newest first.
func (s *MemoryStore) List(_ context.Context, filters models.Filters, limit int) ([]models.Hit, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []models.Hit
	for _, r := range s.records {
		if filters.Match(r.hit) {
			h := r.hit
			h.Metadata = models.CloneMetadata(r.hit.Metadata)
			hits = append(hits, h)
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Timestamp.After(hits[j].Timestamp) })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() {}

func unitVector(v []float32) []float64 {
	out := make([]float64, len(v))
	var sum float64
	for i, x := range v {
		out[i] = float64(x)
		sum += out[i] * out[i]
	}
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i := range out {
		out[i] /= n
	}
	return out
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
