package llm_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/llm"
)

// fakeClient returns [len(text), 1] for every text. failures makes the first
// N calls fail.
type fakeClient struct {
	mu       sync.Mutex
	calls    [][]string
	failures int
	short    bool
}

func (f *fakeClient) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	if f.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

var testConfig = llm.EmbedderConfig{
	BatchSize:   2,
	MaxAttempts: 3,
	Backoff:     time.Millisecond,
	Timeout:     time.Second,
	CacheSize:   8,
}

func newEmbedder(t *testing.T, client llm.EmbeddingClient) *llm.Embedder {
	t.Helper()
	emb, err := llm.NewEmbedderWithClient(testConfig, client)
	require.NoError(t, err)
	return emb
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestEmbedDocuments_BatchesInOrder(t *testing.T) {
	client := &fakeClient{}
	emb := newEmbedder(t, client)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := emb.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc", "dddd"}, {"eeeee"}}, client.calls)
	for i, v := range vectors {
		assert.InDelta(t, 1.0, norm(v), 1e-6)
		// direction encodes the text length
		assert.InDelta(t, float64(len(texts[i])), float64(v[0]/v[1]), 1e-4)
	}
}

func TestEmbedDocuments_RetriesThenSucceeds(t *testing.T) {
	client := &fakeClient{failures: 2}
	emb := newEmbedder(t, client)

	vectors, err := emb.EmbedDocuments(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Len(t, client.calls, 3)
}

func TestEmbedDocuments_ExhaustedRetries(t *testing.T) {
	client := &fakeClient{failures: 10}
	emb := newEmbedder(t, client)

	_, err := emb.EmbedDocuments(context.Background(), []string{"x", "y", "z"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrExternalService))
	assert.Len(t, client.calls, 3, "stops after the first batch exhausts its attempts")
}

func TestEmbedDocuments_CountMismatch(t *testing.T) {
	emb := newEmbedder(t, &fakeClient{short: true})

	_, err := emb.EmbedDocuments(context.Background(), []string{"x", "y"})
	assert.True(t, errors.Is(err, types.ErrExternalService))
}

func TestEmbedDocuments_Empty(t *testing.T) {
	client := &fakeClient{}
	emb := newEmbedder(t, client)

	vectors, err := emb.EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, client.calls)
}

func TestEmbedQuery_Cached(t *testing.T) {
	client := &fakeClient{}
	emb := newEmbedder(t, client)

	first, err := emb.EmbedQuery(context.Background(), "what is rag")
	require.NoError(t, err)
	first[0] = 42 // callers may mutate their copy

	second, err := emb.EmbedQuery(context.Background(), "what is rag")
	require.NoError(t, err)
	assert.Len(t, client.calls, 1)
	assert.InDelta(t, 1.0, norm(second), 1e-6)
}

func TestNewEmbedderWithClient_Nil(t *testing.T) {
	_, err := llm.NewEmbedderWithClient(testConfig, nil)
	assert.True(t, errors.Is(err, types.ErrConfiguration))
}

func TestEmbedderDefaults(t *testing.T) {
	emb, err := llm.NewEmbedderWithClient(llm.EmbedderConfig{}, &fakeClient{})
	require.NoError(t, err)

	cfg := emb.Config()
	assert.Equal(t, "nomic-embed-text:latest", cfg.Model)
	assert.Equal(t, "http://localhost:11434", cfg.BaseURL)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 3, cfg.MaxAttempts)
}
