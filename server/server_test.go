package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/pipeline"
	"github.com/xhad/ragpipe/server"
)

type fakePipeline struct {
	ingestedPath    string
	ingestedContent string
	ingestedDomain  string
	ingestedURL     string
	lastQuery       pipeline.QueryRequest
	lastFilters     models.Filters
	lastLimit       int
	candidates      []models.Candidate
	hits            []models.Hit
	err             error
}

func (f *fakePipeline) IngestPath(_ context.Context, path, domain string) (pipeline.IngestReport, error) {
	raw, _ := os.ReadFile(path)
	f.ingestedPath, f.ingestedContent, f.ingestedDomain = path, string(raw), domain
	if f.err != nil {
		return pipeline.IngestReport{Documents: 1, Failures: 1}, f.err
	}
	return pipeline.IngestReport{Documents: 1, Chunks: 4, Duplicates: 1, Indexed: 3}, nil
}

func (f *fakePipeline) IngestURL(_ context.Context, url, _ string) (pipeline.IngestReport, error) {
	f.ingestedURL = url
	return pipeline.IngestReport{Documents: 2, Chunks: 5, Indexed: 5}, nil
}

func (f *fakePipeline) Query(_ context.Context, req pipeline.QueryRequest) ([]models.Candidate, error) {
	f.lastQuery = req
	return f.candidates, f.err
}

func (f *fakePipeline) Search(_ context.Context, _ string, filters models.Filters, limit int) ([]models.Hit, error) {
	f.lastFilters, f.lastLimit = filters, limit
	return f.hits, f.err
}

func (f *fakePipeline) List(_ context.Context, filters models.Filters, limit int) ([]models.Hit, error) {
	f.lastFilters, f.lastLimit = filters, limit
	return f.hits, f.err
}

type fakeChat struct{}

func (fakeChat) Chat(_ context.Context, query string, _ []models.Candidate) (*llms.ContentResponse, error) {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: "answer to " + query}}}, nil
}

func (fakeChat) ChatStream(_ context.Context, _ string, _ []models.Candidate) (<-chan string, error) {
	ch := make(chan string, 2)
	ch <- "part one "
	ch <- "part two"
	close(ch)
	return ch, nil
}

func newServer(t *testing.T, p *fakePipeline, streaming bool) *httptest.Server {
	t.Helper()
	s, err := server.New(server.Config{UploadDir: t.TempDir(), Streaming: streaming}, p, fakeChat{})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestNewRequiresPipeline(t *testing.T) {
	_, err := server.New(server.Config{}, nil, nil)
	assert.ErrorIs(t, err, types.ErrConfiguration)
}

func TestHealth(t *testing.T) {
	ts := newServer(t, &fakePipeline{}, false)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUpload(t *testing.T) {
	p := &fakePipeline{}
	ts := newServer(t, p, false)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "../../notes.txt")
	require.NoError(t, err)
	fw.Write([]byte("uploaded text"))
	require.NoError(t, mw.WriteField("domain", "finance"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/rag/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "success", out["status"])
	assert.Equal(t, float64(4), out["chunks"])
	assert.Equal(t, float64(3), out["indexed"])

	assert.Equal(t, "notes.txt", filepath.Base(p.ingestedPath))
	assert.Equal(t, "uploaded text", p.ingestedContent)
	assert.Equal(t, "finance", p.ingestedDomain)
	_, err = os.Stat(p.ingestedPath)
	assert.True(t, os.IsNotExist(err), "upload is removed after ingestion")
}

func TestUploadErrors(t *testing.T) {
	p := &fakePipeline{err: fmt.Errorf("%w: unsupported file type", types.ErrInput)}
	ts := newServer(t, p, false)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "blob.bin")
	require.NoError(t, err)
	fw.Write([]byte{0, 1, 2})
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/rag/upload", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/rag/upload", "text/plain", strings.NewReader("nope"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQuery(t *testing.T) {
	lex := 0.4
	p := &fakePipeline{candidates: []models.Candidate{
		{Content: strings.Repeat("é", 250), Source: "a.md", Distance: 0.9, LexicalScore: &lex, FinalScore: 0.75},
		{Content: "short", Source: "b.md", Distance: 0.5, FinalScore: 0.35},
	}}
	ts := newServer(t, p, false)

	resp, out := postJSON(t, ts.URL+"/rag/query", map[string]any{
		"query": "what changed", "domain": "docs", "top_k": 2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "what changed", p.lastQuery.Query)
	assert.Equal(t, "docs", p.lastQuery.Filters.Domain)
	assert.Equal(t, 2, p.lastQuery.TopK)

	results := out["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.Equal(t, strings.Repeat("é", server.PreviewRunes)+"...", first["content"])
	assert.Equal(t, 0.4, first["lexical_score"])
	assert.Equal(t, 0.75, first["final_score"])
	assert.Equal(t, "short", results[1].(map[string]any)["content"])
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"input", fmt.Errorf("%w: empty query", types.ErrInput), http.StatusBadRequest},
		{"external", fmt.Errorf("%w: ollama down", types.ErrExternalService), http.StatusBadGateway},
		{"other", fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newServer(t, &fakePipeline{err: tt.err}, false)
			resp, out := postJSON(t, ts.URL+"/rag/query", map[string]any{"query": "q"})
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.Equal(t, "error", out["status"])
		})
	}

	ts := newServer(t, &fakePipeline{}, false)
	resp, err := http.Post(ts.URL+"/rag/query", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchAndCards(t *testing.T) {
	md := models.NewMetadata()
	md.Set("chunk_index", 0)
	p := &fakePipeline{hits: []models.Hit{{ID: "a_0", Content: "text", Source: "a.md", Metadata: md, Distance: 0.8}}}
	ts := newServer(t, p, false)

	resp, out := postJSON(t, ts.URL+"/rag/search", map[string]any{"query": "text", "source": "a.md", "top_k": 7})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "a.md", p.lastFilters.Source)
	assert.Equal(t, 7, p.lastLimit)
	hit := out["results"].([]any)[0].(map[string]any)
	assert.Equal(t, "a_0", hit["id"])
	assert.Equal(t, 0.8, hit["score"])
	assert.Equal(t, map[string]any{"chunk_index": float64(0)}, hit["metadata"])

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	resp, out = postJSON(t, ts.URL+"/rag/cards", map[string]any{"domain": "docs", "from": from, "limit": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "docs", p.lastFilters.Domain)
	require.NotNil(t, p.lastFilters.From)
	assert.True(t, from.Equal(*p.lastFilters.From))
	assert.Equal(t, 3, p.lastLimit)
	assert.Len(t, out["cards"], 1)
}

func TestMetrics(t *testing.T) {
	ts := newServer(t, &fakePipeline{}, false)
	postJSON(t, ts.URL+"/rag/query", map[string]any{"query": "q"})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), `ragpipe_http_requests_total{code="200",route="query"} 1`)
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, msgType string) []server.Message {
	t.Helper()
	var msgs []server.Message
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg server.Message
		require.NoError(t, conn.ReadJSON(&msg))
		msgs = append(msgs, msg)
		if msg.Type == msgType {
			return msgs
		}
	}
}

func TestWebSocketStreaming(t *testing.T) {
	p := &fakePipeline{candidates: []models.Candidate{{Content: "ctx", Source: "a.md"}}}
	conn := dial(t, newServer(t, p, true))

	require.NoError(t, conn.WriteJSON(server.Message{Type: "query", Content: "how?"}))
	msgs := readUntil(t, conn, "sources")

	var streamed string
	for _, m := range msgs {
		if m.Type == "stream" {
			streamed += m.Content
		}
	}
	assert.Equal(t, "part one part two", streamed)
	assert.Contains(t, msgs[len(msgs)-1].Content, "a.md")
	assert.Equal(t, "how?", p.lastQuery.Query)
}

func TestWebSocketURL(t *testing.T) {
	p := &fakePipeline{}
	conn := dial(t, newServer(t, p, false))

	require.NoError(t, conn.WriteJSON(server.Message{Type: "query", Content: "https://docs.example.com/ summarize"}))
	msgs := readUntil(t, conn, "response")

	assert.Equal(t, "https://docs.example.com/", p.ingestedURL)
	assert.Equal(t, "summarize", p.lastQuery.Query)
	assert.Equal(t, "answer to summarize", msgs[len(msgs)-1].Content)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "abc", server.Preview("abc", 5))
	assert.Equal(t, "ab...", server.Preview("abcdef", 2))
	assert.Equal(t, "日本...", server.Preview("日本語", 2))
}
