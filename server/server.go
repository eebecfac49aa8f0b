// Package server exposes the pipeline over HTTP and a websocket chat.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/llm"
	"github.com/xhad/ragpipe/pkg/loader"
	"github.com/xhad/ragpipe/pkg/logger"
	"github.com/xhad/ragpipe/pkg/pipeline"
)

// Pipeline is the part of the orchestrator the server drives.
type Pipeline interface {
	IngestPath(ctx context.Context, path, domain string) (pipeline.IngestReport, error)
	IngestURL(ctx context.Context, url, domain string) (pipeline.IngestReport, error)
	Query(ctx context.Context, req pipeline.QueryRequest) ([]models.Candidate, error)
	Search(ctx context.Context, query string, filters models.Filters, limit int) ([]models.Hit, error)
	List(ctx context.Context, filters models.Filters, limit int) ([]models.Hit, error)
}

type Chatter interface {
	Chat(ctx context.Context, query string, candidates []models.Candidate) (*llms.ContentResponse, error)
	ChatStream(ctx context.Context, query string, candidates []models.Candidate) (<-chan string, error)
}

type Config struct {
	Addr          string
	MaxUploadSize int64
	// UploadDir holds uploaded files while they are ingested. Empty uses the
	// system temp dir.
	UploadDir string
	Streaming bool
	Logger    logger.Logger
}

// PreviewRunes bounds the content returned per query result.
const PreviewRunes = 200

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var urlPattern = regexp.MustCompile(`https?://[^\s]+`)

type Message struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Data    any    `json:"data,omitempty"`
}

type Server struct {
	config   Config
	pipe     Pipeline
	chat     Chatter
	log      logger.Logger
	metrics  *metrics
	ingestMu sync.Mutex
}

// New builds a server. chat may be nil, which disables /ws.
func New(config Config, pipe Pipeline, chat Chatter) (*Server, error) {
	if pipe == nil {
		return nil, fmt.Errorf("%w: server needs a pipeline", types.ErrConfiguration)
	}
	if config.Addr == "" {
		config.Addr = ":8080"
	}
	if config.MaxUploadSize <= 0 {
		config.MaxUploadSize = 32 << 20
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}
	return &Server{
		config:  config,
		pipe:    pipe,
		chat:    chat,
		log:     config.Logger,
		metrics: newMetrics(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("POST /rag/upload", s.metrics.instrument("upload", s.handleUpload))
	mux.HandleFunc("POST /rag/query", s.metrics.instrument("query", s.handleQuery))
	mux.HandleFunc("POST /rag/search", s.metrics.instrument("search", s.handleSearch))
	mux.HandleFunc("POST /rag/cards", s.metrics.instrument("cards", s.handleCards))
	mux.Handle("GET /metrics", s.metrics.handler())
	if s.chat != nil {
		mux.HandleFunc("GET /ws", s.handleWebSocket)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", s.config.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type uploadResponse struct {
	Status     string `json:"status"`
	Chunks     int    `json:"chunks"`
	Indexed    int    `json:"indexed"`
	Duplicates int    `json:"duplicates"`
	Message    string `json:"message"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := r.ParseMultipartForm(s.config.MaxUploadSize); err != nil {
		writeError(w, fmt.Errorf("%w: %w", types.ErrInput, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing file: %w", types.ErrInput, err))
		return
	}
	defer file.Close()
	domain := r.FormValue("domain")

	path, cleanup, err := s.saveUpload(file, header.Filename)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cleanup()

	s.ingestMu.Lock()
	report, err := s.pipe.IngestPath(r.Context(), path, domain)
	s.ingestMu.Unlock()
	s.recordIngest(report)

	if err != nil && report.Indexed == 0 {
		writeError(w, err)
		return
	}

	resp := uploadResponse{
		Status:     "success",
		Chunks:     report.Chunks,
		Indexed:    report.Indexed,
		Duplicates: report.Duplicates,
		Message:    fmt.Sprintf("indexed %d of %d chunks from %s", report.Indexed, report.Chunks, header.Filename),
	}
	if err != nil {
		resp.Status = "partial"
		resp.Message += ": " + err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveUpload keeps the original extension so the loader can pick the format.
func (s *Server) saveUpload(src io.Reader, name string) (string, func(), error) {
	dir, err := os.MkdirTemp(s.config.UploadDir, "upload-")
	if err != nil {
		return "", nil, fmt.Errorf("create upload dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		base = "upload"
	}
	path := filepath.Join(dir, base)

	dst, err := os.Create(path)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("save upload: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("%w: save upload: %w", types.ErrInput, err)
	}
	return path, cleanup, nil
}

func (s *Server) recordIngest(report pipeline.IngestReport) {
	s.metrics.ingested.WithLabelValues("indexed").Add(float64(report.Indexed))
	s.metrics.ingested.WithLabelValues("duplicate").Add(float64(report.Duplicates))
}

type queryRequest struct {
	Query  string     `json:"query"`
	Domain string     `json:"domain"`
	Source string     `json:"source"`
	From   *time.Time `json:"from"`
	To     *time.Time `json:"to"`
	TopK   int        `json:"top_k"`
	Limit  int        `json:"limit"`
}

func (q queryRequest) filters() models.Filters {
	return models.Filters{Domain: q.Domain, Source: q.Source, From: q.From, To: q.To}
}

type queryResult struct {
	Content      string           `json:"content"`
	Domain       string           `json:"domain"`
	Source       string           `json:"source"`
	Metadata     *models.Metadata `json:"metadata"`
	Timestamp    time.Time        `json:"timestamp"`
	Distance     float64          `json:"distance"`
	LexicalScore *float64         `json:"lexical_score,omitempty"`
	FinalScore   float64          `json:"final_score"`
}

type hitResult struct {
	ID        string           `json:"id"`
	Content   string           `json:"content"`
	Domain    string           `json:"domain"`
	Source    string           `json:"source"`
	Metadata  *models.Metadata `json:"metadata"`
	Timestamp time.Time        `json:"timestamp"`
	Score     float64          `json:"score"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}

	candidates, err := s.pipe.Query(r.Context(), pipeline.QueryRequest{
		Query:   req.Query,
		Filters: req.filters(),
		TopK:    req.TopK,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	results := make([]queryResult, len(candidates))
	for i, c := range candidates {
		results[i] = queryResult{
			Content:      Preview(c.Content, PreviewRunes),
			Domain:       c.Domain,
			Source:       c.Source,
			Metadata:     c.Metadata,
			Timestamp:    c.Timestamp,
			Distance:     c.Distance,
			LexicalScore: c.LexicalScore,
			FinalScore:   c.FinalScore,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": results})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}

	hits, err := s.pipe.Search(r.Context(), req.Query, req.filters(), req.TopK)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": req.Query, "results": hitResults(hits)})
}

func (s *Server) handleCards(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if !decode(w, r, &req) {
		return
	}

	hits, err := s.pipe.List(r.Context(), req.filters(), req.Limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cards": hitResults(hits)})
}

func hitResults(hits []models.Hit) []hitResult {
	out := make([]hitResult, len(hits))
	for i, h := range hits {
		out[i] = hitResult{
			ID:        h.ID,
			Content:   h.Content,
			Domain:    h.Domain,
			Source:    h.Source,
			Metadata:  h.Metadata,
			Timestamp: h.Timestamp,
			Score:     h.Distance,
		}
	}
	return out
}

// Preview cuts s to at most n runes, marking the cut with "...".
func Preview(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// gorilla connections allow one concurrent writer.
	var writeMu sync.Mutex
	send := func(msgType, content string, data any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(Message{Type: msgType, Content: content, Data: data}); err != nil {
			s.log.Warn("error sending message", "error", err)
		}
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("error reading message", "error", err)
			}
			return
		}
		s.handleMessage(r.Context(), msg, send)
	}
}

func (s *Server) handleMessage(ctx context.Context, msg Message, send func(string, string, any)) {
	query := strings.TrimSpace(msg.Content)

	if url := urlPattern.FindString(query); url != "" {
		send("status", fmt.Sprintf("Processing URL: %s", url), nil)

		var pages atomic.Int32
		ctx := loader.WithProgress(ctx, func(string) {
			send("progress", fmt.Sprintf("Scraped %d pages", pages.Add(1)), nil)
		})

		s.ingestMu.Lock()
		report, err := s.pipe.IngestURL(ctx, url, "")
		s.ingestMu.Unlock()
		s.recordIngest(report)
		if err != nil && report.Indexed == 0 {
			send("error", fmt.Sprintf("Failed to ingest URL: %v", err), nil)
			return
		}
		send("status", fmt.Sprintf("Indexed %d chunks from %d pages", report.Indexed, report.Documents), report)

		query = strings.TrimSpace(strings.Replace(query, url, "", 1))
		if query == "" {
			return
		}
	}

	candidates, err := s.pipe.Query(ctx, pipeline.QueryRequest{Query: query})
	if err != nil {
		send("error", fmt.Sprintf("Error querying documents: %v", err), nil)
		return
	}

	if s.config.Streaming {
		stream, err := s.chat.ChatStream(ctx, query, candidates)
		if err != nil {
			send("error", fmt.Sprintf("Error: %v", err), nil)
			return
		}
		for chunk := range stream {
			if strings.HasPrefix(chunk, "Error:") {
				send("error", chunk, nil)
				return
			}
			send("stream", chunk, nil)
		}
	} else {
		response, err := s.chat.Chat(ctx, query, candidates)
		if err != nil {
			send("error", fmt.Sprintf("Error: %v", err), nil)
			return
		}
		if len(response.Choices) == 0 {
			send("error", "Error: empty response", nil)
			return
		}
		send("response", response.Choices[0].Content, nil)
	}
	send("sources", llm.FormatSources(candidates), nil)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body: %w", types.ErrInput, err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, types.ErrInput):
		code = http.StatusBadRequest
	case errors.Is(err, types.ErrExternalService):
		code = http.StatusBadGateway
	}
	writeJSON(w, code, map[string]string{"status": "error", "error": err.Error()})
}
