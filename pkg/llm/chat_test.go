package llm_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/llm"
)

// stubModel answers every call with reply, streaming it word by word when a
// streaming func is set.
type stubModel struct {
	reply    string
	err      error
	messages []llms.MessageContent
	options  llms.CallOptions
}

func (s *stubModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	s.messages = messages
	for _, opt := range options {
		opt(&s.options)
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.options.StreamingFunc != nil {
		for _, w := range strings.SplitAfter(s.reply, " ") {
			if err := s.options.StreamingFunc(ctx, []byte(w)); err != nil {
				return nil, err
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: s.reply}}}, nil
}

func (s *stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, s, prompt, options...)
}

var chatConfig = llm.ChatConfig{
	Model:       "testmodel",
	Temperature: 0.5,
	MaxTokens:   1000,
}

func humanText(t *testing.T, messages []llms.MessageContent) string {
	t.Helper()
	for _, m := range messages {
		if m.Role == llms.ChatMessageTypeHuman {
			return m.Parts[0].(llms.TextContent).Text
		}
	}
	t.Fatal("no human message")
	return ""
}

func TestNewWithConfig(t *testing.T) {
	engine, err := llm.NewWithConfig(llm.ChatConfig{
		Model:       "testmodel",
		Temperature: 0.5,
		BaseURL:     "http://localhost:1234",
	})
	assert.NoError(t, err)
	assert.NotNil(t, engine)

	_, err = llm.NewWithConfig(llm.ChatConfig{Temperature: 2})
	assert.Error(t, err)
}

func TestChat(t *testing.T) {
	model := &stubModel{reply: "Colorful socks are great."}
	engine, err := llm.NewWithModel(chatConfig, model)
	require.NoError(t, err)

	candidates := []models.Candidate{
		{Content: "Socks come in many colors.", Source: "https://example.com/socks"},
	}
	resp, err := engine.Chat(context.Background(), "What do socks look like?", candidates)
	require.NoError(t, err)
	assert.Equal(t, "Colorful socks are great.", resp.Choices[0].Content)

	prompt := humanText(t, model.messages)
	assert.Contains(t, prompt, "Source: https://example.com/socks")
	assert.Contains(t, prompt, "Socks come in many colors.")
	assert.Contains(t, prompt, "What do socks look like?")
	assert.Equal(t, 1000, model.options.MaxTokens)
}

func TestChat_Error(t *testing.T) {
	engine, err := llm.NewWithModel(chatConfig, &stubModel{err: errors.New("boom")})
	require.NoError(t, err)

	_, err = engine.Chat(context.Background(), "q", nil)
	assert.ErrorContains(t, err, "boom")
}

func TestChatStream(t *testing.T) {
	engine, err := llm.NewWithModel(chatConfig, &stubModel{reply: "one two three"})
	require.NoError(t, err)

	stream, err := engine.ChatStream(context.Background(), "count", nil)
	require.NoError(t, err)

	var parts []string
	for p := range stream {
		parts = append(parts, p)
	}
	assert.Equal(t, []string{"one ", "two ", "three"}, parts)
}

func TestChatStream_Error(t *testing.T) {
	engine, err := llm.NewWithModel(chatConfig, &stubModel{err: errors.New("model offline")})
	require.NoError(t, err)

	stream, err := engine.ChatStream(context.Background(), "q", nil)
	require.NoError(t, err)

	var parts []string
	for p := range stream {
		parts = append(parts, p)
	}
	require.Len(t, parts, 1)
	assert.Equal(t, "Error: model offline", parts[0])
}

func TestFormatSources(t *testing.T) {
	assert.Empty(t, llm.FormatSources(nil))

	got := llm.FormatSources([]models.Candidate{
		{Source: "a.pdf"}, {Source: "b.txt"}, {Source: "a.pdf"}, {Source: ""},
	})
	assert.Equal(t, "\nSources:\na.pdf\nb.txt", got)
}

func TestNormalizer(t *testing.T) {
	chunk := models.Chunk{ID: "1", Domain: "raw", Source: "notes.txt", Text: "  messy   text ", Metadata: models.NewMetadata()}
	chunk.Metadata.Set(models.MetaChunkIndex, 0)

	tests := []struct {
		name       string
		reply      string
		categories []string
		wantText   string
		wantDomain string
		wantErr    bool
	}{
		{"plain", `{"content": "clean text", "type": "whatever"}`, nil, "clean text", "raw", false},
		{"fenced", "```json\n{\"content\": \"clean text\", \"type\": \"finance\"}\n```", []string{"finance"}, "clean text", "finance", false},
		{"bad json", `not json`, nil, "", "", true},
		{"empty content", `{"content": "  ", "type": "x"}`, nil, "", "", true},
		{"unknown category", `{"content": "ok", "type": "sports"}`, []string{"finance"}, "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := llm.NewNormalizer(llm.NormalizerConfig{Categories: tt.categories}, &stubModel{reply: tt.reply})
			require.NoError(t, err)

			got, err := n.Normalize(context.Background(), chunk)
			if tt.wantErr {
				assert.True(t, errors.Is(err, types.ErrExternalService), "got %v", err)
				assert.Equal(t, chunk.Text, got.Text)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, got.Text)
			assert.Equal(t, tt.wantDomain, got.Domain)
			idx, ok := got.ChunkIndex()
			assert.True(t, ok)
			assert.Equal(t, 0, idx)
		})
	}
}
