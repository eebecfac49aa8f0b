package splitter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
	"github.com/xhad/ragpipe/pkg/tokenizer"
)

type Strategy int

const (
	SlidingToken Strategy = iota
	Sentence
	Paragraph
	Hybrid
)

var strategyNames = map[Strategy]string{
	SlidingToken: "sliding_token",
	Sentence:     "sentence",
	Paragraph:    "paragraph",
	Hybrid:       "hybrid",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy maps a configuration name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if strings.EqualFold(strings.TrimSpace(name), n) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown splitting strategy %q", types.ErrConfiguration, name)
}

const (
	paragraphSep = "\n\n"
	sentenceSep  = " "
)

var (
	sentenceEnd   = regexp.MustCompile(`[^.!?。！？]*[.!?。！？]+|[^.!?。！？]+$`)
	paragraphEnds = regexp.MustCompile(`\n\s*\n`)
)

type SplitterConfig struct {
	Strategy     Strategy
	ChunkSize    int
	ChunkOverlap int
	Tokenizer    tokenizer.Tokenizer
	Logger       logger.Logger
}

type Splitter struct {
	config SplitterConfig
	tok    tokenizer.Tokenizer
	log    logger.Logger
}

// NewWithConfig validates the configuration. A zero ChunkSize defaults to 512
// tokens; a nil Tokenizer defaults to Whitespace.
func NewWithConfig(config SplitterConfig) (*Splitter, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = 512
	}
	if config.ChunkSize < 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", types.ErrConfiguration, config.ChunkSize)
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("%w: chunk overlap %d must be in [0, %d)",
			types.ErrConfiguration, config.ChunkOverlap, config.ChunkSize)
	}
	if _, ok := strategyNames[config.Strategy]; !ok {
		return nil, fmt.Errorf("%w: unknown splitting strategy %s", types.ErrConfiguration, config.Strategy)
	}
	if config.Tokenizer == nil {
		config.Tokenizer = tokenizer.Whitespace{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	return &Splitter{
		config: config,
		tok:    config.Tokenizer,
		log:    config.Logger,
	}, nil
}

func (s *Splitter) Config() SplitterConfig { return s.config }

// Split cuts doc into ordered chunks. Each chunk gets its own copy of the
// document metadata plus chunk_index and chunk_total.
func (s *Splitter) Split(doc models.Document) ([]models.Chunk, error) {
	if strings.TrimSpace(doc.Text) == "" {
		return []models.Chunk{}, nil
	}

	var texts []string
	switch s.config.Strategy {
	case SlidingToken:
		texts = s.sliding(doc.Text)
	case Sentence:
		texts = s.sentences(doc.Text)
	case Paragraph:
		texts = s.paragraphs(doc.Text)
	case Hybrid:
		texts = s.hybrid(doc.Text)
	default:
		return nil, fmt.Errorf("%w: unknown splitting strategy %s", types.ErrConfiguration, s.config.Strategy)
	}

	chunks := make([]models.Chunk, 0, len(texts))
	for i, text := range texts {
		c := doc.Derive(text)
		c.Metadata.Set(models.MetaChunkIndex, i)
		c.Metadata.Set(models.MetaChunkTotal, len(texts))
		chunks = append(chunks, c)
	}

	s.log.Debug("split document", "source", doc.Source, "strategy", s.config.Strategy.String(), "chunks", len(chunks))
	return chunks, nil
}

// sliding emits fixed windows of ChunkSize tokens advancing by
// ChunkSize-ChunkOverlap. The last window is clipped and ends the walk.
// Windows made only of white space are dropped.
func (s *Splitter) sliding(text string) []string {
	tokens := s.tok.Tokenize(text)
	step := s.config.ChunkSize - s.config.ChunkOverlap

	var out []string
	for start := 0; start < len(tokens); start += step {
		end := min(start+s.config.ChunkSize, len(tokens))
		window := s.tok.Join(tokens[start:end])
		if strings.TrimSpace(window) != "" {
			out = append(out, window)
		}
		if end == len(tokens) {
			break
		}
	}
	return out
}

func (s *Splitter) sentences(text string) []string {
	return s.pack(splitSentences(text), sentenceSep)
}

func (s *Splitter) paragraphs(text string) []string {
	return s.pack(splitParagraphs(text), paragraphSep)
}

// hybrid escalates paragraph -> sentence -> sliding window for any unit
// still over budget, then re-packs the pieces.
func (s *Splitter) hybrid(text string) []string {
	var pieces []string
	for _, para := range splitParagraphs(text) {
		if s.count(para) <= s.config.ChunkSize {
			pieces = append(pieces, para)
			continue
		}
		for _, sc := range s.sentences(para) {
			if s.count(sc) <= s.config.ChunkSize {
				pieces = append(pieces, sc)
				continue
			}
			pieces = append(pieces, s.sliding(sc)...)
		}
	}
	return s.pack(pieces, paragraphSep)
}

// pack greedily joins consecutive units while the running token count stays
// within ChunkSize. A unit that alone exceeds the budget becomes its own
// oversized chunk.
func (s *Splitter) pack(units []string, sep string) []string {
	var (
		out     []string
		current []string
		tokens  int
	)
	for _, u := range units {
		n := s.count(u)
		if len(current) > 0 && tokens+n > s.config.ChunkSize {
			out = append(out, strings.Join(current, sep))
			current, tokens = nil, 0
		}
		current = append(current, u)
		tokens += n
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, sep))
	}
	return out
}

func (s *Splitter) count(text string) int {
	return tokenizer.Count(s.tok, text)
}

// splitSentences keeps terminal punctuation attached to its sentence.
func splitSentences(text string) []string {
	var out []string
	for _, m := range sentenceEnd.FindAllString(text, -1) {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphEnds.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
