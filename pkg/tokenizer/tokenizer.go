// Package tokenizer segments text into tokens for chunk size accounting and
// lexical scoring.
//
// Two implementations exist. Segmenter uses a jieba compatible dictionary and
// handles scripts without whitespace word boundaries. Whitespace splits on
// runs of white space only. Falling back to Whitespace changes chunk sizes: an
// unbroken CJK run counts as a single token.
package tokenizer

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
)

// Tokenizer is deterministic and side-effect free.
type Tokenizer interface {
	Tokenize(text string) []string
	// Join is the inverse used to turn a token window back into text.
	Join(tokens []string) string
	Name() string
}

type Kind string

const (
	KindSegmenter  Kind = "segmenter"
	KindWhitespace Kind = "whitespace"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindSegmenter, "":
		return KindSegmenter, nil
	case KindWhitespace:
		return KindWhitespace, nil
	}
	return "", fmt.Errorf("%w: unknown tokenizer %q", types.ErrConfiguration, s)
}

// New builds the requested tokenizer. When the segmenter dictionary cannot be
// loaded it logs a warning and returns Whitespace.
func New(kind Kind, log logger.Logger) Tokenizer {
	if log == nil {
		log = logger.NewNop()
	}
	switch kind {
	case KindWhitespace:
		return Whitespace{}
	case KindSegmenter:
		seg, err := NewSegmenter()
		if err != nil {
			log.Warn("segmenter unavailable, falling back to whitespace tokenizer", "error", err)
			return Whitespace{}
		}
		return seg
	}
	return Whitespace{}
}

// Count returns the number of tokens tok produces for text.
func Count(tok Tokenizer, text string) int {
	return len(tok.Tokenize(text))
}

// Whitespace splits on unicode white space.
type Whitespace struct{}

func (Whitespace) Tokenize(text string) []string { return strings.Fields(text) }
func (Whitespace) Join(tokens []string) string   { return strings.Join(tokens, " ") }
func (Whitespace) Name() string                  { return string(KindWhitespace) }

// Terms returns the lower-cased content words of text: tokens with leading and
// trailing punctuation trimmed, dropping tokens that carry no letter or digit.
// Single-rune terms are dropped unless they are Han ideographs, matching the
// two-character minimum of common TF-IDF vectorizers.
func Terms(tok Tokenizer, text string) []string {
	raw := tok.Tokenize(text)
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		t = strings.TrimFunc(t, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if t == "" {
			continue
		}
		if r, size := utf8.DecodeRuneInString(t); size == len(t) && !unicode.Is(unicode.Han, r) {
			continue
		}
		out = append(out, strings.ToLower(t))
	}
	return out
}
