package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-ego/gse"
)

var (
	dictOnce sync.Once
	dictSeg  *gse.Segmenter
	dictErr  error
)

// Segmenter is a dictionary based tokenizer. Whitespace runs are kept as
// tokens and every token is a slice of the input, so Join reconstructs the
// input exactly, case included.
type Segmenter struct {
	seg *gse.Segmenter
}

// NewSegmenter loads the embedded dictionary once per process and shares it;
// gse lookups are read-only after loading.
func NewSegmenter() (*Segmenter, error) {
	dictOnce.Do(func() {
		var seg gse.Segmenter
		if err := seg.LoadDict(); err != nil {
			dictErr = fmt.Errorf("load segmenter dictionary: %w", err)
			return
		}
		dictSeg = &seg
	})
	if dictErr != nil {
		return nil, dictErr
	}
	return &Segmenter{seg: dictSeg}, nil
}

// Tokenize cuts text with gse and maps each piece back onto text. gse lower
// cases Latin letters, which keeps rune counts but not byte lengths, so the
// pieces are re-sliced by rune count.
func (s *Segmenter) Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	raw := s.seg.Cut(text, true)
	out := make([]string, 0, len(raw))
	pos := 0
	for _, t := range raw {
		end := pos
		for n := utf8.RuneCountInString(t); n > 0 && end < len(text); n-- {
			_, size := utf8.DecodeRuneInString(text[end:])
			end += size
		}
		if end == pos {
			continue
		}
		out = append(out, text[pos:end])
		pos = end
	}
	if pos < len(text) {
		out = append(out, text[pos:])
	}
	return out
}

func (s *Segmenter) Join(tokens []string) string { return strings.Join(tokens, "") }
func (s *Segmenter) Name() string                { return string(KindSegmenter) }
