package rerank

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
	"github.com/xhad/ragpipe/pkg/tokenizer"
)

type Mode int

const (
	// Lexical orders by TF-IDF similarity to the query alone.
	Lexical Mode = iota
	// Mixed blends the ANN similarity with the min-max normalized lexical
	// score.
	Mixed
)

func (m Mode) String() string {
	switch m {
	case Lexical:
		return "lexical"
	case Mixed:
		return "mixed"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the canonical names plus the legacy aliases
// "cross_encoder", "bm25" and "embedding_bm25_mixed".
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "lexical", "bm25", "cross_encoder":
		return Lexical, nil
	case "mixed", "embedding_bm25_mixed":
		return Mixed, nil
	}
	return 0, fmt.Errorf("%w: unknown reranker mode %q", types.ErrConfiguration, name)
}

type Weights struct {
	ANN     float64 `yaml:"ann" json:"ann"`
	Lexical float64 `yaml:"lexical" json:"lexical"`
}

var DefaultWeights = Weights{ANN: 0.7, Lexical: 0.3}

type RerankerConfig struct {
	Mode      Mode
	Weights   Weights
	Tokenizer tokenizer.Tokenizer
	Logger    logger.Logger
}

type Reranker struct {
	config RerankerConfig
	tok    tokenizer.Tokenizer
	log    logger.Logger
}

func NewWithConfig(config RerankerConfig) (*Reranker, error) {
	switch config.Mode {
	case Lexical:
	case Mixed:
		w := config.Weights
		if w.ANN < 0 || w.Lexical < 0 || math.IsNaN(w.ANN) || math.IsNaN(w.Lexical) {
			return nil, fmt.Errorf("%w: reranker weights must be non-negative, got %+v", types.ErrConfiguration, w)
		}
		if w.ANN == 0 && w.Lexical == 0 {
			return nil, fmt.Errorf("%w: mixed reranker needs at least one non-zero weight", types.ErrConfiguration)
		}
	default:
		return nil, fmt.Errorf("%w: unknown reranker mode %s", types.ErrConfiguration, config.Mode)
	}
	if config.Tokenizer == nil {
		config.Tokenizer = tokenizer.Whitespace{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	return &Reranker{config: config, tok: config.Tokenizer, log: config.Logger}, nil
}

// Rerank returns a scored copy of candidates sorted by FinalScore, highest
// first. Equal scores keep their input order. The input slice is not
// modified.
func (r *Reranker) Rerank(query string, candidates []models.Candidate) []models.Candidate {
	if len(candidates) == 0 {
		return []models.Candidate{}
	}

	out := slices.Clone(candidates)
	lexical := r.lexicalScores(query, out)
	for i := range out {
		s := lexical[i]
		out[i].LexicalScore = &s
	}

	switch r.config.Mode {
	case Lexical:
		for i := range out {
			out[i].FinalScore = lexical[i]
		}
	case Mixed:
		norm := minMax(lexical)
		w := r.config.Weights
		for i := range out {
			out[i].FinalScore = w.ANN*out[i].Distance + w.Lexical*norm[i]
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinalScore > out[j].FinalScore
	})

	r.log.Debug("reranked candidates", "mode", r.config.Mode.String(), "count", len(out))
	return out
}

// lexicalScores fits a TF-IDF space over the candidate contents plus the
// query and returns each candidate's dot product with the query row. Rows are
// L2 normalized, so the score is a cosine in [0, 1].
func (r *Reranker) lexicalScores(query string, candidates []models.Candidate) []float64 {
	docs := make([][]string, 0, len(candidates)+1)
	for _, c := range candidates {
		docs = append(docs, tokenizer.Terms(r.tok, c.Content))
	}
	docs = append(docs, tokenizer.Terms(r.tok, query))

	space := newTFIDF(docs)
	q := space.vector(len(docs) - 1)

	scores := make([]float64, len(candidates))
	for i := range candidates {
		scores[i] = space.vector(i).dot(q)
	}
	return scores
}

// minMax rescales xs into [0, 1]. When every value is equal the result is all
// zeros.
func minMax(xs []float64) []float64 {
	lo, hi := slices.Min(xs), slices.Max(xs)
	out := make([]float64, len(xs))
	if hi == lo {
		return out
	}
	for i, x := range xs {
		out[i] = (x - lo) / (hi - lo)
	}
	return out
}
