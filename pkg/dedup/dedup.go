// Package dedup suppresses repeated chunks during one ingestion run.
//
// IsDuplicate is check-and-insert: the first sighting of a fingerprint is
// recorded and reported as new, later matches are reported as duplicates and
// not recorded again. A Deduplicator is not safe for concurrent use.
package dedup

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"strings"

	"github.com/mfonda/simhash"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/internal/types"
	"github.com/xhad/ragpipe/pkg/logger"
	"github.com/xhad/ragpipe/pkg/tokenizer"
)

type Strategy int

const (
	MD5 Strategy = iota
	Simhash
	Embedding
)

var strategyNames = map[Strategy]string{
	MD5:       "md5",
	Simhash:   "simhash",
	Embedding: "embedding",
}

func (s Strategy) String() string {
	if n, ok := strategyNames[s]; ok {
		return n
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if strings.EqualFold(strings.TrimSpace(name), n) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown dedup strategy %q", types.ErrConfiguration, name)
}

const (
	DefaultSimhashThreshold   = 3
	DefaultEmbeddingThreshold = 0.95
	shingleWidth              = 4
)

type DedupConfig struct {
	Strategy Strategy
	// MD5Threshold is accepted for configuration compatibility; md5 matching
	// is always exact.
	MD5Threshold float64
	// SimhashThreshold is the largest Hamming distance treated as a duplicate.
	// Required by the simhash strategy; zero matches identical fingerprints
	// only.
	SimhashThreshold *int
	// EmbeddingThreshold is the smallest cosine similarity treated as a
	// duplicate. Required by the embedding strategy.
	EmbeddingThreshold *float64
	// Capacity bounds the number of stored fingerprints; the oldest is evicted
	// first. Zero keeps everything for the life of the instance.
	Capacity  int
	Tokenizer tokenizer.Tokenizer
	Logger    logger.Logger
}

type Deduplicator struct {
	config DedupConfig
	tok    tokenizer.Tokenizer
	log    logger.Logger

	hashes  map[string]struct{}
	order   []string
	prints  []uint64
	vectors [][]float64
}

// NewWithConfig validates config. The threshold of the selected strategy
// must be set.
func NewWithConfig(config DedupConfig) (*Deduplicator, error) {
	if _, ok := strategyNames[config.Strategy]; !ok {
		return nil, fmt.Errorf("%w: unknown dedup strategy %s", types.ErrConfiguration, config.Strategy)
	}
	switch {
	case config.Strategy == Simhash && config.SimhashThreshold == nil:
		return nil, fmt.Errorf("%w: simhash strategy needs a threshold", types.ErrConfiguration)
	case config.Strategy == Embedding && config.EmbeddingThreshold == nil:
		return nil, fmt.Errorf("%w: embedding strategy needs a threshold", types.ErrConfiguration)
	}
	if t := config.SimhashThreshold; t != nil && (*t < 0 || *t > 64) {
		return nil, fmt.Errorf("%w: simhash threshold %d out of range [0, 64]", types.ErrConfiguration, *t)
	}
	if t := config.EmbeddingThreshold; t != nil && (*t < -1 || *t > 1) {
		return nil, fmt.Errorf("%w: embedding threshold %g out of range [-1, 1]", types.ErrConfiguration, *t)
	}
	if config.Capacity < 0 {
		return nil, fmt.Errorf("%w: negative dedup capacity %d", types.ErrConfiguration, config.Capacity)
	}
	if config.Tokenizer == nil {
		config.Tokenizer = tokenizer.Whitespace{}
	}
	if config.Logger == nil {
		config.Logger = logger.NewNop()
	}

	return &Deduplicator{
		config: config,
		tok:    config.Tokenizer,
		log:    config.Logger,
		hashes: make(map[string]struct{}),
	}, nil
}

func (d *Deduplicator) Strategy() Strategy { return d.config.Strategy }

// NeedsVector reports whether IsDuplicate requires the chunk embedding.
func (d *Deduplicator) NeedsVector() bool { return d.config.Strategy == Embedding }

// IsDuplicate reports whether chunk was already seen and records it if not.
// vector is only read by the embedding strategy.
func (d *Deduplicator) IsDuplicate(chunk models.Chunk, vector []float32) (bool, error) {
	switch d.config.Strategy {
	case MD5:
		return d.checkMD5(chunk.Text), nil
	case Simhash:
		return d.checkSimhash(chunk.Text), nil
	case Embedding:
		return d.checkEmbedding(vector)
	}
	return false, fmt.Errorf("%w: unknown dedup strategy %s", types.ErrConfiguration, d.config.Strategy)
}

// Len reports the number of stored fingerprints.
func (d *Deduplicator) Len() int {
	switch d.config.Strategy {
	case MD5:
		return len(d.hashes)
	case Simhash:
		return len(d.prints)
	case Embedding:
		return len(d.vectors)
	}
	return 0
}

// Reset forgets every stored fingerprint.
func (d *Deduplicator) Reset() {
	d.hashes = make(map[string]struct{})
	d.order = nil
	d.prints = nil
	d.vectors = nil
}

func (d *Deduplicator) checkMD5(text string) bool {
	sum := md5.Sum([]byte(text))
	key := hex.EncodeToString(sum[:])
	if _, ok := d.hashes[key]; ok {
		return true
	}

	d.hashes[key] = struct{}{}
	d.order = append(d.order, key)
	if c := d.config.Capacity; c > 0 && len(d.order) > c {
		delete(d.hashes, d.order[0])
		d.order = d.order[1:]
	}
	return false
}

func (d *Deduplicator) checkSimhash(text string) bool {
	fp := d.fingerprint(text)
	limit := uint8(*d.config.SimhashThreshold)
	for _, seen := range d.prints {
		if simhash.Compare(fp, seen) <= limit {
			return true
		}
	}

	d.prints = append(d.prints, fp)
	if c := d.config.Capacity; c > 0 && len(d.prints) > c {
		d.prints = d.prints[1:]
	}
	return false
}

// fingerprint hashes overlapping shingles of lower-cased tokens.
func (d *Deduplicator) fingerprint(text string) uint64 {
	toks := d.tok.Tokenize(strings.ToLower(text))
	words := make([][]byte, 0, len(toks))
	for _, t := range toks {
		if t = strings.TrimSpace(t); t != "" {
			words = append(words, []byte(t))
		}
	}
	if len(words) == 0 {
		return 0
	}

	w := min(shingleWidth, len(words))
	shingles := simhash.Shingle(w, words)
	features := make([]simhash.Feature, 0, len(shingles))
	for _, sh := range shingles {
		features = append(features, simhash.NewFeature(bytes.Clone(sh)))
	}
	return simhash.Fingerprint(simhash.Vectorize(features))
}

func (d *Deduplicator) checkEmbedding(vector []float32) (bool, error) {
	if len(vector) == 0 {
		return false, fmt.Errorf("%w: embedding dedup requires a vector", types.ErrInput)
	}
	v, err := unit(vector)
	if err != nil {
		return false, err
	}
	if len(d.vectors) > 0 && len(d.vectors[0]) != len(v) {
		return false, fmt.Errorf("%w: vector dimension %d does not match stored dimension %d",
			types.ErrInput, len(v), len(d.vectors[0]))
	}

	for _, seen := range d.vectors {
		if dot(v, seen) >= *d.config.EmbeddingThreshold {
			return true, nil
		}
	}

	d.vectors = append(d.vectors, v)
	if c := d.config.Capacity; c > 0 && len(d.vectors) > c {
		d.vectors = d.vectors[1:]
	}
	return false, nil
}

func unit(v []float32) ([]float64, error) {
	out := make([]float64, len(v))
	var norm float64
	for i, x := range v {
		out[i] = float64(x)
		norm += out[i] * out[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("%w: vector has no usable norm", types.ErrInput)
	}
	for i := range out {
		out[i] /= norm
	}
	return out, nil
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
