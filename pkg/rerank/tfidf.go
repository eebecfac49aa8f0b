package rerank

import (
	"math"
	"sort"
)

// tfidf is a small document-term space with smoothed idf,
// idf(t) = ln((1+n)/(1+df(t))) + 1, raw term counts and L2 normalized rows.
type tfidf struct {
	vocab []string
	rows  []sparse
}

// sparse maps a vocabulary index to a weight.
type sparse map[int]float64

func newTFIDF(docs [][]string) *tfidf {
	df := make(map[string]int)
	for _, terms := range docs {
		seen := make(map[string]bool, len(terms))
		for _, t := range terms {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}

	vocab := make([]string, 0, len(df))
	for t := range df {
		vocab = append(vocab, t)
	}
	sort.Strings(vocab)
	index := make(map[string]int, len(vocab))
	for i, t := range vocab {
		index[t] = i
	}

	n := float64(len(docs))
	idf := make([]float64, len(vocab))
	for i, t := range vocab {
		idf[i] = math.Log((1+n)/(1+float64(df[t]))) + 1
	}

	rows := make([]sparse, len(docs))
	for d, terms := range docs {
		row := make(sparse, len(terms))
		for _, t := range terms {
			row[index[t]]++
		}
		var norm float64
		for _, k := range row.keys() {
			w := row[k] * idf[k]
			row[k] = w
			norm += w * w
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for k := range row {
				row[k] /= norm
			}
		}
		rows[d] = row
	}

	return &tfidf{vocab: vocab, rows: rows}
}

func (s *tfidf) vector(doc int) sparse { return s.rows[doc] }

// keys returns the populated indexes in ascending order. Sums are taken in
// this order so repeated runs produce identical floats.
func (a sparse) keys() []int {
	keys := make([]int, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func (a sparse) dot(b sparse) float64 {
	var sum float64
	for _, k := range a.keys() {
		if w, ok := b[k]; ok {
			sum += a[k] * w
		}
	}
	return sum
}
