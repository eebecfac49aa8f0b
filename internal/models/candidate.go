package models

import "time"

// Hit is a stored record returned by a vector store. Distance is a similarity
// value where larger means closer.
type Hit struct {
	ID        string
	Domain    string
	Source    string
	Content   string
	Metadata  *Metadata
	Timestamp time.Time
	Distance  float64
}

// Filters are conjunctive predicates applied by a vector store. Zero values
// match everything.
type Filters struct {
	Domain string
	Source string
	From   *time.Time
	To     *time.Time
}

// Match reports whether a hit satisfies every set predicate.
func (f Filters) Match(h Hit) bool {
	if f.Domain != "" && h.Domain != f.Domain {
		return false
	}
	if f.Source != "" && h.Source != f.Source {
		return false
	}
	if f.From != nil && h.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && h.Timestamp.After(*f.To) {
		return false
	}
	return true
}

// Candidate is a query-time record handed to the reranker.
//
// Content and Distance are required. LexicalScore stays nil until a lexical
// pass has scored the candidate. FinalScore is the ordering key.
type Candidate struct {
	Content      string
	Domain       string
	Source       string
	Metadata     *Metadata
	Timestamp    time.Time
	Distance     float64
	LexicalScore *float64
	FinalScore   float64
}

// CandidateFromHit formats a search hit for reranking. FinalScore starts at
// the ANN similarity so an un-reranked list is still ordered meaningfully.
func CandidateFromHit(h Hit) Candidate {
	md := h.Metadata
	if md == nil {
		md = NewMetadata()
	}
	return Candidate{
		Content:    h.Content,
		Domain:     h.Domain,
		Source:     h.Source,
		Metadata:   md,
		Timestamp:  h.Timestamp,
		Distance:   h.Distance,
		FinalScore: h.Distance,
	}
}

// Lexical returns the lexical score or 0 when none was computed.
func (c Candidate) Lexical() float64 {
	if c.LexicalScore == nil {
		return 0
	}
	return *c.LexicalScore
}
