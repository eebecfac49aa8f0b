package models

import (
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Metadata keys written by the splitter.
const (
	MetaChunkIndex = "chunk_index"
	MetaChunkTotal = "chunk_total"
)

// Metadata is an insertion-ordered string keyed map.
type Metadata = orderedmap.OrderedMap[string, any]

func NewMetadata() *Metadata {
	return orderedmap.New[string, any]()
}

// MetadataFrom builds ordered metadata from a plain map. Keys are inserted in
// the order given by keys; keys missing from m are skipped.
func MetadataFrom(m map[string]any, keys ...string) *Metadata {
	md := NewMetadata()
	for _, k := range keys {
		if v, ok := m[k]; ok {
			md.Set(k, v)
		}
	}
	return md
}

// CloneMetadata returns a copy of md. Nested maps and slices are shared.
func CloneMetadata(md *Metadata) *Metadata {
	out := NewMetadata()
	if md == nil {
		return out
	}
	for pair := md.Oldest(); pair != nil; pair = pair.Next() {
		out.Set(pair.Key, pair.Value)
	}
	return out
}

type Document struct {
	ID        string
	Domain    string
	Source    string
	Text      string
	Metadata  *Metadata
	Timestamp time.Time
}

// Chunk is a Document cut from a larger one. Metadata carries chunk_index and
// chunk_total.
type Chunk = Document

// Derive copies doc with new text and a private copy of its metadata.
func (d Document) Derive(text string) Document {
	out := d
	out.Text = text
	out.Metadata = CloneMetadata(d.Metadata)
	return out
}

// ChunkIndex reports the chunk_index metadata value, if set.
func (d Document) ChunkIndex() (int, bool) {
	return d.intMeta(MetaChunkIndex)
}

// ChunkTotal reports the chunk_total metadata value, if set.
func (d Document) ChunkTotal() (int, bool) {
	return d.intMeta(MetaChunkTotal)
}

func (d Document) intMeta(key string) (int, bool) {
	if d.Metadata == nil {
		return 0, false
	}
	v, ok := d.Metadata.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
