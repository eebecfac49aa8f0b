package store

import (
	"github.com/xhad/ragpipe/internal/models"
)

// marshalMetadata encodes metadata as a JSON object in insertion order.
func marshalMetadata(md *models.Metadata) ([]byte, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	return md.MarshalJSON()
}

// unmarshalMetadata decodes a JSON object keeping key order. Numbers come back
// as float64.
func unmarshalMetadata(raw []byte) (*models.Metadata, error) {
	md := models.NewMetadata()
	if len(raw) == 0 || string(raw) == "null" {
		return md, nil
	}
	if err := md.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return md, nil
}
