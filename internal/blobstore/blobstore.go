// Package blobstore holds screenshot payloads. The inline store keeps the
// base64-encoded bytes in the record itself; the HCP store uploads to an
// S3-compatible bucket and the record carries the object URL.
package blobstore

import (
	"context"
	"encoding/base64"
)

// Store persists one named blob and returns the payload string written into
// the owning record.
type Store interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
}

// InlineStore base64-encodes the blob into the record.
type InlineStore struct{}

func NewInlineStore() *InlineStore { return &InlineStore{} }

func (s *InlineStore) Store(_ context.Context, _ string, data []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(data), nil
}
