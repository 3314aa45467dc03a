package storage

import (
	"context"
	"io"
)

// SavedObject describes where uploaded bytes ended up: the key needed to
// delete them later and the URL stored on records for retrieval.
type SavedObject struct {
	Key string
	URL string
}

// BlobStore persists uploaded file bytes.
type BlobStore interface {
	Save(ctx context.Context, name string, r io.Reader, size int64, contentType string) (SavedObject, error)
	Delete(ctx context.Context, key string) error
}
