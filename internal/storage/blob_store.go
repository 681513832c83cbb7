package storage

import (
	"context"
)

// BlobStore holds source and converted image bytes by key. Get on a missing
// key returns domain.ErrNotFound; Delete of a missing key is not an error.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}
