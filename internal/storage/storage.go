package storage

import (
	"context"
	"io"
	"time"
)

// PutResult reports a completed upload.
type PutResult struct {
	Key  string
	Size int64
}

// ObjectStore is the minimal object-storage surface the job engine consumes.
type ObjectStore interface {
	// PutStream uploads from r until EOF. The object size need not be known
	// in advance; the implementation streams with multipart parts.
	PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (*PutResult, error)

	// GetStream opens the object for reading. The caller closes the stream.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)

	// PresignGet issues a time-limited download URL for the object.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
