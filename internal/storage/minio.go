package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/bulk-jobs-api/internal/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

const (
	// multipart tuning for large exports
	partSize       = 5 * 1024 * 1024
	uploadParallel = 4
)

// MinioStore implements ObjectStore against any S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
	log    zerolog.Logger
}

// NewMinioStore connects to the object storage endpoint and ensures the
// bucket exists.
func NewMinioStore(cfg *config.StorageConfig, log zerolog.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	store := &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "storage").Logger(),
	}

	store.log.Info().
		Str("endpoint", cfg.Endpoint).
		Str("bucket", cfg.Bucket).
		Msg("Object storage ready")

	return store, nil
}

// PutStream uploads from r with 5 MiB multipart parts, up to 4 in flight.
// Passing -1 as size makes the client stream until EOF.
func (s *MinioStore) PutStream(ctx context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (*PutResult, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType:           contentType,
		UserMetadata:          metadata,
		PartSize:              partSize,
		NumThreads:            uploadParallel,
		ConcurrentStreamParts: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}

	s.log.Debug().Str("key", key).Int64("size", info.Size).Msg("Object uploaded")
	return &PutResult{Key: key, Size: info.Size}, nil
}

// GetStream opens the object for reading.
func (s *MinioStore) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	// GetObject is lazy; surface missing objects now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return obj, nil
}

// PresignGet issues a presigned download URL.
func (s *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return u.String(), nil
}
