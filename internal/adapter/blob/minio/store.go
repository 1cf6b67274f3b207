// Package minio offloads evaluation outputs that exceed the inline threshold
// to any S3-compatible object store.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Store implements domain.BlobStore on top of MinIO/S3.
type Store struct {
	client *minio.Client
	bucket string
}

// New builds the client and ensures the bucket exists.
func New(ctx context.Context, cfg config.Config) (*Store, error) {
	client, err := minio.New(cfg.BlobEndpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.BlobAccessKey, cfg.BlobSecretKey, ""),
		Secure:    cfg.BlobUseTLS,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	if err != nil {
		return nil, fmt.Errorf("op=blob.new: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BlobBucket)
	if err != nil {
		return nil, fmt.Errorf("op=blob.bucket_check: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BlobBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("op=blob.bucket_create: %w", err)
		}
	}
	return &Store{client: client, bucket: cfg.BlobBucket}, nil
}

// Put stores data under key and returns the canonical location string
// recorded on the evaluation (s3://bucket/key).
func (s *Store) Put(ctx domain.Context, key string, data []byte) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("op=blob.put: %w: %w", domain.ErrStorageUnavailable, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Get reads the full object under key.
func (s *Store) Get(ctx domain.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %w", err)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("op=blob.get: %w", err)
	}
	return data, nil
}

// OutputKey is the fixed object layout for evaluation outputs.
func OutputKey(evalID string) string { return evalID + "/output" }
