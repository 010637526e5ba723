// Package gcs uploads export artifacts to a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	// Metadata is attached to every uploaded object.
	Metadata map[string]string
}

// openFunc opens a writer for one object; swapped out in tests.
type openFunc func(ctx context.Context, object string, attrs storage.ObjectAttrs) io.WriteCloser

// BlobStore writes artifacts to a configured GCS bucket.
type BlobStore struct {
	bucket   string
	metadata map[string]string
	open     openFunc
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	bucket := client.Bucket(cfg.Bucket)
	return &BlobStore{
		bucket:   cfg.Bucket,
		metadata: cfg.Metadata,
		open: func(ctx context.Context, object string, attrs storage.ObjectAttrs) io.WriteCloser {
			w := bucket.Object(object).NewWriter(ctx)
			w.ContentType = attrs.ContentType
			w.Metadata = attrs.Metadata
			return w
		},
	}, nil
}

// PutObject uploads data and returns a gs:// URI. The object becomes visible
// only when the upload completes.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	object := strings.TrimLeft(path, "/")
	if strings.TrimSpace(object) == "" {
		return "", fmt.Errorf("path is required")
	}
	writer := s.open(ctx, object, storage.ObjectAttrs{ContentType: contentType, Metadata: s.metadata})
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
