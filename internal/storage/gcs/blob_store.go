// Package gcs provides a Blob backed by a Google Cloud Storage object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	gcstorage "cloud.google.com/go/storage"

	"github.com/JakeFAU/linewatch/internal/storage"
)

// DefaultObject is the object name used when none is configured.
const DefaultObject = "linewatch/subscriptions.json"

// Config captures the parameters required to locate the document.
type Config struct {
	Bucket string
	Object string
}

// BlobStore keeps one document in a GCS bucket.
type BlobStore struct {
	client *gcstorage.Client
	bucket string
	object string
}

var _ storage.Blob = (*BlobStore)(nil)

// New creates a GCS-backed blob.
func New(client *gcstorage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	object := strings.TrimPrefix(cfg.Object, "/")
	if object == "" {
		object = DefaultObject
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
		object: object,
	}, nil
}

// Location returns the gs:// URI of the document.
func (s *BlobStore) Location() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Read downloads the document or returns storage.ErrNotFound.
func (s *BlobStore) Read(ctx context.Context) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, gcstorage.ErrObjectNotExist) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// Write uploads data, replacing the previous document.
func (s *BlobStore) Write(ctx context.Context, data []byte) error {
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	writer.CacheControl = "no-store"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
