//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSink stores bundles in a Google Cloud Storage bucket keyed by content hash.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSSinkConfig holds configuration for GCSSink.
type GCSSinkConfig struct {
	Bucket string
	Prefix string
}

// NewGCSSink creates a GCS-backed sink using application default credentials.
func NewGCSSink(ctx context.Context, cfg GCSSinkConfig) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, data []byte) (string, error) {
	hash, raw := contentHash(data)
	obj := s.client.Bucket(s.bucket).Object(objectName(s.prefix, raw))
	if _, err := obj.Attrs(ctx); err == nil {
		return hash, nil
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return hash, nil
}

func (s *GCSSink) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(objectName(s.prefix, raw)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", hash, err)
	}
	defer func() { _ = reader.Close() }()
	return io.ReadAll(reader)
}

func (s *GCSSink) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(objectName(s.prefix, raw)).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Close closes the GCS client.
func (s *GCSSink) Close() error {
	return s.client.Close()
}
