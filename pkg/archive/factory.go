package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// SinkType selects the archive backend.
type SinkType string

const (
	SinkTypeFS  SinkType = "fs"
	SinkTypeS3  SinkType = "s3"
	SinkTypeGCS SinkType = "gcs"
)

// NewSinkFromEnv creates a sink based on environment variables.
//
// Environment variables:
//   - GOVKERNEL_ARCHIVE_TYPE: "fs" (default), "s3", or "gcs"
//   - GOVKERNEL_ARCHIVE_DIR: directory for the filesystem sink (default: "archive")
//
// For S3:
//   - ARCHIVE_S3_REGION or AWS_REGION
//   - ARCHIVE_S3_BUCKET (required)
//   - ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - ARCHIVE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - ARCHIVE_GCS_BUCKET (required)
//   - ARCHIVE_GCS_PREFIX (optional)
func NewSinkFromEnv(ctx context.Context) (Sink, error) {
	sinkType := SinkType(os.Getenv("GOVKERNEL_ARCHIVE_TYPE"))
	if sinkType == "" {
		sinkType = SinkTypeFS
	}

	switch sinkType {
	case SinkTypeFS:
		dir := os.Getenv("GOVKERNEL_ARCHIVE_DIR")
		if dir == "" {
			dir = "archive"
		}
		return NewFileSink(filepath.Clean(dir))
	case SinkTypeS3:
		return newS3SinkFromEnv(ctx)
	case SinkTypeGCS:
		return newGCSSinkFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported archive type: %s", sinkType)
	}
}

func newS3SinkFromEnv(ctx context.Context) (Sink, error) {
	bucket := os.Getenv("ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("ARCHIVE_S3_BUCKET is required for S3 archive")
	}

	region := os.Getenv("ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	return NewS3Sink(ctx, S3SinkConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("ARCHIVE_S3_PREFIX"),
	})
}
