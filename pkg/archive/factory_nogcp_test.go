//go:build !gcp

package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSinkFromEnv_GCSDisabled(t *testing.T) {
	t.Setenv("GOVKERNEL_ARCHIVE_TYPE", "gcs")
	_, err := NewSinkFromEnv(context.Background())
	assert.ErrorContains(t, err, "-tags gcp")
}
