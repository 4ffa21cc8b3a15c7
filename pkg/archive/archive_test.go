package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govkernel/pkg/recorder"
)

func sealedBundle(t *testing.T) *recorder.Bundle {
	t.Helper()
	ctx := context.Background()
	rec, err := recorder.Open(ctx, filepath.Join(t.TempDir(), "audit.db"), recorder.WithBackgroundFlush(false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = rec.Close() })

	for _, agent := range []string{"agent-a", "agent-b", "agent-a"} {
		id, err := rec.StartTrace(ctx, agent, "read_file", map[string]any{"path": "/data/x"}, "")
		require.NoError(t, err)
		ms := 1.5
		require.NoError(t, rec.LogSuccess(ctx, id, "ok", &ms))
	}
	b, err := rec.ExportBundle(ctx, recorder.Filter{})
	require.NoError(t, err)
	return b
}

func TestArchiver_RoundTrip(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)
	a := New(sink)

	b := sealedBundle(t)
	hash, err := a.Store(ctx, b)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "sha256:"))

	again, err := a.Store(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, hash, again, "same bundle, same address")

	loaded, err := a.Load(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, b.BundleID, loaded.BundleID)
	assert.Equal(t, b.ChainHead, loaded.ChainHead)
	assert.Len(t, loaded.Entries, 3)
}

func TestArchiver_RefusesBrokenBundle(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	b := sealedBundle(t)
	b.Entries[1].AgentID = "mallory"
	_, err = New(sink).Store(context.Background(), b)
	assert.Error(t, err)
}

func TestArchiver_DetectsCorruptObject(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	a := New(sink)

	hash, err := a.Store(ctx, sealedBundle(t))
	require.NoError(t, err)

	path := filepath.Join(dir, strings.TrimPrefix(hash, "sha256:")+".bundle.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(string(data), "agent-b", "agent-c", 1)), 0o600))

	_, err = a.Load(ctx, hash)
	assert.ErrorContains(t, err, "corrupt")
}

func TestFileSink(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(filepath.Join(t.TempDir(), "nested", "archive"))
	require.NoError(t, err)

	hash, err := sink.Put(ctx, []byte(`{"hello":"world"}`))
	require.NoError(t, err)

	ok, err := sink.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := sink.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(data))

	missing := "sha256:" + strings.Repeat("0", 64)
	ok, err = sink.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = sink.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	for _, bad := range []string{"md5:abc", "sha256:zz", "sha256:abcd", "../../etc/passwd"} {
		_, err = sink.Get(ctx, bad)
		assert.Error(t, err, bad)
	}
}

func TestNewSinkFromEnv(t *testing.T) {
	ctx := context.Background()

	t.Run("default fs", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("GOVKERNEL_ARCHIVE_TYPE", "")
		t.Setenv("GOVKERNEL_ARCHIVE_DIR", dir)
		sink, err := NewSinkFromEnv(ctx)
		require.NoError(t, err)
		fs, ok := sink.(*FileSink)
		require.True(t, ok)
		assert.Equal(t, dir, fs.baseDir)
	})

	t.Run("s3 without bucket", func(t *testing.T) {
		t.Setenv("GOVKERNEL_ARCHIVE_TYPE", "s3")
		t.Setenv("ARCHIVE_S3_BUCKET", "")
		_, err := NewSinkFromEnv(ctx)
		assert.ErrorContains(t, err, "ARCHIVE_S3_BUCKET")
	})

	t.Run("s3 with endpoint", func(t *testing.T) {
		t.Setenv("GOVKERNEL_ARCHIVE_TYPE", "s3")
		t.Setenv("ARCHIVE_S3_BUCKET", "audit-bundles")
		t.Setenv("ARCHIVE_S3_ENDPOINT", "http://127.0.0.1:9000")
		t.Setenv("AWS_ACCESS_KEY_ID", "test")
		t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
		sink, err := NewSinkFromEnv(ctx)
		require.NoError(t, err)
		s3sink, ok := sink.(*S3Sink)
		require.True(t, ok)
		assert.Equal(t, "audit-bundles", s3sink.bucket)
	})

	t.Run("unsupported", func(t *testing.T) {
		t.Setenv("GOVKERNEL_ARCHIVE_TYPE", "tape")
		_, err := NewSinkFromEnv(ctx)
		assert.ErrorContains(t, err, "unsupported")
	})
}
