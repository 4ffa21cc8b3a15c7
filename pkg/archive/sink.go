// Package archive ships sealed flight recorder bundles to content-addressed
// storage: a local directory, S3, or (with the gcp build tag) GCS.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const hashPrefix = "sha256:"

// ErrNotFound is returned when no object exists for a hash.
var ErrNotFound = errors.New("archive object not found")

// Sink is content-addressed storage for archived bundles.
type Sink interface {
	// Put persists data and returns its content hash ("sha256:<hex>").
	// Storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether an object exists for hash.
	Exists(ctx context.Context, hash string) (bool, error)
}

func contentHash(data []byte) (prefixed, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return hashPrefix + raw, raw
}

// parseHash validates a "sha256:<hex>" reference and returns the hex part.
func parseHash(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, hashPrefix)
	if !ok {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid hash hex: %s", hash)
	}
	return raw, nil
}

func objectName(prefix, raw string) string {
	return prefix + raw + ".bundle.json"
}

// FileSink stores objects as files under a base directory.
type FileSink struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileSink creates the directory if needed.
func NewFileSink(baseDir string) (*FileSink, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure archive dir: %w", err)
	}
	return &FileSink{baseDir: baseDir}, nil
}

func (s *FileSink) Put(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, raw := contentHash(data)
	path := filepath.Join(s.baseDir, objectName("", raw))
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write to temp, then rename
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit bundle: %w", err)
	}
	return hash, nil
}

func (s *FileSink) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(filepath.Join(s.baseDir, objectName("", raw)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return io.ReadAll(f)
}

func (s *FileSink) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := parseHash(hash)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(filepath.Join(s.baseDir, objectName("", raw)))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
