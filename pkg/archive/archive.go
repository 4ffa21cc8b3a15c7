package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Mindburn-Labs/govkernel/pkg/recorder"
)

// Archiver verifies bundles before shipping them to a Sink and again after
// reading them back.
type Archiver struct {
	sink   Sink
	logger *slog.Logger
}

// New returns an Archiver writing to sink.
func New(sink Sink) *Archiver {
	return &Archiver{
		sink:   sink,
		logger: slog.Default().With("component", "archive"),
	}
}

// WithLogger overrides the logger.
func (a *Archiver) WithLogger(l *slog.Logger) *Archiver {
	a.logger = l
	return a
}

// Store verifies b and writes it. The returned content hash is the key for Load.
func (a *Archiver) Store(ctx context.Context, b *recorder.Bundle) (string, error) {
	if err := recorder.VerifyBundle(b); err != nil {
		return "", fmt.Errorf("refusing to archive bundle: %w", err)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("failed to marshal bundle: %w", err)
	}
	hash, err := a.sink.Put(ctx, data)
	if err != nil {
		return "", err
	}
	a.logger.InfoContext(ctx, "bundle archived",
		"bundle_id", b.BundleID,
		"entries", b.EntryCount,
		"start_id", b.StartID,
		"end_id", b.EndID,
		"hash", hash,
	)
	return hash, nil
}

// Load reads the bundle stored under hash, checks the bytes match the hash,
// and verifies the bundle's own chain.
func (a *Archiver) Load(ctx context.Context, hash string) (*recorder.Bundle, error) {
	data, err := a.sink.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	if got, _ := contentHash(data); got != hash {
		return nil, fmt.Errorf("archived object %s is corrupt: content hash %s", hash, got)
	}
	var b recorder.Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to decode bundle: %w", err)
	}
	if err := recorder.VerifyBundle(&b); err != nil {
		return nil, fmt.Errorf("archived bundle %s: %w", hash, err)
	}
	return &b, nil
}
