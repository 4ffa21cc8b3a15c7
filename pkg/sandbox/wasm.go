package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// OutputMaxBytes is the maximum size of stdout+stderr output from a WASM execution.
const OutputMaxBytes = 1024 * 1024

// WasmRunner executes WASI modules under the sandbox's limits. WASI is
// deny-by-default: no network, and the filesystem only exposes AllowedPaths
// as read-only mounts.
type WasmRunner struct {
	sb      *Sandbox
	runtime wazero.Runtime
	timeout time.Duration
	memory  int64
}

// NewWasmRunner creates a runtime with the memory limit from MaxMemoryMB.
func (s *Sandbox) NewWasmRunner(ctx context.Context) (*WasmRunner, error) {
	rConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	memory := int64(s.cfg.MaxMemoryMB) * 1024 * 1024
	if memory > 0 {
		pages := uint32(memory / 65536) // 64KB per page
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}
	return &WasmRunner{
		sb:      s,
		runtime: r,
		timeout: time.Duration(s.cfg.MaxCPUSeconds) * time.Second,
		memory:  memory,
	}, nil
}

// Run compiles and instantiates wasm, feeding input on stdin and returning stdout.
func (w *WasmRunner) Run(ctx context.Context, wasm, input []byte) ([]byte, error) {
	execCtx := ctx
	if w.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	fsConfig := wazero.NewFSConfig()
	for _, p := range w.sb.cfg.AllowedPaths {
		guest := "/" + strings.TrimLeft(strings.ReplaceAll(p, `\`, "/"), "/")
		fsConfig = fsConfig.WithReadOnlyDirMount(p, guest)
	}
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithFSConfig(fsConfig).
		WithName("")

	compiled, err := w.runtime.CompileModule(execCtx, wasm)
	if err != nil {
		if isMemoryError(err) {
			return nil, &LimitError{
				Code:    ErrComputeMemoryExhausted,
				Message: fmt.Sprintf("WASM module declares more memory than the limit (%d bytes)", w.memory),
			}
		}
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	mod, err := w.runtime.InstantiateModule(execCtx, compiled, moduleConfig)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			err = nil
		}
	}
	if err != nil {
		if execCtx.Err() != nil {
			if ctx.Err() == context.Canceled {
				return nil, ctx.Err()
			}
			return nil, &LimitError{
				Code:    ErrComputeTimeExhausted,
				Message: fmt.Sprintf("WASI execution exceeded time limit (%s)", w.timeout),
			}
		}
		if isMemoryError(err) {
			return nil, &LimitError{
				Code:    ErrComputeMemoryExhausted,
				Message: fmt.Sprintf("WASI execution exceeded memory limit (%d bytes)", w.memory),
			}
		}
		return nil, fmt.Errorf("WASI execution failed: %w", err)
	}

	if total := stdout.Len() + stderr.Len(); total > OutputMaxBytes {
		return nil, &LimitError{
			Code:    ErrComputeOutputExhausted,
			Message: fmt.Sprintf("output size %d exceeds limit %d", total, OutputMaxBytes),
		}
	}
	return stdout.Bytes(), nil
}

func (w *WasmRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// isMemoryError checks if the error is a memory limit violation.
func isMemoryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "memory") &&
		(strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
