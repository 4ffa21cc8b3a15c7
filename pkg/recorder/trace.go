package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

// DefaultShadowResult is recorded by LogShadowExec when no result is given.
const DefaultShadowResult = "Simulated success"

const insertTrace = `INSERT INTO audit_log
	(trace_id, timestamp, agent_id, tool_name, tool_args, input_prompt, policy_verdict, metadata, entry_hash, previous_hash)
	VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`

// TraceOption customizes StartTrace.
type TraceOption func(*traceOptions)

type traceOptions struct {
	traceID  string
	metadata map[string]any
}

// WithTraceID uses id instead of a fresh UUID. StartTrace fails with
// ErrDuplicateTrace if id is already recorded or buffered.
func WithTraceID(id string) TraceOption {
	return func(o *traceOptions) { o.traceID = id }
}

// WithMetadata stores md as JSON in the metadata column. It is not hashed.
func WithMetadata(md map[string]any) TraceOption {
	return func(o *traceOptions) { o.metadata = md }
}

// StartTrace records a pending entry chained to the current tip and returns
// its trace id. The insert may still be buffered when StartTrace returns. If
// the flush it triggers fails, the trace id is returned together with the
// *StoreError and the insert stays buffered.
func (r *Recorder) StartTrace(ctx context.Context, agentID, toolName string, args map[string]any, inputPrompt string, opts ...TraceOption) (string, error) {
	o := traceOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	var toolArgs *string
	if len(args) > 0 {
		b, err := json.Marshal(args)
		if err != nil {
			return "", fmt.Errorf("serialize tool args: %w", err)
		}
		s := string(b)
		toolArgs = &s
	}
	var metadata any
	if len(o.metadata) > 0 {
		b, err := json.Marshal(o.metadata)
		if err != nil {
			return "", fmt.Errorf("serialize metadata: %w", err)
		}
		metadata = string(b)
	}
	var prompt any
	if inputPrompt != "" {
		prompt = inputPrompt
	}

	traceID := o.traceID
	if traceID == "" {
		traceID = uuid.New().String()
	} else if err := r.reserve(ctx, traceID); err != nil {
		return "", err
	}

	r.tipMu.Lock()
	timestamp := formatTimestamp(r.clock())
	prev := r.tip
	entryHash, err := computeEntryHash(hashable{
		TraceID:      traceID,
		Timestamp:    timestamp,
		AgentID:      agentID,
		ToolName:     toolName,
		ToolArgs:     toolArgs,
		PreviousHash: prev,
	})
	if err != nil {
		r.tipMu.Unlock()
		r.unreserve(traceID)
		return "", err
	}
	var argsCol any
	if toolArgs != nil {
		argsCol = *toolArgs
	}
	// Enqueue under the tip lock so buffer order matches chain order.
	r.enqueue(op{query: insertTrace, traceID: traceID, args: []any{
		traceID, timestamp, agentID, toolName, argsCol, prompt, metadata, entryHash, prev,
	}})
	r.tip = entryHash
	r.tipMu.Unlock()

	r.logger.Debug("trace started", "trace_id", traceID, "agent_id", agentID, "tool_name", toolName)
	return traceID, r.maybeFlush(ctx)
}

// reserve claims a caller-supplied trace id until its insert is committed.
// After that the stored row is what rejects reuse.
func (r *Recorder) reserve(ctx context.Context, traceID string) error {
	r.resMu.Lock()
	if _, taken := r.reserved[traceID]; taken {
		r.resMu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTrace, traceID)
	}
	r.reserved[traceID] = struct{}{}
	r.resMu.Unlock()

	// Checked after claiming, so a commit racing this call is always seen.
	exists, err := r.traceExists(ctx, traceID)
	switch {
	case err != nil:
		r.unreserve(traceID)
		return err
	case exists:
		r.unreserve(traceID)
		return fmt.Errorf("%w: %s", ErrDuplicateTrace, traceID)
	}
	return nil
}

func (r *Recorder) unreserve(traceID string) {
	r.resMu.Lock()
	delete(r.reserved, traceID)
	r.resMu.Unlock()
}

// release drops the claims of inserts that have left the buffer.
func (r *Recorder) release(ops []op) {
	r.resMu.Lock()
	defer r.resMu.Unlock()
	for _, o := range ops {
		if o.traceID != "" {
			delete(r.reserved, o.traceID)
		}
	}
}

func (r *Recorder) traceExists(ctx context.Context, traceID string) (bool, error) {
	conn, err := r.pool.get(ctx)
	if err != nil {
		return false, err
	}
	var one int
	err = conn.QueryRowContext(ctx, `SELECT 1 FROM audit_log WHERE trace_id = ?`, traceID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("look up trace %s: %w", traceID, err)
	}
	return true, nil
}

func (r *Recorder) terminal(ctx context.Context, traceID string, verdict contracts.Verdict, set string, args ...any) error {
	query := fmt.Sprintf(`UPDATE audit_log SET policy_verdict = '%s', %s WHERE trace_id = ? AND policy_verdict = 'pending'`, verdict, set)
	r.enqueue(op{query: query, args: append(args, traceID)})
	return r.maybeFlush(ctx)
}

// LogViolation moves the trace to blocked with reason.
func (r *Recorder) LogViolation(ctx context.Context, traceID, reason string) error {
	r.logger.Warn("blocked", "trace_id", traceID, "reason", reason)
	return r.terminal(ctx, traceID, contracts.VerdictBlocked, "violation_reason = ?", reason)
}

// LogSuccess moves the trace to allowed. Strings are stored as-is, other
// results as JSON; a nil result and nil execTimeMs store NULL.
func (r *Recorder) LogSuccess(ctx context.Context, traceID string, result any, execTimeMs *float64) error {
	res, err := serializeResult(result)
	if err != nil {
		return err
	}
	var ms any
	if execTimeMs != nil {
		ms = *execTimeMs
	}
	r.logger.Info("allowed", "trace_id", traceID)
	return r.terminal(ctx, traceID, contracts.VerdictAllowed, "result = ?, execution_time_ms = ?", res, ms)
}

// LogShadowExec moves the trace to shadow with the simulated result, or
// DefaultShadowResult when simulated is empty.
func (r *Recorder) LogShadowExec(ctx context.Context, traceID, simulated string) error {
	if simulated == "" {
		simulated = DefaultShadowResult
	}
	r.logger.Info("shadow", "trace_id", traceID)
	return r.terminal(ctx, traceID, contracts.VerdictShadow, "result = ?", simulated)
}

// LogError moves the trace to error with the message in violation_reason.
func (r *Recorder) LogError(ctx context.Context, traceID, message string) error {
	r.logger.Error("execution error", "trace_id", traceID, "error", message)
	return r.terminal(ctx, traceID, contracts.VerdictError, "violation_reason = ?", message)
}

func serializeResult(result any) (any, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	return string(b), nil
}
