// Package kernel mediates governed actions: every request is recorded,
// statically checked, admitted against its agent's quota, executed under the
// sandbox's restrictions and given exactly one terminal verdict.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
	"github.com/Mindburn-Labs/govkernel/pkg/observability"
	"github.com/Mindburn-Labs/govkernel/pkg/policy"
	"github.com/Mindburn-Labs/govkernel/pkg/recorder"
	"github.com/Mindburn-Labs/govkernel/pkg/sandbox"
)

var (
	// ErrBlocked wraps the reason an action was refused before or during execution.
	ErrBlocked = errors.New("kernel: action blocked")
	// ErrNoExecutor is returned for requests the kernel has no way to run.
	ErrNoExecutor = errors.New("kernel: no executor for request")
)

// Executor performs an admitted action inside the sandbox's dynamic restrictions.
type Executor func(ctx context.Context, env *sandbox.Env, req contracts.ExecutionRequest) (any, error)

// Outcome is the terminal state of one governed action.
type Outcome struct {
	TraceID         string                      `json:"trace_id"`
	Verdict         contracts.Verdict           `json:"verdict"`
	Result          any                         `json:"result,omitempty"`
	Reason          string                      `json:"reason,omitempty"`
	Violations      []sandbox.SecurityViolation `json:"violations,omitempty"`
	ExecutionTimeMs float64                     `json:"execution_time_ms,omitempty"`
}

// Kernel wires a policy engine, a sandbox and a flight recorder together.
type Kernel struct {
	engine   *policy.Engine
	sandbox  *sandbox.Sandbox
	recorder *recorder.Recorder
	obs      *observability.Provider

	shadow       bool
	shadowResult string
	closers      []func() error
	logger       *slog.Logger
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithShadowMode validates and records actions without executing them.
func WithShadowMode(enabled bool) Option {
	return func(k *Kernel) { k.shadow = enabled }
}

// WithShadowResult replaces the simulated result recorded in shadow mode.
func WithShadowResult(result string) Option {
	return func(k *Kernel) { k.shadowResult = result }
}

// WithObservability records spans and kernel metrics on p.
func WithObservability(p *observability.Provider) Option {
	return func(k *Kernel) { k.obs = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) { k.logger = l }
}

// New returns a kernel over caller-owned components.
func New(engine *policy.Engine, sb *sandbox.Sandbox, rec *recorder.Recorder, opts ...Option) *Kernel {
	k := &Kernel{
		engine:       engine,
		sandbox:      sb,
		recorder:     rec,
		shadowResult: recorder.DefaultShadowResult,
		logger:       slog.Default().With("component", "kernel"),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.obs == nil {
		k.obs, _ = observability.New(context.Background(), &observability.Config{Enabled: false})
	}
	return k
}

func (k *Kernel) Engine() *policy.Engine       { return k.engine }
func (k *Kernel) Sandbox() *sandbox.Sandbox    { return k.sandbox }
func (k *Kernel) Recorder() *recorder.Recorder { return k.recorder }

// ShadowMode reports whether actions are simulated instead of executed.
func (k *Kernel) ShadowMode() bool { return k.shadow }

// Close releases resources the kernel owns (those opened by Build).
func (k *Kernel) Close() error {
	var errs []error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Execute runs req through the governed path: StartTrace, static validation
// when code is present, allowlist and rate limit, execution slot, execution in
// the sandbox, terminal update. A held slot is released on every path.
//
// exec may be nil for Go code requests, which run in the interpreter.
// Refusals return the Outcome together with an error wrapping ErrBlocked.
func (k *Kernel) Execute(ctx context.Context, req contracts.ExecutionRequest, exec Executor) (*Outcome, error) {
	ctx, span := k.obs.StartAction(ctx, req.AgentID(), req.ActionType())
	out, err := k.execute(ctx, req, exec, span)
	verdict := contracts.VerdictError
	if out != nil {
		verdict = out.Verdict
	}
	span.End(ctx, verdict, err)
	return out, err
}

func (k *Kernel) execute(ctx context.Context, req contracts.ExecutionRequest, exec Executor, span *observability.ActionSpan) (*Outcome, error) {
	agentID := req.AgentID()
	// Each attempt gets its own trace; a retried request shares only its request id.
	traceID, err := k.recorder.StartTrace(ctx, agentID, req.ToolName(), req.ParamMap(), req.InputPrompt(),
		recorder.WithMetadata(map[string]any{
			"action_type": string(req.ActionType()),
			"request_id":  req.RequestID(),
		}),
	)
	if traceID == "" {
		return nil, fmt.Errorf("start trace: %w", err)
	}
	if err != nil {
		// The entry stays buffered and is retried on the next flush.
		k.logger.WarnContext(ctx, "trace start not yet persisted", "trace_id", traceID, "error", err)
	}
	span.SetTraceID(traceID)
	log := k.logger.With("trace_id", traceID, "agent_id", agentID)

	if req.HasCode() {
		if violations := k.validate(req); len(violations) > 0 {
			out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictBlocked, Violations: violations,
				Reason: summarize(violations)}
			span.Denied(ctx, observability.ReasonViolation)
			log.InfoContext(ctx, "code rejected", "violations", len(violations))
			return out, k.block(ctx, out, nil)
		}
	}

	if !k.engine.Permits(agentID, req.ActionType()) {
		out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictBlocked,
			Reason: fmt.Sprintf("action %s not permitted for agent %s", req.ActionType(), agentID)}
		span.Denied(ctx, observability.ReasonPolicyDeny)
		return out, k.block(ctx, out, nil)
	}

	ok, err := k.engine.CheckRateLimit(ctx, req)
	if err != nil {
		out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictBlocked,
			Reason: fmt.Sprintf("rate limit check failed: %v", err)}
		span.Denied(ctx, observability.ReasonRateLimit)
		return out, k.block(ctx, out, err)
	}
	if !ok {
		out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictBlocked, Reason: "Rate limit exceeded"}
		span.Denied(ctx, observability.ReasonRateLimit)
		return out, k.block(ctx, out, policy.ErrRateLimited)
	}

	if !k.engine.TryAcquireExecutionSlot(agentID) {
		out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictBlocked, Reason: "Concurrency limit exceeded"}
		span.Denied(ctx, observability.ReasonSaturated)
		return out, k.block(ctx, out, policy.ErrAdmissionDenied)
	}
	k.obs.SlotAcquired(ctx, agentID)
	defer func() {
		k.engine.ReleaseExecutionSlot(agentID)
		k.obs.SlotReleased(ctx, agentID)
	}()

	if k.shadow {
		out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictShadow, Result: k.shadowResult}
		log.InfoContext(ctx, "shadow execution", "action_type", req.ActionType())
		return out, k.recorder.LogShadowExec(ctx, traceID, k.shadowResult)
	}

	start := time.Now()
	result, err := k.run(ctx, req, exec)
	ms := float64(time.Since(start).Microseconds()) / 1000

	var secErr *sandbox.SecurityError
	switch {
	case errors.As(err, &secErr):
		out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictBlocked, Reason: secErr.Message, ExecutionTimeMs: ms}
		span.Denied(ctx, observability.ReasonViolation)
		return out, k.block(ctx, out, secErr)
	case err != nil:
		out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictError, Reason: err.Error(), ExecutionTimeMs: ms}
		log.WarnContext(ctx, "execution failed", "error", err)
		if lerr := k.recorder.LogError(ctx, traceID, err.Error()); lerr != nil {
			return out, errors.Join(err, lerr)
		}
		return out, err
	}

	out := &Outcome{TraceID: traceID, Verdict: contracts.VerdictAllowed, Result: result, ExecutionTimeMs: ms}
	log.DebugContext(ctx, "execution succeeded", "execution_time_ms", ms)
	return out, k.recorder.LogSuccess(ctx, traceID, result, &ms)
}

// block records the refusal and returns the error the caller sees.
func (k *Kernel) block(ctx context.Context, out *Outcome, cause error) error {
	err := fmt.Errorf("%w: %s", ErrBlocked, out.Reason)
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrBlocked, cause)
	}
	if lerr := k.recorder.LogViolation(ctx, out.TraceID, out.Reason); lerr != nil {
		return errors.Join(err, lerr)
	}
	return err
}

func (k *Kernel) validate(req contracts.ExecutionRequest) []sandbox.SecurityViolation {
	if req.Language() == "" {
		return k.sandbox.ValidateCode(req.Code())
	}
	return k.sandbox.ValidateCodeAs(sandbox.Language(strings.ToLower(req.Language())), req.Code())
}

func (k *Kernel) run(ctx context.Context, req contracts.ExecutionRequest, exec Executor) (any, error) {
	if exec != nil {
		return k.sandbox.ExecuteSandboxed(ctx, func(ctx context.Context, env *sandbox.Env) (any, error) {
			return exec(ctx, env, req)
		})
	}
	if req.HasCode() && sandbox.Language(strings.ToLower(req.Language())) == sandbox.LanguageGo {
		input, _ := req.Param("input")
		s, _ := input.(string)
		res, err := k.sandbox.RunGo(ctx, req.Code(), s)
		if err != nil {
			return nil, err
		}
		return res.Output, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoExecutor, req.ActionType())
}

func summarize(violations []sandbox.SecurityViolation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.String())
	}
	return "Security violations: " + strings.Join(parts, "; ")
}
