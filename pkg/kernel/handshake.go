package kernel

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
	"github.com/Mindburn-Labs/govkernel/pkg/observability"
)

// HandshakeTool is the tool name recorded for manifest handshakes.
const HandshakeTool = "capability_handshake"

// Handshake validates a remote agent's manifest against the manifest rules
// and the required capabilities, and records the decision. A refusal returns
// an error wrapping ErrBlocked.
func (k *Kernel) Handshake(ctx context.Context, m contracts.CapabilityManifest, required []string) (out *Outcome, err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "govkernel.handshake", observability.AttrAgentID.String(m.AgentID))
	defer func() { finish(err) }()

	args := m.Context()
	if len(required) > 0 {
		args["required"] = required
	}
	traceID, terr := k.recorder.StartTrace(ctx, m.AgentID, HandshakeTool, args, "")
	if traceID == "" {
		return nil, fmt.Errorf("start trace: %w", terr)
	}

	ok, reason := k.engine.ValidateHandshake(m, required)
	if !ok {
		out = &Outcome{TraceID: traceID, Verdict: contracts.VerdictBlocked, Reason: reason}
		k.logger.InfoContext(ctx, "handshake refused", "agent_id", m.AgentID, "reason", reason)
		return out, k.block(ctx, out, nil)
	}

	// Warnings do not refuse the handshake but are kept on the record.
	warning := k.engine.ValidateManifest(m).WarnReason
	out = &Outcome{TraceID: traceID, Verdict: contracts.VerdictAllowed, Reason: warning}
	return out, k.recorder.LogSuccess(ctx, traceID, map[string]any{"accepted": true, "warning": warning}, nil)
}
