package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

// Kernel instrument names.
const (
	MetricActions           = "govkernel.actions"
	MetricDenials           = "govkernel.denials"
	MetricExecutionDuration = "govkernel.execution.duration"
	MetricActiveSlots       = "govkernel.slots.active"
)

// Kernel semantic convention attributes.
var (
	AttrAgentID    = attribute.Key("govkernel.agent.id")
	AttrActionType = attribute.Key("govkernel.action.type")
	AttrTraceID    = attribute.Key("govkernel.trace.id")
	AttrVerdict    = attribute.Key("govkernel.verdict")
	AttrReason     = attribute.Key("govkernel.denial.reason")
	AttrLanguage   = attribute.Key("govkernel.sandbox.language")
	AttrBatchSize  = attribute.Key("govkernel.batch.size")
	AttrBatchLimit = attribute.Key("govkernel.batch.max_concurrent")
)

// Denial reasons.
const (
	ReasonRateLimit  = "rate_limit"
	ReasonSaturated  = "concurrency"
	ReasonViolation  = "sandbox_violation"
	ReasonPolicyDeny = "policy"
)

// ActionAttributes creates attributes identifying one governed action.
func ActionAttributes(agentID string, action contracts.ActionType) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrActionType.String(string(action)),
	}
}

// ActionSpan tracks one governed action from admission to terminal verdict.
type ActionSpan struct {
	p     *Provider
	span  trace.Span
	attrs []attribute.KeyValue
	start time.Time
	ended bool
}

// StartAction opens the "govkernel.execute" span for an action.
func (p *Provider) StartAction(ctx context.Context, agentID string, action contracts.ActionType) (context.Context, *ActionSpan) {
	attrs := ActionAttributes(agentID, action)
	ctx, span := p.StartSpan(ctx, "govkernel.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	return ctx, &ActionSpan{p: p, span: span, attrs: attrs, start: time.Now()}
}

// SetTraceID tags the span with the flight recorder trace id.
func (a *ActionSpan) SetTraceID(traceID string) {
	a.span.SetAttributes(AttrTraceID.String(traceID))
}

// Denied records a refusal. The span still needs End.
func (a *ActionSpan) Denied(ctx context.Context, reason string) {
	a.span.AddEvent("denied", trace.WithAttributes(AttrReason.String(reason)))
	a.p.denialCounter.Add(ctx, 1, metric.WithAttributes(append(a.attrs, AttrReason.String(reason))...))
}

// End closes the span with the terminal verdict. Repeated calls are ignored.
func (a *ActionSpan) End(ctx context.Context, verdict contracts.Verdict, err error) {
	if a.ended {
		return
	}
	a.ended = true

	attrs := append(a.attrs, AttrVerdict.String(string(verdict)))
	a.p.actionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if verdict == contracts.VerdictAllowed || verdict == contracts.VerdictError {
		ms := float64(time.Since(a.start).Microseconds()) / 1000
		a.p.durationHist.Record(ctx, ms, metric.WithAttributes(attrs...))
	}

	a.span.SetAttributes(AttrVerdict.String(string(verdict)))
	if err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	}
	a.span.End()
}

// SlotAcquired increments the active slot gauge for agentID.
func (p *Provider) SlotAcquired(ctx context.Context, agentID string) {
	p.activeSlots.Add(ctx, 1, metric.WithAttributes(AttrAgentID.String(agentID)))
}

// SlotReleased decrements the active slot gauge for agentID.
func (p *Provider) SlotReleased(ctx context.Context, agentID string) {
	p.activeSlots.Add(ctx, -1, metric.WithAttributes(AttrAgentID.String(agentID)))
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
