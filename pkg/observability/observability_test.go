package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

func newTestProvider(t *testing.T) (*Provider, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})

	p, err := NewWithProviders(tp, mp)
	require.NoError(t, err)
	return p, sr, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumValue(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "govkernel", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	ctx, span := p.StartAction(context.Background(), "agent-1", contracts.ActionCodeExec)
	span.Denied(ctx, ReasonRateLimit)
	span.End(ctx, contracts.VerdictBlocked, nil)
	p.SlotAcquired(ctx, "agent-1")
	p.SlotReleased(ctx, "agent-1")
	assert.False(t, trace.SpanFromContext(ctx).IsRecording())

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderEnabled(t *testing.T) {
	// Exporters dial lazily, so construction succeeds without a collector.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.Insecure = true
	cfg.OTLPEndpoint = "127.0.0.1:1"
	cfg.SampleRate = 0.5
	p, err := New(ctx, cfg)
	require.NoError(t, err)

	// No collector listens, so the final metric export may fail; Shutdown
	// must still return within its deadline.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShutdown()
	done := make(chan struct{})
	go func() {
		_ = p.Shutdown(shutdownCtx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not honor its deadline")
	}
}

func TestStartAction_Allowed(t *testing.T) {
	p, sr, reader := newTestProvider(t)

	ctx, span := p.StartAction(context.Background(), "agent-1", contracts.ActionCodeExec)
	span.SetTraceID("trace-123")
	span.End(ctx, contracts.VerdictAllowed, nil)
	span.End(ctx, contracts.VerdictError, errors.New("ignored"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "govkernel.execute", spans[0].Name())
	v, ok := spanAttr(spans[0], AttrVerdict)
	require.True(t, ok)
	assert.Equal(t, "allowed", v.AsString())
	v, ok = spanAttr(spans[0], AttrTraceID)
	require.True(t, ok)
	assert.Equal(t, "trace-123", v.AsString())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	metrics := collect(t, reader)
	assert.Equal(t, int64(1), sumValue(t, metrics[MetricActions]))
	hist, ok := metrics[MetricExecutionDuration].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestStartAction_DeniedAndError(t *testing.T) {
	p, sr, reader := newTestProvider(t)

	ctx, blocked := p.StartAction(context.Background(), "agent-1", contracts.ActionFileRead)
	blocked.Denied(ctx, ReasonSaturated)
	blocked.End(ctx, contracts.VerdictBlocked, nil)

	ctx, failed := p.StartAction(context.Background(), "agent-2", contracts.ActionCodeExec)
	failed.End(ctx, contracts.VerdictError, errors.New("division by zero"))

	spans := sr.Ended()
	require.Len(t, spans, 2)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "denied", spans[0].Events()[0].Name)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "division by zero", spans[1].Status().Description)

	metrics := collect(t, reader)
	assert.Equal(t, int64(2), sumValue(t, metrics[MetricActions]))
	assert.Equal(t, int64(1), sumValue(t, metrics[MetricDenials]))
	hist := metrics[MetricExecutionDuration].(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1, "blocked actions record no duration")
}

func TestSlotGauge(t *testing.T) {
	p, _, reader := newTestProvider(t)
	ctx := context.Background()

	p.SlotAcquired(ctx, "agent-1")
	p.SlotAcquired(ctx, "agent-1")
	p.SlotReleased(ctx, "agent-1")

	assert.Equal(t, int64(1), sumValue(t, collect(t, reader)[MetricActiveSlots]))
}

func TestTrackOperation(t *testing.T) {
	p, sr, _ := newTestProvider(t)

	ctx, finish := p.TrackOperation(context.Background(), "recorder.flush", attribute.Int("pending", 3))
	AddSpanEvent(ctx, "committed")
	finish(errors.New("disk full"))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "recorder.flush", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 2, "event plus recorded exception")
}

func TestActionAttributes(t *testing.T) {
	attrs := ActionAttributes("agent-1", contracts.ActionNetworkCall)
	require.Len(t, attrs, 2)
	assert.Equal(t, "govkernel.agent.id", string(attrs[0].Key))
	assert.Equal(t, "NETWORK_CALL", attrs[1].Value.AsString())
}
