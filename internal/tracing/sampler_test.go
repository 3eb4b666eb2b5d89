package tracing

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// samplingParams varies byte 8 of the trace id, the high byte of the word
// TraceIDRatioBased hashes, so ratio decisions spread across calls.
func samplingParams(tid byte, attrs ...attribute.KeyValue) sdktrace.SamplingParameters {
	var traceID trace.TraceID
	traceID[8] = tid
	return sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       traceID,
		Name:          "turn_execution",
		Attributes:    attrs,
	}
}

func TestAdaptiveSampler_ErrorAttributesAlwaysSampled(t *testing.T) {
	s := NewAdaptiveSampler(0.0) // default drops everything
	for i := byte(0); i < 16; i++ {
		res := s.ShouldSample(samplingParams(i,
			attribute.String("error.type", "timeout"),
		))
		if res.Decision != sdktrace.RecordAndSample {
			t.Fatalf("error span with trace id byte %d not sampled", i)
		}
	}
}

func TestAdaptiveSampler_DefaultRateZeroDrops(t *testing.T) {
	s := NewAdaptiveSampler(0.0)
	res := s.ShouldSample(samplingParams(0x01,
		attribute.Float64(AttrTurnTotalCost, 0.2),
	))
	if res.Decision == sdktrace.RecordAndSample {
		t.Error("cheap quiet span should follow default rate (0)")
	}
}

func TestAdaptiveSampler_CostAndDurationRaiseRate(t *testing.T) {
	s := NewAdaptiveSampler(0.0)

	sampledExpensive := 0
	sampledSlow := 0
	const n = 64
	for i := 0; i < n; i++ {
		if res := s.ShouldSample(samplingParams(byte(i*4),
			attribute.Float64(AttrTurnTotalCost, 2.5),
		)); res.Decision == sdktrace.RecordAndSample {
			sampledExpensive++
		}
		if res := s.ShouldSample(samplingParams(byte(i*4),
			attribute.Float64(AttrTurnDuration, 30.0),
		)); res.Decision == sdktrace.RecordAndSample {
			sampledSlow++
		}
	}
	if sampledExpensive == 0 {
		t.Error("expensive turns should sample at ~50%, got none")
	}
	if sampledSlow <= sampledExpensive {
		t.Errorf("slow rate (80%%) should exceed cost rate (50%%): slow=%d cost=%d", sampledSlow, sampledExpensive)
	}
}

func TestNoopProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	p, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().Start(context.Background(), "turn_execution")
	if span.SpanContext().IsSampled() {
		t.Error("noop provider must not sample")
	}
	span.End()
}

func TestTurnAttributes(t *testing.T) {
	attrs := TurnAttributes("abc", 3, true, "standard", 45000)
	found := map[string]bool{}
	for _, a := range attrs {
		found[string(a.Key)] = true
	}
	for _, want := range []string{AttrTurnID, AttrTurnParticipants, "turn.ai_enabled", "turn.narrative_depth", "turn.max_execution_time_ms"} {
		if !found[want] {
			t.Errorf("attribute %s missing", want)
		}
	}
}
