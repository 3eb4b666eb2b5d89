package tracing

import (
	"fmt"
	"strings"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// AdaptiveSampler keeps spans that carry signal and thins out the rest:
//
//   - any attribute whose name begins with "error" -> always sample
//   - turn.total_cost > 1.0                        -> sample at 50%
//   - turn.duration_seconds > 10.0                 -> sample at 80%
//   - otherwise                                    -> default rate
//
// Rates are applied via deterministic trace-id hashing so the decision is
// stable for a given trace.
type AdaptiveSampler struct {
	defaultRate float64
	defaultTID  sdktrace.Sampler
	costTID     sdktrace.Sampler
	slowTID     sdktrace.Sampler
}

// NewAdaptiveSampler builds the sampler with the given default rate.
func NewAdaptiveSampler(defaultRate float64) *AdaptiveSampler {
	return &AdaptiveSampler{
		defaultRate: defaultRate,
		defaultTID:  sdktrace.TraceIDRatioBased(defaultRate),
		costTID:     sdktrace.TraceIDRatioBased(0.5),
		slowTID:     sdktrace.TraceIDRatioBased(0.8),
	}
}

// ShouldSample implements sdktrace.Sampler.
func (s *AdaptiveSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	var expensive, slow bool
	for _, attr := range p.Attributes {
		name := string(attr.Key)
		if strings.HasPrefix(name, "error") {
			return sdktrace.SamplingResult{
				Decision:   sdktrace.RecordAndSample,
				Tracestate: traceState(p),
			}
		}
		switch name {
		case AttrTurnTotalCost:
			if attr.Value.AsFloat64() > 1.0 {
				expensive = true
			}
		case AttrTurnDuration:
			if attr.Value.AsFloat64() > 10.0 {
				slow = true
			}
		}
	}
	if slow {
		return s.slowTID.ShouldSample(p)
	}
	if expensive {
		return s.costTID.ShouldSample(p)
	}
	return s.defaultTID.ShouldSample(p)
}

// Description implements sdktrace.Sampler.
func (s *AdaptiveSampler) Description() string {
	return fmt.Sprintf("AdaptiveSampler{default=%g,cost=0.5,slow=0.8,errors=always}", s.defaultRate)
}

func traceState(p sdktrace.SamplingParameters) trace.TraceState {
	return trace.SpanContextFromContext(p.ParentContext).TraceState()
}
