// Package tracing configures the OpenTelemetry tracer provider for the
// orchestrator: OTLP export, W3C propagation, and an adaptive sampler that
// keeps interesting turns (errors, expensive, slow) while sampling the rest
// at a low default rate.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"turnforge/internal/logging"
)

// TracerName is the instrumentation scope for all orchestrator spans.
const TracerName = "turnforge"

// Config selects the exporter endpoint and sampling behavior.
type Config struct {
	Enabled      bool
	ServiceName  string
	Version      string
	Environment  string
	OTLPEndpoint string  // host:port for OTLP/gRPC, default localhost:4317
	SampleRate   float64 // default rate for uninteresting spans
}

// DefaultConfig returns the standard local-collector setup.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		ServiceName:  "turnforge",
		Version:      "dev",
		Environment:  "development",
		OTLPEndpoint: "localhost:4317",
		SampleRate:   0.1,
	}
}

// Provider owns the tracer provider lifecycle.
type Provider struct {
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// NewProvider builds and installs the global tracer provider. With
// cfg.Enabled=false it installs a no-op provider with identical call sites.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return &Provider{
			tracer:   tp.Tracer(TracerName),
			shutdown: func(context.Context) error { return nil },
		}, nil
	}

	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 0.1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(NewAdaptiveSampler(rate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logging.Get(logging.CategoryTracing).Infof("tracer provider installed (endpoint=%s rate=%g)", endpoint, rate)
	return &Provider{
		tp:       tp,
		tracer:   tp.Tracer(TracerName),
		shutdown: tp.Shutdown,
	}, nil
}

// Tracer returns the orchestrator tracer.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error { return p.shutdown(ctx) }

// Span attribute keys used by the sampler and the engine.
const (
	AttrTurnID           = "turn.id"
	AttrTurnParticipants = "turn.participants_count"
	AttrTurnTotalCost    = "turn.total_cost"
	AttrTurnDuration     = "turn.duration_seconds"
	AttrTurnSuccess      = "turn.success"
	AttrPhaseName        = "phase.name"
	AttrPhaseOrder       = "phase.order"
)

// TurnAttributes builds the root-span attribute set.
func TurnAttributes(turnID string, participants int, aiEnabled bool, depth string, maxExecutionMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrTurnID, turnID),
		attribute.Int(AttrTurnParticipants, participants),
		attribute.Bool("turn.ai_enabled", aiEnabled),
		attribute.String("turn.narrative_depth", depth),
		attribute.Int64("turn.max_execution_time_ms", maxExecutionMS),
	}
}

// PhaseAttributes builds the child-span attribute set for one phase.
func PhaseAttributes(phase string, order int, turnID string, participants int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrPhaseName, phase),
		attribute.Int(AttrPhaseOrder, order),
		attribute.String(AttrTurnID, turnID),
		attribute.Int(AttrTurnParticipants, participants),
	}
}
