// Package engine runs the five-phase turn pipeline end to end: aggregate
// lifecycle, phase execution with prior-result chaining, tracing and metrics
// emission, and the saga handoff when a phase fails.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"turnforge/internal/collab"
	"turnforge/internal/logging"
	"turnforge/internal/metrics"
	"turnforge/internal/phase"
	"turnforge/internal/saga"
	"turnforge/internal/tracing"
	"turnforge/internal/turn"
)

// Request describes one turn execution.
type Request struct {
	// TurnID is optional; accepted in either the bare-uuid or the long
	// qualified form. Empty mints a fresh id.
	TurnID       string
	Participants []string
	Config       turn.Configuration
}

// Outcome is what Execute returns for both successful and failed turns.
// Execute only errors for request-level problems (bad id, bad config).
type Outcome struct {
	TurnID       string               `json:"turn_id"`
	State        turn.State           `json:"state"`
	Pipeline     *turn.PipelineResult `json:"pipeline,omitempty"`
	Compensation *saga.Report         `json:"compensation,omitempty"`
	Duration     time.Duration        `json:"-"`
}

// Engine owns pipeline execution. It is safe for concurrent Execute calls;
// each call works on its own aggregate and the shared pieces (registry,
// collaborators, metrics) are internally synchronized.
type Engine struct {
	executors   *phase.Registry
	caller      collab.Caller
	coordinator *saga.Coordinator
	metrics     *metrics.Registry
	tracer      trace.Tracer
	turns       *Registry
}

// New builds an engine and verifies every pipeline phase has an executor.
// tracer may be nil for untraced execution; reg may be nil to skip metrics.
func New(executors *phase.Registry, caller collab.Caller, reg *metrics.Registry, tracer trace.Tracer) (*Engine, error) {
	if err := executors.ValidateComplete(); err != nil {
		return nil, err
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracing.TracerName)
	}
	return &Engine{
		executors:   executors,
		caller:      caller,
		coordinator: saga.NewCoordinator(caller, reg),
		metrics:     reg,
		tracer:      tracer,
		turns:       NewRegistry(),
	}, nil
}

// Turns exposes the status registry for the HTTP layer.
func (e *Engine) Turns() *Registry { return e.turns }

// withTurnBaggage carries the turn identity to downstream collaborator calls
// over W3C baggage.
func withTurnBaggage(ctx context.Context, turnID string, participants int) context.Context {
	idMember, err := baggage.NewMember("turn.id", turnID)
	if err != nil {
		return ctx
	}
	countMember, err := baggage.NewMember("turn.participants_count", strconv.Itoa(participants))
	if err != nil {
		return ctx
	}
	bag, err := baggage.New(idMember, countMember)
	if err != nil {
		return ctx
	}
	return baggage.ContextWithBaggage(ctx, bag)
}

func resolveID(raw string) (turn.ID, error) {
	if raw == "" {
		return turn.NewID()
	}
	return turn.ParseID(raw)
}

// Execute runs one turn through the pipeline. The returned Outcome reflects
// the terminal aggregate state; a non-nil error means the request never
// became a turn.
func (e *Engine) Execute(ctx context.Context, req Request) (*Outcome, error) {
	id, err := resolveID(req.TurnID)
	if err != nil {
		return nil, err
	}
	t, err := turn.Create(id, req.Config, req.Participants)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	cfg := t.Configuration()
	if e.metrics != nil {
		e.metrics.TurnStarted()
	}

	ctx, span := e.tracer.Start(ctx, "turn_execution",
		trace.WithAttributes(tracing.TurnAttributes(
			t.ID().Short(), len(cfg.Participants), cfg.AIEnabled,
			string(cfg.NarrativeDepth), cfg.MaxExecutionTimeMS)...),
		trace.WithAttributes(attribute.Float64(tracing.AttrTurnTotalCost,
			cfg.EstimatedAICost().InexactFloat64())),
	)
	ctx = withTurnBaggage(ctx, t.ID().Short(), len(cfg.Participants))

	outcome := &Outcome{TurnID: t.ID().Short()}
	defer func() {
		duration := time.Since(start)
		outcome.State = t.State()
		outcome.Pipeline = t.PipelineResult()
		outcome.Duration = duration
		success := t.State() == turn.StateCompleted && outcome.Pipeline != nil && outcome.Pipeline.Success

		span.SetAttributes(
			attribute.Float64(tracing.AttrTurnDuration, duration.Seconds()),
			attribute.Bool(tracing.AttrTurnSuccess, success),
			attribute.Float64(tracing.AttrTurnTotalCost, t.Metrics().AICost.InexactFloat64()),
		)
		if !success {
			span.SetStatus(codes.Error, string(t.State()))
		}
		span.End()

		if e.metrics != nil {
			e.metrics.TurnFinished(success, len(cfg.Participants), cfg.AIEnabled,
				string(cfg.NarrativeDepth), duration, t.Metrics().AICost)
		}
		e.turns.Put(snapshotOf(t))
		logging.Engine("turn %s finished: state=%s completion=%.0f%% duration=%dms cost=%s",
			t.ID().Short(), t.State(), t.CompletionPercentage(),
			duration.Milliseconds(), t.Metrics().AICost)
	}()

	if err := t.StartPlanning(); err != nil {
		return outcome, err
	}
	if err := t.StartExecution(); err != nil {
		return outcome, err
	}
	e.turns.Put(snapshotOf(t))
	logging.Engine("turn %s started: participants=%d ai=%v depth=%s",
		t.ID().Short(), len(cfg.Participants), cfg.AIEnabled, cfg.NarrativeDepth)

	priorResults := map[string]interface{}{}
	for t.State() == turn.StateExecuting && t.CurrentPhase() != nil {
		current := *t.CurrentPhase()
		result := e.runPhase(ctx, t, current, priorResults)

		if result.Success {
			if err := t.CompletePhase(current, result); err != nil {
				e.failSafely(t, current, turn.KindInternal, err.Error())
				break
			}
			priorResults[current.String()] = summarize(result)
			e.turns.Put(snapshotOf(t))
			continue
		}

		kind := turn.ErrorKind(result.ErrorKind)
		if kind == "" {
			kind = turn.KindInternal
		}
		if e.metrics != nil {
			e.metrics.Error(string(kind), string(severityFor(kind)), "engine")
		}
		span.SetAttributes(
			attribute.String("error.kind", string(kind)),
			attribute.String("error.phase", current.String()),
		)

		canCompensate := !cfg.FailFastOnPhaseFailure
		if err := t.FailPhase(current, result.ErrorMessage, result.ErrorDetails, canCompensate); err != nil {
			return outcome, err
		}
		if t.State() == turn.StateCompensating {
			report, err := e.compensate(ctx, t, current, kind, result.ErrorMessage, result.ErrorDetails)
			outcome.Compensation = report
			if err != nil {
				return outcome, err
			}
		}
		break
	}
	return outcome, nil
}

// runPhase executes one phase inside its own child span and records the
// phase-level metrics from the result.
func (e *Engine) runPhase(ctx context.Context, t *turn.Turn, pt turn.PhaseType, priorResults map[string]interface{}) turn.PhaseResult {
	cfg := t.Configuration()
	ex, ok := e.executors.Lookup(pt)
	if !ok {
		// ValidateComplete runs at construction; reaching this is a bug.
		ec := phase.NewExecutionContext(t.ID().Short(), pt, cfg, cfg.Participants, e.caller, nil)
		return ec.FailResult(turn.KindInternal, fmt.Sprintf("no executor for phase %s", pt), nil)
	}

	phaseCtx, span := e.tracer.Start(ctx, "phase."+pt.String(),
		trace.WithAttributes(tracing.PhaseAttributes(
			pt.String(), int(pt), t.ID().Short(), len(cfg.Participants))...))
	defer span.End()

	ec := phase.NewExecutionContext(t.ID().Short(), pt, cfg, cfg.Participants, e.caller,
		map[string]interface{}{"prior_results": priorResults})
	ec.AccruedAICost = t.Metrics().AICost
	result := phase.Run(phaseCtx, ex, ec)

	span.SetAttributes(
		attribute.Bool("phase.success", result.Success),
		attribute.Int("phase.events_processed", result.EventsProcessed),
		attribute.Int64("phase.duration_ms", result.ExecutionTimeMS),
	)
	if !result.Success {
		span.SetStatus(codes.Error, result.ErrorMessage)
		span.SetAttributes(attribute.String("error.kind", result.ErrorKind))
	}

	if e.metrics != nil {
		duration := time.Duration(result.ExecutionTimeMS) * time.Millisecond
		e.metrics.PhaseFinished(pt.String(), result.Success, len(cfg.Participants),
			cfg.AIEnabled, string(cfg.NarrativeDepth), duration,
			result.EventsProcessed, len(result.EventsGenerated), result.AICost())
		for _, call := range result.CrossContextCalls {
			e.metrics.CrossContextCall(call.Target, call.Operation,
				time.Duration(call.DurationMS)*time.Millisecond)
		}
		if result.AIUsage != nil {
			for _, op := range result.AIUsage.Operations {
				e.metrics.AIRequest(op.Provider, op.Model, pt.String(), op.Tokens, op.Cost)
			}
		}
	}
	return result
}

// compensate hands the failed turn to the saga coordinator and drives the
// aggregate to its settled state.
func (e *Engine) compensate(ctx context.Context, t *turn.Turn, failedPhase turn.PhaseType, kind turn.ErrorKind, message string, details map[string]interface{}) (*saga.Report, error) {
	compCtx, span := e.tracer.Start(ctx, "turn_compensation",
		trace.WithAttributes(
			attribute.String(tracing.AttrTurnID, t.ID().Short()),
			attribute.String("error.kind", string(kind)),
			attribute.String(tracing.AttrPhaseName, failedPhase.String()),
		))
	defer span.End()

	report, err := e.coordinator.Compensate(compCtx, t, saga.FailureContext{
		FailedPhase:  failedPhase,
		ErrorKind:    kind,
		ErrorMessage: message,
		Severity:     severityFor(kind),
		Details:      details,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}
	span.SetAttributes(
		attribute.Float64("compensation.completeness", report.RollbackCompleteness),
		attribute.Bool("compensation.manual_review", report.ManualReviewRequired),
	)
	return report, nil
}

// failSafely records an unexpected engine-level error on a running turn
// without attempting compensation.
func (e *Engine) failSafely(t *turn.Turn, pt turn.PhaseType, kind turn.ErrorKind, message string) {
	if t.State() != turn.StateExecuting || t.CurrentPhase() == nil {
		return
	}
	if err := t.FailPhase(pt, message, map[string]interface{}{"error_kind": string(kind)}, false); err != nil {
		logging.EngineError("turn %s: could not record failure: %v", t.ID().Short(), err)
	}
}

// severityFor maps an error kind to the compensation severity grade.
func severityFor(kind turn.ErrorKind) turn.Severity {
	switch kind {
	case turn.KindConsistency, turn.KindCompensationFailed:
		return turn.SeverityCritical
	case turn.KindTimeout, turn.KindCollaborator, turn.KindInternal:
		return turn.SeverityHigh
	case turn.KindAIBudget:
		return turn.SeverityMedium
	default:
		return turn.SeverityMedium
	}
}

// summarize builds the prior-result view later phases receive in metadata.
func summarize(result turn.PhaseResult) map[string]interface{} {
	return map[string]interface{}{
		"success":           result.Success,
		"events_processed":  result.EventsProcessed,
		"events_generated":  append([]string(nil), result.EventsGenerated...),
		"artifacts_created": append([]string(nil), result.ArtifactsCreated...),
		"metadata":          result.Metadata,
		"execution_time_ms": result.ExecutionTimeMS,
	}
}
