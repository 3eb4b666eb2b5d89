// Package phase implements the five pipeline phase executors and the
// framework that wraps them: timeout enforcement, precondition checks,
// result validation, and enrichment of every result with the execution
// context's bookkeeping.
package phase

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"turnforge/internal/collab"
	"turnforge/internal/turn"
)

// ExecutionContext carries everything one phase invocation needs and
// collects everything it produces. It is owned by a single worker; no
// internal locking.
type ExecutionContext struct {
	TurnID       string
	Phase        turn.PhaseType
	Config       turn.Configuration
	Participants []string

	// Metadata carries arbitrary execution inputs, including the prior-phase
	// result view under "prior_results".
	Metadata map[string]interface{}

	// AccruedAICost is the turn-level AI spend before this phase, set by the
	// orchestrator so the framework can enforce the configured cost limit.
	AccruedAICost decimal.Decimal

	caller    collab.Caller
	startedAt time.Time

	calls           []turn.CrossContextCall
	aiUsage         turn.AIUsage
	eventsGenerated []string
	eventsConsumed  []string
	artifacts       []string
	rollback        map[string]interface{}
	perf            map[string]float64
}

// NewExecutionContext builds a context for one phase invocation.
func NewExecutionContext(turnID string, phase turn.PhaseType, cfg turn.Configuration, participants []string, caller collab.Caller, metadata map[string]interface{}) *ExecutionContext {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return &ExecutionContext{
		TurnID:       turnID,
		Phase:        phase,
		Config:       cfg,
		Participants: participants,
		Metadata:     metadata,
		caller:       caller,
		startedAt:    time.Now().UTC(),
		rollback:     map[string]interface{}{},
		perf:         map[string]float64{},
	}
}

// Call invokes a collaborator and records the call in the cross-context log.
func (ec *ExecutionContext) Call(ctx context.Context, target, operation string, params map[string]interface{}) (*collab.Response, error) {
	start := time.Now()
	resp, err := ec.caller.Call(ctx, target, operation, params)
	elapsed := time.Since(start)

	record := turn.CrossContextCall{
		CallID:     uuid.NewString(),
		Target:     target,
		Operation:  operation,
		Parameters: params,
		DurationMS: elapsed.Milliseconds(),
		Timestamp:  start.UTC(),
	}
	if err == nil && resp != nil {
		record.Success = resp.Success
		record.Response = resp.Fields
	}
	ec.calls = append(ec.calls, record)
	return resp, err
}

// RecordAI appends one AI gateway operation to the usage ledger.
func (ec *ExecutionContext) RecordAI(operation, provider, model string, tokens int, cost decimal.Decimal) {
	ec.aiUsage = ec.aiUsage.Add(turn.AIOperation{
		Operation: operation,
		Provider:  provider,
		Model:     model,
		Tokens:    tokens,
		Cost:      cost,
		Timestamp: time.Now().UTC(),
	})
}

// AIUsage returns the usage accumulated so far.
func (ec *ExecutionContext) AIUsage() turn.AIUsage { return ec.aiUsage }

// AddGeneratedEvent records an event id/kind this phase produced.
func (ec *ExecutionContext) AddGeneratedEvent(event string) {
	ec.eventsGenerated = append(ec.eventsGenerated, event)
}

// AddConsumedEvent records an event this phase consumed.
func (ec *ExecutionContext) AddConsumedEvent(event string) {
	ec.eventsConsumed = append(ec.eventsConsumed, event)
}

// AddArtifact records an artifact identifier created by the phase.
func (ec *ExecutionContext) AddArtifact(artifact string) {
	ec.artifacts = append(ec.artifacts, artifact)
}

// SetRollback stores one rollback snapshot entry.
func (ec *ExecutionContext) SetRollback(key string, value interface{}) {
	ec.rollback[key] = value
}

// SetPerf records a named performance measurement.
func (ec *ExecutionContext) SetPerf(name string, value float64) {
	ec.perf[name] = value
}

// ExecutionTimeMS returns milliseconds since the context was built.
func (ec *ExecutionContext) ExecutionTimeMS() int64 {
	return time.Since(ec.startedAt).Milliseconds()
}

// PriorResult returns the summarized result of an earlier phase, as placed
// into metadata by the pipeline orchestrator.
func (ec *ExecutionContext) PriorResult(phase string) (map[string]interface{}, bool) {
	prior, ok := ec.Metadata["prior_results"].(map[string]interface{})
	if !ok {
		return nil, false
	}
	entry, ok := prior[phase].(map[string]interface{})
	return entry, ok
}

// BuildResult assembles the phase result, enriching it with execution time,
// the call log, AI usage, rollback data, and standard metadata.
func (ec *ExecutionContext) BuildResult(success bool, eventsProcessed int, metadata map[string]interface{}) turn.PhaseResult {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadata["turn_id"] = ec.TurnID
	metadata["phase"] = ec.Phase.String()
	metadata["participant_count"] = len(ec.Participants)

	result := turn.PhaseResult{
		Phase:             ec.Phase,
		Success:           success,
		EventsProcessed:   eventsProcessed,
		EventsGenerated:   append([]string(nil), ec.eventsGenerated...),
		ArtifactsCreated:  append([]string(nil), ec.artifacts...),
		CrossContextCalls: append([]turn.CrossContextCall(nil), ec.calls...),
		Metadata:          metadata,
		ExecutionTimeMS:   ec.ExecutionTimeMS(),
	}
	if len(ec.rollback) > 0 {
		result.RollbackData = ec.rollback
	}
	if len(ec.perf) > 0 {
		result.PerformanceMetrics = ec.perf
	}
	if !ec.aiUsage.IsZero() {
		usage := ec.aiUsage
		result.AIUsage = &usage
	}
	return result
}

// FailResult assembles a failed result through the same enrichment path.
func (ec *ExecutionContext) FailResult(kind turn.ErrorKind, message string, details map[string]interface{}) turn.PhaseResult {
	result := ec.BuildResult(false, 0, nil)
	result.ErrorKind = string(kind)
	result.ErrorMessage = message
	result.ErrorDetails = details
	return result
}
