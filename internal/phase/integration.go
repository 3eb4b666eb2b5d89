package phase

import (
	"context"
	"fmt"

	"turnforge/internal/collab"
	"turnforge/internal/turn"
)

// EventIntegrationExecutor translates the previous phase's interaction
// results into world events, applies them, and validates consistency.
type EventIntegrationExecutor struct{}

// NewEventIntegrationExecutor returns the executor for the fourth phase.
func NewEventIntegrationExecutor() *EventIntegrationExecutor { return &EventIntegrationExecutor{} }

// Phase implements Executor.
func (e *EventIntegrationExecutor) Phase() turn.PhaseType { return turn.PhaseEventIntegration }

// Precondition implements Executor. Integration runs even with nothing to
// integrate; an empty input set is a trivially successful pass.
func (e *EventIntegrationExecutor) Precondition(*ExecutionContext) error { return nil }

// Execute implements Executor.
func (e *EventIntegrationExecutor) Execute(ctx context.Context, ec *ExecutionContext) (turn.PhaseResult, error) {
	results := e.collectInteractionResults(ctx, ec)

	if len(results) == 0 {
		return ec.BuildResult(true, 0, map[string]interface{}{
			"events_applied": 0,
			"note":           "no interaction results to integrate",
		}), nil
	}

	applyResp, err := ec.Call(ctx, collab.TargetEvent, "translate_and_apply", map[string]interface{}{
		"turn_id":             ec.TurnID,
		"interaction_results": results,
	})
	if err != nil {
		return ec.FailResult(turn.KindCollaborator, fmt.Sprintf("event application failed: %v", err), nil), nil
	}
	if !applyResp.Success {
		return ec.FailResult(turn.KindCollaborator, "event application rejected: "+applyResp.ErrorMessage, nil), nil
	}

	appliedIDs, _ := applyResp.Field("applied_event_ids")
	ids, _ := appliedIDs.([]string)
	for _, id := range ids {
		ec.AddGeneratedEvent(id)
	}
	rejected := applyResp.IntField("rejected")
	violationsField, _ := applyResp.Field("violations")
	violations, _ := violationsField.([]string)

	total := len(ids) + rejected
	rate := 1.0
	if total > 0 {
		rate = float64(len(ids)) / float64(total)
	}
	success := rate > 0.7 && len(violations) == 0
	ec.SetPerf("processing_success_rate", rate)
	ec.SetPerf("consistency_violations", float64(len(violations)))

	result := ec.BuildResult(success, len(ids), map[string]interface{}{
		"events_applied":  len(ids),
		"events_rejected": rejected,
		"violations":      violations,
	})
	if !success {
		result.ErrorKind = string(turn.KindConsistency)
		result.ErrorMessage = fmt.Sprintf("integration rate %.2f with %d violations", rate, len(violations))
	}
	return result, nil
}

// collectInteractionResults prefers the interaction summary chained through
// metadata and falls back to querying the interaction context.
func (e *EventIntegrationExecutor) collectInteractionResults(ctx context.Context, ec *ExecutionContext) []map[string]interface{} {
	if prior, ok := ec.PriorResult(turn.PhaseInteractionOrchestration.String()); ok {
		if meta, ok := prior["metadata"].(map[string]interface{}); ok {
			if summary, ok := meta["interaction_summary"].([]map[string]interface{}); ok && len(summary) > 0 {
				return summary
			}
		}
	}
	resp, err := ec.Call(ctx, collab.TargetInteraction, "get_interaction_results", map[string]interface{}{
		"turn_id": ec.TurnID,
	})
	if err != nil || !resp.Success {
		return nil
	}
	stored, _ := resp.Field("results")
	results, _ := stored.([]map[string]interface{})
	return results
}
