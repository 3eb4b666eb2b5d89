package phase

import (
	"context"
	"fmt"

	"turnforge/internal/collab"
	"turnforge/internal/turn"
)

// WorldUpdateExecutor advances world time, refreshes participant entity
// state, applies pending environment changes, and validates consistency.
// The pre-mutation world snapshot becomes the phase's rollback data.
type WorldUpdateExecutor struct{}

// NewWorldUpdateExecutor returns the executor for the first phase.
func NewWorldUpdateExecutor() *WorldUpdateExecutor { return &WorldUpdateExecutor{} }

// Phase implements Executor.
func (e *WorldUpdateExecutor) Phase() turn.PhaseType { return turn.PhaseWorldUpdate }

// Precondition implements Executor. World update needs a positive time
// advance; it runs even with zero participants.
func (e *WorldUpdateExecutor) Precondition(ec *ExecutionContext) error {
	if ec.Config.WorldTimeAdvanceSec <= 0 {
		return turn.NewError(turn.KindPrecondition, "world_time_advance must be positive")
	}
	return nil
}

// Execute implements Executor.
func (e *WorldUpdateExecutor) Execute(ctx context.Context, ec *ExecutionContext) (turn.PhaseResult, error) {
	// Snapshot first so a later failure can restore the pre-turn world.
	snapshot, err := ec.Call(ctx, collab.TargetWorld, "get_world_state", nil)
	if err != nil {
		return ec.FailResult(turn.KindCollaborator, fmt.Sprintf("world snapshot failed: %v", err), nil), nil
	}
	if !snapshot.Success {
		return ec.FailResult(turn.KindCollaborator, "world snapshot rejected: "+snapshot.ErrorMessage, nil), nil
	}
	ec.SetRollback("world_state", snapshot.Fields)

	eventsProcessed := 0

	advance, err := ec.Call(ctx, collab.TargetWorld, "advance_time", map[string]interface{}{
		"seconds": ec.Config.WorldTimeAdvanceSec,
	})
	if err != nil {
		return ec.FailResult(turn.KindCollaborator, fmt.Sprintf("advance_time failed: %v", err), nil), nil
	}
	if !advance.Success {
		return ec.FailResult(turn.KindCollaborator, "advance_time rejected: "+advance.ErrorMessage, nil), nil
	}
	ec.AddGeneratedEvent("world_time_advanced")
	eventsProcessed++

	for _, participant := range ec.Participants {
		update, err := ec.Call(ctx, collab.TargetWorld, "update_entity_state", map[string]interface{}{
			"entity_id": participant,
			"state":     map[string]interface{}{"active_turn": ec.TurnID},
		})
		if err != nil {
			return ec.FailResult(turn.KindCollaborator, fmt.Sprintf("entity update for %s failed: %v", participant, err), nil), nil
		}
		if update.Success {
			ec.AddGeneratedEvent("entity_updated")
			eventsProcessed++
		}
	}

	applied, err := ec.Call(ctx, collab.TargetWorld, "apply_environment_changes", nil)
	if err != nil {
		return ec.FailResult(turn.KindCollaborator, fmt.Sprintf("environment changes failed: %v", err), nil), nil
	}
	if n := applied.IntField("applied"); n > 0 {
		ec.AddGeneratedEvent("environment_changed")
		eventsProcessed += n
	}

	validation, err := ec.Call(ctx, collab.TargetWorld, "validate_consistency", nil)
	if err != nil {
		return ec.FailResult(turn.KindCollaborator, fmt.Sprintf("consistency validation failed: %v", err), nil), nil
	}
	if consistent, _ := validation.Field("consistent"); consistent == false {
		issues, _ := validation.Field("critical_issues")
		return ec.FailResult(turn.KindConsistency, "world consistency validation found critical issues",
			map[string]interface{}{"critical_issues": issues}), nil
	}

	ec.AddGeneratedEvent("turn_world_update_completed")
	ec.SetPerf("entities_updated", float64(len(ec.Participants)))
	return ec.BuildResult(true, eventsProcessed, map[string]interface{}{
		"world_time": advance.IntField("world_time"),
	}), nil
}
