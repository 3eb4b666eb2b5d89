package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"turnforge/internal/collab"
	"turnforge/internal/logging"
	"turnforge/internal/turn"
)

// ExecError is a typed handler failure; Type feeds the retryability check.
type ExecError struct {
	Type    string
	Message string
}

func (e *ExecError) Error() string { return fmt.Sprintf("%s: %s", e.Type, e.Message) }

// nonRetryable error types end an action immediately regardless of budget.
var nonRetryable = map[string]bool{
	"permission_denied":     true,
	"authentication_failed": true,
	"data_corruption":       true,
}

// Retryable reports whether an error type may be retried.
func Retryable(errorType string) bool { return !nonRetryable[errorType] }

// handlerFunc executes one compensation type and returns its results map.
type handlerFunc func(ctx context.Context, caller collab.Caller, action turn.CompensationAction) (map[string]interface{}, error)

// handlers is the type dispatch table.
var handlers = map[turn.CompensationType]handlerFunc{
	turn.CompRollbackWorldState:     handleRollbackWorldState,
	turn.CompInvalidateBriefs:       handleInvalidateBriefs,
	turn.CompCancelInteractions:     handleCancelInteractions,
	turn.CompRemoveEvents:           handleRemoveEvents,
	turn.CompRevertNarrativeChanges: handleRevertNarrative,
	turn.CompNotifyParticipants:     handleNotifyParticipants,
	turn.CompLogFailure:             handleLogFailure,
	turn.CompTriggerManualReview:    handleTriggerManualReview,
}

// callOrFail converts transport errors and success=false responses into
// typed ExecErrors.
func callOrFail(ctx context.Context, caller collab.Caller, target, operation string, params map[string]interface{}) (*collab.Response, error) {
	resp, err := caller.Call(ctx, target, operation, params)
	if err != nil {
		return nil, &ExecError{Type: "transport", Message: err.Error()}
	}
	if !resp.Success {
		errorType := resp.ErrorType
		if errorType == "" {
			errorType = "collaborator"
		}
		return nil, &ExecError{Type: errorType, Message: resp.ErrorMessage}
	}
	return resp, nil
}

func handleRollbackWorldState(ctx context.Context, caller collab.Caller, action turn.CompensationAction) (map[string]interface{}, error) {
	snapshot, ok := action.RollbackData["world_state"].(map[string]interface{})
	if !ok {
		// Nothing was captured for this phase; the rollback is a no-op.
		return map[string]interface{}{"restored": false, "reason": "no snapshot", "data_consistency": true}, nil
	}
	resp, err := callOrFail(ctx, caller, collab.TargetWorld, "restore_state", map[string]interface{}{
		"state": snapshot,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"restored":          true,
		"entities_restored": resp.IntField("entities_restored"),
		"data_consistency":  true,
	}, nil
}

func handleInvalidateBriefs(ctx context.Context, caller collab.Caller, action turn.CompensationAction) (map[string]interface{}, error) {
	resp, err := callOrFail(ctx, caller, collab.TargetAgent, "invalidate_briefs", map[string]interface{}{
		"agent_ids": action.AffectedEntities,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"invalidated":      resp.IntField("invalidated"),
		"data_consistency": true,
	}, nil
}

func handleCancelInteractions(ctx context.Context, caller collab.Caller, action turn.CompensationAction) (map[string]interface{}, error) {
	resp, err := callOrFail(ctx, caller, collab.TargetInteraction, "cancel_interactions", map[string]interface{}{
		"turn_id": action.TurnID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"cancelled":        resp.IntField("cancelled"),
		"data_consistency": true,
	}, nil
}

func handleRemoveEvents(ctx context.Context, caller collab.Caller, action turn.CompensationAction) (map[string]interface{}, error) {
	resp, err := callOrFail(ctx, caller, collab.TargetEvent, "remove_events", map[string]interface{}{
		"turn_id": action.TurnID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"removed":          resp.IntField("removed"),
		"data_consistency": true,
	}, nil
}

func handleRevertNarrative(ctx context.Context, caller collab.Caller, action turn.CompensationAction) (map[string]interface{}, error) {
	resp, err := callOrFail(ctx, caller, collab.TargetNarrative, "revert_changes", nil)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"reverted":         resp.IntField("reverted"),
		"data_consistency": true,
	}, nil
}

func handleNotifyParticipants(ctx context.Context, caller collab.Caller, action turn.CompensationAction) (map[string]interface{}, error) {
	resp, err := callOrFail(ctx, caller, collab.TargetAgent, "notify", map[string]interface{}{
		"agent_ids": action.AffectedEntities,
		"message":   fmt.Sprintf("turn %s was rolled back", action.TurnID),
	})
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"notified":         resp.IntField("notified"),
		"data_consistency": true,
	}, nil
}

func handleLogFailure(_ context.Context, _ collab.Caller, action turn.CompensationAction) (map[string]interface{}, error) {
	logging.Saga("turn %s: phase %s failed, compensation %s recorded",
		action.TurnID, action.TargetPhase, action.ActionID)
	return map[string]interface{}{"logged": true, "data_consistency": true}, nil
}

func handleTriggerManualReview(_ context.Context, _ collab.Caller, action turn.CompensationAction) (map[string]interface{}, error) {
	ticket := uuid.NewString()
	logging.SagaWarn("turn %s: manual review requested for phase %s (ticket %s)",
		action.TurnID, action.TargetPhase, ticket)
	return map[string]interface{}{"review_ticket": ticket, "data_consistency": true}, nil
}
