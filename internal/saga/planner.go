// Package saga plans and executes the compensating actions that return the
// system to a consistent state after a failed phase. Planning walks the
// committed phases in reverse order; execution runs destructive actions
// serially and batches non-destructive ones, with per-action timeouts and
// retries.
package saga

import (
	"turnforge/internal/turn"
)

// FailureContext describes the failure being compensated.
type FailureContext struct {
	FailedPhase  turn.PhaseType
	ErrorKind    turn.ErrorKind
	ErrorMessage string
	Severity     turn.Severity
	Details      map[string]interface{}
}

// criticalPhase reports whether a phase's failure always warrants review.
func criticalPhase(p turn.PhaseType) bool {
	return p == turn.PhaseWorldUpdate || p == turn.PhaseEventIntegration
}

// Plan produces the ordered compensation list for a failed turn:
// per-committed-phase actions in reverse commit order, then the global
// actions. Priorities start from severity and are raised when partial
// progress exists (+1) or the failure is critical (+2).
func Plan(t *turn.Turn, failure FailureContext) ([]turn.CompensationAction, error) {
	saga := t.Saga()
	turnID := t.ID().Short()
	participants := t.Configuration().Participants

	var actions []turn.CompensationAction
	appendAction := func(ct turn.CompensationType, targetPhase turn.PhaseType, opts ...turn.ActionOption) error {
		action, err := turn.NewCompensationAction(ct, targetPhase, turnID, opts...)
		if err != nil {
			return err
		}
		action = adjustPriority(action, len(saga.CommittedPhases) > 0, failure.Severity)
		action.ExecutionOrder = len(actions)
		actions = append(actions, action)
		return nil
	}

	// Unwind committed phases newest-first.
	for i := len(saga.CommittedPhases) - 1; i >= 0; i-- {
		phase := saga.CommittedPhases[i]
		var opts []turn.ActionOption
		if snapshot, ok := t.RollbackSnapshot(phase); ok {
			opts = append(opts, turn.WithRollbackData(snapshot))
		}
		if len(participants) > 0 {
			opts = append(opts, turn.WithAffectedEntities(participants))
		}
		for _, ct := range turn.CompensationsForPhase(phase) {
			if err := appendAction(ct, phase, opts...); err != nil {
				return nil, err
			}
		}
	}

	// Global actions target the failed phase itself.
	if err := appendAction(turn.CompLogFailure, failure.FailedPhase); err != nil {
		return nil, err
	}
	if len(participants) > 0 {
		if err := appendAction(turn.CompNotifyParticipants, failure.FailedPhase,
			turn.WithAffectedEntities(participants)); err != nil {
			return nil, err
		}
	}
	if criticalPhase(failure.FailedPhase) || failure.Severity == turn.SeverityCritical {
		if err := appendAction(turn.CompTriggerManualReview, failure.FailedPhase); err != nil {
			return nil, err
		}
	}
	return actions, nil
}

func adjustPriority(a turn.CompensationAction, partialProgress bool, severity turn.Severity) turn.CompensationAction {
	p := a.Priority
	if partialProgress {
		p++
	}
	if severity == turn.SeverityCritical {
		p += 2
	}
	if p > 10 {
		p = 10
	}
	a.Priority = p
	return a
}
