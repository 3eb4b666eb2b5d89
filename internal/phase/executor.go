package phase

import (
	"context"
	"fmt"

	"turnforge/internal/logging"
	"turnforge/internal/turn"
)

// Executor is the contract every phase implementation satisfies. Execute
// returns a result for both success and failure; an error return means the
// executor itself broke (treated as an internal failure by Run).
type Executor interface {
	Phase() turn.PhaseType
	Precondition(ec *ExecutionContext) error
	Execute(ctx context.Context, ec *ExecutionContext) (turn.PhaseResult, error)
}

// Run wraps one executor invocation with the framework behavior: the
// precondition gate, the per-phase deadline, panic containment, result
// validation, and uniform error mapping. It always returns a usable result.
func Run(ctx context.Context, ex Executor, ec *ExecutionContext) turn.PhaseResult {
	phase := ex.Phase()

	if max := ec.Config.MaxAICost; max != nil && ec.Config.AIEnabledForPhase(phase) &&
		ec.AccruedAICost.GreaterThanOrEqual(*max) {
		logging.PhaseWarn("phase %s blocked: ai budget %s already spent", phase, max)
		return ec.FailResult(turn.KindAIBudget,
			fmt.Sprintf("ai cost budget %s exhausted before phase %s (spent %s)", max, phase, ec.AccruedAICost),
			map[string]interface{}{"max_ai_cost": max.String(), "accrued_cost": ec.AccruedAICost.String()})
	}

	if err := ex.Precondition(ec); err != nil {
		logging.PhaseWarn("phase %s precondition failed: %v", phase, err)
		return ec.FailResult(turn.KindPrecondition, err.Error(), nil)
	}

	timeout := ec.Config.PhaseTimeout(phase)
	phaseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result turn.PhaseResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panic: %v", r)}
			}
		}()
		result, err := ex.Execute(phaseCtx, ec)
		done <- outcome{result: result, err: err}
	}()

	var result turn.PhaseResult
	select {
	case <-phaseCtx.Done():
		if phaseCtx.Err() == context.DeadlineExceeded {
			logging.PhaseWarn("phase %s timed out after %v", phase, timeout)
			return ec.FailResult(turn.KindTimeout,
				fmt.Sprintf("phase %s exceeded its %v deadline", phase, timeout),
				map[string]interface{}{"timeout_ms": timeout.Milliseconds()})
		}
		// Parent cancellation: surface as timeout-kind failure with the cause.
		return ec.FailResult(turn.KindTimeout,
			fmt.Sprintf("phase %s cancelled: %v", phase, phaseCtx.Err()), nil)
	case out := <-done:
		if out.err != nil {
			logging.PhaseError("phase %s failed internally: %v", phase, out.err)
			return ec.FailResult(turn.KindInternal, out.err.Error(), nil)
		}
		result = out.result
	}

	if err := result.Validate(); err != nil {
		logging.PhaseError("phase %s produced an invalid result: %v", phase, err)
		return ec.FailResult(turn.KindInternal,
			fmt.Sprintf("invalid phase result: %v", err), nil)
	}

	if max := ec.Config.MaxAICost; max != nil && result.Success {
		if spent := ec.AccruedAICost.Add(result.AICost()); spent.GreaterThan(*max) {
			logging.PhaseWarn("phase %s overspent the ai budget: %s of %s", phase, spent, max)
			return ec.FailResult(turn.KindAIBudget,
				fmt.Sprintf("phase %s pushed ai spend to %s, over the %s budget", phase, spent, max),
				map[string]interface{}{"max_ai_cost": max.String(), "accrued_cost": spent.String()})
		}
	}
	return result
}

// Registry maps phase types to executors. A missing entry is a server
// configuration error surfaced at startup, not at runtime.
type Registry struct {
	executors map[turn.PhaseType]Executor
}

// NewRegistry builds a registry from the given executors.
func NewRegistry(executors ...Executor) *Registry {
	m := make(map[turn.PhaseType]Executor, len(executors))
	for _, ex := range executors {
		m[ex.Phase()] = ex
	}
	return &Registry{executors: m}
}

// Lookup resolves the executor for a phase.
func (r *Registry) Lookup(phase turn.PhaseType) (Executor, bool) {
	ex, ok := r.executors[phase]
	return ex, ok
}

// ValidateComplete checks that every enabled pipeline phase has an executor.
func (r *Registry) ValidateComplete() error {
	for _, pt := range turn.AllPhases() {
		if _, ok := r.executors[pt]; !ok {
			return turn.NewError(turn.KindValidation, "no executor registered for phase %s", pt)
		}
	}
	return nil
}

// aiDisabledResult is the uniform trivial success for AI-gated phases when
// AI integration is off: the five-phase event stream stays intact.
func aiDisabledResult(ec *ExecutionContext) turn.PhaseResult {
	return ec.BuildResult(true, 0, map[string]interface{}{
		"ai_integration_disabled": true,
	})
}
