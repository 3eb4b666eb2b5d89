package saga

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"turnforge/internal/collab"
	"turnforge/internal/logging"
	"turnforge/internal/metrics"
	"turnforge/internal/turn"
)

// ActionOutcome records how one planned action ended.
type ActionOutcome struct {
	ActionID   string                 `json:"action_id"`
	Type       turn.CompensationType  `json:"type"`
	Status     turn.ActionStatus      `json:"status"`
	Retries    int                    `json:"retries"`
	DurationMS int64                  `json:"duration_ms"`
	Results    map[string]interface{} `json:"results,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Report is the consistency summary produced after all actions terminate.
type Report struct {
	TurnID                  string          `json:"turn_id"`
	TotalActions            int             `json:"total_actions"`
	Successful              int             `json:"successful"`
	Failed                  int             `json:"failed"`
	Skipped                 int             `json:"skipped"`
	RollbackCompleteness    float64         `json:"rollback_completeness"`
	DataIntegrityViolations []string        `json:"data_integrity_violations,omitempty"`
	ManualReviewRequired    bool            `json:"manual_review_required"`
	DurationMS              int64           `json:"duration_ms"`
	Outcomes                []ActionOutcome `json:"outcomes"`
}

// Coordinator plans and executes compensation for a failed turn.
type Coordinator struct {
	caller  collab.Caller
	metrics *metrics.Registry

	// AutoApprove lets the coordinator approve destructive actions itself.
	// With it off, unapproved destructive actions are skipped and flagged
	// for manual review.
	AutoApprove bool
}

// NewCoordinator wires the coordinator. metrics may be nil.
func NewCoordinator(caller collab.Caller, reg *metrics.Registry) *Coordinator {
	return &Coordinator{caller: caller, metrics: reg, AutoApprove: true}
}

// Compensate plans the actions for the failure, registers them on the
// aggregate, executes them (destructive serially, non-destructive batches in
// parallel), reports each terminal outcome back to the aggregate, and
// returns the consistency report. The aggregate must be COMPENSATING.
func (c *Coordinator) Compensate(ctx context.Context, t *turn.Turn, failure FailureContext) (*Report, error) {
	start := time.Now()

	planned, err := Plan(t, failure)
	if err != nil {
		return nil, err
	}
	for _, action := range planned {
		if err := t.AddCompensationAction(action); err != nil {
			return nil, err
		}
	}
	logging.Saga("turn %s: planned %d compensation actions for failed phase %s",
		t.ID().Short(), len(planned), failure.FailedPhase)

	report := &Report{TurnID: t.ID().Short(), TotalActions: len(planned)}

	for _, batch := range batches(planned) {
		outcomes := make([]ActionOutcome, len(batch))
		if len(batch) == 1 {
			outcomes[0] = c.executeAction(ctx, batch[0], failure)
		} else {
			done := make(chan struct{})
			for i, action := range batch {
				go func(i int, action turn.CompensationAction) {
					outcomes[i] = c.executeAction(ctx, action, failure)
					done <- struct{}{}
				}(i, action)
			}
			for range batch {
				<-done
			}
		}

		// Aggregate mutations stay on this goroutine.
		for _, out := range outcomes {
			report.Outcomes = append(report.Outcomes, out)
			switch out.Status {
			case turn.ActionCompleted:
				report.Successful++
				cost := actionCost(planned, out.ActionID)
				if err := t.CompleteCompensationAction(out.ActionID, out.Results, cost); err != nil {
					return report, err
				}
			case turn.ActionSkipped:
				report.Skipped++
				report.ManualReviewRequired = true
				if err := t.CompleteCompensationAction(out.ActionID, out.Results, decimal.Zero); err != nil {
					return report, err
				}
			default:
				report.Failed++
				if err := t.FailCompensationAction(out.ActionID, map[string]interface{}{
					"error": out.Error, "retries": out.Retries,
				}); err != nil {
					return report, err
				}
			}
		}
	}

	c.finishReport(report, planned, failure)
	report.DurationMS = time.Since(start).Milliseconds()
	logging.Saga("turn %s: compensation finished (%d/%d successful, completeness %.2f, review=%v)",
		report.TurnID, report.Successful, report.TotalActions,
		report.RollbackCompleteness, report.ManualReviewRequired)
	return report, nil
}

// executeAction runs one action to a terminal status with retry handling.
// It works on its own copy; the aggregate is updated by the caller.
func (c *Coordinator) executeAction(ctx context.Context, action turn.CompensationAction, failure FailureContext) ActionOutcome {
	start := time.Now()
	out := ActionOutcome{ActionID: action.ActionID, Type: action.Type}

	if action.RequiresManualApproval && action.ApprovalGrantedAt == nil {
		if !c.AutoApprove {
			out.Status = turn.ActionSkipped
			out.Results = map[string]interface{}{"skip_reason": "manual approval required"}
			out.DurationMS = time.Since(start).Milliseconds()
			return out
		}
		action = action.Approve("saga-coordinator", time.Now().UTC())
	}

	handler, ok := handlers[action.Type]
	if !ok {
		out.Status = turn.ActionFailed
		out.Error = "no handler for compensation type " + string(action.Type)
		out.DurationMS = time.Since(start).Milliseconds()
		return out
	}

	timeout := time.Duration(action.ExecutionTimeoutMS) * time.Millisecond
	current := action
	for {
		running, err := current.MarkExecuting("saga-coordinator")
		if err != nil {
			out.Status = turn.ActionFailed
			out.Error = err.Error()
			break
		}
		current = running

		actionCtx, cancel := context.WithTimeout(ctx, timeout)
		results, execErr := handler(actionCtx, c.caller, current)
		cancel()

		if execErr == nil {
			out.Status = turn.ActionCompleted
			out.Results = results
			break
		}

		errorType := "internal"
		if typed, ok := execErr.(*ExecError); ok {
			errorType = typed.Type
		} else if actionCtx.Err() == context.DeadlineExceeded {
			errorType = "timeout"
		}
		out.Error = execErr.Error()

		if !Retryable(errorType) || !current.CanRetry() {
			out.Status = turn.ActionFailed
			break
		}
		retried, err := current.Retry()
		if err != nil {
			out.Status = turn.ActionFailed
			out.Error = err.Error()
			break
		}
		current = retried
		out.Retries = current.RetryCount
		if c.metrics != nil {
			c.metrics.RecoveryAttempt(errorType, string(current.Type.Severity()), "saga")
		}
		logging.SagaDebug("action %s retrying (%d/%d) after %s",
			current.ActionID, current.RetryCount, current.MaxRetries, errorType)
	}

	out.DurationMS = time.Since(start).Milliseconds()
	if c.metrics != nil {
		c.metrics.CompensationExecuted(string(action.Type), out.Status == turn.ActionCompleted,
			string(failure.ErrorKind), time.Duration(out.DurationMS)*time.Millisecond)
	}
	return out
}

// finishReport computes completeness and integrity findings.
func (c *Coordinator) finishReport(report *Report, planned []turn.CompensationAction, failure FailureContext) {
	if report.TotalActions > 0 {
		report.RollbackCompleteness = float64(report.Successful) / float64(report.TotalActions)
	} else {
		report.RollbackCompleteness = 1
	}
	byID := make(map[string]turn.CompensationAction, len(planned))
	for _, a := range planned {
		byID[a.ActionID] = a
	}
	for _, out := range report.Outcomes {
		if out.Status == turn.ActionFailed && byID[out.ActionID].Type.Destructive() {
			report.DataIntegrityViolations = append(report.DataIntegrityViolations,
				"destructive action "+string(out.Type)+" failed")
		}
		if out.Results != nil {
			if dc, ok := out.Results["data_consistency"].(bool); ok && !dc {
				report.DataIntegrityViolations = append(report.DataIntegrityViolations,
					"action "+string(out.Type)+" reported inconsistent data")
			}
		}
	}
	if report.Failed > 0 || report.RollbackCompleteness < 0.95 {
		report.ManualReviewRequired = true
	}
}

// batches splits the planned order into execution groups: each destructive
// action runs alone, consecutive non-destructive actions run together.
func batches(actions []turn.CompensationAction) [][]turn.CompensationAction {
	var out [][]turn.CompensationAction
	var current []turn.CompensationAction
	flush := func() {
		if len(current) > 0 {
			out = append(out, current)
			current = nil
		}
	}
	for _, a := range actions {
		if a.Type.Destructive() {
			flush()
			out = append(out, []turn.CompensationAction{a})
			continue
		}
		current = append(current, a)
	}
	flush()
	return out
}

func actionCost(planned []turn.CompensationAction, actionID string) decimal.Decimal {
	for _, a := range planned {
		if a.ActionID == actionID {
			return a.Type.BaseCost()
		}
	}
	return decimal.Zero
}
