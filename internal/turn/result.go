package turn

import (
	"time"

	"github.com/shopspring/decimal"
)

// AIOperation records one call to the AI gateway.
type AIOperation struct {
	Operation string          `json:"operation"`
	Provider  string          `json:"provider,omitempty"`
	Model     string          `json:"model,omitempty"`
	Tokens    int             `json:"tokens"`
	Cost      decimal.Decimal `json:"cost"`
	Timestamp time.Time       `json:"timestamp"`
}

// AIUsage aggregates AI gateway spend for one phase. Costs are exact
// decimals; binary floats appear only at metrics exposition.
type AIUsage struct {
	TotalCost   decimal.Decimal `json:"total_cost"`
	TotalTokens int             `json:"total_tokens"`
	Operations  []AIOperation   `json:"operations,omitempty"`
}

// Add returns a new usage with the operation appended and totals updated.
func (u AIUsage) Add(op AIOperation) AIUsage {
	next := AIUsage{
		TotalCost:   u.TotalCost.Add(op.Cost),
		TotalTokens: u.TotalTokens + op.Tokens,
		Operations:  make([]AIOperation, 0, len(u.Operations)+1),
	}
	next.Operations = append(next.Operations, u.Operations...)
	next.Operations = append(next.Operations, op)
	return next
}

// Validate checks that totals equal the operation sums.
func (u AIUsage) Validate() error {
	cost := decimal.Zero
	tokens := 0
	for _, op := range u.Operations {
		cost = cost.Add(op.Cost)
		tokens += op.Tokens
	}
	if !cost.Equal(u.TotalCost) {
		return NewError(KindValidation, "ai usage total cost %s does not match operation sum %s", u.TotalCost, cost)
	}
	if tokens != u.TotalTokens {
		return NewError(KindValidation, "ai usage total tokens %d does not match operation sum %d", u.TotalTokens, tokens)
	}
	return nil
}

// IsZero reports whether any usage was recorded.
func (u AIUsage) IsZero() bool {
	return len(u.Operations) == 0 && u.TotalTokens == 0 && u.TotalCost.IsZero()
}

// CrossContextCall records one outbound collaborator invocation.
type CrossContextCall struct {
	CallID     string                 `json:"call_id"`
	Target     string                 `json:"target"`
	Operation  string                 `json:"operation"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Response   map[string]interface{} `json:"response,omitempty"`
	Success    bool                   `json:"success"`
	DurationMS int64                  `json:"duration_ms"`
	Timestamp  time.Time              `json:"timestamp"`
}

// PhaseResult is the immutable outcome of one phase execution.
type PhaseResult struct {
	Phase              PhaseType              `json:"phase"`
	Success            bool                   `json:"success"`
	EventsProcessed    int                    `json:"events_processed"`
	EventsGenerated    []string               `json:"events_generated,omitempty"`
	ArtifactsCreated   []string               `json:"artifacts_created,omitempty"`
	PerformanceMetrics map[string]float64     `json:"performance_metrics,omitempty"`
	AIUsage            *AIUsage               `json:"ai_usage,omitempty"`
	ErrorKind          string                 `json:"error_kind,omitempty"`
	ErrorMessage       string                 `json:"error_message,omitempty"`
	ErrorDetails       map[string]interface{} `json:"error_details,omitempty"`
	RollbackData       map[string]interface{} `json:"rollback_data,omitempty"`
	CrossContextCalls  []CrossContextCall     `json:"cross_context_calls,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	ExecutionTimeMS    int64                  `json:"execution_time_ms"`
}

// Validate checks the result shape: non-negative counters and, when AI usage
// is present, internally consistent totals.
func (r PhaseResult) Validate() error {
	if r.EventsProcessed < 0 {
		return NewError(KindValidation, "phase %s events processed is negative: %d", r.Phase, r.EventsProcessed)
	}
	if r.AIUsage != nil {
		if err := r.AIUsage.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// AICost returns the phase's AI spend, zero when no usage was recorded.
func (r PhaseResult) AICost() decimal.Decimal {
	if r.AIUsage == nil {
		return decimal.Zero
	}
	return r.AIUsage.TotalCost
}

// FailureResult builds a failed PhaseResult from an error kind and message.
func FailureResult(phase PhaseType, kind ErrorKind, message string, details map[string]interface{}) PhaseResult {
	return PhaseResult{
		Phase:        phase,
		Success:      false,
		ErrorKind:    string(kind),
		ErrorMessage: message,
		ErrorDetails: details,
	}
}

// PipelineResult aggregates per-phase results for one full turn.
type PipelineResult struct {
	TurnID               string                `json:"turn_id"`
	Success              bool                  `json:"success"`
	PhaseResults         []PhaseResult         `json:"phase_results"`
	CompensationActions  []CompensationAction  `json:"compensation_actions,omitempty"`
	TotalExecutionTimeMS int64                 `json:"total_execution_time_ms"`
	CompletionPct        float64               `json:"completion_pct"`
	Summary              string                `json:"summary"`
	TotalAICost          decimal.Decimal       `json:"total_ai_cost"`
}

// Result returns the result for a phase, or false when the phase never ran.
func (p PipelineResult) Result(phase PhaseType) (PhaseResult, bool) {
	for _, r := range p.PhaseResults {
		if r.Phase == phase {
			return r, true
		}
	}
	return PhaseResult{}, false
}

// CompletedPhases lists phases that finished successfully, in pipeline order.
func (p PipelineResult) CompletedPhases() []PhaseType {
	var out []PhaseType
	for _, r := range p.PhaseResults {
		if r.Success {
			out = append(out, r.Phase)
		}
	}
	return out
}
