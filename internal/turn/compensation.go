package turn

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CompensationType enumerates the corrective actions the saga coordinator
// can schedule after a failed phase.
type CompensationType string

const (
	CompRollbackWorldState       CompensationType = "rollback_world_state"
	CompInvalidateBriefs         CompensationType = "invalidate_subjective_briefs"
	CompCancelInteractions       CompensationType = "cancel_interactions"
	CompRemoveEvents             CompensationType = "remove_events"
	CompRevertNarrativeChanges   CompensationType = "revert_narrative_changes"
	CompNotifyParticipants       CompensationType = "notify_participants"
	CompLogFailure               CompensationType = "log_failure"
	CompTriggerManualReview      CompensationType = "trigger_manual_review"
)

// Severity grades how serious a compensation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// PriorityFor maps severity to the default action priority (1-10 scale).
func PriorityFor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 9
	case SeverityHigh:
		return 7
	case SeverityMedium:
		return 5
	default:
		return 3
	}
}

// compensationSpec carries the static attributes of each compensation type.
type compensationSpec struct {
	severity       Severity
	destructive    bool
	defaultTimeout time.Duration
	baseCost       decimal.Decimal
	compensatesFor []PhaseType
}

var compensationSpecs = map[CompensationType]compensationSpec{
	CompRollbackWorldState: {
		severity:       SeverityCritical,
		destructive:    true,
		defaultTimeout: 10 * time.Second,
		baseCost:       decimal.NewFromFloat(0.05),
		compensatesFor: []PhaseType{PhaseWorldUpdate, PhaseEventIntegration},
	},
	CompInvalidateBriefs: {
		severity:       SeverityMedium,
		destructive:    false,
		defaultTimeout: 5 * time.Second,
		baseCost:       decimal.NewFromFloat(0.01),
		compensatesFor: []PhaseType{PhaseSubjectiveBrief},
	},
	CompCancelInteractions: {
		severity:       SeverityHigh,
		destructive:    true,
		defaultTimeout: 8 * time.Second,
		baseCost:       decimal.NewFromFloat(0.02),
		compensatesFor: []PhaseType{PhaseInteractionOrchestration},
	},
	CompRemoveEvents: {
		severity:       SeverityCritical,
		destructive:    true,
		defaultTimeout: 10 * time.Second,
		baseCost:       decimal.NewFromFloat(0.03),
		compensatesFor: []PhaseType{PhaseEventIntegration},
	},
	CompRevertNarrativeChanges: {
		severity:       SeverityMedium,
		destructive:    false,
		defaultTimeout: 5 * time.Second,
		baseCost:       decimal.NewFromFloat(0.01),
		compensatesFor: []PhaseType{PhaseNarrativeIntegration},
	},
	CompNotifyParticipants: {
		severity:       SeverityLow,
		destructive:    false,
		defaultTimeout: 3 * time.Second,
		baseCost:       decimal.NewFromFloat(0.001),
		compensatesFor: AllPhases(),
	},
	CompLogFailure: {
		severity:       SeverityLow,
		destructive:    false,
		defaultTimeout: 2 * time.Second,
		baseCost:       decimal.Zero,
		compensatesFor: AllPhases(),
	},
	CompTriggerManualReview: {
		severity:       SeverityHigh,
		destructive:    false,
		defaultTimeout: 3 * time.Second,
		baseCost:       decimal.NewFromFloat(0.01),
		compensatesFor: AllPhases(),
	},
}

// Severity returns the compensation's severity grade.
func (c CompensationType) Severity() Severity { return compensationSpecs[c].severity }

// Destructive reports whether the compensation mutates committed state.
func (c CompensationType) Destructive() bool { return compensationSpecs[c].destructive }

// DefaultTimeout returns the per-action execution timeout.
func (c CompensationType) DefaultTimeout() time.Duration { return compensationSpecs[c].defaultTimeout }

// BaseCost returns the nominal execution cost for the type.
func (c CompensationType) BaseCost() decimal.Decimal { return compensationSpecs[c].baseCost }

// CompensatesFor lists the phases the type can compensate.
func (c CompensationType) CompensatesFor() []PhaseType {
	spec := compensationSpecs[c]
	out := make([]PhaseType, len(spec.compensatesFor))
	copy(out, spec.compensatesFor)
	return out
}

// Valid reports whether c is a known compensation type.
func (c CompensationType) Valid() bool {
	_, ok := compensationSpecs[c]
	return ok
}

// phaseCompensations maps each phase to the compensation types scheduled,
// in order, when a later failure unwinds that phase's commit.
var phaseCompensations = map[PhaseType][]CompensationType{
	PhaseWorldUpdate:              {CompRollbackWorldState, CompLogFailure, CompNotifyParticipants},
	PhaseSubjectiveBrief:          {CompInvalidateBriefs, CompLogFailure},
	PhaseInteractionOrchestration: {CompCancelInteractions, CompNotifyParticipants, CompLogFailure},
	PhaseEventIntegration:         {CompRemoveEvents, CompRollbackWorldState, CompLogFailure},
	PhaseNarrativeIntegration:     {CompRevertNarrativeChanges, CompLogFailure},
}

// CompensationsForPhase returns the compensation types registered for a
// committed phase, in scheduling order.
func CompensationsForPhase(phase PhaseType) []CompensationType {
	types := phaseCompensations[phase]
	out := make([]CompensationType, len(types))
	copy(out, types)
	return out
}

// ActionStatus is the lifecycle state of one compensation action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
)

// CompensationAction is an immutable descriptor of one compensating step.
// Lifecycle methods return new instances.
type CompensationAction struct {
	ActionID               string                 `json:"action_id"`
	Type                   CompensationType       `json:"compensation_type"`
	TargetPhase            PhaseType              `json:"target_phase"`
	TurnID                 string                 `json:"turn_id"`
	TriggeredAt            time.Time              `json:"triggered_at"`
	Status                 ActionStatus           `json:"status"`
	CompletedAt            *time.Time             `json:"completed_at,omitempty"`
	ExecutionParameters    map[string]interface{} `json:"execution_parameters,omitempty"`
	ExecutionResults       map[string]interface{} `json:"execution_results,omitempty"`
	RollbackData           map[string]interface{} `json:"rollback_data,omitempty"`
	AffectedEntities       []string               `json:"affected_entities,omitempty"`
	EstimatedCost          *decimal.Decimal       `json:"estimated_cost,omitempty"`
	ActualCost             *decimal.Decimal       `json:"actual_cost,omitempty"`
	Priority               int                    `json:"priority"`
	RequiresManualApproval bool                   `json:"requires_manual_approval"`
	ApprovalGrantedAt      *time.Time             `json:"approval_granted_at,omitempty"`
	ApprovedBy             string                 `json:"approved_by,omitempty"`
	ExecutionTimeoutMS     int64                  `json:"execution_timeout_ms"`
	RetryCount             int                    `json:"retry_count"`
	MaxRetries             int                    `json:"max_retries"`
	ErrorDetails           map[string]interface{} `json:"error_details,omitempty"`
	ExecutionOrder         int                    `json:"execution_order"`
	ExecutedBy             string                 `json:"executed_by,omitempty"`
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
}

// ActionOption customizes a new compensation action.
type ActionOption func(*CompensationAction)

// WithRollbackData attaches the snapshot the handler needs.
func WithRollbackData(data map[string]interface{}) ActionOption {
	return func(a *CompensationAction) { a.RollbackData = data }
}

// WithAffectedEntities records the entities the action touches.
func WithAffectedEntities(entities []string) ActionOption {
	return func(a *CompensationAction) { a.AffectedEntities = entities }
}

// WithPriority overrides the severity-derived priority (clamped to 1-10).
func WithPriority(p int) ActionOption {
	return func(a *CompensationAction) {
		if p < 1 {
			p = 1
		}
		if p > 10 {
			p = 10
		}
		a.Priority = p
	}
}

// WithExecutionTimeout overrides the type's default timeout.
func WithExecutionTimeout(d time.Duration) ActionOption {
	return func(a *CompensationAction) {
		if d > 0 {
			a.ExecutionTimeoutMS = d.Milliseconds()
		}
	}
}

// WithMaxRetries sets the retry budget.
func WithMaxRetries(n int) ActionOption {
	return func(a *CompensationAction) {
		if n >= 0 {
			a.MaxRetries = n
		}
	}
}

// WithExecutionParameters attaches handler parameters.
func WithExecutionParameters(params map[string]interface{}) ActionOption {
	return func(a *CompensationAction) { a.ExecutionParameters = params }
}

// NewCompensationAction builds a pending action with type-derived defaults:
// priority from severity, manual approval for destructive types, timeout
// and estimated cost from the type table.
func NewCompensationAction(ct CompensationType, targetPhase PhaseType, turnID string, opts ...ActionOption) (CompensationAction, error) {
	if !ct.Valid() {
		return CompensationAction{}, NewError(KindValidation, "unknown compensation type %q", ct)
	}
	estimated := ct.BaseCost()
	a := CompensationAction{
		ActionID:               uuid.NewString(),
		Type:                   ct,
		TargetPhase:            targetPhase,
		TurnID:                 turnID,
		TriggeredAt:            time.Now().UTC(),
		Status:                 ActionPending,
		EstimatedCost:          &estimated,
		Priority:               PriorityFor(ct.Severity()),
		RequiresManualApproval: ct.Destructive(),
		ExecutionTimeoutMS:     ct.DefaultTimeout().Milliseconds(),
		MaxRetries:             2,
	}
	for _, opt := range opts {
		opt(&a)
	}
	return a, nil
}

// Approve returns a copy with manual approval granted.
func (a CompensationAction) Approve(by string, at time.Time) CompensationAction {
	next := a
	granted := at
	next.ApprovalGrantedAt = &granted
	next.ApprovedBy = by
	return next
}

// MarkExecuting transitions pending -> executing.
func (a CompensationAction) MarkExecuting(executor string) (CompensationAction, error) {
	if a.Status != ActionPending {
		return a, NewError(KindInvalidState, "action %s cannot execute from status %s", a.ActionID, a.Status)
	}
	next := a
	next.Status = ActionExecuting
	next.ExecutedBy = executor
	return next, nil
}

// MarkCompleted transitions executing -> completed with results and cost.
func (a CompensationAction) MarkCompleted(results map[string]interface{}, actualCost decimal.Decimal, at time.Time) (CompensationAction, error) {
	if a.Status != ActionExecuting {
		return a, NewError(KindInvalidState, "action %s cannot complete from status %s", a.ActionID, a.Status)
	}
	next := a
	next.Status = ActionCompleted
	completed := at
	next.CompletedAt = &completed
	next.ExecutionResults = results
	next.ActualCost = &actualCost
	return next, nil
}

// MarkFailed transitions executing -> failed with error details.
func (a CompensationAction) MarkFailed(details map[string]interface{}, at time.Time) (CompensationAction, error) {
	if a.Status != ActionExecuting {
		return a, NewError(KindInvalidState, "action %s cannot fail from status %s", a.ActionID, a.Status)
	}
	next := a
	next.Status = ActionFailed
	completed := at
	next.CompletedAt = &completed
	next.ErrorDetails = details
	return next, nil
}

// Retry returns the action to pending with an incremented retry count.
// Fails when the retry budget is exhausted.
func (a CompensationAction) Retry() (CompensationAction, error) {
	if a.Status != ActionExecuting && a.Status != ActionFailed {
		return a, NewError(KindInvalidState, "action %s cannot retry from status %s", a.ActionID, a.Status)
	}
	if a.RetryCount >= a.MaxRetries {
		return a, NewError(KindInvalidState, "action %s exhausted retries (%d/%d)", a.ActionID, a.RetryCount, a.MaxRetries)
	}
	next := a
	next.Status = ActionPending
	next.RetryCount++
	next.CompletedAt = nil
	next.ErrorDetails = nil
	return next, nil
}

// MarkSkipped transitions pending -> skipped.
func (a CompensationAction) MarkSkipped(reason string) (CompensationAction, error) {
	if a.Status != ActionPending {
		return a, NewError(KindInvalidState, "action %s cannot be skipped from status %s", a.ActionID, a.Status)
	}
	next := a
	next.Status = ActionSkipped
	next.ExecutionResults = map[string]interface{}{"skip_reason": reason}
	return next, nil
}

// IsTerminal reports whether the action accepts no further transitions.
func (a CompensationAction) IsTerminal() bool {
	return a.Status == ActionCompleted || a.Status == ActionFailed || a.Status == ActionSkipped
}

// CanRetry reports whether a retry is still within budget.
func (a CompensationAction) CanRetry() bool { return a.RetryCount < a.MaxRetries }
