package turn

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of a turn aggregate.
type State string

const (
	StateCreated      State = "CREATED"
	StatePlanning     State = "PLANNING"
	StateExecuting    State = "EXECUTING"
	StateCompensating State = "COMPENSATING"
	StateCompleted    State = "COMPLETED"
	StateFailed       State = "FAILED"
	StateCancelled    State = "CANCELLED"
)

// stateTransitions is the legal transition table.
var stateTransitions = map[State][]State{
	StateCreated:      {StatePlanning, StateCancelled},
	StatePlanning:     {StateExecuting, StateFailed, StateCancelled},
	StateExecuting:    {StateCompleted, StateCompensating, StateFailed},
	StateCompensating: {StateCompleted, StateFailed},
}

// IsTerminal reports whether the state accepts no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s State) CanTransitionTo(next State) bool {
	for _, t := range stateTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// SagaState tracks what the saga coordinator needs to unwind a turn.
type SagaState struct {
	CompensationRequired bool        `json:"compensation_required"`
	CommittedPhases      []PhaseType `json:"committed_phases"`
	PendingCompensations []string    `json:"pending_compensations"`
}

// PerformanceMetrics accumulates turn-level execution counters.
type PerformanceMetrics struct {
	TotalEventsProcessed int              `json:"total_events_processed"`
	AIOperations         int              `json:"ai_operations"`
	AITokens             int              `json:"ai_tokens"`
	AICost               decimal.Decimal  `json:"ai_cost"`
	PhaseDurationsMS     map[string]int64 `json:"phase_durations_ms"`
}

// ErrorRecord is one entry in the aggregate's error history.
type ErrorRecord struct {
	Phase   PhaseType              `json:"phase"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	At      time.Time              `json:"at"`
}

// Turn is the aggregate root for one pipeline execution. It is the only
// stateful type in the package and is not goroutine-safe; the pipeline
// orchestrator serializes all mutations per turn id.
type Turn struct {
	id                  ID
	configuration       Configuration
	state               State
	createdAt           time.Time
	startedAt           *time.Time
	completedAt         *time.Time
	updatedAt           time.Time
	phaseStatuses       map[PhaseType]PhaseStatus
	phaseResults        map[PhaseType]PhaseResult
	currentPhase        *PhaseType
	compensationActions []CompensationAction
	sagaState           SagaState
	rollbackSnapshots   map[string]map[string]interface{}
	pipelineResult      *PipelineResult
	events              []DomainEvent
	metrics             PerformanceMetrics
	errorHistory        []ErrorRecord
	auditTrail          []AuditEntry
	version             int64
}

// Create constructs a turn in CREATED with all phase statuses pending.
// Configuration validation failures abort creation.
func Create(id ID, cfg Configuration, participants []string) (*Turn, error) {
	if id.IsZero() {
		return nil, NewError(KindValidation, "turn id is required")
	}
	if len(participants) > 0 {
		cfg.Participants = participants
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, NewError(KindValidation, "invalid configuration: %s", strings.Join(msgs, "; "))
	}

	now := time.Now().UTC()
	t := &Turn{
		id:                id,
		configuration:     cfg,
		state:             StateCreated,
		createdAt:         now,
		updatedAt:         now,
		phaseStatuses:     make(map[PhaseType]PhaseStatus, len(AllPhases())),
		phaseResults:      make(map[PhaseType]PhaseResult, len(AllPhases())),
		rollbackSnapshots: make(map[string]map[string]interface{}),
		metrics: PerformanceMetrics{
			AICost:           decimal.Zero,
			PhaseDurationsMS: make(map[string]int64),
		},
	}
	for _, pt := range AllPhases() {
		t.phaseStatuses[pt] = NewPhaseStatus(pt)
	}
	t.record("create", EventTurnCreated, map[string]interface{}{
		"participants": cfg.Participants,
		"ai_enabled":   cfg.AIEnabled,
	})
	return t, nil
}

// record bumps the version, stamps updatedAt, and appends both an audit
// entry and a domain event for the mutation.
func (t *Turn) record(action string, kind EventKind, payload map[string]interface{}) {
	t.version++
	t.updatedAt = time.Now().UTC()
	t.auditTrail = append(t.auditTrail, AuditEntry{
		At:      t.updatedAt,
		Action:  action,
		Detail:  string(t.state),
		Fields:  payload,
		Version: t.version,
	})
	t.events = append(t.events, NewDomainEvent(kind, t.id.Short(), t.version, payload))
}

func (t *Turn) transition(next State) error {
	if t.state.IsTerminal() {
		return NewError(KindInvalidState, "turn %s is terminal in state %s", t.id.Short(), t.state)
	}
	if !t.state.CanTransitionTo(next) {
		return NewError(KindInvalidState, "turn %s cannot move %s -> %s", t.id.Short(), t.state, next)
	}
	t.state = next
	return nil
}

// StartPlanning moves CREATED -> PLANNING.
func (t *Turn) StartPlanning() error {
	if err := t.transition(StatePlanning); err != nil {
		return err
	}
	t.record("start_planning", EventPlanningStarted, nil)
	return nil
}

// StartExecution moves PLANNING -> EXECUTING, stamps startedAt, and starts
// the first enabled phase. Disabled phases ahead of it are marked skipped.
func (t *Turn) StartExecution() error {
	if err := t.transition(StateExecuting); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.startedAt = &now
	t.record("start_execution", EventExecutionStarted, nil)

	first, err := t.advanceToNextEnabled(PhaseWorldUpdate)
	if err != nil {
		return err
	}
	if first == nil {
		// Every phase disabled: nothing to run, the turn completes empty.
		return t.completeTurn()
	}
	return nil
}

// advanceToNextEnabled skips disabled phases starting at from, starts the
// first enabled one, and returns it (nil when none remain).
func (t *Turn) advanceToNextEnabled(from PhaseType) (*PhaseType, error) {
	for pt := from; pt.Valid(); pt++ {
		if !t.configuration.IsPhaseEnabled(pt) {
			skipped, err := t.phaseStatuses[pt].Skip()
			if err != nil {
				return nil, err
			}
			t.phaseStatuses[pt] = skipped
			continue
		}
		started, err := t.phaseStatuses[pt].Start(time.Now().UTC())
		if err != nil {
			return nil, err
		}
		t.phaseStatuses[pt] = started
		phase := pt
		t.currentPhase = &phase
		t.record("start_phase", EventPhaseStarted, map[string]interface{}{"phase": pt.String()})
		return &phase, nil
	}
	t.currentPhase = nil
	return nil, nil
}

// CompletePhase records a successful phase, commits it for saga purposes,
// accumulates metrics, and either starts the next enabled phase or completes
// the turn.
func (t *Turn) CompletePhase(phase PhaseType, result PhaseResult) error {
	if t.state != StateExecuting {
		return NewError(KindInvalidState, "turn %s cannot complete phase in state %s", t.id.Short(), t.state)
	}
	if t.currentPhase == nil || *t.currentPhase != phase {
		return NewError(KindInvalidState, "phase %s is not the running phase of turn %s", phase, t.id.Short())
	}
	if err := result.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	completed, err := t.phaseStatuses[phase].Complete(now, result.EventsProcessed, result.Metadata)
	if err != nil {
		return err
	}
	t.phaseStatuses[phase] = completed
	t.phaseResults[phase] = result

	t.sagaState.CommittedPhases = append(t.sagaState.CommittedPhases, phase)
	if len(result.RollbackData) > 0 {
		t.rollbackSnapshots[phase.String()] = result.RollbackData
	}

	t.metrics.TotalEventsProcessed += result.EventsProcessed
	t.metrics.PhaseDurationsMS[phase.String()] = completed.DurationMS
	if result.AIUsage != nil {
		t.metrics.AIOperations += len(result.AIUsage.Operations)
		t.metrics.AITokens += result.AIUsage.TotalTokens
		t.metrics.AICost = t.metrics.AICost.Add(result.AIUsage.TotalCost)
	}

	t.record("complete_phase", EventPhaseCompleted, map[string]interface{}{
		"phase":            phase.String(),
		"events_processed": result.EventsProcessed,
		"duration_ms":      completed.DurationMS,
	})

	next, err := t.advanceToNextEnabled(phase + 1)
	if err != nil {
		return err
	}
	if next == nil {
		return t.completeTurn()
	}
	return nil
}

func (t *Turn) completeTurn() error {
	if err := t.transition(StateCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.completedAt = &now
	t.currentPhase = nil
	t.pipelineResult = t.buildPipelineResult(true, "all phases completed")
	t.record("complete_turn", EventTurnCompleted, map[string]interface{}{
		"execution_time_ms": t.ExecutionTime().Milliseconds(),
		"total_ai_cost":     t.metrics.AICost.String(),
	})
	return nil
}

// FailPhase records a phase failure. With compensation available and
// rollback enabled the turn moves to COMPENSATING; otherwise it fails
// terminally.
func (t *Turn) FailPhase(phase PhaseType, message string, details map[string]interface{}, canCompensate bool) error {
	if t.state != StateExecuting {
		return NewError(KindInvalidState, "turn %s cannot fail phase in state %s", t.id.Short(), t.state)
	}
	if t.currentPhase == nil || *t.currentPhase != phase {
		return NewError(KindInvalidState, "phase %s is not the running phase of turn %s", phase, t.id.Short())
	}
	now := time.Now().UTC()
	failed, err := t.phaseStatuses[phase].Fail(now, message)
	if err != nil {
		return err
	}
	t.phaseStatuses[phase] = failed
	t.currentPhase = nil
	t.metrics.PhaseDurationsMS[phase.String()] = failed.DurationMS
	t.errorHistory = append(t.errorHistory, ErrorRecord{
		Phase:   phase,
		Message: message,
		Details: details,
		At:      now,
	})
	t.record("fail_phase", EventPhaseFailed, map[string]interface{}{
		"phase":   phase.String(),
		"message": message,
	})

	if canCompensate && t.configuration.RollbackEnabled {
		if err := t.transition(StateCompensating); err != nil {
			return err
		}
		t.sagaState.CompensationRequired = true
		t.record("initiate_compensation", EventCompensationInitiated, map[string]interface{}{
			"failed_phase":     phase.String(),
			"committed_phases": phaseNamesOf(t.sagaState.CommittedPhases),
		})
		return nil
	}
	return t.failTurn(fmt.Sprintf("phase %s failed: %s", phase, message))
}

func (t *Turn) failTurn(summary string) error {
	if err := t.transition(StateFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.completedAt = &now
	t.currentPhase = nil
	t.pipelineResult = t.buildPipelineResult(false, summary)
	t.record("fail_turn", EventTurnFailed, map[string]interface{}{"summary": summary})
	return nil
}

// Cancel moves a not-yet-executing turn to CANCELLED.
func (t *Turn) Cancel(reason string) error {
	if err := t.transition(StateCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.completedAt = &now
	t.record("cancel", EventTurnCancelled, map[string]interface{}{"reason": reason})
	return nil
}

// AddCompensationAction registers a planned action while COMPENSATING.
func (t *Turn) AddCompensationAction(action CompensationAction) error {
	if t.state != StateCompensating {
		return NewError(KindInvalidState, "turn %s cannot add compensation in state %s", t.id.Short(), t.state)
	}
	if action.TurnID != t.id.Short() {
		return NewError(KindValidation, "action %s belongs to turn %s, not %s", action.ActionID, action.TurnID, t.id.Short())
	}
	t.compensationActions = append(t.compensationActions, action)
	t.sagaState.PendingCompensations = append(t.sagaState.PendingCompensations, action.ActionID)
	t.record("add_compensation_action", EventCompensationInitiated, map[string]interface{}{
		"action_id": action.ActionID,
		"type":      string(action.Type),
	})
	return nil
}

func (t *Turn) findAction(actionID string) (int, error) {
	for i := range t.compensationActions {
		if t.compensationActions[i].ActionID == actionID {
			return i, nil
		}
	}
	return -1, NewError(KindValidation, "turn %s has no compensation action %s", t.id.Short(), actionID)
}

func (t *Turn) removePending(actionID string) {
	for i, id := range t.sagaState.PendingCompensations {
		if id == actionID {
			t.sagaState.PendingCompensations = append(
				t.sagaState.PendingCompensations[:i],
				t.sagaState.PendingCompensations[i+1:]...)
			return
		}
	}
}

// CompleteCompensationAction records a finished action; when the pending set
// drains the turn settles (COMPLETED if every action succeeded or was
// skipped, FAILED otherwise).
func (t *Turn) CompleteCompensationAction(actionID string, results map[string]interface{}, actualCost decimal.Decimal) error {
	if t.state != StateCompensating {
		return NewError(KindInvalidState, "turn %s cannot complete compensation in state %s", t.id.Short(), t.state)
	}
	i, err := t.findAction(actionID)
	if err != nil {
		return err
	}
	action := t.compensationActions[i]
	if action.Status == ActionPending {
		if action, err = action.MarkExecuting("saga-coordinator"); err != nil {
			return err
		}
	}
	action, err = action.MarkCompleted(results, actualCost, time.Now().UTC())
	if err != nil {
		return err
	}
	t.compensationActions[i] = action
	t.removePending(actionID)
	t.record("complete_compensation_action", EventCompensationActionCompleted, map[string]interface{}{
		"action_id":   actionID,
		"type":        string(action.Type),
		"actual_cost": actualCost.String(),
		"remaining":   len(t.sagaState.PendingCompensations),
	})
	return t.settleCompensationIfDrained()
}

// FailCompensationAction records a terminally failed action.
func (t *Turn) FailCompensationAction(actionID string, errorDetails map[string]interface{}) error {
	if t.state != StateCompensating {
		return NewError(KindInvalidState, "turn %s cannot fail compensation in state %s", t.id.Short(), t.state)
	}
	i, err := t.findAction(actionID)
	if err != nil {
		return err
	}
	action := t.compensationActions[i]
	if action.Status == ActionPending {
		if action, err = action.MarkExecuting("saga-coordinator"); err != nil {
			return err
		}
	}
	action, err = action.MarkFailed(errorDetails, time.Now().UTC())
	if err != nil {
		return err
	}
	t.compensationActions[i] = action
	t.removePending(actionID)
	t.record("fail_compensation_action", EventCompensationActionFailed, map[string]interface{}{
		"action_id": actionID,
		"type":      string(action.Type),
		"remaining": len(t.sagaState.PendingCompensations),
	})
	return t.settleCompensationIfDrained()
}

func (t *Turn) settleCompensationIfDrained() error {
	if len(t.sagaState.PendingCompensations) > 0 {
		return nil
	}
	anyFailed := false
	for _, a := range t.compensationActions {
		if a.Status == ActionFailed {
			anyFailed = true
			break
		}
	}
	if anyFailed {
		return t.failTurn("compensation finished with failed actions")
	}
	if err := t.transition(StateCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	t.completedAt = &now
	t.sagaState.CommittedPhases = nil
	t.pipelineResult = t.buildPipelineResult(false, "turn compensated after phase failure")
	t.record("complete_compensation", EventTurnCompensationCompleted, map[string]interface{}{
		"actions": len(t.compensationActions),
	})
	return nil
}

func (t *Turn) buildPipelineResult(success bool, summary string) *PipelineResult {
	var phaseResults []PhaseResult
	for _, pt := range AllPhases() {
		status := t.phaseStatuses[pt]
		if status.State == PhasePending {
			continue
		}
		// Completed phases keep the executor's full result; failed and
		// skipped ones are reconstructed from the status.
		if full, ok := t.phaseResults[pt]; ok {
			phaseResults = append(phaseResults, full)
			continue
		}
		pr := PhaseResult{
			Phase:           pt,
			Success:         status.State == PhaseCompleted || status.State == PhaseSkipped,
			EventsProcessed: status.EventsProcessed,
			ErrorMessage:    status.ErrorMessage,
			Metadata:        status.Metadata,
			ExecutionTimeMS: status.DurationMS,
		}
		phaseResults = append(phaseResults, pr)
	}
	actions := make([]CompensationAction, len(t.compensationActions))
	copy(actions, t.compensationActions)
	return &PipelineResult{
		TurnID:               t.id.Short(),
		Success:              success,
		PhaseResults:         phaseResults,
		CompensationActions:  actions,
		TotalExecutionTimeMS: t.ExecutionTime().Milliseconds(),
		CompletionPct:        t.CompletionPercentage(),
		Summary:              summary,
		TotalAICost:          t.metrics.AICost,
	}
}

// ID returns the turn's identifier.
func (t *Turn) ID() ID { return t.id }

// State returns the current lifecycle state.
func (t *Turn) State() State { return t.state }

// Version returns the mutation counter.
func (t *Turn) Version() int64 { return t.version }

// Configuration returns the immutable configuration snapshot.
func (t *Turn) Configuration() Configuration { return t.configuration }

// CreatedAt returns the construction timestamp.
func (t *Turn) CreatedAt() time.Time { return t.createdAt }

// StartedAt returns the execution start time, nil before execution.
func (t *Turn) StartedAt() *time.Time { return t.startedAt }

// CompletedAt returns the terminal timestamp, nil while live.
func (t *Turn) CompletedAt() *time.Time { return t.completedAt }

// CurrentPhase returns the running phase, nil when none is running.
func (t *Turn) CurrentPhase() *PhaseType {
	if t.currentPhase == nil {
		return nil
	}
	phase := *t.currentPhase
	return &phase
}

// PhaseStatus returns the status record for a phase.
func (t *Turn) PhaseStatus(phase PhaseType) (PhaseStatus, bool) {
	s, ok := t.phaseStatuses[phase]
	return s, ok
}

// CompletedPhases lists phases in COMPLETED state, pipeline order.
func (t *Turn) CompletedPhases() []PhaseType {
	var out []PhaseType
	for _, pt := range AllPhases() {
		if t.phaseStatuses[pt].State == PhaseCompleted {
			out = append(out, pt)
		}
	}
	return out
}

// FailedPhases lists phases in FAILED state, pipeline order.
func (t *Turn) FailedPhases() []PhaseType {
	var out []PhaseType
	for _, pt := range AllPhases() {
		if t.phaseStatuses[pt].State == PhaseFailed {
			out = append(out, pt)
		}
	}
	return out
}

// PendingCompensations lists action ids still awaiting execution.
func (t *Turn) PendingCompensations() []string {
	out := make([]string, len(t.sagaState.PendingCompensations))
	copy(out, t.sagaState.PendingCompensations)
	return out
}

// CompensationActions returns a snapshot of the action list.
func (t *Turn) CompensationActions() []CompensationAction {
	out := make([]CompensationAction, len(t.compensationActions))
	copy(out, t.compensationActions)
	return out
}

// Saga returns a copy of the saga bookkeeping state.
func (t *Turn) Saga() SagaState {
	s := t.sagaState
	s.CommittedPhases = append([]PhaseType(nil), t.sagaState.CommittedPhases...)
	s.PendingCompensations = append([]string(nil), t.sagaState.PendingCompensations...)
	return s
}

// RollbackSnapshot returns the snapshot captured when a phase committed.
func (t *Turn) RollbackSnapshot(phase PhaseType) (map[string]interface{}, bool) {
	snap, ok := t.rollbackSnapshots[phase.String()]
	return snap, ok
}

// PipelineResult returns the built result, nil until the turn settles.
func (t *Turn) PipelineResult() *PipelineResult { return t.pipelineResult }

// Events returns a snapshot of the emitted domain events.
func (t *Turn) Events() []DomainEvent {
	out := make([]DomainEvent, len(t.events))
	copy(out, t.events)
	return out
}

// AuditTrail returns a snapshot of the audit entries.
func (t *Turn) AuditTrail() []AuditEntry {
	out := make([]AuditEntry, len(t.auditTrail))
	copy(out, t.auditTrail)
	return out
}

// ErrorHistory returns a snapshot of recorded errors.
func (t *Turn) ErrorHistory() []ErrorRecord {
	out := make([]ErrorRecord, len(t.errorHistory))
	copy(out, t.errorHistory)
	return out
}

// Metrics returns the accumulated performance counters.
func (t *Turn) Metrics() PerformanceMetrics {
	m := t.metrics
	m.PhaseDurationsMS = make(map[string]int64, len(t.metrics.PhaseDurationsMS))
	for k, v := range t.metrics.PhaseDurationsMS {
		m.PhaseDurationsMS[k] = v
	}
	return m
}

// ExecutionTime returns elapsed time from execution start; zero before the
// turn starts. Live turns measure against now, settled turns against
// completedAt.
func (t *Turn) ExecutionTime() time.Duration {
	if t.startedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if t.completedAt != nil {
		end = *t.completedAt
	}
	return end.Sub(*t.startedAt)
}

// IsOverdue reports whether a started turn has exceeded its max execution
// time.
func (t *Turn) IsOverdue() bool {
	if t.startedAt == nil || t.configuration.MaxExecutionTimeMS <= 0 {
		return false
	}
	return t.ExecutionTime().Milliseconds() > t.configuration.MaxExecutionTimeMS
}

// CompletionPercentage returns the share of enabled phases in a terminal
// successful state, 0-100.
func (t *Turn) CompletionPercentage() float64 {
	enabled := 0
	done := 0
	for _, pt := range AllPhases() {
		if !t.configuration.IsPhaseEnabled(pt) {
			continue
		}
		enabled++
		if t.phaseStatuses[pt].State == PhaseCompleted {
			done++
		}
	}
	if enabled == 0 {
		return 100
	}
	return float64(done) / float64(enabled) * 100
}

// PerformanceSummary returns a flat map suitable for logging and the status
// endpoint.
func (t *Turn) PerformanceSummary() map[string]interface{} {
	return map[string]interface{}{
		"state":                  string(t.state),
		"version":                t.version,
		"completion_pct":         t.CompletionPercentage(),
		"execution_time_ms":      t.ExecutionTime().Milliseconds(),
		"total_events_processed": t.metrics.TotalEventsProcessed,
		"ai_operations":          t.metrics.AIOperations,
		"ai_tokens":              t.metrics.AITokens,
		"ai_cost":                t.metrics.AICost.String(),
		"phase_durations_ms":     t.metrics.PhaseDurationsMS,
		"error_count":            len(t.errorHistory),
		"compensation_actions":   len(t.compensationActions),
	}
}

func phaseNamesOf(phases []PhaseType) []string {
	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = p.String()
	}
	return out
}
