package turn

import (
	"testing"

	"github.com/shopspring/decimal"
)

func newTestTurn(t *testing.T, participants []string) *Turn {
	t.Helper()
	id, err := NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	tr, err := Create(id, DefaultConfiguration(), participants)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tr
}

func runToExecuting(t *testing.T, tr *Turn) {
	t.Helper()
	if err := tr.StartPlanning(); err != nil {
		t.Fatalf("StartPlanning: %v", err)
	}
	if err := tr.StartExecution(); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
}

func successResult(phase PhaseType, events int) PhaseResult {
	return PhaseResult{Phase: phase, Success: true, EventsProcessed: events}
}

func TestCreate_InitialState(t *testing.T) {
	tr := newTestTurn(t, []string{"alice", "bob"})
	if tr.State() != StateCreated {
		t.Errorf("state = %s, want CREATED", tr.State())
	}
	if tr.Version() != 1 {
		t.Errorf("version = %d, want 1 after creation event", tr.Version())
	}
	for _, pt := range AllPhases() {
		status, ok := tr.PhaseStatus(pt)
		if !ok || status.State != PhasePending {
			t.Errorf("phase %s should start pending", pt)
		}
	}
	events := tr.Events()
	if len(events) != 1 || events[0].Kind != EventTurnCreated {
		t.Errorf("expected single turn-created event, got %v", events)
	}
}

func TestCreate_InvalidConfiguration(t *testing.T) {
	id, _ := NewID()
	cfg := DefaultConfiguration()
	cfg.AIMaxTokens = 0
	if _, err := Create(id, cfg, nil); err == nil {
		t.Fatal("expected configuration validation failure")
	}
}

func TestStateMachine_IllegalTransitions(t *testing.T) {
	tr := newTestTurn(t, nil)
	if err := tr.StartExecution(); err == nil {
		t.Error("CREATED -> EXECUTING must be rejected")
	}
	if err := tr.CompletePhase(PhaseWorldUpdate, successResult(PhaseWorldUpdate, 0)); err == nil {
		t.Error("completing a phase before execution must be rejected")
	}

	if err := tr.Cancel("operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tr.State() != StateCancelled {
		t.Errorf("state = %s, want CANCELLED", tr.State())
	}
	if err := tr.StartPlanning(); err == nil {
		t.Error("terminal turn must reject transitions")
	}
}

func TestHappyPath_AllPhasesComplete(t *testing.T) {
	tr := newTestTurn(t, []string{"alice"})
	runToExecuting(t, tr)

	if cp := tr.CurrentPhase(); cp == nil || *cp != PhaseWorldUpdate {
		t.Fatalf("current phase = %v, want world_update", cp)
	}

	usage := AIUsage{}
	usage = usage.Add(AIOperation{Operation: "generate_brief", Tokens: 120, Cost: decimal.NewFromFloat(0.02)})

	for i, pt := range AllPhases() {
		result := successResult(pt, i+1)
		if pt == PhaseSubjectiveBrief {
			result.AIUsage = &usage
		}
		if err := tr.CompletePhase(pt, result); err != nil {
			t.Fatalf("CompletePhase(%s): %v", pt, err)
		}
	}

	if tr.State() != StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", tr.State())
	}
	if tr.CurrentPhase() != nil {
		t.Error("no phase should be current after completion")
	}
	if got := tr.CompletionPercentage(); got != 100 {
		t.Errorf("completion = %g, want 100", got)
	}
	if len(tr.CompletedPhases()) != 5 {
		t.Errorf("completed phases = %v, want all five", tr.CompletedPhases())
	}

	m := tr.Metrics()
	if m.TotalEventsProcessed != 1+2+3+4+5 {
		t.Errorf("events processed = %d, want 15", m.TotalEventsProcessed)
	}
	if !m.AICost.Equal(decimal.NewFromFloat(0.02)) || m.AITokens != 120 || m.AIOperations != 1 {
		t.Errorf("ai accumulation wrong: %+v", m)
	}

	pr := tr.PipelineResult()
	if pr == nil || !pr.Success || len(pr.PhaseResults) != 5 {
		t.Fatalf("unexpected pipeline result: %+v", pr)
	}
	if !pr.TotalAICost.Equal(decimal.NewFromFloat(0.02)) {
		t.Errorf("pipeline ai cost = %s, want 0.02", pr.TotalAICost)
	}

	last := tr.Events()[len(tr.Events())-1]
	if last.Kind != EventTurnCompleted {
		t.Errorf("last event = %s, want turn-completed", last.Kind)
	}
}

func TestCompletePhase_WrongPhase(t *testing.T) {
	tr := newTestTurn(t, nil)
	runToExecuting(t, tr)
	err := tr.CompletePhase(PhaseEventIntegration, successResult(PhaseEventIntegration, 0))
	if err == nil || !IsKind(err, KindInvalidState) {
		t.Fatalf("expected invalid_state error, got %v", err)
	}
}

func TestDisabledPhases_AreSkipped(t *testing.T) {
	id, _ := NewID()
	cfg := DefaultConfiguration()
	cfg.DisabledPhases = []string{"subjective_brief", "narrative_integration"}
	tr, err := Create(id, cfg, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	runToExecuting(t, tr)

	order := []PhaseType{PhaseWorldUpdate, PhaseInteractionOrchestration, PhaseEventIntegration}
	for _, pt := range order {
		if cp := tr.CurrentPhase(); cp == nil || *cp != pt {
			t.Fatalf("current phase = %v, want %s", cp, pt)
		}
		if err := tr.CompletePhase(pt, successResult(pt, 0)); err != nil {
			t.Fatalf("CompletePhase(%s): %v", pt, err)
		}
	}
	if tr.State() != StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", tr.State())
	}
	brief, _ := tr.PhaseStatus(PhaseSubjectiveBrief)
	if brief.State != PhaseSkipped {
		t.Errorf("subjective_brief state = %s, want skipped", brief.State)
	}
	if got := tr.CompletionPercentage(); got != 100 {
		t.Errorf("completion = %g, want 100 over enabled phases", got)
	}
}

func TestFailPhase_NoRollback_TerminalFailure(t *testing.T) {
	id, _ := NewID()
	cfg := DefaultConfiguration()
	cfg.RollbackEnabled = false
	tr, err := Create(id, cfg, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	runToExecuting(t, tr)

	if err := tr.FailPhase(PhaseWorldUpdate, "validator exploded", nil, true); err != nil {
		t.Fatalf("FailPhase: %v", err)
	}
	if tr.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", tr.State())
	}
	if len(tr.ErrorHistory()) != 1 {
		t.Errorf("error history = %v, want one entry", tr.ErrorHistory())
	}
	pr := tr.PipelineResult()
	if pr == nil || pr.Success {
		t.Fatalf("expected failed pipeline result, got %+v", pr)
	}
}

func TestFailPhase_WithRollback_Compensates(t *testing.T) {
	tr := newTestTurn(t, []string{"alice"})
	runToExecuting(t, tr)

	worldResult := successResult(PhaseWorldUpdate, 2)
	worldResult.RollbackData = map[string]interface{}{"world_snapshot": "v1"}
	if err := tr.CompletePhase(PhaseWorldUpdate, worldResult); err != nil {
		t.Fatalf("CompletePhase: %v", err)
	}
	if err := tr.FailPhase(PhaseSubjectiveBrief, "gateway down", map[string]interface{}{"error_type": "collaborator"}, true); err != nil {
		t.Fatalf("FailPhase: %v", err)
	}
	if tr.State() != StateCompensating {
		t.Fatalf("state = %s, want COMPENSATING", tr.State())
	}
	saga := tr.Saga()
	if !saga.CompensationRequired || len(saga.CommittedPhases) != 1 || saga.CommittedPhases[0] != PhaseWorldUpdate {
		t.Fatalf("unexpected saga state: %+v", saga)
	}
	if snap, ok := tr.RollbackSnapshot(PhaseWorldUpdate); !ok || snap["world_snapshot"] != "v1" {
		t.Errorf("rollback snapshot missing: %v %v", snap, ok)
	}

	a1, _ := NewCompensationAction(CompRollbackWorldState, PhaseWorldUpdate, tr.ID().Short())
	a2, _ := NewCompensationAction(CompLogFailure, PhaseWorldUpdate, tr.ID().Short())
	if err := tr.AddCompensationAction(a1); err != nil {
		t.Fatalf("AddCompensationAction: %v", err)
	}
	if err := tr.AddCompensationAction(a2); err != nil {
		t.Fatalf("AddCompensationAction: %v", err)
	}
	if got := tr.PendingCompensations(); len(got) != 2 {
		t.Fatalf("pending = %v, want two actions", got)
	}

	if err := tr.CompleteCompensationAction(a1.ActionID, map[string]interface{}{"restored": true}, decimal.NewFromFloat(0.05)); err != nil {
		t.Fatalf("CompleteCompensationAction: %v", err)
	}
	if tr.State() != StateCompensating {
		t.Fatalf("state = %s, want still COMPENSATING with one pending", tr.State())
	}
	if err := tr.CompleteCompensationAction(a2.ActionID, nil, decimal.Zero); err != nil {
		t.Fatalf("CompleteCompensationAction: %v", err)
	}

	if tr.State() != StateCompleted {
		t.Fatalf("state = %s, want COMPLETED after compensation drains", tr.State())
	}
	pr := tr.PipelineResult()
	if pr == nil || pr.Success {
		t.Fatalf("compensated result must not claim success: %+v", pr)
	}
	if len(pr.CompensationActions) != 2 {
		t.Errorf("result actions = %d, want 2", len(pr.CompensationActions))
	}
	last := tr.Events()[len(tr.Events())-1]
	if last.Kind != EventTurnCompensationCompleted {
		t.Errorf("last event = %s, want turn-compensation-completed", last.Kind)
	}
}

func TestFailCompensationAction_DrainsToFailed(t *testing.T) {
	tr := newTestTurn(t, nil)
	runToExecuting(t, tr)
	if err := tr.CompletePhase(PhaseWorldUpdate, successResult(PhaseWorldUpdate, 0)); err != nil {
		t.Fatalf("CompletePhase: %v", err)
	}
	if err := tr.FailPhase(PhaseSubjectiveBrief, "boom", nil, true); err != nil {
		t.Fatalf("FailPhase: %v", err)
	}
	a, _ := NewCompensationAction(CompRollbackWorldState, PhaseWorldUpdate, tr.ID().Short())
	if err := tr.AddCompensationAction(a); err != nil {
		t.Fatalf("AddCompensationAction: %v", err)
	}
	if err := tr.FailCompensationAction(a.ActionID, map[string]interface{}{"error_type": "data_corruption"}); err != nil {
		t.Fatalf("FailCompensationAction: %v", err)
	}
	if tr.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED when a compensation failed", tr.State())
	}
}

func TestAddCompensationAction_WrongTurn(t *testing.T) {
	tr := newTestTurn(t, nil)
	runToExecuting(t, tr)
	if err := tr.FailPhase(PhaseWorldUpdate, "boom", nil, true); err != nil {
		t.Fatalf("FailPhase: %v", err)
	}
	a, _ := NewCompensationAction(CompLogFailure, PhaseWorldUpdate, "some-other-turn")
	if err := tr.AddCompensationAction(a); err == nil {
		t.Fatal("expected turn id mismatch rejection")
	}
}

func TestVersionAndAudit_BumpOnEveryMutation(t *testing.T) {
	tr := newTestTurn(t, nil)
	v := tr.Version()
	if err := tr.StartPlanning(); err != nil {
		t.Fatalf("StartPlanning: %v", err)
	}
	if tr.Version() <= v {
		t.Error("version must bump on mutation")
	}
	audit := tr.AuditTrail()
	if len(audit) != len(tr.Events()) {
		t.Errorf("audit entries (%d) and events (%d) must move in lockstep", len(audit), len(tr.Events()))
	}
	for i, e := range audit {
		if e.Version != int64(i+1) {
			t.Errorf("audit entry %d has version %d", i, e.Version)
		}
	}
}
