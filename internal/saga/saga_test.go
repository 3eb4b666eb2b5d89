package saga

import (
	"context"
	"testing"

	"turnforge/internal/collab"
	"turnforge/internal/metrics"
	"turnforge/internal/turn"
)

// compensatingTurn builds a turn that committed world_update and brief, then
// failed interaction_orchestration with rollback enabled.
func compensatingTurn(t *testing.T, participants []string) *turn.Turn {
	t.Helper()
	id, err := turn.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	tr, err := turn.Create(id, turn.DefaultConfiguration(), participants)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := tr.StartPlanning(); err != nil {
		t.Fatalf("StartPlanning: %v", err)
	}
	if err := tr.StartExecution(); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	world := turn.PhaseResult{
		Phase:           turn.PhaseWorldUpdate,
		Success:         true,
		EventsProcessed: 2,
		RollbackData: map[string]interface{}{
			"world_state": map[string]interface{}{
				"world_time": 60,
				"entities":   map[string]interface{}{},
			},
		},
	}
	if err := tr.CompletePhase(turn.PhaseWorldUpdate, world); err != nil {
		t.Fatalf("CompletePhase(world): %v", err)
	}
	brief := turn.PhaseResult{Phase: turn.PhaseSubjectiveBrief, Success: true, EventsProcessed: 1}
	if err := tr.CompletePhase(turn.PhaseSubjectiveBrief, brief); err != nil {
		t.Fatalf("CompletePhase(brief): %v", err)
	}
	if err := tr.FailPhase(turn.PhaseInteractionOrchestration, "sessions collapsed", nil, true); err != nil {
		t.Fatalf("FailPhase: %v", err)
	}
	if tr.State() != turn.StateCompensating {
		t.Fatalf("state = %s, want COMPENSATING", tr.State())
	}
	return tr
}

func TestPlan_ReverseOrderAndGlobals(t *testing.T) {
	tr := compensatingTurn(t, []string{"alice", "bob"})
	failure := FailureContext{
		FailedPhase: turn.PhaseInteractionOrchestration,
		ErrorKind:   turn.KindCollaborator,
		Severity:    turn.SeverityHigh,
	}
	actions, err := Plan(tr, failure)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	// Brief unwinds before world (reverse commit order).
	var phaseOrder []turn.PhaseType
	for _, a := range actions {
		if a.TargetPhase == turn.PhaseSubjectiveBrief || a.TargetPhase == turn.PhaseWorldUpdate {
			phaseOrder = append(phaseOrder, a.TargetPhase)
		}
	}
	if len(phaseOrder) == 0 || phaseOrder[0] != turn.PhaseSubjectiveBrief {
		t.Errorf("expected subjective_brief actions first, got order %v", phaseOrder)
	}

	types := map[turn.CompensationType]int{}
	for _, a := range actions {
		types[a.Type]++
		if a.Type.Destructive() && !a.RequiresManualApproval {
			t.Errorf("destructive action %s must require approval", a.Type)
		}
	}
	if types[turn.CompInvalidateBriefs] == 0 {
		t.Error("brief compensation missing")
	}
	if types[turn.CompRollbackWorldState] == 0 {
		t.Error("world rollback missing")
	}
	if types[turn.CompLogFailure] < 3 { // per committed phase + global
		t.Errorf("log_failure count = %d, want >= 3", types[turn.CompLogFailure])
	}
	if types[turn.CompNotifyParticipants] == 0 {
		t.Error("notify_participants missing with participants present")
	}
	// interaction_orchestration is not a critical phase, severity high: no review.
	if types[turn.CompTriggerManualReview] != 0 {
		t.Error("manual review should not be planned for non-critical failure")
	}

	for i, a := range actions {
		if a.ExecutionOrder != i {
			t.Errorf("action %d has execution order %d", i, a.ExecutionOrder)
		}
	}
}

func TestPlan_CriticalFailureAddsReview(t *testing.T) {
	tr := compensatingTurn(t, []string{"alice"})
	actions, err := Plan(tr, FailureContext{
		FailedPhase: turn.PhaseInteractionOrchestration,
		Severity:    turn.SeverityCritical,
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	found := false
	for _, a := range actions {
		if a.Type == turn.CompTriggerManualReview {
			found = true
		}
		if a.Priority < turn.PriorityFor(a.Type.Severity()) {
			t.Errorf("critical failure must raise priority for %s", a.Type)
		}
	}
	if !found {
		t.Error("critical severity must plan a manual review")
	}
}

func TestRetryable(t *testing.T) {
	for _, nonretry := range []string{"permission_denied", "authentication_failed", "data_corruption"} {
		if Retryable(nonretry) {
			t.Errorf("%s must not be retryable", nonretry)
		}
	}
	for _, retry := range []string{"timeout", "transport", "collaborator", "internal"} {
		if !Retryable(retry) {
			t.Errorf("%s should be retryable", retry)
		}
	}
}

func TestCompensate_EndToEnd(t *testing.T) {
	tr := compensatingTurn(t, []string{"alice", "bob"})
	registry := collab.NewDefaultRegistry()
	coord := NewCoordinator(registry, metrics.NewRegistry())

	report, err := coord.Compensate(context.Background(), tr, FailureContext{
		FailedPhase:  turn.PhaseInteractionOrchestration,
		ErrorKind:    turn.KindCollaborator,
		ErrorMessage: "sessions collapsed",
		Severity:     turn.SeverityHigh,
	})
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if report.Failed != 0 {
		t.Fatalf("report has %d failures: %+v", report.Failed, report.Outcomes)
	}
	if report.RollbackCompleteness != 1.0 {
		t.Errorf("completeness = %v, want 1.0", report.RollbackCompleteness)
	}
	if report.ManualReviewRequired {
		t.Error("clean compensation must not require review")
	}
	if tr.State() != turn.StateCompleted {
		t.Errorf("turn state = %s, want COMPLETED after full compensation", tr.State())
	}
	if len(tr.PendingCompensations()) != 0 {
		t.Errorf("pending compensations remain: %v", tr.PendingCompensations())
	}
	pr := tr.PipelineResult()
	if pr == nil || pr.Success {
		t.Fatalf("compensated pipeline result must carry success=false: %+v", pr)
	}
}

func TestCompensate_ApprovalWithheldSkipsDestructive(t *testing.T) {
	tr := compensatingTurn(t, []string{"alice"})
	coord := NewCoordinator(collab.NewDefaultRegistry(), nil)
	coord.AutoApprove = false

	report, err := coord.Compensate(context.Background(), tr, FailureContext{
		FailedPhase: turn.PhaseInteractionOrchestration,
		ErrorKind:   turn.KindCollaborator,
		Severity:    turn.SeverityMedium,
	})
	if err != nil {
		t.Fatalf("Compensate: %v", err)
	}
	if report.Skipped == 0 {
		t.Error("destructive actions must be skipped without approval")
	}
	if !report.ManualReviewRequired {
		t.Error("skipped destructive work must flag manual review")
	}
}

func TestBatches_DestructiveRunAlone(t *testing.T) {
	mk := func(ct turn.CompensationType) turn.CompensationAction {
		a, err := turn.NewCompensationAction(ct, turn.PhaseWorldUpdate, "t")
		if err != nil {
			t.Fatalf("NewCompensationAction: %v", err)
		}
		return a
	}
	actions := []turn.CompensationAction{
		mk(turn.CompLogFailure),
		mk(turn.CompNotifyParticipants),
		mk(turn.CompRollbackWorldState),
		mk(turn.CompLogFailure),
	}
	groups := batches(actions)
	if len(groups) != 3 {
		t.Fatalf("groups = %d, want 3", len(groups))
	}
	if len(groups[0]) != 2 || len(groups[1]) != 1 || len(groups[2]) != 1 {
		t.Errorf("unexpected grouping: %v", groups)
	}
	if !groups[1][0].Type.Destructive() {
		t.Error("middle group must be the destructive action")
	}
}
