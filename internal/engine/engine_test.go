package engine

import (
	"context"
	"testing"

	"go.uber.org/goleak"

	"turnforge/internal/collab"
	"turnforge/internal/metrics"
	"turnforge/internal/phase"
	"turnforge/internal/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testHarness struct {
	engine  *Engine
	world   *collab.WorldContext
	gateway *collab.AIGateway
	events  *collab.EventContext
	metrics *metrics.Registry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	world := collab.NewWorldContext()
	gateway := collab.NewAIGateway()
	events := collab.NewEventContext(world)
	registry := collab.NewRegistry()
	registry.Register(world)
	registry.Register(collab.NewAgentContext())
	registry.Register(gateway)
	registry.Register(collab.NewInteractionContext())
	registry.Register(events)
	registry.Register(collab.NewNarrativeContext())

	executors := phase.NewRegistry(
		phase.NewWorldUpdateExecutor(),
		phase.NewSubjectiveBriefExecutor(),
		phase.NewInteractionOrchestrationExecutor(),
		phase.NewEventIntegrationExecutor(),
		phase.NewNarrativeIntegrationExecutor(),
	)
	reg := metrics.NewRegistry()
	eng, err := New(executors, registry, reg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testHarness{engine: eng, world: world, gateway: gateway, events: events, metrics: reg}
}

func TestExecute_HappyPath(t *testing.T) {
	h := newHarness(t)
	out, err := h.engine.Execute(context.Background(), Request{
		Participants: []string{"alice", "bob"},
		Config:       turn.DefaultConfiguration(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.State != turn.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", out.State)
	}
	if out.Pipeline == nil || !out.Pipeline.Success {
		t.Fatalf("pipeline = %+v, want success", out.Pipeline)
	}
	if out.Compensation != nil {
		t.Errorf("unexpected compensation report: %+v", out.Compensation)
	}
	if len(out.Pipeline.PhaseResults) != 5 {
		t.Errorf("phase results = %d, want 5", len(out.Pipeline.PhaseResults))
	}
	if out.Pipeline.TotalAICost.IsZero() {
		t.Error("AI-enabled turn must accrue cost")
	}

	snap, ok := h.engine.Turns().Get(out.TurnID)
	if !ok {
		t.Fatalf("turn %s missing from registry", out.TurnID)
	}
	if snap.Status != StatusCompleted {
		t.Errorf("snapshot status = %s, want completed", snap.Status)
	}
	if snap.Progress != 100 {
		t.Errorf("snapshot progress = %v, want 100", snap.Progress)
	}
}

func TestExecute_AIDisabledSkipsGateway(t *testing.T) {
	h := newHarness(t)
	cfg := turn.DefaultConfiguration()
	cfg.AIEnabled = false
	out, err := h.engine.Execute(context.Background(), Request{
		Participants: []string{"alice"},
		Config:       cfg,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.State != turn.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED", out.State)
	}
	if n := h.gateway.Requests(); n != 0 {
		t.Errorf("gateway received %d requests with AI disabled", n)
	}
	if !out.Pipeline.TotalAICost.IsZero() {
		t.Errorf("cost = %s, want zero", out.Pipeline.TotalAICost)
	}
}

func TestExecute_PriorResultChaining(t *testing.T) {
	h := newHarness(t)
	out, err := h.engine.Execute(context.Background(), Request{
		Participants: []string{"alice", "bob"},
		Config:       turn.DefaultConfiguration(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	integration, ok := out.Pipeline.Result(turn.PhaseEventIntegration)
	if !ok || !integration.Success {
		t.Fatalf("integration result = %+v", integration)
	}
	if integration.EventsProcessed == 0 {
		t.Error("integration consumed no chained interaction results")
	}
	// The interaction summary travels through metadata; the fallback query
	// only fires when no summary was chained.
	for _, call := range integration.CrossContextCalls {
		if call.Operation == "get_interaction_results" {
			t.Error("integration fell back to querying the interaction context")
		}
	}
}

func TestExecute_ConsistencyFailureCompensates(t *testing.T) {
	h := newHarness(t)
	h.world.SetConsistencyIssues([]string{"entity positions diverged"})

	out, err := h.engine.Execute(context.Background(), Request{
		Participants: []string{"alice", "bob"},
		Config:       turn.DefaultConfiguration(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.State != turn.StateCompleted {
		t.Fatalf("state = %s, want COMPLETED after compensation", out.State)
	}
	if out.Pipeline == nil || out.Pipeline.Success {
		t.Fatalf("compensated pipeline must report success=false: %+v", out.Pipeline)
	}
	if out.Compensation == nil {
		t.Fatal("compensation report missing")
	}
	if out.Compensation.RollbackCompleteness != 1.0 {
		t.Errorf("completeness = %v, want 1.0", out.Compensation.RollbackCompleteness)
	}
	// World update is a critical phase: the plan carries a manual review.
	reviewed := false
	for _, o := range out.Compensation.Outcomes {
		if o.Type == turn.CompTriggerManualReview {
			reviewed = true
		}
	}
	if !reviewed {
		t.Error("critical-phase failure must trigger a manual review action")
	}
}

func TestExecute_LateFailureUnwindsCommittedPhases(t *testing.T) {
	h := newHarness(t)
	h.events.RejectEvents(true)

	out, err := h.engine.Execute(context.Background(), Request{
		Participants: []string{"alice", "bob", "cara"},
		Config:       turn.DefaultConfiguration(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Compensation == nil {
		t.Fatal("compensation report missing")
	}
	types := map[turn.CompensationType]bool{}
	for _, o := range out.Compensation.Outcomes {
		types[o.Type] = true
	}
	for _, want := range []turn.CompensationType{
		turn.CompCancelInteractions,
		turn.CompInvalidateBriefs,
		turn.CompRollbackWorldState,
		turn.CompLogFailure,
	} {
		if !types[want] {
			t.Errorf("compensation plan missing %s", want)
		}
	}
	if out.State != turn.StateCompleted {
		t.Errorf("state = %s, want COMPLETED after full unwind", out.State)
	}
}

func TestExecute_FailFastSkipsCompensation(t *testing.T) {
	h := newHarness(t)
	h.world.SetConsistencyIssues([]string{"corrupt region"})
	cfg := turn.DefaultConfiguration()
	cfg.FailFastOnPhaseFailure = true

	out, err := h.engine.Execute(context.Background(), Request{
		Participants: []string{"alice"},
		Config:       cfg,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.State != turn.StateFailed {
		t.Fatalf("state = %s, want FAILED", out.State)
	}
	if out.Compensation != nil {
		t.Errorf("fail-fast turn must not compensate: %+v", out.Compensation)
	}
	snap, _ := h.engine.Turns().Get(out.TurnID)
	if snap.Status != StatusFailed {
		t.Errorf("snapshot status = %s, want failed", snap.Status)
	}
	if snap.Error == "" {
		t.Error("snapshot must carry the failure message")
	}
}

func TestExecute_RequestValidation(t *testing.T) {
	h := newHarness(t)

	cfg := turn.DefaultConfiguration()
	cfg.AIMaxTokens = -1
	if _, err := h.engine.Execute(context.Background(), Request{Config: cfg}); !turn.IsKind(err, turn.KindValidation) {
		t.Errorf("invalid config: err = %v, want validation kind", err)
	}

	if _, err := h.engine.Execute(context.Background(), Request{
		TurnID: "not-a-uuid",
		Config: turn.DefaultConfiguration(),
	}); !turn.IsKind(err, turn.KindValidation) {
		t.Errorf("bad turn id: err = %v, want validation kind", err)
	}
}

func TestExecute_HonorsProvidedTurnID(t *testing.T) {
	h := newHarness(t)
	id, err := turn.NewID()
	if err != nil {
		t.Fatalf("NewID: %v", err)
	}
	out, err := h.engine.Execute(context.Background(), Request{
		TurnID:       id.Short(),
		Participants: []string{"alice"},
		Config:       turn.DefaultConfiguration(),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.TurnID != id.Short() {
		t.Errorf("turn id = %s, want %s", out.TurnID, id.Short())
	}
}

func TestRegistry_ListAndRemove(t *testing.T) {
	h := newHarness(t)
	for _, who := range [][]string{{"alice"}, {"bob"}} {
		if _, err := h.engine.Execute(context.Background(), Request{
			Participants: who,
			Config:       turn.DefaultConfiguration(),
		}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	list := h.engine.Turns().List()
	if len(list) != 2 {
		t.Fatalf("list = %d turns, want 2", len(list))
	}
	if h.engine.Turns().Running() != 0 {
		t.Errorf("no turn should still be running")
	}
	if !h.engine.Turns().Remove(list[0].TurnID) {
		t.Error("remove of tracked turn returned false")
	}
	if h.engine.Turns().Remove("missing") {
		t.Error("remove of unknown turn returned true")
	}
	if len(h.engine.Turns().List()) != 1 {
		t.Error("turn not removed from registry")
	}
}
