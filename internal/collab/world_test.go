package collab

import (
	"context"
	"strings"
	"testing"
)

func TestWorldContext_AdvanceTimeAndSnapshot(t *testing.T) {
	w := NewWorldContext()
	ctx := context.Background()

	resp, err := w.Handle(ctx, "advance_time", map[string]interface{}{"seconds": 60})
	if err != nil || !resp.Success {
		t.Fatalf("advance_time: resp=%+v err=%v", resp, err)
	}
	if got := resp.IntField("world_time"); got != 60 {
		t.Errorf("world_time = %d, want 60", got)
	}

	if resp, _ := w.Handle(ctx, "advance_time", map[string]interface{}{"seconds": 0}); resp.Success {
		t.Error("zero advance must fail validation")
	}

	if _, err := w.Handle(ctx, "update_entity_state", map[string]interface{}{
		"entity_id": "alice",
		"state":     map[string]interface{}{"position": "market"},
	}); err != nil {
		t.Fatalf("update_entity_state: %v", err)
	}

	snap, err := w.Handle(ctx, "get_world_state", nil)
	if err != nil || !snap.Success {
		t.Fatalf("get_world_state: %v", err)
	}
	entities := snap.Fields["entities"].(map[string]interface{})
	alice := entities["alice"].(map[string]interface{})
	if alice["position"] != "market" {
		t.Errorf("entity state not applied: %v", alice)
	}
}

func TestWorldContext_ConsistencyInjection(t *testing.T) {
	w := NewWorldContext()
	ctx := context.Background()

	resp, _ := w.Handle(ctx, "validate_consistency", nil)
	if !resp.Success || resp.Fields["consistent"] != true {
		t.Fatalf("fresh world should be consistent: %+v", resp)
	}

	w.SetConsistencyIssues([]string{"entity overlap in sector 7"})
	resp, _ = w.Handle(ctx, "validate_consistency", nil)
	if resp.Fields["consistent"] != false {
		t.Fatalf("armed validator should report critical issues: %+v", resp)
	}
	issues := resp.Fields["critical_issues"].([]string)
	if len(issues) != 1 || !strings.Contains(issues[0], "sector 7") {
		t.Errorf("unexpected issues: %v", issues)
	}
}

func TestWorldContext_RecentChangesWindow(t *testing.T) {
	w := NewWorldContext()
	ctx := context.Background()
	w.QueueEnvironmentChange(map[string]interface{}{"weather": "storm"})
	if resp, _ := w.Handle(ctx, "apply_environment_changes", nil); resp.IntField("applied") != 1 {
		t.Fatalf("expected one applied change, got %+v", resp)
	}
	resp, _ := w.Handle(ctx, "get_recent_changes", nil)
	changes := resp.Fields["changes"].([]WorldChange)
	if len(changes) != 1 || changes[0].Kind != "environment_changed" {
		t.Errorf("unexpected recent changes: %v", changes)
	}
}

func TestAIGateway_GenerateAndAccounting(t *testing.T) {
	g := NewAIGateway()
	ctx := context.Background()

	resp, err := g.Handle(ctx, "generate", map[string]interface{}{
		"prompt":     "Summarize the turn for alice",
		"max_tokens": 500,
		"keywords":   []string{"entity_updated", "world_time_advanced"},
	})
	if err != nil || !resp.Success {
		t.Fatalf("generate: resp=%+v err=%v", resp, err)
	}
	content := resp.StringField("content")
	if len(strings.Fields(content)) < 20 || len(content) < 50 {
		t.Errorf("content too short for validators: %q", content)
	}
	if !strings.Contains(content, "entity_updated") {
		t.Errorf("keywords must appear in content: %q", content)
	}
	if resp.IntField("tokens_used") <= 0 || resp.StringField("cost") == "" {
		t.Errorf("accounting fields missing: %+v", resp.Fields)
	}
	if g.Requests() != 1 {
		t.Errorf("requests = %d, want 1", g.Requests())
	}
}

func TestAIGateway_FailureInjection(t *testing.T) {
	g := NewAIGateway()
	g.FailNext(1, "collaborator")
	ctx := context.Background()

	resp, err := g.Handle(ctx, "generate", map[string]interface{}{"prompt": "hello world"})
	if err != nil {
		t.Fatalf("injected failure must be application-level: %v", err)
	}
	if resp.Success || resp.ErrorType != "collaborator" {
		t.Errorf("expected injected failure, got %+v", resp)
	}
	resp, _ = g.Handle(ctx, "generate", map[string]interface{}{"prompt": "hello again"})
	if !resp.Success {
		t.Error("gateway should recover after injected failures drain")
	}
}

func TestInteractionAndEventChaining(t *testing.T) {
	world := NewWorldContext()
	ic := NewInteractionContext()
	ec := NewEventContext(world)
	ctx := context.Background()

	session, err := ic.Handle(ctx, "execute_session", map[string]interface{}{
		"turn_id":      "t1",
		"session_type": "negotiation",
		"participants": []string{"alice", "bob"},
	})
	if err != nil || !session.Success {
		t.Fatalf("execute_session: resp=%+v err=%v", session, err)
	}

	results, _ := ic.Handle(ctx, "get_interaction_results", map[string]interface{}{"turn_id": "t1"})
	stored := results.Fields["results"].([]map[string]interface{})
	if len(stored) != 1 {
		t.Fatalf("stored results = %d, want 1", len(stored))
	}

	applied, err := ec.Handle(ctx, "translate_and_apply", map[string]interface{}{
		"turn_id":             "t1",
		"interaction_results": stored,
	})
	if err != nil || !applied.Success {
		t.Fatalf("translate_and_apply: %v", err)
	}
	ids := applied.Fields["applied_event_ids"].([]string)
	if len(ids) != 1 {
		t.Errorf("applied events = %d, want 1", len(ids))
	}

	removed, _ := ec.Handle(ctx, "remove_events", map[string]interface{}{"turn_id": "t1"})
	if removed.IntField("removed") != 1 {
		t.Errorf("removed = %d, want 1", removed.IntField("removed"))
	}
}

func TestNarrativeContext_Perspectives(t *testing.T) {
	n := NewNarrativeContext()
	ctx := context.Background()

	resp, _ := n.Handle(ctx, "get_active_perspectives", nil)
	perspectives := resp.Fields["perspectives"].([]string)
	if len(perspectives) != 1 || perspectives[0] != "omniscient" {
		t.Fatalf("default perspectives = %v, want [omniscient]", perspectives)
	}

	if resp, _ := n.Handle(ctx, "update_story_arcs", map[string]interface{}{
		"perspective": "omniscient",
		"content":     "The market day ended in a tense standoff.",
	}); !resp.Success {
		t.Fatalf("update_story_arcs: %+v", resp)
	}
	reverted, _ := n.Handle(ctx, "revert_changes", map[string]interface{}{"entries": 1})
	if reverted.IntField("reverted") != 1 {
		t.Errorf("reverted = %d, want 1", reverted.IntField("reverted"))
	}
}
