package collab

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InteractionContext executes interaction sessions and remembers their
// results for the event-integration phase.
type InteractionContext struct {
	mu      sync.Mutex
	results map[string][]map[string]interface{} // turn id -> session results

	// failSessions, when true, makes execute_session report failures.
	failSessions bool
}

// NewInteractionContext returns an empty interaction store.
func NewInteractionContext() *InteractionContext {
	return &InteractionContext{results: make(map[string][]map[string]interface{})}
}

// Name implements Collaborator.
func (ic *InteractionContext) Name() string { return TargetInteraction }

// FailSessions toggles session failure injection.
func (ic *InteractionContext) FailSessions(fail bool) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.failSessions = fail
}

// Handle implements Collaborator.
func (ic *InteractionContext) Handle(_ context.Context, operation string, params map[string]interface{}) (*Response, error) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	switch operation {
	case "execute_session":
		turnID, _ := params["turn_id"].(string)
		sessionType, _ := params["session_type"].(string)
		participants := stringSlice(params["participants"])
		if sessionType == "" || len(participants) == 0 {
			return Fail("validation", "execute_session requires session_type and participants"), nil
		}
		if ic.failSessions {
			return Fail("collaborator", "session resolver unavailable"), nil
		}
		result := map[string]interface{}{
			"session_id":   uuid.NewString(),
			"session_type": sessionType,
			"participants": participants,
			"outcome":      "resolved",
			"impact_type":  impactFor(sessionType),
		}
		if turnID != "" {
			ic.results[turnID] = append(ic.results[turnID], result)
		}
		return OK(result), nil

	case "get_interaction_results":
		turnID, _ := params["turn_id"].(string)
		stored := ic.results[turnID]
		out := make([]map[string]interface{}, len(stored))
		copy(out, stored)
		return OK(map[string]interface{}{"results": out}), nil

	case "cancel_interactions":
		turnID, _ := params["turn_id"].(string)
		cancelled := len(ic.results[turnID])
		delete(ic.results, turnID)
		return OK(map[string]interface{}{"cancelled": cancelled}), nil

	default:
		return Fail("validation", "interaction_context has no operation %q", operation), nil
	}
}

// impactFor buckets session types into world-event impact groups.
func impactFor(sessionType string) string {
	switch sessionType {
	case "negotiation", "cooperation":
		return "social"
	case "conflict":
		return "physical"
	case "environment":
		return "environmental"
	default:
		return "general"
	}
}

func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
