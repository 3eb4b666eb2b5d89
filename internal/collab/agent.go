package collab

import (
	"context"
	"fmt"
	"sync"
)

// AgentContext serves per-agent state: current status, recent memories, and
// active goals. The in-memory version synthesizes plausible defaults for
// agents it has never seen.
type AgentContext struct {
	mu     sync.Mutex
	agents map[string]map[string]interface{}
}

// NewAgentContext returns an empty agent store.
func NewAgentContext() *AgentContext {
	return &AgentContext{agents: make(map[string]map[string]interface{})}
}

// Name implements Collaborator.
func (a *AgentContext) Name() string { return TargetAgent }

// Seed installs explicit state for an agent.
func (a *AgentContext) Seed(agentID string, state map[string]interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents[agentID] = state
}

// Handle implements Collaborator.
func (a *AgentContext) Handle(_ context.Context, operation string, params map[string]interface{}) (*Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch operation {
	case "get_agent_context":
		agentID, _ := params["agent_id"].(string)
		if agentID == "" {
			return Fail("validation", "get_agent_context requires agent_id"), nil
		}
		state, ok := a.agents[agentID]
		if !ok {
			state = map[string]interface{}{
				"status":   "idle",
				"memories": []string{fmt.Sprintf("%s joined the world", agentID)},
				"goals":    []string{"explore", "survive"},
			}
			a.agents[agentID] = state
		}
		return OK(map[string]interface{}{
			"agent_id": agentID,
			"state":    state,
		}), nil

	case "deliver_brief":
		agentID, _ := params["agent_id"].(string)
		content, _ := params["content"].(string)
		if agentID == "" || content == "" {
			return Fail("validation", "deliver_brief requires agent_id and content"), nil
		}
		state := a.agents[agentID]
		if state == nil {
			state = map[string]interface{}{}
			a.agents[agentID] = state
		}
		state["last_brief"] = content
		return OK(map[string]interface{}{"delivered": true}), nil

	case "invalidate_briefs":
		agentIDs, _ := params["agent_ids"].([]string)
		invalidated := 0
		for _, id := range agentIDs {
			if state, ok := a.agents[id]; ok {
				if _, had := state["last_brief"]; had {
					delete(state, "last_brief")
					invalidated++
				}
			}
		}
		return OK(map[string]interface{}{"invalidated": invalidated}), nil

	case "notify":
		agentIDs, _ := params["agent_ids"].([]string)
		return OK(map[string]interface{}{"notified": len(agentIDs)}), nil

	default:
		return Fail("validation", "agent_context has no operation %q", operation), nil
	}
}
