package collab

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// EventContext turns interaction results into world events and applies them
// through the world context. It remembers what it applied per turn so
// compensation can remove events again.
type EventContext struct {
	mu      sync.Mutex
	world   *WorldContext
	applied map[string][]string // turn id -> applied event ids

	// rejectEvents, when true, makes translate_and_apply reject every event.
	rejectEvents bool
}

// NewEventContext wires the event context to a world.
func NewEventContext(world *WorldContext) *EventContext {
	return &EventContext{world: world, applied: make(map[string][]string)}
}

// Name implements Collaborator.
func (e *EventContext) Name() string { return TargetEvent }

// RejectEvents toggles event rejection for failure testing.
func (e *EventContext) RejectEvents(reject bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectEvents = reject
}

// Handle implements Collaborator.
func (e *EventContext) Handle(ctx context.Context, operation string, params map[string]interface{}) (*Response, error) {
	switch operation {
	case "translate_and_apply":
		turnID, _ := params["turn_id"].(string)
		results, _ := params["interaction_results"].([]map[string]interface{})

		e.mu.Lock()
		reject := e.rejectEvents
		e.mu.Unlock()
		if reject {
			return OK(map[string]interface{}{
				"applied_event_ids": []string{},
				"rejected":          len(results),
				"violations":        []string{"event stream rejected by policy"},
			}), nil
		}

		events := make([]map[string]interface{}, 0, len(results))
		ids := make([]string, 0, len(results))
		for _, r := range results {
			id := uuid.NewString()
			ids = append(ids, id)
			events = append(events, map[string]interface{}{
				"event_id":          id,
				"impact_type":       r["impact_type"],
				"affected_entities": stringSlice(r["participants"]),
				"source_session":    r["session_id"],
			})
		}
		if e.world != nil && len(events) > 0 {
			if _, err := e.world.Handle(ctx, "apply_world_events", map[string]interface{}{"events": events}); err != nil {
				return nil, err
			}
		}

		e.mu.Lock()
		e.applied[turnID] = append(e.applied[turnID], ids...)
		e.mu.Unlock()

		return OK(map[string]interface{}{
			"applied_event_ids": ids,
			"rejected":          0,
			"violations":        []string{},
		}), nil

	case "remove_events":
		turnID, _ := params["turn_id"].(string)
		e.mu.Lock()
		removed := len(e.applied[turnID])
		delete(e.applied, turnID)
		e.mu.Unlock()
		return OK(map[string]interface{}{"removed": removed}), nil

	default:
		return Fail("validation", "event_context has no operation %q", operation), nil
	}
}
