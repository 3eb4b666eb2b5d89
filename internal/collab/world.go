package collab

import (
	"context"
	"sync"
	"time"
)

// WorldChange records one mutation applied to the world, used by the brief
// phase to select changes relevant to each participant.
type WorldChange struct {
	Kind             string                 `json:"kind"`
	Area             string                 `json:"area"`
	AffectedEntities []string               `json:"affected_entities"`
	Detail           map[string]interface{} `json:"detail,omitempty"`
	At               time.Time              `json:"at"`
}

// WorldContext is an in-memory world model: a clock, entity states, and a
// queue of pending environment changes.
type WorldContext struct {
	mu             sync.Mutex
	worldTime      int64
	entities       map[string]map[string]interface{}
	pendingChanges []map[string]interface{}
	recentChanges  []WorldChange

	// consistencyIssues, when non-empty, makes validate_consistency report
	// critical findings. Used to exercise the failure path.
	consistencyIssues []string
}

// NewWorldContext returns a world at time zero with no entities.
func NewWorldContext() *WorldContext {
	return &WorldContext{
		entities: make(map[string]map[string]interface{}),
	}
}

// Name implements Collaborator.
func (w *WorldContext) Name() string { return TargetWorld }

// SetConsistencyIssues arms the consistency validator with critical findings.
func (w *WorldContext) SetConsistencyIssues(issues []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.consistencyIssues = issues
}

// QueueEnvironmentChange enqueues a change applied on the next
// apply_environment_changes call.
func (w *WorldContext) QueueEnvironmentChange(change map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pendingChanges = append(w.pendingChanges, change)
}

func (w *WorldContext) recordChange(kind, area string, affected []string, detail map[string]interface{}) {
	w.recentChanges = append(w.recentChanges, WorldChange{
		Kind:             kind,
		Area:             area,
		AffectedEntities: affected,
		Detail:           detail,
		At:               time.Now().UTC(),
	})
	// Keep a bounded window of recent changes.
	if len(w.recentChanges) > 256 {
		w.recentChanges = w.recentChanges[len(w.recentChanges)-256:]
	}
}

// Handle implements Collaborator.
func (w *WorldContext) Handle(_ context.Context, operation string, params map[string]interface{}) (*Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch operation {
	case "get_world_state":
		snapshot := make(map[string]interface{}, len(w.entities))
		for id, state := range w.entities {
			entity := make(map[string]interface{}, len(state))
			for k, v := range state {
				entity[k] = v
			}
			snapshot[id] = entity
		}
		return OK(map[string]interface{}{
			"world_time": w.worldTime,
			"entities":   snapshot,
		}), nil

	case "advance_time":
		seconds := intParam(params, "seconds")
		if seconds <= 0 {
			return Fail("validation", "advance_time requires seconds > 0, got %d", seconds), nil
		}
		w.worldTime += int64(seconds)
		w.recordChange("world_time_advanced", "global", nil, map[string]interface{}{"seconds": seconds})
		return OK(map[string]interface{}{"world_time": w.worldTime}), nil

	case "update_entity_state":
		entityID, _ := params["entity_id"].(string)
		if entityID == "" {
			return Fail("validation", "update_entity_state requires entity_id"), nil
		}
		state, _ := params["state"].(map[string]interface{})
		if w.entities[entityID] == nil {
			w.entities[entityID] = make(map[string]interface{})
		}
		for k, v := range state {
			w.entities[entityID][k] = v
		}
		w.entities[entityID]["last_updated_world_time"] = w.worldTime
		w.recordChange("entity_updated", "local", []string{entityID}, state)
		return OK(map[string]interface{}{"entity_id": entityID}), nil

	case "apply_environment_changes":
		applied := len(w.pendingChanges)
		for _, change := range w.pendingChanges {
			w.recordChange("environment_changed", "global", nil, change)
		}
		w.pendingChanges = nil
		return OK(map[string]interface{}{"applied": applied}), nil

	case "apply_world_events":
		events, _ := params["events"].([]map[string]interface{})
		for _, ev := range events {
			affected, _ := ev["affected_entities"].([]string)
			w.recordChange("world_event_applied", "local", affected, ev)
		}
		return OK(map[string]interface{}{"applied": len(events)}), nil

	case "restore_state":
		state, _ := params["state"].(map[string]interface{})
		if state == nil {
			return Fail("validation", "restore_state requires a state snapshot"), nil
		}
		if _, ok := state["world_time"]; ok {
			w.worldTime = int64(intParam(state, "world_time"))
		}
		restored := make(map[string]map[string]interface{})
		if entities, ok := state["entities"].(map[string]interface{}); ok {
			for id, raw := range entities {
				if entity, ok := raw.(map[string]interface{}); ok {
					restored[id] = entity
				}
			}
		}
		w.entities = restored
		w.recordChange("world_state_restored", "global", nil, nil)
		return OK(map[string]interface{}{"world_time": w.worldTime, "entities_restored": len(restored)}), nil

	case "validate_consistency":
		if len(w.consistencyIssues) > 0 {
			issues := make([]string, len(w.consistencyIssues))
			copy(issues, w.consistencyIssues)
			return OK(map[string]interface{}{
				"consistent":      false,
				"critical_issues": issues,
			}), nil
		}
		return OK(map[string]interface{}{"consistent": true, "critical_issues": []string{}}), nil

	case "get_recent_changes":
		changes := make([]WorldChange, len(w.recentChanges))
		copy(changes, w.recentChanges)
		return OK(map[string]interface{}{"changes": changes}), nil

	default:
		return Fail("validation", "world_context has no operation %q", operation), nil
	}
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
