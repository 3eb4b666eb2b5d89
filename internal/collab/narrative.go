package collab

import (
	"context"
	"sync"
)

// NarrativeContext holds active narrative perspectives and story arcs.
type NarrativeContext struct {
	mu           sync.Mutex
	perspectives []string
	arcs         map[string][]string // perspective -> appended content
}

// NewNarrativeContext returns a context with the default omniscient
// perspective.
func NewNarrativeContext() *NarrativeContext {
	return &NarrativeContext{
		perspectives: []string{"omniscient"},
		arcs:         make(map[string][]string),
	}
}

// Name implements Collaborator.
func (n *NarrativeContext) Name() string { return TargetNarrative }

// SetPerspectives replaces the active perspective set.
func (n *NarrativeContext) SetPerspectives(perspectives []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.perspectives = perspectives
}

// Handle implements Collaborator.
func (n *NarrativeContext) Handle(_ context.Context, operation string, params map[string]interface{}) (*Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch operation {
	case "get_active_perspectives":
		out := make([]string, len(n.perspectives))
		copy(out, n.perspectives)
		if len(out) == 0 {
			out = []string{"omniscient"}
		}
		return OK(map[string]interface{}{"perspectives": out}), nil

	case "update_story_arcs":
		perspective, _ := params["perspective"].(string)
		content, _ := params["content"].(string)
		if perspective == "" || content == "" {
			return Fail("validation", "update_story_arcs requires perspective and content"), nil
		}
		n.arcs[perspective] = append(n.arcs[perspective], content)
		return OK(map[string]interface{}{"arc_length": len(n.arcs[perspective])}), nil

	case "revert_changes":
		turnEntries := intParam(params, "entries")
		reverted := 0
		for p, arc := range n.arcs {
			drop := turnEntries
			if drop <= 0 || drop > len(arc) {
				drop = len(arc)
			}
			n.arcs[p] = arc[:len(arc)-drop]
			reverted += drop
		}
		return OK(map[string]interface{}{"reverted": reverted}), nil

	default:
		return Fail("validation", "narrative_context has no operation %q", operation), nil
	}
}
