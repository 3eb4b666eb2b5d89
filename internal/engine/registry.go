package engine

import (
	"sort"
	"sync"
	"time"

	"turnforge/internal/turn"
)

// Snapshot is the externally visible status of one tracked turn. The status
// endpoints read snapshots, never the aggregate itself.
type Snapshot struct {
	TurnID          string    `json:"turn_id"`
	Status          string    `json:"status"`
	Progress        float64   `json:"progress"`
	CurrentPhase    string    `json:"current_phase,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	ExecutionTimeMS int64     `json:"execution_time_ms"`
	EventsEmitted   int       `json:"events_emitted"`
	Error           string    `json:"error,omitempty"`
}

// Status values reported for tracked turns.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// snapshotOf projects the aggregate into a Snapshot. Must be called from the
// goroutine that owns the aggregate.
func snapshotOf(t *turn.Turn) Snapshot {
	s := Snapshot{
		TurnID:          t.ID().Short(),
		Progress:        t.CompletionPercentage(),
		ExecutionTimeMS: t.ExecutionTime().Milliseconds(),
		EventsEmitted:   len(t.Events()),
	}
	if started := t.StartedAt(); started != nil {
		s.StartedAt = *started
	}
	if cp := t.CurrentPhase(); cp != nil {
		s.CurrentPhase = cp.String()
	}
	switch t.State() {
	case turn.StateCompleted:
		s.Status = StatusCompleted
	case turn.StateFailed, turn.StateCancelled:
		s.Status = StatusFailed
	default:
		s.Status = StatusRunning
	}
	if history := t.ErrorHistory(); len(history) > 0 {
		s.Error = history[len(history)-1].Message
	}
	return s
}

// Registry tracks the turns the engine has executed, keyed by turn id.
// Snapshots are immutable copies, safe to read while the engine runs.
type Registry struct {
	mu    sync.RWMutex
	turns map[string]Snapshot
}

// NewRegistry returns an empty turn registry.
func NewRegistry() *Registry {
	return &Registry{turns: make(map[string]Snapshot)}
}

// Put stores or replaces the snapshot for a turn.
func (r *Registry) Put(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns[s.TurnID] = s
}

// Get returns the snapshot for a turn id.
func (r *Registry) Get(turnID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.turns[turnID]
	return s, ok
}

// Remove drops a tracked turn and reports whether it existed.
func (r *Registry) Remove(turnID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.turns[turnID]
	delete(r.turns, turnID)
	return ok
}

// List returns all snapshots ordered by start time, newest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.turns))
	for _, s := range r.turns {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TurnID < out[j].TurnID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Running counts turns currently in the running state.
func (r *Registry) Running() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.turns {
		if s.Status == StatusRunning {
			n++
		}
	}
	return n
}
