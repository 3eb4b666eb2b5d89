package turn

import (
	"encoding/json"
	"time"
)

// PhaseType enumerates the five pipeline phases in execution order.
type PhaseType int

const (
	PhaseWorldUpdate PhaseType = iota + 1
	PhaseSubjectiveBrief
	PhaseInteractionOrchestration
	PhaseEventIntegration
	PhaseNarrativeIntegration
)

var phaseNames = map[PhaseType]string{
	PhaseWorldUpdate:              "world_update",
	PhaseSubjectiveBrief:          "subjective_brief",
	PhaseInteractionOrchestration: "interaction_orchestration",
	PhaseEventIntegration:         "event_integration",
	PhaseNarrativeIntegration:     "narrative_integration",
}

// AllPhases returns the phases in pipeline order.
func AllPhases() []PhaseType {
	return []PhaseType{
		PhaseWorldUpdate,
		PhaseSubjectiveBrief,
		PhaseInteractionOrchestration,
		PhaseEventIntegration,
		PhaseNarrativeIntegration,
	}
}

// Order returns the 1-based pipeline position.
func (p PhaseType) Order() int { return int(p) }

// Next returns the following phase, or false after the last one.
func (p PhaseType) Next() (PhaseType, bool) {
	if p >= PhaseNarrativeIntegration || p < PhaseWorldUpdate {
		return 0, false
	}
	return p + 1, true
}

// Valid reports whether p is one of the five phases.
func (p PhaseType) Valid() bool {
	_, ok := phaseNames[p]
	return ok
}

func (p PhaseType) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParsePhaseType resolves a phase name.
func ParsePhaseType(name string) (PhaseType, error) {
	for pt, n := range phaseNames {
		if n == name {
			return pt, nil
		}
	}
	return 0, NewError(KindValidation, "unknown phase %q", name)
}

// MarshalJSON encodes phases as their names.
func (p PhaseType) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a phase name.
func (p *PhaseType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	pt, err := ParsePhaseType(name)
	if err != nil {
		return err
	}
	*p = pt
	return nil
}

// PhaseState represents the lifecycle state of one phase.
type PhaseState string

const (
	PhasePending   PhaseState = "pending"
	PhaseRunning   PhaseState = "running"
	PhaseCompleted PhaseState = "completed"
	PhaseFailed    PhaseState = "failed"
	PhaseSkipped   PhaseState = "skipped"
)

// IsTerminal reports whether a phase state accepts no further transitions.
func (s PhaseState) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseSkipped
}

// PhaseStatus is the immutable status record for one phase of one turn.
// Transition methods return new values and reject illegal transitions.
type PhaseStatus struct {
	Phase           PhaseType              `json:"phase"`
	State           PhaseState             `json:"state"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	DurationMS      int64                  `json:"duration_ms,omitempty"`
	ProgressPct     float64                `json:"progress_pct"`
	EventsProcessed int                    `json:"events_processed"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// NewPhaseStatus returns a pending status for the given phase.
func NewPhaseStatus(phase PhaseType) PhaseStatus {
	return PhaseStatus{Phase: phase, State: PhasePending}
}

// Start transitions pending -> running.
func (s PhaseStatus) Start(at time.Time) (PhaseStatus, error) {
	if s.State != PhasePending {
		return s, NewError(KindInvalidState, "phase %s cannot start from state %s", s.Phase, s.State)
	}
	next := s
	next.State = PhaseRunning
	started := at
	next.StartedAt = &started
	return next, nil
}

// Complete transitions running -> completed.
func (s PhaseStatus) Complete(at time.Time, eventsProcessed int, metadata map[string]interface{}) (PhaseStatus, error) {
	if s.State != PhaseRunning {
		return s, NewError(KindInvalidState, "phase %s cannot complete from state %s", s.Phase, s.State)
	}
	if eventsProcessed < 0 {
		return s, NewError(KindValidation, "events processed must be >= 0, got %d", eventsProcessed)
	}
	next := s
	next.State = PhaseCompleted
	completed := at
	next.CompletedAt = &completed
	next.ProgressPct = 100
	next.EventsProcessed = eventsProcessed
	next.Metadata = metadata
	if s.StartedAt != nil {
		next.DurationMS = at.Sub(*s.StartedAt).Milliseconds()
	}
	return next, nil
}

// Fail transitions running -> failed.
func (s PhaseStatus) Fail(at time.Time, message string) (PhaseStatus, error) {
	if s.State != PhaseRunning {
		return s, NewError(KindInvalidState, "phase %s cannot fail from state %s", s.Phase, s.State)
	}
	next := s
	next.State = PhaseFailed
	completed := at
	next.CompletedAt = &completed
	next.ErrorMessage = message
	if s.StartedAt != nil {
		next.DurationMS = at.Sub(*s.StartedAt).Milliseconds()
	}
	return next, nil
}

// Skip transitions pending -> skipped.
func (s PhaseStatus) Skip() (PhaseStatus, error) {
	if s.State != PhasePending {
		return s, NewError(KindInvalidState, "phase %s cannot be skipped from state %s", s.Phase, s.State)
	}
	next := s
	next.State = PhaseSkipped
	next.ProgressPct = 100
	return next, nil
}

// WithProgress returns a copy with updated progress (clamped to [0,100]).
func (s PhaseStatus) WithProgress(pct float64) PhaseStatus {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	next := s
	next.ProgressPct = pct
	return next
}
