package turn

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a domain event emitted by the Turn aggregate.
type EventKind string

const (
	EventTurnCreated                  EventKind = "turn-created"
	EventPlanningStarted              EventKind = "planning-started"
	EventExecutionStarted             EventKind = "execution-started"
	EventPhaseStarted                 EventKind = "phase-started"
	EventPhaseCompleted               EventKind = "phase-completed"
	EventPhaseFailed                  EventKind = "phase-failed"
	EventCompensationInitiated        EventKind = "compensation-initiated"
	EventCompensationActionCompleted  EventKind = "compensation-action-completed"
	EventCompensationActionFailed     EventKind = "compensation-action-failed"
	EventTurnCompleted                EventKind = "turn-completed"
	EventTurnFailed                   EventKind = "turn-failed"
	EventTurnCancelled                EventKind = "turn-cancelled"
	EventTurnCompensationCompleted    EventKind = "turn-compensation-completed"
)

// DomainEvent records one state change on a turn aggregate. Events are
// append-only; consumers must not mutate them.
type DomainEvent struct {
	EventID    string                 `json:"event_id"`
	Kind       EventKind              `json:"kind"`
	TurnID     string                 `json:"turn_id"`
	Version    int64                  `json:"version"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// NewDomainEvent mints an event stamped with the aggregate version that
// produced it.
func NewDomainEvent(kind EventKind, turnID string, version int64, payload map[string]interface{}) DomainEvent {
	return DomainEvent{
		EventID:    uuid.NewString(),
		Kind:       kind,
		TurnID:     turnID,
		Version:    version,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// AuditEntry records one mutation for the aggregate's audit trail.
type AuditEntry struct {
	At      time.Time              `json:"at"`
	Action  string                 `json:"action"`
	Detail  string                 `json:"detail,omitempty"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	Version int64                  `json:"version"`
}
