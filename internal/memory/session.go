package memory

import "time"

// SessionStatus is the cross-session lifecycle state.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
	SessionEnded SessionStatus = "ended"
)

// Session is the cross-session memory row tracked alongside a
// tenant's units.
type Session struct {
	MemorySessionID string `json:"memory_session_id"`
	TenantID string `json:"-"`
	ContentSessionID string `json:"content_session_id"`
	Project string `json:"project"`
	StartedAt time.Time `json:"started_at"`
	EndedAt *time.Time `json:"ended_at,omitempty"`
	Status SessionStatus `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// EventKind enumerates the append-only event types recorded within a
// session.
type EventKind string

const (
	EventMessage EventKind = "message"
	EventToolUse EventKind = "tool_use"
	EventFileChange EventKind = "file_change"
)

// Event is a single append-only record within a session; Payload has
// already passed through the three-tier redaction pipeline by the
// time it is persisted.
type Event struct {
	EventID string `json:"event_id"`
	MemorySessionID string `json:"memory_session_id"`
	Kind EventKind `json:"kind"`
	Payload string `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// ObservationCategory classifies an extracted observation.
type ObservationCategory string

const (
	ObservationDecision ObservationCategory = "decision"
	ObservationDiscovery ObservationCategory = "discovery"
	ObservationLearning ObservationCategory = "learning"
	ObservationOther ObservationCategory = "other"
)

// Observation is derived from a run of events at session stop and
// feeds the compressor as if it were a dialogue turn.
type Observation struct {
	ObservationID string `json:"observation_id"`
	MemorySessionID string `json:"memory_session_id"`
	Category ObservationCategory `json:"category"`
	Text string `json:"text"`
	EvidenceEventIDs []string `json:"evidence_event_ids,omitempty"`
}
