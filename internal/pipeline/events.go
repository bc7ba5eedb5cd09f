package pipeline

import "time"

type EventType string

const (
	EventTurnStarted     EventType = "turn.started"
	EventSentenceQueued  EventType = "sentence.queued"
	EventTurnFinished    EventType = "turn.finished"
	EventCancelled       EventType = "pipeline.cancelled"
	EventTranscript      EventType = "transcript.updated"
	EventSynthesisFailed EventType = "synthesis.failed"
)

// Sentence kinds.
const (
	KindBoundary = "boundary"
	KindForced   = "forced"
	KindFinal    = "final"
	KindHost     = "host"
)

// Turn outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeTruncated = "truncated"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

// Event describes something the pipeline did. Events are delivered after the
// corresponding state change and outside of every pipeline lock.
type Event struct {
	Type   EventType `json:"type"`
	TurnID string    `json:"turn_id,omitempty"`
	Text   string    `json:"text,omitempty"`
	Kind   string    `json:"kind,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Tokens int       `json:"tokens,omitempty"`
	At     time.Time `json:"at"`
}

// Observer receives pipeline events. Observe must not block.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }
