package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/turn"
)

// defaultEventBuffer is the default capacity of a [Sink]'s channel.
const defaultEventBuffer = 64

// Event is the common interface of all outbound session events.
type Event interface {
	// EventType returns the wire-stable discriminator string.
	EventType() string
}

// SessionStateChanged is emitted on every supervisor state transition.
type SessionStateChanged struct {
	// SessionID identifies the session.
	SessionID string

	// Old and New bracket the transition.
	Old State
	New State

	// Reason is a short human-readable cause ("join_failed",
	// "transport_disconnect", "user_goodbye", ...). May be empty.
	Reason string
}

// EventType implements [Event].
func (SessionStateChanged) EventType() string { return "session_state_changed" }

// DegradationChanged is emitted when the capability set's degradation
// level moves, in either direction.
type DegradationChanged struct {
	// SessionID identifies the session.
	SessionID string

	// Capability is the stage whose status change moved the level.
	Capability capability.Capability

	// Old and New bracket the level transition.
	Old capability.Degradation
	New capability.Degradation
}

// EventType implements [Event].
func (DegradationChanged) EventType() string { return "degradation_changed" }

// TurnCompleted is emitted when a turn reaches Replied, including text-only
// replies under TTS-disabled degradation.
type TurnCompleted struct {
	// SessionID and TurnID identify the turn.
	SessionID string
	TurnID    string

	// Reply is the final reply text.
	Reply string

	// HasAudio is false for text-only replies.
	HasAudio bool

	// ToolCalls is how many tool invocations the turn made.
	ToolCalls int

	// Duration is the wall time from transcript admission to completion.
	Duration time.Duration
}

// EventType implements [Event].
func (TurnCompleted) EventType() string { return "turn_completed" }

// TurnAbandoned is emitted when a turn terminates without a reply.
type TurnAbandoned struct {
	// SessionID and TurnID identify the turn.
	SessionID string
	TurnID    string

	// Reason is why the turn was abandoned.
	Reason turn.AbandonReason
}

// EventType implements [Event].
func (TurnAbandoned) EventType() string { return "turn_abandoned" }

// Sink fans session events out to one consumer over a buffered channel.
// Publishing never blocks the session pipeline: when the consumer falls
// behind and the buffer fills, events are dropped with a warning.
type Sink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewSink creates a Sink with the given buffer capacity. Zero or negative
// means the default of 64.
func NewSink(buffer int) *Sink {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Sink{ch: make(chan Event, buffer)}
}

// Publish enqueues e without blocking. Events published to a full or
// closed sink are dropped.
func (s *Sink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		slog.Warn("event sink full, dropping event", "event_type", e.EventType())
	}
}

// Events returns the consumer side of the sink. The channel is closed by
// [Sink.Close].
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Close closes the event channel. Safe to call more than once; publishes
// after Close are dropped.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
