// Package turn implements the per-utterance conversation pipeline.
//
// A Turn is created for each final transcript the session admits. The
// [Orchestrator] drives it through reasoning, an optional tool loop, and
// synthesis, ending in Replied or Abandoned. Turns within a session are
// strictly sequential; the supervisor's processor goroutine runs one
// [Orchestrator.Process] call at a time.
package turn

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parleyhq/parley/pkg/types"
)

// State enumerates the stages a Turn moves through.
type State int

const (
	// StateAwaitingTranscript is the initial state before processing begins.
	StateAwaitingTranscript State = iota

	// StateReasoning means an LLM completion is in flight.
	StateReasoning

	// StateToolLoop means the turn is executing tool calls requested by the
	// model. The turn bounces between ToolLoop and Reasoning until the model
	// produces a plain text reply or the round cap is hit.
	StateToolLoop

	// StateSynthesizing means the reply text is being converted to audio.
	StateSynthesizing

	// StateReplied is the successful terminal state. The reply may be
	// text-only when TTS was disabled or failed.
	StateReplied

	// StateAbandoned is the failure terminal state. See [AbandonReason].
	StateAbandoned
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateAwaitingTranscript:
		return "awaiting_transcript"
	case StateReasoning:
		return "reasoning"
	case StateToolLoop:
		return "tool_loop"
	case StateSynthesizing:
		return "synthesizing"
	case StateReplied:
		return "replied"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is Replied or Abandoned.
func (s State) Terminal() bool {
	return s == StateReplied || s == StateAbandoned
}

// AbandonReason records why a turn was abandoned.
type AbandonReason int

const (
	// AbandonNone is the zero value for turns that were not abandoned.
	AbandonNone AbandonReason = iota

	// AbandonCancelled covers explicit cancellation, including barge-in.
	AbandonCancelled

	// AbandonSessionInterrupted means the session ended while the turn was
	// in flight.
	AbandonSessionInterrupted

	// AbandonCapabilityLost means a capability the turn required was
	// disabled mid-flight.
	AbandonCapabilityLost

	// AbandonReasoningFailure means the LLM call failed or its stream broke.
	AbandonReasoningFailure
)

// String returns the lower-case wire name of the reason.
func (r AbandonReason) String() string {
	switch r {
	case AbandonNone:
		return "none"
	case AbandonCancelled:
		return "cancelled"
	case AbandonSessionInterrupted:
		return "session_interrupted"
	case AbandonCapabilityLost:
		return "capability_lost"
	case AbandonReasoningFailure:
		return "reasoning_failure"
	default:
		return "unknown"
	}
}

// ErrSessionInterrupted is the cancellation cause the supervisor attaches
// when it terminates a session with a turn still in flight. The orchestrator
// maps it to [AbandonSessionInterrupted] instead of plain cancellation.
var ErrSessionInterrupted = errors.New("session interrupted")

// ReasoningError wraps a failed LLM stage. The turn it belonged to is
// abandoned; the session keeps running.
type ReasoningError struct {
	// TurnID identifies the abandoned turn.
	TurnID string

	// Err is the underlying provider failure.
	Err error
}

// Error implements the error interface.
func (e *ReasoningError) Error() string {
	return "turn " + e.TurnID + ": reasoning failed: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ReasoningError) Unwrap() error { return e.Err }

// ToolInvocation records one executed tool call, including failed ones whose
// error was folded into the conversation.
type ToolInvocation struct {
	// Name is the tool that was invoked.
	Name string

	// Arguments is the JSON arguments string the model supplied.
	Arguments string

	// Result is the content returned to the model, either tool output or a
	// serialized failure notice.
	Result string

	// Failed is true when the invocation exhausted its retry budget or the
	// tool reported an application-level error.
	Failed bool

	// Attempts is how many times the call was tried.
	Attempts int

	// Duration covers all attempts including backoff.
	Duration time.Duration
}

// AudioHandle carries the synthesised reply audio. The channel is closed by
// the synthesis stage when the utterance is complete.
type AudioHandle struct {
	// PCM emits raw audio byte slices in playback order.
	PCM <-chan []byte

	// SampleRate of the PCM data in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for stereo.
	Channels int
}

// Turn is the record of one utterance/reply exchange. State transitions are
// serialized internally, so concurrent readers (event emitters, the
// supervisor's End path) see a consistent view while the processor goroutine
// advances the pipeline.
type Turn struct {
	// ID is the unique turn identifier, stamped onto transcript entries and
	// feedback rows.
	ID string

	// SessionID is the owning session.
	SessionID string

	// Input is the final transcript that created this turn.
	Input types.Transcript

	// StartedAt is when the turn was created.
	StartedAt time.Time

	mu          sync.Mutex
	state       State
	reason      AbandonReason
	reply       string
	invocations []ToolInvocation
	completedAt time.Time
}

// New creates a Turn in StateAwaitingTranscript for the given final transcript.
func New(sessionID string, input types.Transcript) *Turn {
	return &Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Input:     input,
		StartedAt: time.Now(),
		state:     StateAwaitingTranscript,
	}
}

// State returns the current pipeline state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reason returns the abandon reason, or AbandonNone for live and replied turns.
func (t *Turn) Reason() AbandonReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Reply returns the final reply text. Empty until the turn completes.
func (t *Turn) Reply() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reply
}

// Invocations returns a copy of the tool invocations recorded so far.
func (t *Turn) Invocations() []ToolInvocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolInvocation, len(t.invocations))
	copy(out, t.invocations)
	return out
}

// Elapsed returns the wall time from turn creation to completion, or to now
// if the turn is still live.
func (t *Turn) Elapsed() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.completedAt.IsZero() {
		return t.completedAt.Sub(t.StartedAt)
	}
	return time.Since(t.StartedAt)
}

// Abandon moves the turn to StateAbandoned with the given reason. It reports
// whether the transition happened; a turn already in a terminal state is left
// untouched, so the supervisor's End path and the processor goroutine cannot
// double-finish a turn.
func (t *Turn) Abandon(reason AbandonReason) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = StateAbandoned
	t.reason = reason
	t.completedAt = time.Now()
	return true
}

// advance moves the turn to next unless it is already terminal. Abandonment
// can race the processor goroutine, so a terminal state always wins.
func (t *Turn) advance(next State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = next
	return true
}

// complete moves the turn to StateReplied with the final reply text.
func (t *Turn) complete(reply string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = StateReplied
	t.reply = reply
	t.completedAt = time.Now()
	return true
}

// recordInvocation appends a tool invocation record.
func (t *Turn) recordInvocation(inv ToolInvocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.invocations = append(t.invocations, inv)
}
