// Package capability tracks the health of a session's pipeline capabilities
// and derives the degradation level from the state of the voice pair.
//
// The central type is [Set], a per-session record of which capabilities are
// currently enabled, how many consecutive failures each has accumulated and
// when a capability was disabled. The session supervisor is the only writer;
// other components (turn orchestrator, health endpoints, event sinks) read
// snapshots. The degradation policy itself lives in [Compute] and is pure, so
// it can be tested without a Set.
package capability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultFailureThreshold is the number of consecutive failures after which a
// capability is disabled when [Config.FailureThreshold] is zero.
const DefaultFailureThreshold = 3

// Capability identifies one stage of the session pipeline that can fail
// independently of the others.
type Capability int

const (
	// STT is the speech-to-text stage. Disabling it stops the session from
	// auto-creating turns out of caller speech.
	STT Capability = iota

	// TTS is the text-to-speech stage. Disabling it makes replies text-only.
	TTS

	// Vision is image understanding on attachments. It never affects the
	// degradation level; a disabled Vision capability only appears in the
	// session's blocked-operations list.
	Vision

	// Telephony is the PSTN dial-out integration. Like Vision it is tracked
	// and reported but does not affect the degradation level.
	Telephony
)

// String returns the lower-case wire name of the capability.
func (c Capability) String() string {
	switch c {
	case STT:
		return "stt"
	case TTS:
		return "tts"
	case Vision:
		return "vision"
	case Telephony:
		return "telephony"
	default:
		return "unknown"
	}
}

// ParseCapability converts a wire name (as used in config files and events)
// back into a [Capability].
func ParseCapability(s string) (Capability, error) {
	switch s {
	case "stt":
		return STT, nil
	case "tts":
		return TTS, nil
	case "vision":
		return Vision, nil
	case "telephony":
		return Telephony, nil
	default:
		return 0, fmt.Errorf("unknown capability %q", s)
	}
}

// Status is a point-in-time snapshot of one capability.
type Status struct {
	// Capability identifies the pipeline stage this status describes.
	Capability Capability

	// Enabled is false once consecutive failures reached the threshold and
	// stays false until a successful health re-check.
	Enabled bool

	// ConsecutiveFailures counts failures since the last success or recovery.
	ConsecutiveFailures int

	// LastError is the message of the most recent failure, empty if none.
	LastError string

	// DisabledAt is when the capability was disabled; zero while enabled.
	DisabledAt time.Time
}

// Change describes the effect of a single report on the set, so the caller
// can emit the right events without re-reading the set (which would race
// against reports from other rechecks).
type Change struct {
	// Disabled is true when this report pushed the capability over the
	// failure threshold.
	Disabled bool

	// Recovered is true when this report re-enabled the capability.
	Recovered bool

	// LevelChanged is true when the degradation level moved.
	LevelChanged bool

	// OldLevel and NewLevel bracket the level transition. They are equal
	// when LevelChanged is false.
	OldLevel Degradation
	NewLevel Degradation
}

// Config holds tuning knobs for a [Set].
type Config struct {
	// FailureThreshold is the number of consecutive failures after which a
	// capability is disabled. Default: 3.
	FailureThreshold int
}

// capState is the mutable per-capability record inside a Set.
type capState struct {
	enabled     bool
	consecutive int
	lastError   string
	disabledAt  time.Time
}

// Set tracks capability status for a single session. It is safe for
// concurrent use; by convention only the session supervisor mutates it.
type Set struct {
	threshold int

	mu    sync.Mutex
	caps  map[Capability]*capState
	order []Capability
	level Degradation
}

// NewSet creates a [Set] tracking the given capabilities. With no explicit
// list it tracks all four known capabilities. Zero-value config fields are
// replaced with defaults.
func NewSet(cfg Config, caps ...Capability) *Set {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if len(caps) == 0 {
		caps = []Capability{STT, TTS, Vision, Telephony}
	}

	s := &Set{
		threshold: cfg.FailureThreshold,
		caps:      make(map[Capability]*capState, len(caps)),
	}
	for _, c := range caps {
		if _, dup := s.caps[c]; dup {
			continue
		}
		s.caps[c] = &capState{enabled: true}
		s.order = append(s.order, c)
	}
	s.level = s.computeLocked()
	return s
}

// ReportFailure records one failed call against cap. Crossing the failure
// threshold disables the capability and recomputes the degradation level;
// the level only ever escalates here. Reports against untracked capabilities
// are ignored.
func (s *Set) ReportFailure(cap Capability, err error) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.caps[cap]
	if !ok {
		slog.Warn("failure reported for untracked capability",
			"capability", cap.String())
		return Change{OldLevel: s.level, NewLevel: s.level}
	}

	cs.consecutive++
	if err != nil {
		cs.lastError = err.Error()
	}

	ch := Change{OldLevel: s.level, NewLevel: s.level}
	if cs.enabled && cs.consecutive >= s.threshold {
		cs.enabled = false
		cs.disabledAt = time.Now()
		ch.Disabled = true
		slog.Warn("capability disabled",
			"capability", cap.String(),
			"consecutive_failures", cs.consecutive,
			"last_error", cs.lastError)

		// Escalate only. De-escalation happens exclusively through Recover.
		if next := s.computeLocked(); next.Level > s.level.Level {
			ch.LevelChanged = true
			ch.NewLevel = next
			s.setLevelLocked(next)
		}
	}
	return ch
}

// Disable immediately disables cap, bypassing the failure threshold. It is
// for hard failures such as a transcription stream that closed under a live
// session, where counting further per-call failures cannot add information.
// Re-enablement still goes through [Set.Recover].
func (s *Set) Disable(cap Capability, err error) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := Change{OldLevel: s.level, NewLevel: s.level}
	cs, ok := s.caps[cap]
	if !ok {
		slog.Warn("disable requested for untracked capability",
			"capability", cap.String())
		return ch
	}

	cs.consecutive++
	if err != nil {
		cs.lastError = err.Error()
	}
	if !cs.enabled {
		return ch
	}

	cs.enabled = false
	cs.disabledAt = time.Now()
	ch.Disabled = true
	slog.Warn("capability disabled",
		"capability", cap.String(),
		"last_error", cs.lastError)

	if next := s.computeLocked(); next.Level > s.level.Level {
		ch.LevelChanged = true
		ch.NewLevel = next
		s.setLevelLocked(next)
	}
	return ch
}

// ReportSuccess clears the consecutive-failure counter of an enabled
// capability. It never re-enables a disabled one; that is what [Set.Recover]
// is for.
func (s *Set) ReportSuccess(cap Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.caps[cap]
	if !ok || !cs.enabled {
		return
	}
	cs.consecutive = 0
	cs.lastError = ""
}

// Recover re-enables cap after a successful health re-check, clears its
// failure counter and recomputes the degradation level from scratch. This is
// the only path on which the level can decrease.
func (s *Set) Recover(cap Capability) Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := Change{OldLevel: s.level, NewLevel: s.level}
	cs, ok := s.caps[cap]
	if !ok {
		return ch
	}

	wasDisabled := !cs.enabled
	cs.enabled = true
	cs.consecutive = 0
	cs.lastError = ""
	cs.disabledAt = time.Time{}

	if !wasDisabled {
		return ch
	}
	ch.Recovered = true
	slog.Info("capability recovered", "capability", cap.String())

	if next := s.computeLocked(); next != s.level {
		ch.LevelChanged = true
		ch.NewLevel = next
		s.setLevelLocked(next)
	}
	return ch
}

// Enabled reports whether cap is currently enabled. Untracked capabilities
// report false.
func (s *Set) Enabled(cap Capability) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.caps[cap]
	return ok && cs.enabled
}

// Status returns a snapshot of cap and whether the set tracks it.
func (s *Set) Status(cap Capability) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs, ok := s.caps[cap]
	if !ok {
		return Status{}, false
	}
	return s.statusLocked(cap, cs), true
}

// Statuses returns snapshots of every tracked capability in construction
// order.
func (s *Set) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, s.statusLocked(c, s.caps[c]))
	}
	return out
}

// Disabled returns the currently disabled capabilities in construction
// order. This is the session's blocked-operations list.
func (s *Set) Disabled() []Capability {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Capability
	for _, c := range s.order {
		if !s.caps[c].enabled {
			out = append(out, c)
		}
	}
	return out
}

// Level returns the current degradation level.
func (s *Set) Level() Degradation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.level
}

// statusLocked builds a snapshot. Must be called with s.mu held.
func (s *Set) statusLocked(cap Capability, cs *capState) Status {
	return Status{
		Capability:          cap,
		Enabled:             cs.enabled,
		ConsecutiveFailures: cs.consecutive,
		LastError:           cs.lastError,
		DisabledAt:          cs.disabledAt,
	}
}

// computeLocked derives the degradation level from the voice pair. A
// capability the set does not track counts as enabled. Must be called with
// s.mu held.
func (s *Set) computeLocked() Degradation {
	sttEnabled := true
	if cs, ok := s.caps[STT]; ok {
		sttEnabled = cs.enabled
	}
	ttsEnabled := true
	if cs, ok := s.caps[TTS]; ok {
		ttsEnabled = cs.enabled
	}
	return Compute(sttEnabled, ttsEnabled)
}

// setLevelLocked records a level transition. Must be called with s.mu held.
func (s *Set) setLevelLocked(next Degradation) {
	slog.Warn("degradation level changed",
		"old", s.level.String(),
		"new", next.String())
	s.level = next
}
