// Package energy implements voice activity detection from short-term signal
// energy.
//
// Each frame's RMS amplitude is mapped onto a pseudo-probability against a
// reference level, then attack/release smoothing is applied so that brief
// noise spikes do not open a speech segment and short intra-sentence pauses
// do not close one. The engine has no model files and no cgo, which makes it
// the default detector for deployments that cannot ship a neural VAD.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/parleyhq/parley/pkg/provider/vad"
	"github.com/parleyhq/parley/pkg/types"
)

// Tuning defaults, overridable via options.
const (
	// DefaultReferenceRMS is the RMS amplitude that maps to probability 1.0.
	// 16-bit PCM peaks at 32767; conversational speech at normal capture gain
	// typically sits between 1000 and 8000.
	DefaultReferenceRMS = 4000.0

	// DefaultAttackFrames is the number of consecutive speech-classified
	// frames required before a segment opens.
	DefaultAttackFrames = 2

	// DefaultReleaseFrames is the number of consecutive silence-classified
	// frames required before a segment closes. At 20 ms frames this is
	// 300 ms of trailing silence.
	DefaultReleaseFrames = 15
)

// Ensure Engine implements the vad.Engine interface at compile time.
var _ vad.Engine = (*Engine)(nil)

// Engine implements vad.Engine using frame RMS as the speech signal.
// It is safe for concurrent use; each session carries its own state.
type Engine struct {
	referenceRMS  float64
	attackFrames  int
	releaseFrames int
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithReferenceRMS sets the RMS amplitude that maps to probability 1.0.
// Lower values make the detector more sensitive. Values ≤ 0 are ignored.
func WithReferenceRMS(rms float64) Option {
	return func(e *Engine) {
		if rms > 0 {
			e.referenceRMS = rms
		}
	}
}

// WithAttackFrames sets how many consecutive speech frames open a segment.
// Values < 1 are ignored.
func WithAttackFrames(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.attackFrames = n
		}
	}
}

// WithReleaseFrames sets how many consecutive silence frames close a segment.
// Values < 1 are ignored.
func WithReleaseFrames(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.releaseFrames = n
		}
	}
}

// New constructs a new energy Engine with the given options.
func New(opts ...Option) *Engine {
	e := &Engine{
		referenceRMS:  DefaultReferenceRMS,
		attackFrames:  DefaultAttackFrames,
		releaseFrames: DefaultReleaseFrames,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
//
// Zero thresholds in cfg fall back to 0.5 (speech) and 0.35 (silence).
// The expected frame size is derived from SampleRate and FrameSizeMs assuming
// 16-bit mono PCM.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: SampleRate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: FrameSizeMs must be positive, got %d", cfg.FrameSizeMs)
	}

	speech := cfg.SpeechThreshold
	if speech == 0 {
		speech = 0.5
	}
	silence := cfg.SilenceThreshold
	if silence == 0 {
		silence = 0.35
	}
	if speech < 0 || speech > 1 {
		return nil, fmt.Errorf("energy: SpeechThreshold must be in [0,1], got %v", cfg.SpeechThreshold)
	}
	if silence < 0 || silence > speech {
		return nil, fmt.Errorf("energy: SilenceThreshold must be in [0,SpeechThreshold], got %v", cfg.SilenceThreshold)
	}

	return &session{
		frameBytes:       cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		speechThreshold:  speech,
		silenceThreshold: silence,
		referenceRMS:     e.referenceRMS,
		attackFrames:     e.attackFrames,
		releaseFrames:    e.releaseFrames,
	}, nil
}

// Ensure session implements the vad.SessionHandle interface at compile time.
var _ vad.SessionHandle = (*session)(nil)

// session holds the per-stream detection state. Safe for concurrent use,
// though frames are expected to arrive from a single pipeline goroutine.
type session struct {
	mu sync.Mutex

	frameBytes       int
	speechThreshold  float64
	silenceThreshold float64
	referenceRMS     float64
	attackFrames     int
	releaseFrames    int

	speaking   bool
	speechRun  int
	silenceRun int
	closed     bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.VADEvent{}, fmt.Errorf("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: expected %d-byte frame, got %d", s.frameBytes, len(frame))
	}

	prob := rms(frame) / s.referenceRMS
	if prob > 1 {
		prob = 1
	}
	ev := types.VADEvent{Probability: prob}

	if s.speaking {
		if prob <= s.silenceThreshold {
			s.silenceRun++
			if s.silenceRun >= s.releaseFrames {
				s.speaking = false
				s.speechRun = 0
				s.silenceRun = 0
				ev.Type = types.VADSpeechEnd
				return ev, nil
			}
		} else {
			s.silenceRun = 0
		}
		ev.Type = types.VADSpeechContinue
		return ev, nil
	}

	if prob >= s.speechThreshold {
		s.speechRun++
		if s.speechRun >= s.attackFrames {
			s.speaking = true
			s.speechRun = 0
			ev.Type = types.VADSpeechStart
			return ev, nil
		}
	} else {
		s.speechRun = 0
	}
	ev.Type = types.VADSilence
	return ev, nil
}

// Reset implements vad.SessionHandle by clearing the segment state. The
// session remains usable.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.speaking = false
	s.speechRun = 0
	s.silenceRun = 0
}

// Close implements vad.SessionHandle. Subsequent ProcessFrame calls return an
// error. Calling Close more than once is safe.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// rms returns the root-mean-square amplitude of 16-bit little-endian PCM,
// in the same units as sample values (0–32767).
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
