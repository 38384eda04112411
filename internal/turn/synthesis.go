package turn

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/resilience"
	"github.com/parleyhq/parley/pkg/provider/tts"
	"github.com/parleyhq/parley/pkg/types"
)

const (
	// defaultTTSRetries is how many extra single-shot attempts follow a
	// failed synthesis before the turn falls back to text-only.
	defaultTTSRetries = 1

	// defaultTextBuf is the buffer depth of the sentence channel fed to the
	// streaming synthesis path. Sized to hold a typical full reply so the
	// feeder goroutine never blocks on a slow provider.
	defaultTextBuf = 16

	// defaultSynthTimeout bounds how long the provider may go without
	// producing audio — the wait for a single-shot response, or the gap
	// between streamed chunks — before the attempt is cut off.
	defaultSynthTimeout = 30 * time.Second

	// Output format of the synthesised PCM handed to the room transport.
	defaultSampleRate = 48000
	defaultChannels   = 2
)

// Synthesizer converts reply text into an [AudioHandle]. The primary path
// streams the reply sentence-by-sentence into the provider so playback can
// start before the full reply is synthesised; when the stream cannot be
// started, a single-shot request with a bounded retry takes over.
type Synthesizer struct {
	provider   tts.Provider
	voice      types.VoiceProfile
	retries    int
	baseDelay  time.Duration
	timeout    time.Duration
	textBuf    int
	sampleRate int
	channels   int
	logger     *slog.Logger
}

// SynthOption configures a [Synthesizer].
type SynthOption func(*Synthesizer)

// WithTTSRetries sets how many extra single-shot attempts follow a failed
// synthesis. Default is 1.
func WithTTSRetries(n int) SynthOption {
	return func(s *Synthesizer) {
		if n >= 0 {
			s.retries = n
		}
	}
}

// WithSynthesisTimeout sets how long the provider may go without producing
// audio before the attempt is cut off. Slow playback does not count against
// the budget, only provider silence. Default is 30s.
func WithSynthesisTimeout(d time.Duration) SynthOption {
	return func(s *Synthesizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithOutputFormat sets the sample rate and channel count stamped onto the
// returned [AudioHandle]. Default is 48 kHz stereo, the room playback format.
func WithOutputFormat(sampleRate, channels int) SynthOption {
	return func(s *Synthesizer) {
		s.sampleRate = sampleRate
		s.channels = channels
	}
}

// WithSynthLogger sets the logger. Default is slog.Default.
func WithSynthLogger(l *slog.Logger) SynthOption {
	return func(s *Synthesizer) { s.logger = l }
}

// NewSynthesizer creates a Synthesizer speaking with the given voice.
func NewSynthesizer(p tts.Provider, voice types.VoiceProfile, opts ...SynthOption) *Synthesizer {
	s := &Synthesizer{
		provider:   p,
		voice:      voice,
		retries:    defaultTTSRetries,
		baseDelay:  200 * time.Millisecond,
		timeout:    defaultSynthTimeout,
		textBuf:    defaultTextBuf,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Speak synthesises reply into audio. It first tries the streaming path,
// feeding the reply one sentence at a time for low first-audio latency. If
// the stream cannot be started it falls back to a single-shot request with
// the configured retry budget. A non-nil error means every attempt failed
// and the turn should complete text-only.
func (s *Synthesizer) Speak(ctx context.Context, reply string) (*AudioHandle, error) {
	sentences := splitSentences(reply)

	sctx, cancel := context.WithCancel(ctx)
	textCh := make(chan string, s.textBuf)
	audioCh, err := s.provider.SynthesizeStream(sctx, textCh, s.voice)
	if err == nil {
		go func() {
			defer close(textCh)
			for _, sentence := range sentences {
				select {
				case textCh <- sentence:
				case <-sctx.Done():
					return
				}
			}
		}()
		return s.handle(s.watch(sctx, cancel, audioCh)), nil
	}
	cancel()
	close(textCh)
	s.logger.Warn("streaming synthesis failed, falling back to single-shot",
		"voice", s.voice.ID,
		"error", err)

	pcm, err := resilience.RetryWithResult(ctx, resilience.RetryConfig{
		Name:        "tts-synthesize",
		MaxAttempts: s.retries + 1,
		BaseDelay:   s.baseDelay,
	}, func(ctx context.Context) ([]byte, error) {
		actx, acancel := context.WithTimeout(ctx, s.timeout)
		defer acancel()
		return s.provider.Synthesize(actx, reply, s.voice)
	})
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, 1)
	out <- pcm
	close(out)
	return s.handle(out), nil
}

// watch forwards streamed audio to the returned channel, bounding how long
// the provider may go without emitting a chunk. The timer covers only the
// wait on the provider; a slow playback consumer does not count against it.
// A stalled provider gets its stream context cancelled and the output
// channel closed, so the reply is truncated instead of pinning the session's
// processor goroutine.
func (s *Synthesizer) watch(ctx context.Context, cancel context.CancelFunc, in <-chan []byte) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer cancel()
		defer close(out)

		stall := time.NewTimer(s.timeout)
		defer stall.Stop()
		for {
			select {
			case pcm, ok := <-in:
				if !stall.Stop() {
					<-stall.C
				}
				if !ok {
					return
				}
				select {
				case out <- pcm:
				case <-ctx.Done():
					go drainAudio(in)
					return
				}
				stall.Reset(s.timeout)
			case <-stall.C:
				s.logger.Warn("synthesis stalled, truncating reply audio",
					"voice", s.voice.ID,
					"timeout", s.timeout)
				go drainAudio(in)
				return
			case <-ctx.Done():
				go drainAudio(in)
				return
			}
		}
	}()
	return out
}

func (s *Synthesizer) handle(pcm <-chan []byte) *AudioHandle {
	return &AudioHandle{PCM: pcm, SampleRate: s.sampleRate, Channels: s.channels}
}

// splitSentences cuts text at sentence boundaries so synthesis can begin on
// the first sentence while the rest is still queued. Text with no boundary
// comes back as a single fragment.
func splitSentences(text string) []string {
	var out []string
	for {
		idx := sentenceBoundary(text)
		if idx < 0 {
			break
		}
		out = append(out, text[:idx+1])
		text = strings.TrimLeft(text[idx+1:], " \t\n\r")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// sentenceBoundary returns the index of the first '.', '!', or '?' that is
// immediately followed by whitespace, or -1 when no boundary exists.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
