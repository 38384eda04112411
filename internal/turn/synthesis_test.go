package turn

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/parleyhq/parley/pkg/provider/tts"
	ttsmock "github.com/parleyhq/parley/pkg/provider/tts/mock"
	"github.com/parleyhq/parley/pkg/types"
)

// stallingTTS emits one PCM chunk and then goes silent until its stream
// context is cancelled.
type stallingTTS struct{}

func (stallingTTS) SynthesizeStream(ctx context.Context, text <-chan string, _ types.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 1)
	out <- []byte("first")
	go func() {
		defer close(out)
		go func() {
			for range text {
			}
		}()
		<-ctx.Done()
	}()
	return out, nil
}

func (stallingTTS) Synthesize(context.Context, string, types.VoiceProfile) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (stallingTTS) ListVoices(context.Context) ([]types.VoiceProfile, error) { return nil, nil }

func (stallingTTS) CloneVoice(context.Context, [][]byte) (*types.VoiceProfile, error) {
	return nil, errors.New("not implemented")
}

var _ tts.Provider = stallingTTS{}

func TestSpeakStreamingPath(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{[]byte("ab"), []byte("cd")}}
	s := NewSynthesizer(p, types.VoiceProfile{ID: "v1"})

	h, err := s.Speak(context.Background(), "First sentence. Second one!")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if got := collectAudio(t, h); string(got) != "abcd" {
		t.Errorf("audio = %q, want %q", got, "abcd")
	}
	if h.SampleRate != 48000 || h.Channels != 2 {
		t.Errorf("format = %d/%d, want 48000/2", h.SampleRate, h.Channels)
	}
	if got := p.StreamCount(); got != 1 {
		t.Errorf("SynthesizeStream calls = %d, want 1", got)
	}
	if got := p.SynthesizeCount(); got != 0 {
		t.Errorf("Synthesize calls = %d, want 0 on the streaming path", got)
	}
}

func TestSpeakFallsBackToSingleShot(t *testing.T) {
	attempts := 0
	p := &ttsmock.Provider{
		SynthesizeStreamErr: errors.New("stream refused"),
		SynthesizeFunc: func(ctx context.Context, text string, voice types.VoiceProfile) ([]byte, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient")
			}
			return []byte("pcm"), nil
		},
	}
	s := NewSynthesizer(p, types.VoiceProfile{ID: "v1"}, WithTTSRetries(1))

	h, err := s.Speak(context.Background(), "Hello there.")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}
	if got := collectAudio(t, h); string(got) != "pcm" {
		t.Errorf("audio = %q, want %q", got, "pcm")
	}
	if attempts != 2 {
		t.Errorf("single-shot attempts = %d, want 2", attempts)
	}
}

// A provider that goes silent mid-stream does not hang the turn: the audio
// channel closes after the configured timeout with whatever was produced.
func TestSpeakStalledStreamTruncatesAudio(t *testing.T) {
	s := NewSynthesizer(stallingTTS{}, types.VoiceProfile{ID: "v1"},
		WithSynthesisTimeout(30*time.Millisecond))

	h, err := s.Speak(context.Background(), "A reply that will be cut short.")
	if err != nil {
		t.Fatalf("Speak() error = %v", err)
	}

	done := make(chan []byte, 1)
	go func() {
		var out []byte
		for chunk := range h.PCM {
			out = append(out, chunk...)
		}
		done <- out
	}()

	select {
	case got := <-done:
		if string(got) != "first" {
			t.Errorf("audio = %q, want the chunks produced before the stall", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("PCM channel never closed after the provider stalled")
	}
}

func TestSpeakAllPathsFail(t *testing.T) {
	p := &ttsmock.Provider{
		SynthesizeStreamErr: errors.New("stream refused"),
		SynthesizeErr:       errors.New("voice down"),
	}
	s := NewSynthesizer(p, types.VoiceProfile{ID: "v1"}, WithTTSRetries(1))

	if _, err := s.Speak(context.Background(), "Hello."); err == nil {
		t.Fatal("Speak() error = nil, want failure after exhausted retries")
	}
	if got := p.SynthesizeCount(); got != 2 {
		t.Errorf("single-shot attempts = %d, want 2", got)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"One. Two! Three?", []string{"One.", "Two!", "Three?"}},
		{"No boundary here", []string{"No boundary here"}},
		{"Trailing period.", []string{"Trailing period."}},
		{"Dr. Who called. Really!", []string{"Dr.", "Who called.", "Really!"}},
		{"", nil},
	}
	for _, tt := range tests {
		if got := splitSentences(tt.text); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitSentences(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
