package discord

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/parleyhq/parley/pkg/types"
)

// ─── test helpers ─────────────────────────────────────────────────────────────

// newTestConn creates a Conn suitable for unit testing without a real Discord
// voice connection. It wires up fake OpusSend/OpusRecv channels.
func newTestConn(t *testing.T) *Conn {
	t.Helper()
	vc := &discordgo.VoiceConnection{
		OpusSend: make(chan []byte, 16),
		OpusRecv: make(chan *discordgo.Packet, 16),
	}
	c, err := newConn(vc)
	if err != nil {
		t.Fatalf("newConn: %v", err)
	}
	c.disconnectVC = func() error { return nil } // no-op for tests
	t.Cleanup(func() { _ = c.Leave(context.Background()) })
	return c
}

// silenceOpus is a valid Opus silence frame (3 bytes).
var silenceOpus = []byte{0xF8, 0xFF, 0xFE}

// ─── Adapter tests ────────────────────────────────────────────────────────────

func TestNewAdapter(t *testing.T) {
	t.Parallel()

	s := &discordgo.Session{}
	a := New(s, "guild-123")
	if a == nil {
		t.Fatal("New returned nil")
	}
	if a.session != s {
		t.Error("session not stored correctly")
	}
	if a.guildID != "guild-123" {
		t.Errorf("guildID = %q, want %q", a.guildID, "guild-123")
	}
}

// ─── Conn tests ───────────────────────────────────────────────────────────────

// TestConn_LeaveIdempotent verifies that Leave can be called multiple times
// without panicking and returns nil on subsequent calls.
func TestConn_LeaveIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)
	for i := range 3 {
		err := c.Leave(context.Background())
		if i > 0 && err != nil {
			t.Fatalf("Leave[%d]: unexpected error: %v", i, err)
		}
	}
}

// TestConn_RecvMergesParticipants verifies that packets from different SSRCs
// are decoded and merged onto the single subscribe channel.
func TestConn_RecvMergesParticipants(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)

	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 100, Opus: silenceOpus}
	c.vc.OpusRecv <- &discordgo.Packet{SSRC: 200, Opus: silenceOpus}

	audioIn := c.SubscribeAudio()
	for i := range 2 {
		select {
		case frame := <-audioIn:
			if frame.SampleRate != opusSampleRate {
				t.Errorf("frame[%d]: SampleRate = %d, want %d", i, frame.SampleRate, opusSampleRate)
			}
			if frame.Channels != opusChannels {
				t.Errorf("frame[%d]: Channels = %d, want %d", i, frame.Channels, opusChannels)
			}
			if len(frame.Data) == 0 {
				t.Errorf("frame[%d]: data is empty", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for frame %d", i)
		}
	}
}

// TestConn_PublishEncodes verifies that published PCM frames are encoded to
// Opus and appear on OpusSend, and that PublishAudio returns once the frames
// channel closes.
func TestConn_PublishEncodes(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)

	// Exactly one Opus frame of PCM: 960 samples * 2 channels * 2 bytes.
	pcmSize := opusFrameSize * opusChannels * 2
	frames := make(chan types.AudioFrame, 1)
	frames <- types.AudioFrame{
		Data:       make([]byte, pcmSize),
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
	}
	close(frames)

	errCh := make(chan error, 1)
	go func() { errCh <- c.PublishAudio(context.Background(), frames) }()

	select {
	case opus := <-c.vc.OpusSend:
		if len(opus) == 0 {
			t.Error("OpusSend: received empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Opus packet on OpusSend")
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("PublishAudio: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("PublishAudio did not return after frames channel closed")
	}
}

// TestConn_PublishPadsFinalFrame verifies that a trailing partial frame is
// padded with silence and still transmitted.
func TestConn_PublishPadsFinalFrame(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)

	// Half an Opus frame worth of PCM.
	pcmSize := opusFrameSize * opusChannels // half of the full frame byte size
	frames := make(chan types.AudioFrame, 1)
	frames <- types.AudioFrame{
		Data:       make([]byte, pcmSize),
		SampleRate: opusSampleRate,
		Channels:   opusChannels,
	}
	close(frames)

	if err := c.PublishAudio(context.Background(), frames); err != nil {
		t.Fatalf("PublishAudio: %v", err)
	}

	select {
	case opus := <-c.vc.OpusSend:
		if len(opus) == 0 {
			t.Error("OpusSend: received empty Opus packet")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for padded Opus packet")
	}
}

// TestConn_PublishCancelled verifies that PublishAudio honours context
// cancellation while waiting for frames.
func TestConn_PublishCancelled(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan types.AudioFrame) // never written, never closed

	errCh := make(chan error, 1)
	go func() { errCh <- c.PublishAudio(ctx, frames) }()

	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("PublishAudio: expected context error, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("PublishAudio did not return after cancellation")
	}
}

// TestConn_DisconnectCallback verifies that closing the Opus receive stream
// fires registered disconnect callbacks exactly once.
func TestConn_DisconnectCallback(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)

	reasons := make(chan string, 2)
	c.OnDisconnected(func(reason string) { reasons <- reason })

	close(c.vc.OpusRecv)

	select {
	case reason := <-reasons:
		if reason != "voice stream closed" {
			t.Errorf("reason = %q, want %q", reason, "voice stream closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}

	// No second invocation.
	select {
	case reason := <-reasons:
		t.Errorf("disconnect callback fired twice, second reason: %q", reason)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

// TestConn_LeaveSuppressesCallback verifies that a locally initiated Leave
// does not fire disconnect callbacks.
func TestConn_LeaveSuppressesCallback(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)

	fired := make(chan string, 1)
	c.OnDisconnected(func(reason string) { fired <- reason })

	if err := c.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	close(c.vc.OpusRecv)

	select {
	case reason := <-fired:
		t.Errorf("disconnect callback fired after local Leave, reason: %q", reason)
	case <-time.After(100 * time.Millisecond):
		// expected
	}
}

// TestConn_PingNotReady verifies that Ping reports an error while the voice
// connection is not ready.
func TestConn_PingNotReady(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping: expected error for not-ready voice connection, got nil")
	}

	c.vc.Lock()
	c.vc.Ready = true
	c.vc.Unlock()
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping after ready: %v", err)
	}
}

// TestConn_ConcurrentLeave exercises Leave from multiple goroutines to verify
// thread safety (run with -race).
func TestConn_ConcurrentLeave(t *testing.T) {
	t.Parallel()

	c := newTestConn(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			_ = c.Leave(context.Background())
		})
	}
	wg.Wait()
}
