package discord

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/parleyhq/parley/pkg/audio"
	"github.com/parleyhq/parley/pkg/transport"
	"github.com/parleyhq/parley/pkg/types"
)

// Compile-time interface assertion.
var _ transport.Conn = (*Conn)(nil)

const incomingBuffer = 64

// Conn wraps a discordgo.VoiceConnection and adapts it to the
// [transport.Conn] interface. Incoming Opus packets from all participants
// are decoded to PCM and merged, in arrival order, onto a single subscribe
// channel. Outgoing PCM frames are encoded to Opus for transmission.
//
// Conn is safe for concurrent use.
type Conn struct {
	vc   *discordgo.VoiceConnection
	enc  *opusEncoder
	conv audio.FormatConverter

	incoming chan types.AudioFrame

	// pubMu serialises PublishAudio calls; Discord carries one outbound
	// speech stream per bot.
	pubMu sync.Mutex

	cbMu      sync.Mutex
	callbacks []func(reason string)
	notified  bool

	localLeave atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once

	// disconnectVC is called during Leave to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error
}

// newConn initialises a Conn for an already-joined voice channel and starts
// the receive loop.
func newConn(vc *discordgo.VoiceConnection) (*Conn, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	c := &Conn{
		vc:           vc,
		enc:          enc,
		conv:         audio.FormatConverter{Target: audio.Format{SampleRate: opusSampleRate, Channels: opusChannels}},
		incoming:     make(chan types.AudioFrame, incomingBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
	}
	go c.recvLoop()
	return c, nil
}

// SubscribeAudio implements [transport.Conn]. All participants' decoded
// audio arrives merged on the returned channel.
func (c *Conn) SubscribeAudio() <-chan types.AudioFrame {
	return c.incoming
}

// PublishAudio implements [transport.Conn]. Frames are converted to
// Discord's 48 kHz stereo format, packed into exact Opus frame sizes, and
// sent until the frames channel closes. The final partial frame is padded
// with silence so the tail of the utterance is not cut off.
func (c *Conn) PublishAudio(ctx context.Context, frames <-chan types.AudioFrame) error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	select {
	case <-c.done:
		return errors.New("discord: connection is closed")
	default:
	}

	c.setSpeaking(true)
	defer c.setSpeaking(false)

	// frameBytes is the exact PCM input size for one Opus frame:
	// 960 samples/channel × 2 channels × 2 bytes/sample = 3840 bytes.
	const frameBytes = opusFrameSize * opusChannels * 2

	var buf []byte

	flush := func() error {
		for len(buf) >= frameBytes {
			pkt, err := c.enc.encode(buf[:frameBytes])
			buf = buf[frameBytes:]
			if err != nil {
				slog.Warn("discord: opus encode error", "error", err)
				continue
			}
			select {
			case c.vc.OpusSend <- pkt:
			case <-ctx.Done():
				return ctx.Err()
			case <-c.done:
				return errors.New("discord: connection is closed")
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errors.New("discord: connection is closed")
		case frame, ok := <-frames:
			if !ok {
				if rem := len(buf) % frameBytes; rem != 0 {
					buf = append(buf, make([]byte, frameBytes-rem)...)
				}
				return flush()
			}
			frame = c.conv.Convert(frame)
			buf = append(buf, frame.Data...)
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// OnDisconnected implements [transport.Conn]. Callbacks fire at most once,
// and never for a locally initiated [Conn.Leave].
func (c *Conn) OnDisconnected(cb func(reason string)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Ping implements [transport.Conn] by checking the voice connection's ready
// state. Discord voice has no application-level ping, so this detects a
// degraded websocket rather than measuring latency.
func (c *Conn) Ping(_ context.Context) error {
	select {
	case <-c.done:
		return errors.New("discord: connection is closed")
	default:
	}
	c.vc.RLock()
	ready := c.vc.Ready
	c.vc.RUnlock()
	if !ready {
		return errors.New("discord: voice connection is not ready")
	}
	return nil
}

// Leave implements [transport.Conn]. It tears down the voice connection and
// suppresses disconnect callbacks. Safe to call more than once; subsequent
// calls return nil.
func (c *Conn) Leave(_ context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.localLeave.Store(true)
		close(c.done)
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// recvLoop reads Opus packets from the voice connection, decodes them with
// a per-SSRC decoder, and merges the PCM frames onto the incoming channel.
func (c *Conn) recvLoop() {
	defer close(c.incoming)

	// Each SSRC gets its own decoder to maintain state across frames.
	decoders := make(map[uint32]*opusDecoder)

	for {
		select {
		case <-c.done:
			return
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				if !c.localLeave.Load() {
					c.emitDisconnected("voice stream closed")
				}
				return
			}
			if pkt == nil {
				continue
			}

			dec, exists := decoders[pkt.SSRC]
			if !exists {
				var err error
				dec, err = newOpusDecoder()
				if err != nil {
					slog.Error("discord: failed to create opus decoder", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = dec
			}

			pcm, err := dec.decode(pkt.Opus)
			if err != nil {
				slog.Warn("discord: opus decode error", "ssrc", pkt.SSRC, "error", err)
				continue
			}

			frame := types.AudioFrame{
				Data:       pcm,
				SampleRate: opusSampleRate,
				Channels:   opusChannels,
				Timestamp:  time.Duration(pkt.Timestamp) * time.Second / time.Duration(opusSampleRate),
			}

			select {
			case c.incoming <- frame:
			default:
				// Consumer is behind — drop frame rather than block.
			}
		}
	}
}

// setSpeaking sends a speaking notification to Discord, logging any errors.
func (c *Conn) setSpeaking(b bool) {
	if err := c.vc.Speaking(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
	}
}

// emitDisconnected invokes the registered callbacks exactly once.
func (c *Conn) emitDisconnected(reason string) {
	c.cbMu.Lock()
	if c.notified {
		c.cbMu.Unlock()
		return
	}
	c.notified = true
	cbs := make([]func(string), len(c.callbacks))
	copy(cbs, c.callbacks)
	c.cbMu.Unlock()

	for _, cb := range cbs {
		cb(reason)
	}
}
