// Package room provides a [transport.Adapter] implementation backed by a
// Parley room gateway over WebSocket. The gateway multiplexes voice rooms:
// each participant dials a per-room endpoint, authenticates with a signed
// access token, and exchanges raw PCM audio as binary WebSocket messages.
//
// Text messages carry JSON control envelopes (join acknowledgement, server
// disconnect notices, leave). Binary messages carry interleaved little-endian
// 16-bit PCM in the format negotiated at join time.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/parleyhq/parley/pkg/audio"
	"github.com/parleyhq/parley/pkg/transport"
	"github.com/parleyhq/parley/pkg/types"
)

// Compile-time interface assertions.
var (
	_ transport.Adapter = (*Adapter)(nil)
	_ transport.Conn    = (*conn)(nil)
)

const (
	defaultSampleRate = 48000
	defaultChannels   = 1

	incomingBuffer = 64
)

// Control message types exchanged as JSON text frames.
const (
	msgJoined     = "joined"
	msgDisconnect = "disconnect"
	msgLeave      = "leave"
)

// controlMessage is the JSON envelope for text frames on the gateway socket.
type controlMessage struct {
	Type       string `json:"type"`
	Room       string `json:"room,omitempty"`
	Reason     string `json:"reason,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Option is a functional option for configuring the room [Adapter].
type Option func(*Adapter)

// WithSampleRate sets the PCM sample rate requested at join time.
// Defaults to 48000 Hz.
func WithSampleRate(rate int) Option {
	return func(a *Adapter) {
		a.sampleRate = rate
	}
}

// WithChannels sets the PCM channel count requested at join time.
// Defaults to 1 (mono).
func WithChannels(channels int) Option {
	return func(a *Adapter) {
		a.channels = channels
	}
}

// Adapter implements [transport.Adapter] against a Parley room gateway.
// Each call to [Adapter.Join] mints a fresh access token, dials the room's
// WebSocket endpoint, and returns a live [transport.Conn].
//
// Adapter is safe for concurrent use.
type Adapter struct {
	gatewayURL string
	minter     *TokenMinter
	sampleRate int
	channels   int
}

// New creates a room Adapter for the gateway at gatewayURL (ws://, wss://,
// http:// or https://). The minter signs the access tokens presented when
// joining rooms.
func New(gatewayURL string, minter *TokenMinter, opts ...Option) (*Adapter, error) {
	if gatewayURL == "" {
		return nil, errors.New("room: gatewayURL must not be empty")
	}
	if minter == nil {
		return nil, errors.New("room: minter must not be nil")
	}
	if _, err := url.Parse(gatewayURL); err != nil {
		return nil, fmt.Errorf("room: parse gatewayURL: %w", err)
	}
	a := &Adapter{
		gatewayURL: gatewayURL,
		minter:     minter,
		sampleRate: defaultSampleRate,
		channels:   defaultChannels,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Join implements [transport.Adapter]. It dials the room endpoint, waits for
// the gateway's join acknowledgement, and returns the connection. The supplied
// ctx governs the dial and handshake only; the returned Conn lives until
// [transport.Conn.Leave] is called or the gateway drops it.
func (a *Adapter) Join(ctx context.Context, roomID, identity string) (transport.Conn, error) {
	joinURL, err := a.buildJoinURL(roomID, identity)
	if err != nil {
		return nil, err
	}

	token, err := a.minter.Mint(roomID, identity)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	ws, _, err := websocket.Dial(ctx, joinURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("room: dial %q: %w", roomID, err)
	}

	c := newConn(ws, a.sampleRate, a.channels)
	if err := c.awaitJoined(ctx); err != nil {
		ws.Close(websocket.StatusProtocolError, "join handshake failed")
		return nil, err
	}

	go c.readLoop()
	return c, nil
}

// buildJoinURL constructs the per-room WebSocket endpoint URL.
func (a *Adapter) buildJoinURL(roomID, identity string) (string, error) {
	if roomID == "" {
		return "", errors.New("room: roomID must not be empty")
	}
	if identity == "" {
		return "", errors.New("room: identity must not be empty")
	}

	u, err := url.Parse(a.gatewayURL)
	if err != nil {
		return "", fmt.Errorf("room: parse gatewayURL: %w", err)
	}
	u = u.JoinPath("rooms", roomID, "ws")

	q := u.Query()
	q.Set("identity", identity)
	q.Set("sample_rate", strconv.Itoa(a.sampleRate))
	q.Set("channels", strconv.Itoa(a.channels))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── conn ─────────────────────────────────────────────────────────────────────

// conn is a live gateway room connection. It implements [transport.Conn].
type conn struct {
	ws *websocket.Conn

	sampleRate int
	channels   int
	conv       audio.FormatConverter

	incoming chan types.AudioFrame

	cbMu      sync.Mutex
	callbacks []func(reason string)
	notified  bool

	// samplesRecv counts per-channel samples received, for frame timestamps.
	samplesRecv int64

	localLeave atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

func newConn(ws *websocket.Conn, sampleRate, channels int) *conn {
	return &conn{
		ws:         ws,
		sampleRate: sampleRate,
		channels:   channels,
		conv:       audio.FormatConverter{Target: audio.Format{SampleRate: sampleRate, Channels: channels}},
		incoming:   make(chan types.AudioFrame, incomingBuffer),
		done:       make(chan struct{}),
	}
}

// awaitJoined reads the gateway's first message and validates the join
// acknowledgement. The gateway may override the negotiated audio format.
func (c *conn) awaitJoined(ctx context.Context) error {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return fmt.Errorf("room: read join ack: %w", err)
	}
	if typ != websocket.MessageText {
		return errors.New("room: expected join ack, got binary frame")
	}

	msg, ok := parseControlMessage(data)
	if !ok || msg.Type != msgJoined {
		return fmt.Errorf("room: expected %q ack, got %q", msgJoined, msg.Type)
	}

	if msg.SampleRate > 0 {
		c.sampleRate = msg.SampleRate
	}
	if msg.Channels > 0 {
		c.channels = msg.Channels
	}
	c.conv = audio.FormatConverter{Target: audio.Format{SampleRate: c.sampleRate, Channels: c.channels}}
	return nil
}

// SubscribeAudio implements [transport.Conn].
func (c *conn) SubscribeAudio() <-chan types.AudioFrame {
	return c.incoming
}

// PublishAudio implements [transport.Conn]. Frames are converted to the
// negotiated format and written as binary messages. Blocks until the frames
// channel is closed, ctx is cancelled, or the connection fails.
func (c *conn) PublishAudio(ctx context.Context, frames <-chan types.AudioFrame) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return errors.New("room: connection is closed")
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			frame = c.conv.Convert(frame)
			if len(frame.Data) == 0 {
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageBinary, frame.Data); err != nil {
				return fmt.Errorf("room: publish audio: %w", err)
			}
		}
	}
}

// OnDisconnected implements [transport.Conn]. Callbacks fire at most once,
// and never for a locally initiated [conn.Leave].
func (c *conn) OnDisconnected(cb func(reason string)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// Ping implements [transport.Conn] via a WebSocket ping round trip.
func (c *conn) Ping(ctx context.Context) error {
	select {
	case <-c.done:
		return errors.New("room: connection is closed")
	default:
	}
	if err := c.ws.Ping(ctx); err != nil {
		return fmt.Errorf("room: ping: %w", err)
	}
	return nil
}

// Leave implements [transport.Conn]. It notifies the gateway, closes the
// socket, and suppresses disconnect callbacks. Safe to call more than once.
func (c *conn) Leave(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.localLeave.Store(true)
		close(c.done)

		// Best-effort leave notice so the gateway can free the slot promptly.
		notice, _ := json.Marshal(controlMessage{Type: msgLeave})
		writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = c.ws.Write(writeCtx, websocket.MessageText, notice)
		cancel()

		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "left room")
	})
	return c.closeErr
}

// readLoop receives gateway messages until the socket closes. Binary frames
// become [types.AudioFrame] values on the incoming channel; control messages
// are handled inline.
func (c *conn) readLoop() {
	defer close(c.incoming)

	for {
		typ, data, err := c.ws.Read(context.Background())
		if err != nil {
			if !c.localLeave.Load() {
				c.emitDisconnected(closeReason(err))
			}
			return
		}

		switch typ {
		case websocket.MessageBinary:
			frame := c.frameFromPCM(data)
			select {
			case c.incoming <- frame:
			default:
				// Consumer is behind — drop rather than block the socket.
			}
		case websocket.MessageText:
			msg, ok := parseControlMessage(data)
			if !ok {
				continue
			}
			if msg.Type == msgDisconnect {
				c.emitDisconnected(msg.Reason)
				return
			}
		}
	}
}

// frameFromPCM wraps raw PCM bytes in an AudioFrame, timestamped by the
// running sample count.
func (c *conn) frameFromPCM(data []byte) types.AudioFrame {
	ts := time.Duration(c.samplesRecv) * time.Second / time.Duration(c.sampleRate)
	if c.channels > 0 {
		c.samplesRecv += int64(len(data) / 2 / c.channels)
	}
	return types.AudioFrame{
		Data:       data,
		SampleRate: c.sampleRate,
		Channels:   c.channels,
		Timestamp:  ts,
	}
}

// emitDisconnected invokes the registered callbacks exactly once.
func (c *conn) emitDisconnected(reason string) {
	c.cbMu.Lock()
	if c.notified {
		c.cbMu.Unlock()
		return
	}
	c.notified = true
	cbs := make([]func(string), len(c.callbacks))
	copy(cbs, c.callbacks)
	c.cbMu.Unlock()

	if reason == "" {
		reason = "connection lost"
	}
	for _, cb := range cbs {
		cb(reason)
	}
}

// parseControlMessage parses a JSON control envelope.
// Returns (zero, false) if the payload is not a control message.
func parseControlMessage(data []byte) (controlMessage, bool) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, false
	}
	if msg.Type == "" {
		return controlMessage{}, false
	}
	return msg, true
}

// closeReason extracts a human-readable reason from a websocket read error.
func closeReason(err error) string {
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Reason != "" {
		return ce.Reason
	}
	return err.Error()
}
