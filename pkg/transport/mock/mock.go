// Package mock provides in-memory mock implementations of the
// [transport.Adapter] and [transport.Conn] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so
// that tests can assert on call counts and arguments, and they expose
// exported fields that the test can set to control return values.
//
// Typical usage:
//
//	conn := mock.NewConn()
//	adapter := &mock.Adapter{JoinResult: conn}
//	got, err := adapter.Join(ctx, "room-42", "agent-1")
//	conn.EmitDisconnect("network loss")
package mock

import (
	"context"
	"sync"

	"github.com/parleyhq/parley/pkg/transport"
	"github.com/parleyhq/parley/pkg/types"
)

// Compile-time interface assertions.
var (
	_ transport.Adapter = (*Adapter)(nil)
	_ transport.Conn    = (*Conn)(nil)
)

// ─── Conn ─────────────────────────────────────────────────────────────────────

// Conn is a mock implementation of [transport.Conn].
// Create it with [NewConn] so the subscribe channel is initialised.
// Set the exported Error fields before use; inspect the Call* and
// Published* fields after.
type Conn struct {
	mu sync.Mutex

	// Incoming is the channel returned by [Conn.SubscribeAudio]. Tests write
	// frames here to simulate participant speech.
	Incoming chan types.AudioFrame

	// Published collects every frame handed to [Conn.PublishAudio].
	Published []types.AudioFrame

	// PublishError, when non-nil, is returned by PublishAudio after draining
	// the frames channel.
	PublishError error

	// PingError is returned by [Conn.Ping].
	PingError error

	// LeaveError is returned by the first [Conn.Leave] call.
	LeaveError error

	// CallCountPublish records how many times PublishAudio was called.
	CallCountPublish int

	// CallCountPing records how many times Ping was called.
	CallCountPing int

	// CallCountLeave records how many times Leave was called.
	CallCountLeave int

	// DisconnectCallbacks holds the callbacks registered via OnDisconnected,
	// in order of registration.
	DisconnectCallbacks []func(reason string)

	left bool
}

// NewConn returns a mock Conn with a buffered subscribe channel ready for use.
func NewConn() *Conn {
	return &Conn{Incoming: make(chan types.AudioFrame, 64)}
}

// SubscribeAudio implements [transport.Conn]. Returns the Incoming channel.
func (c *Conn) SubscribeAudio() <-chan types.AudioFrame {
	return c.Incoming
}

// PublishAudio implements [transport.Conn]. Drains frames into Published
// until the channel closes or ctx is cancelled, then returns PublishError.
func (c *Conn) PublishAudio(ctx context.Context, frames <-chan types.AudioFrame) error {
	c.mu.Lock()
	c.CallCountPublish++
	c.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				c.mu.Lock()
				err := c.PublishError
				c.mu.Unlock()
				return err
			}
			c.mu.Lock()
			c.Published = append(c.Published, frame)
			c.mu.Unlock()
		}
	}
}

// OnDisconnected implements [transport.Conn]. The callback is appended to
// DisconnectCallbacks. To simulate a platform disconnect in tests, call
// [Conn.EmitDisconnect].
func (c *Conn) OnDisconnected(cb func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DisconnectCallbacks = append(c.DisconnectCallbacks, cb)
}

// Ping implements [transport.Conn]. Returns PingError.
func (c *Conn) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountPing++
	return c.PingError
}

// Leave implements [transport.Conn]. Returns LeaveError on the first call
// and nil on subsequent calls.
func (c *Conn) Leave(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountLeave++
	if c.left {
		return nil
	}
	c.left = true
	return c.LeaveError
}

// EmitDisconnect calls all registered disconnect callbacks with the given
// reason. Use this in tests to simulate the platform dropping the session.
func (c *Conn) EmitDisconnect(reason string) {
	c.mu.Lock()
	cbs := make([]func(string), len(c.DisconnectCallbacks))
	copy(cbs, c.DisconnectCallbacks)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb(reason)
	}
}

// PublishedFrames returns a snapshot of all frames published so far.
func (c *Conn) PublishedFrames() []types.AudioFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.AudioFrame, len(c.Published))
	copy(out, c.Published)
	return out
}

// ─── Adapter ──────────────────────────────────────────────────────────────────

// JoinCall records the arguments of a single [Adapter.Join] invocation.
type JoinCall struct {
	// RoomID is the roomID argument passed to Join.
	RoomID string

	// Identity is the identity argument passed to Join.
	Identity string
}

// Adapter is a mock implementation of [transport.Adapter].
type Adapter struct {
	mu sync.Mutex

	// JoinResult is the [transport.Conn] returned by Join.
	JoinResult transport.Conn

	// JoinError is the error returned by Join.
	JoinError error

	// JoinFunc, when non-nil, overrides JoinResult/JoinError entirely.
	// Useful for fail-N-times-then-succeed rejoin tests.
	JoinFunc func(ctx context.Context, roomID, identity string) (transport.Conn, error)

	// JoinCalls records all Join invocations.
	JoinCalls []JoinCall
}

// Join implements [transport.Adapter]. Records the call and returns
// JoinFunc's result when set, otherwise JoinResult / JoinError.
func (a *Adapter) Join(ctx context.Context, roomID, identity string) (transport.Conn, error) {
	a.mu.Lock()
	a.JoinCalls = append(a.JoinCalls, JoinCall{RoomID: roomID, Identity: identity})
	fn := a.JoinFunc
	a.mu.Unlock()

	if fn != nil {
		return fn(ctx, roomID, identity)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.JoinResult, a.JoinError
}

// JoinCount returns how many times Join has been called.
func (a *Adapter) JoinCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.JoinCalls)
}
