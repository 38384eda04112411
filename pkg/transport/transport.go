// Package transport defines the interfaces for real-time media session
// connectivity within Parley.
//
// The two primary abstractions are:
//
//   - [Adapter] — joins a room on behalf of an agent identity and returns a [Conn].
//   - [Conn] — represents one live media session: subscribed participant audio,
//     an audio publishing path, disconnect signaling, and teardown.
//
// Implementations of these interfaces are provided by platform-specific
// adapter packages (e.g., transport/room for the WebSocket room gateway,
// transport/discord for Discord voice channels). The interfaces are
// intentionally narrow so the session supervisor stays decoupled from
// provider details.
//
// This package lives under pkg/ because external code (third-party media
// platform adapters) is expected to implement [Adapter] and [Conn].
package transport

import (
	"context"

	"github.com/parleyhq/parley/pkg/types"
)

// Adapter is the entry point for a media platform.
// Implementations wrap provider-specific SDKs or protocols and expose a
// uniform [Conn] abstraction.
//
// Implementations must be safe for concurrent use; a single Adapter may be
// asked to join many rooms, one Conn each.
type Adapter interface {
	// Join connects to the room identified by roomID as the given participant
	// identity and returns an active [Conn]. The supplied ctx governs the
	// lifetime of the join attempt only; once joined, the Conn remains alive
	// until [Conn.Leave] is called or the platform drops it.
	//
	// Returns an error if the session cannot be established (auth failure,
	// unknown room, network error, join timeout via ctx).
	Join(ctx context.Context, roomID, identity string) (Conn, error)
}

// Conn represents one active media session in a room.
//
// A Conn is obtained from [Adapter.Join] and remains valid until
// [Conn.Leave] is called or the platform signals a disconnect via the
// [Conn.OnDisconnected] callback. All channels returned by Conn methods are
// closed automatically when the session terminates.
//
// Implementations must be safe for concurrent use.
type Conn interface {
	// SubscribeAudio returns the read-only channel delivering audio frames
	// captured from the remote participant. The channel is closed when the
	// session terminates. Repeated calls return the same channel.
	SubscribeAudio() <-chan types.AudioFrame

	// PublishAudio forwards frames to the room until the frames channel is
	// closed or ctx is cancelled. It blocks until all frames have been handed
	// to the platform, which makes it a natural synchronization point for
	// calls that must wait for playback to finish.
	//
	// Returns a non-nil error when the platform rejects the stream or the
	// session drops mid-publish. A ctx cancellation returns ctx.Err(); frames
	// still buffered are discarded.
	PublishAudio(ctx context.Context, frames <-chan types.AudioFrame) error

	// OnDisconnected registers cb to be invoked when the platform drops the
	// session without an explicit Leave (network loss, server-side eviction).
	// Only one callback may be registered at a time; subsequent calls replace
	// the previous registration. The callback runs on an internal goroutine —
	// it must not block.
	//
	// The callback is NOT invoked for a local [Conn.Leave].
	OnDisconnected(cb func(reason string))

	// Ping verifies the session is still reachable end to end. Used by the
	// supervisor's health re-checks. Returns an error when the session is
	// unhealthy or ctx expires first.
	Ping(ctx context.Context) error

	// Leave cleanly tears down the session, unpublishes audio, and closes all
	// channels. It is safe to call Leave more than once; subsequent calls are
	// no-ops and return nil.
	Leave(ctx context.Context) error
}
