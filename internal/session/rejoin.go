package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/pkg/transport"
)

// Default rejoin parameters.
const (
	defaultRejoinAttempts = 10
	defaultRejoinBackoff  = 1 * time.Second
	defaultRejoinMax      = 30 * time.Second
)

// Rejoiner re-establishes a dropped room session with bounded exponential
// backoff. The supervisor calls [Rejoiner.Rejoin] from its Reconnecting
// state; an exhausted attempt budget is the signal to terminate the session.
//
// Rejoiner carries no mutable state and is safe for concurrent use, though
// one session only ever runs one rejoin cycle at a time.
type Rejoiner struct {
	adapter     transport.Adapter
	roomID      string
	identity    string
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
}

// RejoinerConfig configures a [Rejoiner].
type RejoinerConfig struct {
	// Adapter is the transport used to re-establish the session.
	Adapter transport.Adapter

	// RoomID is the room to rejoin.
	RoomID string

	// Identity is the participant identity to rejoin as.
	Identity string

	// MaxAttempts is the rejoin attempt budget. Defaults to 10 if zero.
	MaxAttempts int

	// Backoff is the wait after the first failed attempt. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the backoff duration. Defaults to 30s
	// if zero.
	MaxBackoff time.Duration
}

// NewRejoiner creates a new [Rejoiner] with the given configuration.
func NewRejoiner(cfg RejoinerConfig) *Rejoiner {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultRejoinAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultRejoinBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultRejoinMax
	}
	return &Rejoiner{
		adapter:     cfg.Adapter,
		roomID:      cfg.RoomID,
		identity:    cfg.Identity,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		maxBackoff:  maxBackoff,
	}
}

// Rejoin attempts to re-establish the room session, doubling the wait
// between attempts. It returns the new connection on success, ctx.Err() if
// cancelled mid-cycle, or a [*TransportError] once the budget is exhausted.
func (r *Rejoiner) Rejoin(ctx context.Context) (transport.Conn, error) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slog.Info("attempting rejoin",
			"room_id", r.roomID,
			"attempt", attempt,
			"max_attempts", r.maxAttempts,
			"backoff", currentBackoff,
		)

		conn, err := r.adapter.Join(ctx, r.roomID, r.identity)
		if err == nil {
			slog.Info("rejoin successful",
				"room_id", r.roomID,
				"attempt", attempt,
			)
			return conn, nil
		}
		lastErr = err

		slog.Warn("rejoin attempt failed",
			"room_id", r.roomID,
			"attempt", attempt,
			"error", err,
		)

		if attempt == r.maxAttempts {
			break
		}

		// Wait before retrying.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(currentBackoff):
		}

		// Exponential backoff.
		currentBackoff *= 2
		if currentBackoff > r.maxBackoff {
			currentBackoff = r.maxBackoff
		}
	}

	slog.Error("rejoin failed after max attempts",
		"room_id", r.roomID,
		"max_attempts", r.maxAttempts,
	)
	return nil, &TransportError{
		RoomID: r.roomID,
		Op:     "rejoin",
		Err:    fmt.Errorf("%d attempts exhausted: %w", r.maxAttempts, lastErr),
	}
}
