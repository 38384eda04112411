package session

import (
	"fmt"

	"github.com/parleyhq/parley/internal/capability"
)

// TransportError describes a failed transport operation. A failed initial
// join or an exhausted rejoin budget terminates the session; every other
// error class is absorbed by degradation or retry.
type TransportError struct {
	// RoomID is the room the operation targeted.
	RoomID string

	// Op names the failed operation: "join", "rejoin", or "publish".
	Op string

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s for room %q failed: %v", e.Op, e.RoomID, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error { return e.Err }

// CapabilityError records a failed capability call. It drives the
// degradation policy through the supervisor's failure counters and never
// terminates the session on its own.
type CapabilityError struct {
	// Capability is the pipeline stage that failed.
	Capability capability.Capability

	// Err is the underlying provider failure.
	Err error
}

// Error implements the error interface.
func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

// Unwrap returns the underlying error.
func (e *CapabilityError) Unwrap() error { return e.Err }
