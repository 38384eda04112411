// Package gateway is the tool/memory gateway between the turn orchestrator
// and the MCP host.
//
// The gateway owns per-call timeout policy: every invocation runs under a
// bounded deadline derived from the tool's declared latency hints, clamped by
// the caller's override. Transport failures and deadline expiries come back
// as a [*ToolError] so the orchestrator can tell a failed tool call apart
// from a failed reasoning step and spend its retry budget accordingly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/mcp"
	"github.com/parleyhq/parley/pkg/types"
)

// DefaultTimeout bounds a tool invocation when neither the caller nor the
// tool's declared latency hints provide one.
const DefaultTimeout = 10 * time.Second

// ToolError describes a failed tool invocation. It wraps the underlying
// transport or protocol error and records whether the call timed out, so
// callers can branch with errors.As.
type ToolError struct {
	// Tool is the name of the tool that failed.
	Tool string

	// Timeout is true when the call exceeded its deadline.
	Timeout bool

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("gateway: tool %q timed out: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("gateway: tool %q failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error { return e.Err }

// Gateway executes tool calls against an MCP host with bounded timeouts.
// It is safe for concurrent use, though within one session the orchestrator
// invokes tools strictly sequentially.
type Gateway struct {
	host    mcp.Host
	timeout time.Duration
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithDefaultTimeout overrides the fallback invocation timeout used when a
// tool declares no latency hints.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// New creates a Gateway over host.
func New(host mcp.Host, opts ...Option) *Gateway {
	g := &Gateway{host: host, timeout: DefaultTimeout}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Tools returns the catalogue of tool definitions available for LLM prompts,
// ordered fastest first by the host.
func (g *Gateway) Tools() []types.ToolDefinition {
	if g.host == nil {
		return nil
	}
	return g.host.Tools()
}

// Invoke runs the named tool with JSON-encoded args. The call is bounded by
// timeout; a zero timeout falls back to the tool's declared MaxDurationMs and
// finally to the gateway default.
//
// A non-nil *mcp.ToolResult with IsError set is a successful invocation whose
// tool reported an application-level error; the orchestrator folds it into
// the conversation instead of retrying. A returned *ToolError means the call
// itself failed (transport, protocol, or deadline).
func (g *Gateway) Invoke(ctx context.Context, name, args string, timeout time.Duration) (*mcp.ToolResult, error) {
	if g.host == nil {
		return nil, &ToolError{Tool: name, Err: errors.New("no tool host configured")}
	}
	if timeout <= 0 {
		timeout = g.declaredTimeout(name)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := g.host.ExecuteTool(callCtx, name, args)
	if err != nil {
		return nil, &ToolError{
			Tool:    name,
			Timeout: errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded,
			Err:     err,
		}
	}
	return result, nil
}

// declaredTimeout derives a timeout from the tool's declared p99 bound,
// falling back to the gateway default when the tool is unknown or silent.
func (g *Gateway) declaredTimeout(name string) time.Duration {
	for _, def := range g.host.Tools() {
		if def.Name != name {
			continue
		}
		if def.MaxDurationMs > 0 {
			return time.Duration(def.MaxDurationMs) * time.Millisecond
		}
		break
	}
	return g.timeout
}
