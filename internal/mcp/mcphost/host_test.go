package mcphost

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/mcp"
	"github.com/parleyhq/parley/internal/mcp/tools"
	"github.com/parleyhq/parley/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// echoTool returns a BuiltinTool that echoes its args back as the result.
func echoTool(name string, p50Ms int64) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{
			Name:                name,
			Description:         "echoes args",
			EstimatedDurationMs: int(p50Ms),
		},
		Handler: func(_ context.Context, args string) (string, error) {
			return args, nil
		},
		DeclaredP50: p50Ms,
	}
}

// failTool returns a BuiltinTool that always returns an error.
func failTool(name string, p50Ms int64) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{Name: name, EstimatedDurationMs: int(p50Ms)},
		Handler: func(_ context.Context, _ string) (string, error) {
			return "", fmt.Errorf("always fails")
		},
		DeclaredP50: p50Ms,
	}
}

// slowTool returns a BuiltinTool that sleeps for delay before responding.
func slowTool(name string, delay time.Duration, p50Ms int64) BuiltinTool {
	return BuiltinTool{
		Definition: types.ToolDefinition{Name: name, EstimatedDurationMs: int(p50Ms)},
		Handler: func(ctx context.Context, args string) (string, error) {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
				return "ok", nil
			}
		},
		DeclaredP50: p50Ms,
	}
}

// toolNamed returns the first ToolDefinition with the given name, or nil.
func toolNamed(defs []types.ToolDefinition, name string) *types.ToolDefinition {
	for i := range defs {
		if defs[i].Name == name {
			return &defs[i]
		}
	}
	return nil
}

// healthNamed returns the ToolHealth record with the given name, or nil.
func healthNamed(h *Host, name string) *mcp.ToolHealth {
	for _, th := range h.Health() {
		if th.Name == name {
			return &th
		}
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────────────────────────────────

// TestRegisterBuiltin verifies that a registered built-in tool appears in the
// catalogue.
func TestRegisterBuiltin(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	tool := echoTool("greet", 100)
	if err := h.RegisterBuiltin(tool); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}

	got := h.Tools()
	if toolNamed(got, "greet") == nil {
		t.Errorf("tool %q not found in Tools", "greet")
	}
}

// TestRegisterBuiltinEmptyName verifies that an empty name is rejected.
func TestRegisterBuiltinEmptyName(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	err := h.RegisterBuiltin(BuiltinTool{
		Handler: func(_ context.Context, _ string) (string, error) { return "", nil },
	})
	if err == nil {
		t.Error("expected error for empty name, got nil")
	}
}

// TestRegisterBuiltinNilHandler verifies that a nil handler is rejected.
func TestRegisterBuiltinNilHandler(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	err := h.RegisterBuiltin(BuiltinTool{
		Definition: types.ToolDefinition{Name: "no-handler"},
	})
	if err == nil {
		t.Error("expected error for nil handler, got nil")
	}
}

// TestRegisterTools verifies batch registration of tool slices.
func TestRegisterTools(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	batch := []tools.Tool{
		{
			Definition:  types.ToolDefinition{Name: "one"},
			Handler:     func(_ context.Context, _ string) (string, error) { return "1", nil },
			DeclaredP50: 5,
		},
		{
			Definition:  types.ToolDefinition{Name: "two"},
			Handler:     func(_ context.Context, _ string) (string, error) { return "2", nil },
			DeclaredP50: 10,
		},
	}
	if err := h.RegisterTools(batch); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}

	got := h.Tools()
	if toolNamed(got, "one") == nil || toolNamed(got, "two") == nil {
		t.Errorf("batch-registered tools missing from catalogue: %v", got)
	}
}

// TestRegisterToolsInvalid verifies that batch registration stops on the first
// invalid tool.
func TestRegisterToolsInvalid(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	batch := []tools.Tool{
		{Definition: types.ToolDefinition{Name: "missing-handler"}},
	}
	if err := h.RegisterTools(batch); err == nil {
		t.Error("expected error for tool without handler, got nil")
	}
}

// TestExecuteBuiltin verifies that ExecuteTool calls the handler and returns
// the result.
func TestExecuteBuiltin(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	must(t, h.RegisterBuiltin(echoTool("echo", 50)))

	result, err := h.ExecuteTool(context.Background(), "echo", `{"msg":"hello"}`)
	if err != nil {
		t.Fatalf("ExecuteTool: %v", err)
	}
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if result.Content != `{"msg":"hello"}` {
		t.Errorf("Content = %q, want %q", result.Content, `{"msg":"hello"}`)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
}

// TestExecuteToolNotFound verifies that calling an unknown tool returns an error.
func TestExecuteToolNotFound(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	_, err := h.ExecuteTool(context.Background(), "nonexistent", "{}")
	if err == nil {
		t.Error("expected error for unknown tool, got nil")
	}
}

// TestExecuteBuiltinError verifies that a handler error results in IsError=true.
func TestExecuteBuiltinError(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	must(t, h.RegisterBuiltin(failTool("boom", 50)))

	result, err := h.ExecuteTool(context.Background(), "boom", "{}")
	if err != nil {
		t.Fatalf("ExecuteTool returned unexpected transport error: %v", err)
	}
	if result == nil {
		t.Fatal("expected non-nil result")
	}
	if !result.IsError {
		t.Error("IsError = false, want true")
	}
}

// TestRollingWindow is a quick integration test exercising the rolling window
// through the host metrics path.
func TestRollingWindow(t *testing.T) {
	t.Parallel()
	w := newRollingWindow(10)

	// No measurements yet.
	if w.P50() != 0 || w.P99() != 0 || w.ErrorRate() != 0 {
		t.Error("empty window should return zeros")
	}

	w.Record(100, false)
	w.Record(200, false)
	w.Record(300, true)

	if c := w.Count(); c != 3 {
		t.Errorf("Count = %d, want 3", c)
	}
	if got := w.P50(); got == 0 {
		t.Error("P50 should be non-zero after recording")
	}
	if got := w.ErrorRate(); got == 0 {
		t.Error("ErrorRate should be non-zero after recording an error")
	}
}

// TestCalibrationBuiltin verifies that Calibrate calls each builtin and
// records measurements.
func TestCalibrationBuiltin(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	must(t, h.RegisterBuiltin(echoTool("ping", 100)))
	must(t, h.RegisterBuiltin(echoTool("pong", 200)))

	if err := h.Calibrate(context.Background()); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	// After calibration the measurements count should be ≥ 1 for each tool.
	for _, name := range []string{"ping", "pong"} {
		rec := healthNamed(h, name)
		if rec == nil {
			t.Errorf("tool %q missing from Health after calibration", name)
			continue
		}
		if rec.CallCount == 0 {
			t.Errorf("tool %q has no measurements after calibration", name)
		}
	}
}

// TestCalibrationContextCancel verifies that Calibrate respects context cancellation.
func TestCalibrationContextCancel(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	// Register a slow tool.
	must(t, h.RegisterBuiltin(slowTool("slow", 500*time.Millisecond, 500)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Calibrate may return ctx.Err() or nil (if the goroutine finishes before
	// the cancel propagates). We just ensure it doesn't hang.
	done := make(chan error, 1)
	go func() { done <- h.Calibrate(ctx) }()

	select {
	case <-done:
		// OK — either completed or was cancelled.
	case <-time.After(2 * time.Second):
		t.Fatal("Calibrate did not respect context cancellation within 2s")
	}
}

// TestHealthDegradation verifies that a tool that fails frequently is flagged
// as degraded in Health.
func TestHealthDegradation(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	var callN atomic.Int64
	flaky := BuiltinTool{
		Definition:  types.ToolDefinition{Name: "flaky", EstimatedDurationMs: 100},
		DeclaredP50: 100,
		Handler: func(_ context.Context, _ string) (string, error) {
			n := callN.Add(1)
			if n%2 == 0 {
				return "", fmt.Errorf("fail")
			}
			return "ok", nil
		},
	}
	must(t, h.RegisterBuiltin(flaky))

	// Execute enough times to push error rate above the 30% threshold.
	ctx := context.Background()
	for range 20 {
		h.ExecuteTool(ctx, "flaky", "{}") //nolint:errcheck
	}

	rec := healthNamed(h, "flaky")
	if rec == nil {
		t.Fatal("flaky tool missing from Health")
	}
	if !rec.Degraded {
		t.Error("tool should be marked degraded after 50% error rate")
	}
	if rec.ErrorRate < 0.4 || rec.ErrorRate > 0.6 {
		t.Errorf("ErrorRate = %v, want ~0.5", rec.ErrorRate)
	}
}

// TestHealthRecovery verifies that the degraded flag clears once the windowed
// error rate falls back under the threshold.
func TestHealthRecovery(t *testing.T) {
	t.Parallel()
	h := New(WithWindowSize(4), WithDegradedErrorRate(0.5))
	defer h.Close()

	var shouldFail atomic.Bool
	shouldFail.Store(true)
	tool := BuiltinTool{
		Definition:  types.ToolDefinition{Name: "wobbly"},
		DeclaredP50: 10,
		Handler: func(_ context.Context, _ string) (string, error) {
			if shouldFail.Load() {
				return "", fmt.Errorf("fail")
			}
			return "ok", nil
		},
	}
	must(t, h.RegisterBuiltin(tool))

	ctx := context.Background()
	for range 4 {
		h.ExecuteTool(ctx, "wobbly", "{}") //nolint:errcheck
	}
	if rec := healthNamed(h, "wobbly"); rec == nil || !rec.Degraded {
		t.Fatal("tool should be degraded after 100% windowed errors")
	}

	// Recover: fill the 4-slot window with successes. The error counter is
	// carried but clamped to the window, so many successes are needed before
	// the approximate rate drops; run enough calls to flush it.
	shouldFail.Store(false)
	for range 40 {
		h.ExecuteTool(ctx, "wobbly", "{}") //nolint:errcheck
	}
	rec := healthNamed(h, "wobbly")
	if rec == nil {
		t.Fatal("wobbly tool missing from Health")
	}
	if rec.Degraded {
		t.Errorf("tool should have recovered, error rate %v", rec.ErrorRate)
	}
}

// TestToolsSorting verifies that the catalogue is sorted by latency ascending.
func TestToolsSorting(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	// Register in reverse latency order.
	must(t, h.RegisterBuiltin(echoTool("slow", 400)))
	must(t, h.RegisterBuiltin(echoTool("fast", 50)))
	must(t, h.RegisterBuiltin(echoTool("mid", 200)))

	defs := h.Tools()
	if len(defs) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(defs))
	}

	latencies := make([]int, len(defs))
	for i, td := range defs {
		latencies[i] = td.EstimatedDurationMs
	}
	for i := 1; i < len(latencies); i++ {
		if latencies[i] < latencies[i-1] {
			t.Errorf("tools not sorted: latencies[%d]=%d < latencies[%d]=%d",
				i, latencies[i], i-1, latencies[i-1])
		}
	}
}

// TestHealthSortedByName verifies that Health output is ordered by tool name.
func TestHealthSortedByName(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	must(t, h.RegisterBuiltin(echoTool("zeta", 10)))
	must(t, h.RegisterBuiltin(echoTool("alpha", 20)))
	must(t, h.RegisterBuiltin(echoTool("mid", 30)))

	health := h.Health()
	if len(health) != 3 {
		t.Fatalf("expected 3 health records, got %d", len(health))
	}
	for i := 1; i < len(health); i++ {
		if health[i].Name < health[i-1].Name {
			t.Errorf("health not sorted by name: %q before %q", health[i-1].Name, health[i].Name)
		}
	}
}

// TestClose verifies that Close empties the tool and server registries.
func TestClose(t *testing.T) {
	t.Parallel()
	h := New()

	must(t, h.RegisterBuiltin(echoTool("x", 100)))

	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	h.mu.RLock()
	toolCount := len(h.tools)
	serverCount := len(h.servers)
	h.mu.RUnlock()

	if toolCount != 0 {
		t.Errorf("tools after Close: %d, want 0", toolCount)
	}
	if serverCount != 0 {
		t.Errorf("servers after Close: %d, want 0", serverCount)
	}
}

// TestConcurrentRegisterAndTools verifies no data races under concurrent
// registration and tool listing.
func TestConcurrentRegisterAndTools(t *testing.T) {
	t.Parallel()
	h := New()
	defer h.Close()

	done := make(chan struct{})
	go func() {
		for i := range 50 {
			name := fmt.Sprintf("tool-%d", i)
			_ = h.RegisterBuiltin(echoTool(name, 100))
		}
		close(done)
	}()

	for range 50 {
		h.Tools()
	}
	<-done
}

// ──────────────────────────────────────────────────────────────────────────────
// Assertion helpers
// ──────────────────────────────────────────────────────────────────────────────

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
