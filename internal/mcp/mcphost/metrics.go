package mcphost

import (
	"slices"
	"sync"
)

// rollingWindow tracks the last N tool call latencies for percentile
// calculation. It uses a ring buffer so that only the most recent [size]
// measurements are kept. All methods are safe for concurrent use.
type rollingWindow struct {
	mu      sync.Mutex
	samples []int64 // ring buffer of latency measurements in ms
	pos     int     // next write position
	count   int     // total samples written (may exceed len(samples))
	errors  int     // error count in current window
	size    int     // window capacity
}

// newRollingWindow creates a new rolling window with the given capacity.
// A size of 0 or negative defaults to 100.
func newRollingWindow(size int) *rollingWindow {
	if size <= 0 {
		size = 100
	}
	return &rollingWindow{
		samples: make([]int64, size),
		size:    size,
	}
}

// Record adds a latency measurement (in ms) to the window and increments the
// error counter when isError is true. The oldest measurement is overwritten
// once the buffer is full.
func (w *rollingWindow) Record(latencyMs int64, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.pos] = latencyMs
	w.pos = (w.pos + 1) % w.size
	w.count++

	// Per-slot error flags are not tracked, so the error counter is an
	// approximation scoped to the current window: it is clamped to the window
	// capacity and divided by the live sample count in ErrorRate.
	if isError {
		w.errors++
		if w.errors > w.size {
			w.errors = w.size
		}
	}
}

// windowLen returns the number of meaningful samples in the buffer (≤ size).
func (w *rollingWindow) windowLen() int {
	if w.count >= w.size {
		return w.size
	}
	return w.count
}

// percentileLocked returns the q-th percentile (0.0–1.0) of the current
// window samples. Callers must hold w.mu. Returns 0 when the window is empty.
func (w *rollingWindow) percentileLocked(q float64) int64 {
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	cp := make([]int64, n)
	if w.count >= w.size {
		// Full ring: oldest element is at pos.
		for i := 0; i < w.size; i++ {
			cp[i] = w.samples[(w.pos+i)%w.size]
		}
	} else {
		// Not yet full: valid data is indices 0 .. count-1.
		copy(cp, w.samples[:n])
	}
	slices.Sort(cp)
	idx := int(float64(n-1) * q)
	return cp[idx]
}

// P50 returns the median (50th-percentile) latency in ms.
// Returns 0 if no measurements have been recorded.
func (w *rollingWindow) P50() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.percentileLocked(0.50)
}

// P99 returns the 99th-percentile latency in ms.
// Returns 0 if no measurements have been recorded.
func (w *rollingWindow) P99() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.percentileLocked(0.99)
}

// ErrorRate returns the fraction of calls in the current window that resulted
// in an error (0.0–1.0). Returns 0 if no measurements have been recorded.
func (w *rollingWindow) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.windowLen()
	if n == 0 {
		return 0
	}
	errInWindow := min(w.errors, n)
	return float64(errInWindow) / float64(n)
}

// Count returns the total number of invocations recorded (may exceed window
// capacity).
func (w *rollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}
