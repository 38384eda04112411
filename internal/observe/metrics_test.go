package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValueFor returns the int64 sum data point matching key=value, or -1.
func sumValueFor(met *metricdata.Metrics, key, value string) int64 {
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestStageHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"parley.stt.duration", m.STTDuration},
		{"parley.reasoning.duration", m.ReasoningDuration},
		{"parley.tool_execution.duration", m.ToolExecutionDuration},
		{"parley.tts.duration", m.TTSDuration},
		{"parley.turn.duration", m.TurnDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestTurnCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "replied")
	m.RecordTurn(ctx, "replied")
	m.RecordTurn(ctx, "abandoned")

	rm := collect(t, reader)
	met := findMetric(rm, "parley.turns")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValueFor(met, "outcome", "replied"); got != 2 {
		t.Errorf("turns{outcome=replied} = %d, want 2", got)
	}
	if got := sumValueFor(met, "outcome", "abandoned"); got != 1 {
		t.Errorf("turns{outcome=abandoned} = %d, want 1", got)
	}
}

func TestSessionCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordSessionEnd(ctx, "user_goodbye")
	m.RecordSessionEnd(ctx, "rejoin_exhausted")

	rm := collect(t, reader)
	met := findMetric(rm, "parley.sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValueFor(met, "reason", "user_goodbye"); got != 1 {
		t.Errorf("sessions{reason=user_goodbye} = %d, want 1", got)
	}
}

func TestDegradationCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDegradation(ctx, "tts", "voice_only")
	m.RecordDegradation(ctx, "stt", "minimal")
	m.RecordRecovery(ctx, "tts")

	rm := collect(t, reader)

	deg := findMetric(rm, "parley.capability.degradations")
	if deg == nil {
		t.Fatal("degradations metric not found")
	}
	if got := sumValueFor(deg, "capability", "tts"); got != 1 {
		t.Errorf("degradations{capability=tts} = %d, want 1", got)
	}

	rec := findMetric(rm, "parley.capability.recoveries")
	if rec == nil {
		t.Fatal("recoveries metric not found")
	}
	if got := sumValueFor(rec, "capability", "tts"); got != 1 {
		t.Errorf("recoveries{capability=tts} = %d, want 1", got)
	}
}

func TestRejoinCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRejoin(ctx, "failed")
	m.RecordRejoin(ctx, "failed")
	m.RecordRejoin(ctx, "ok")

	rm := collect(t, reader)
	met := findMetric(rm, "parley.transport.rejoins")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValueFor(met, "status", "failed"); got != 2 {
		t.Errorf("rejoins{status=failed} = %d, want 2", got)
	}
}

func TestToolCallsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "lookup_order", "ok")
	m.RecordToolCall(ctx, "lookup_order", "error")

	rm := collect(t, reader)
	met := findMetric(rm, "parley.tool.calls")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got := sumValueFor(met, "status", "ok"); got != 1 {
		t.Errorf("tool.calls{status=ok} = %d, want 1", got)
	}
}

func TestProviderCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "ok")
	m.RecordProviderRequest(ctx, "elevenlabs", "tts", "ok")
	m.RecordProviderError(ctx, "elevenlabs", "tts")

	rm := collect(t, reader)

	req := findMetric(rm, "parley.provider.requests")
	if req == nil {
		t.Fatal("requests metric not found")
	}
	if got := sumValueFor(req, "status", "ok"); got != 2 {
		t.Errorf("provider.requests{status=ok} = %d, want 2", got)
	}

	errs := findMetric(rm, "parley.provider.errors")
	if errs == nil {
		t.Fatal("errors metric not found")
	}
	if got := sumValueFor(errs, "provider", "elevenlabs"); got != 1 {
		t.Errorf("provider.errors{provider=elevenlabs} = %d, want 1", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("gauge value = %d, want 1", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
