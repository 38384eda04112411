package session

import (
	"testing"

	"github.com/parleyhq/parley/internal/turn"
)

func TestEventTypes(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{SessionStateChanged{}, "session_state_changed"},
		{DegradationChanged{}, "degradation_changed"},
		{TurnCompleted{}, "turn_completed"},
		{TurnAbandoned{}, "turn_abandoned"},
	}
	for _, tt := range tests {
		if got := tt.event.EventType(); got != tt.want {
			t.Errorf("EventType() = %q, want %q", got, tt.want)
		}
	}
}

func TestSinkDeliversInOrder(t *testing.T) {
	sink := NewSink(4)
	sink.Publish(SessionStateChanged{SessionID: "s1", Old: StateInitializing, New: StateActive})
	sink.Publish(TurnCompleted{SessionID: "s1", TurnID: "t1"})
	sink.Close()

	var got []string
	for e := range sink.Events() {
		got = append(got, e.EventType())
	}
	want := []string{"session_state_changed", "turn_completed"}
	if len(got) != len(want) {
		t.Fatalf("received %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSinkDropsWhenFull(t *testing.T) {
	sink := NewSink(1)
	sink.Publish(TurnAbandoned{TurnID: "t1", Reason: turn.AbandonCancelled})
	sink.Publish(TurnAbandoned{TurnID: "t2", Reason: turn.AbandonCancelled}) // dropped
	sink.Close()

	var got []Event
	for e := range sink.Events() {
		got = append(got, e)
	}
	if len(got) != 1 {
		t.Fatalf("received %d events, want 1", len(got))
	}
	if ta := got[0].(TurnAbandoned); ta.TurnID != "t1" {
		t.Errorf("surviving event TurnID = %q, want t1", ta.TurnID)
	}
}

func TestSinkCloseIsIdempotent(t *testing.T) {
	sink := NewSink(1)
	sink.Close()
	sink.Close()
	sink.Publish(TurnCompleted{}) // dropped, must not panic

	if _, ok := <-sink.Events(); ok {
		t.Error("Events() delivered a value after Close")
	}
}
