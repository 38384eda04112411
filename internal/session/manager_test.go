package session

import (
	"context"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/turn"
	llmmock "github.com/parleyhq/parley/pkg/provider/llm/mock"
	transportmock "github.com/parleyhq/parley/pkg/transport/mock"
)

func newStartedSupervisor(t *testing.T, roomID string) (*Supervisor, *transportmock.Conn) {
	t.Helper()
	conn := transportmock.NewConn()
	caps := capability.NewSet(capability.Config{})
	sup, err := NewSupervisor(SupervisorConfig{
		Adapter:      &transportmock.Adapter{JoinResult: conn},
		RoomID:       roomID,
		Identity:     "agent-1",
		Orchestrator: turn.NewOrchestrator(&llmmock.Provider{}, caps),
		Caps:         caps,
	})
	if err != nil {
		t.Fatalf("NewSupervisor() error = %v", err)
	}
	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return sup, conn
}

func TestManagerAddGetRemove(t *testing.T) {
	m := NewManager()
	sup, _ := newStartedSupervisor(t, "room-1")
	defer sup.End("test cleanup") //nolint:errcheck

	if err := m.Add(sup); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Add(sup); err == nil {
		t.Error("duplicate Add() error = nil, want error")
	}

	got, ok := m.Get(sup.ID())
	if !ok || got != sup {
		t.Fatalf("Get(%q) = %v, %v; want the added supervisor", sup.ID(), got, ok)
	}
	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}

	m.Remove(sup.ID())
	if _, ok := m.Get(sup.ID()); ok {
		t.Error("Get() found a removed session")
	}
}

func TestManagerShutdownEndsAllSessions(t *testing.T) {
	m := NewManager()
	sup1, conn1 := newStartedSupervisor(t, "room-1")
	sup2, conn2 := newStartedSupervisor(t, "room-2")
	if err := m.Add(sup1); err != nil {
		t.Fatalf("Add(sup1) error = %v", err)
	}
	if err := m.Add(sup2); err != nil {
		t.Fatalf("Add(sup2) error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx, "server shutdown"); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if got := sup1.State(); got != StateTerminated {
		t.Errorf("sup1 State() = %v, want %v", got, StateTerminated)
	}
	if got := sup2.State(); got != StateTerminated {
		t.Errorf("sup2 State() = %v, want %v", got, StateTerminated)
	}
	if conn1.CallCountLeave != 1 || conn2.CallCountLeave != 1 {
		t.Errorf("Leave calls = %d, %d; want 1, 1", conn1.CallCountLeave, conn2.CallCountLeave)
	}

	// A shut-down manager accepts no new sessions.
	sup3, _ := newStartedSupervisor(t, "room-3")
	defer sup3.End("test cleanup") //nolint:errcheck
	if err := m.Add(sup3); err == nil {
		t.Error("Add() after Shutdown error = nil, want error")
	}
}
