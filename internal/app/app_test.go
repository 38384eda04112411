package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/app"
	"github.com/parleyhq/parley/internal/config"
	mcpmock "github.com/parleyhq/parley/internal/mcp/mock"
	memorymock "github.com/parleyhq/parley/pkg/memory/mock"
	llmmock "github.com/parleyhq/parley/pkg/provider/llm/mock"
	ttsmock "github.com/parleyhq/parley/pkg/provider/tts/mock"
	transportmock "github.com/parleyhq/parley/pkg/transport/mock"
)

// testConfig returns a minimal valid config for app tests.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Agent: config.AgentConfig{
			Name:         "Morgan",
			Instructions: "You are a calm, concise support agent.",
		},
		Session: config.SessionConfig{
			FailureThreshold: config.DefaultFailureThreshold,
			ToolRetries:      config.DefaultToolRetries,
			TTSRetries:       config.DefaultTTSRetries,
			MaxToolRounds:    config.DefaultMaxToolRounds,
			QueueSize:        config.DefaultQueueSize,
			JoinTimeout:      config.Duration(config.DefaultJoinTimeout),
			ReasoningTimeout: config.Duration(config.DefaultReasoningTimeout),
			ToolTimeout:      config.Duration(config.DefaultToolTimeout),
			SynthesisTimeout: config.Duration(config.DefaultSynthesisTimeout),
			RecheckInterval:  config.Duration(config.DefaultRecheckInterval),
		},
	}
}

// testProviders returns providers with a mock LLM, TTS, and transport.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
		TTS: &ttsmock.Provider{},
		Transport: &transportmock.Adapter{
			JoinResult: transportmock.NewConn(),
		},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, providers *app.Providers, host *mcpmock.Host) *app.App {
	t.Helper()

	application, err := app.New(
		context.Background(),
		cfg,
		providers,
		app.WithSessionStore(&memorymock.SessionStore{}),
		app.WithSemanticIndex(&memorymock.SemanticIndex{}),
		app.WithMCPHost(host),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return application
}

func TestNew_WithMocks(t *testing.T) {
	t.Parallel()

	mcpHost := &mcpmock.Host{}
	application := newTestApp(t, testConfig(), testProviders(), mcpHost)
	if application == nil {
		t.Fatal("New() returned nil app")
	}

	// MCP host should have been calibrated during New().
	if got := mcpHost.CallCount("Calibrate"); got != 1 {
		t.Errorf("Calibrate call count = %d, want 1", got)
	}
}

func TestNew_WithoutMemory(t *testing.T) {
	t.Parallel()

	// No DSN and no injected stores: the app runs stateless.
	application, err := app.New(
		context.Background(),
		testConfig(),
		testProviders(),
		app.WithMCPHost(&mcpmock.Host{}),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if application == nil {
		t.Fatal("New() returned nil app")
	}
}

func TestStartSession(t *testing.T) {
	t.Parallel()

	application := newTestApp(t, testConfig(), testProviders(), &mcpmock.Host{})

	sup, err := application.StartSession(context.Background(), "room-42")
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if sup.ID() == "" {
		t.Error("session ID is empty")
	}
	if got := sup.RoomID(); got != "room-42" {
		t.Errorf("RoomID() = %q, want %q", got, "room-42")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestStartSession_NoTransport(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.Transport = nil
	application := newTestApp(t, testConfig(), providers, &mcpmock.Host{})

	if _, err := application.StartSession(context.Background(), "room-1"); err == nil {
		t.Fatal("StartSession() without transport succeeded, want error")
	}
}

func TestStartSession_NoLLM(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.LLM = nil
	application := newTestApp(t, testConfig(), providers, &mcpmock.Host{})

	if _, err := application.StartSession(context.Background(), "room-1"); err == nil {
		t.Fatal("StartSession() without reasoning provider succeeded, want error")
	}
}

func TestStartSession_JoinFailure(t *testing.T) {
	t.Parallel()

	providers := testProviders()
	providers.Transport = &transportmock.Adapter{
		JoinError: context.DeadlineExceeded,
	}
	application := newTestApp(t, testConfig(), providers, &mcpmock.Host{})

	if _, err := application.StartSession(context.Background(), "room-1"); err == nil {
		t.Fatal("StartSession() with failing transport succeeded, want error")
	}
}

func TestApp_Shutdown(t *testing.T) {
	t.Parallel()

	mcpHost := &mcpmock.Host{}
	application := newTestApp(t, testConfig(), testProviders(), mcpHost)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}

	// Shutdown is idempotent.
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	application := newTestApp(t, testConfig(), testProviders(), &mcpmock.Host{})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Run(ctx)
	}()

	// Give the listener a moment to come up.
	time.Sleep(50 * time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	application := newTestApp(t, cfg, testProviders(), &mcpmock.Host{})

	next := testConfig()
	next.Agent.Instructions = "You are a brisk, upbeat support agent."
	next.Session.FailureThreshold = 7

	application.ApplyConfig(next, config.Diff(cfg, next))

	// Sessions started after the reload pick up the new persona and policy.
	sup, err := application.StartSession(context.Background(), "room-7")
	if err != nil {
		t.Fatalf("StartSession() after ApplyConfig error: %v", err)
	}
	if sup.ID() == "" {
		t.Error("session ID is empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}
