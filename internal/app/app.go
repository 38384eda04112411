// Package app wires all Parley subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the operational HTTP surface until the context is
// cancelled, and Shutdown ends every live session and tears subsystems down
// in order.
//
// For testing, inject mock implementations via functional options
// (WithSessionStore, WithMCPHost, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/feedback"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/health"
	"github.com/parleyhq/parley/internal/mcp"
	"github.com/parleyhq/parley/internal/mcp/mcphost"
	"github.com/parleyhq/parley/internal/mcp/tools/clock"
	"github.com/parleyhq/parley/internal/mcp/tools/memorytool"
	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/internal/promptctx"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/transcript"
	"github.com/parleyhq/parley/internal/transcript/llmcorrect"
	"github.com/parleyhq/parley/internal/transcript/phonetic"
	"github.com/parleyhq/parley/internal/turn"
	"github.com/parleyhq/parley/pkg/memory"
	"github.com/parleyhq/parley/pkg/memory/postgres"
	"github.com/parleyhq/parley/pkg/provider/embeddings"
	"github.com/parleyhq/parley/pkg/provider/llm"
	"github.com/parleyhq/parley/pkg/provider/stt"
	"github.com/parleyhq/parley/pkg/provider/tts"
	"github.com/parleyhq/parley/pkg/provider/vad"
	"github.com/parleyhq/parley/pkg/transport"
	"github.com/parleyhq/parley/pkg/transport/room"
	"github.com/parleyhq/parley/pkg/types"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry;
// the STT, TTS, and LLM slots may carry resilience fallback groups rather
// than bare providers.
type Providers struct {
	LLM        llm.Provider
	STT        stt.Provider
	TTS        tts.Provider
	Embeddings embeddings.Provider
	VAD        vad.Engine
	Transport  transport.Adapter
}

// App owns all subsystem lifetimes and dispatches voice sessions.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems — initialised in New, torn down in Shutdown.
	mcpHost  mcp.Host
	sessions memory.SessionStore
	index    memory.SemanticIndex
	guard    *session.MemoryGuard
	ratings  feedback.Store
	minter   *room.TokenMinter
	manager  *session.Manager
	metrics  *observe.Metrics

	server *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error

	// mu guards hot-reloadable state (agent persona, session policy).
	mu sync.RWMutex
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from config.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// WithSemanticIndex injects a semantic index instead of creating one from config.
func WithSemanticIndex(idx memory.SemanticIndex) Option {
	return func(a *App) { a.index = idx }
}

// WithMCPHost injects an MCP host instead of creating one from config.
func WithMCPHost(h mcp.Host) Option {
	return func(a *App) { a.mcpHost = h }
}

// WithFeedbackStore injects a rating store instead of creating one from config.
func WithFeedbackStore(s feedback.Store) Option {
	return func(a *App) { a.ratings = s }
}

// WithTokenMinter supplies the minter backing POST /tokens. main.go shares
// the minter it built for the room transport so tokens verify against the
// same secret.
func WithTokenMinter(m *room.TokenMinter) Option {
	return func(a *App) { a.minter = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: memory store connection,
// feedback store connection, MCP server registration + calibration, and
// builtin tool registration. Sessions are started on demand via
// [App.StartSession].
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
		manager:   session.NewManager(),
		metrics:   observe.DefaultMetrics(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Memory store ──────────────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Feedback store ────────────────────────────────────────────────
	if err := a.initFeedback(ctx); err != nil {
		return nil, fmt.Errorf("app: init feedback: %w", err)
	}

	// ── 3. MCP host + builtin tools ──────────────────────────────────────
	if err := a.initMCP(ctx); err != nil {
		return nil, fmt.Errorf("app: init mcp: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory sets up the PostgreSQL memory store or uses injected mocks.
// Memory is optional: without a DSN the agent runs stateless and sessions
// skip prompt-context retrieval and consolidation.
func (a *App) initMemory(ctx context.Context) error {
	dsn := a.cfg.Memory.PostgresDSN
	if (a.sessions == nil || a.index == nil) && dsn != "" {
		store, err := postgres.NewStore(ctx, dsn, a.cfg.Memory.EmbeddingDimensions)
		if err != nil {
			return err
		}

		if a.sessions == nil {
			a.sessions = store.L1()
		}
		if a.index == nil {
			a.index = store.L2()
		}

		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	}

	if a.sessions == nil {
		slog.Warn("memory.postgres_dsn not set, running without durable memory")
		return nil
	}

	a.guard = session.NewMemoryGuard(a.sessions)
	return nil
}

// initFeedback connects the per-turn rating store. It shares the memory DSN;
// without one the /feedback endpoint is simply not mounted.
func (a *App) initFeedback(ctx context.Context) error {
	if a.ratings != nil {
		return nil
	}
	dsn := a.cfg.Memory.PostgresDSN
	if dsn == "" {
		return nil
	}

	store, err := feedback.NewPostgresStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.ratings = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initMCP sets up the MCP host, registers builtin tools and configured
// servers, and calibrates latency expectations.
func (a *App) initMCP(ctx context.Context) error {
	var host *mcphost.Host
	if a.mcpHost == nil {
		host = mcphost.New()
		a.mcpHost = host
		a.closers = append(a.closers, host.Close)
	}

	// Builtin tools live in-process and need no transport. They are only
	// registered on a host we created; an injected mock records its own
	// catalogue.
	if host != nil {
		if err := host.RegisterTools(clock.Tools()); err != nil {
			return fmt.Errorf("register clock tools: %w", err)
		}
		if a.sessions != nil && a.index != nil && a.providers.Embeddings != nil {
			mem := memorytool.NewTools(a.guard, a.index, a.providers.Embeddings)
			if err := host.RegisterTools(mem); err != nil {
				return fmt.Errorf("register memory tools: %w", err)
			}
		}
	}

	for _, srv := range a.cfg.MCP.Servers {
		if err := a.mcpHost.RegisterServer(ctx, srv.HostConfig()); err != nil {
			return fmt.Errorf("register mcp server %q: %w", srv.Name, err)
		}
		slog.Info("registered MCP server", "name", srv.Name)
	}

	if err := a.mcpHost.Calibrate(ctx); err != nil {
		slog.Warn("MCP calibration failed, using declared latencies", "err", err)
	}

	return nil
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// StartSession creates, registers, and starts a supervisor for roomID. The
// returned supervisor has already joined the room; callers observe progress
// through its event sink.
func (a *App) StartSession(ctx context.Context, roomID string) (*session.Supervisor, error) {
	if a.providers.Transport == nil {
		return nil, errors.New("app: no transport adapter configured")
	}
	if a.providers.LLM == nil {
		return nil, errors.New("app: no reasoning provider configured")
	}

	a.mu.RLock()
	agentCfg := a.cfg.Agent
	policy := a.cfg.Session
	a.mu.RUnlock()

	// Tracks all four capabilities; vision and telephony only surface in
	// blocked-operations reporting.
	caps := capability.NewSet(capability.Config{FailureThreshold: policy.FailureThreshold})

	orch := a.buildOrchestrator(caps, agentCfg, policy)

	supCfg := session.SupervisorConfig{
		Adapter:      a.providers.Transport,
		RoomID:       roomID,
		Identity:     agentCfg.Name,
		Orchestrator: orch,
		Caps:         caps,

		STT: a.providers.STT,
		STTConfig: stt.StreamConfig{
			SampleRate: 48000,
			Channels:   1,
			Keywords:   keywordBoosts(agentCfg.Vocabulary),
		},
		VAD: a.providers.VAD,
		VADConfig: vad.Config{
			SampleRate:       48000,
			FrameSizeMs:      20,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		},

		Normalizer: a.buildNormalizer(),
		Vocabulary: agentCfg.Vocabulary,
		EndPhrases: transcript.NewEndPhraseDetector(agentCfg.EndPhrases),

		Persona: promptctx.Persona{
			Name:         agentCfg.Name,
			Instructions: agentCfg.Instructions,
			Vocabulary:   agentCfg.Vocabulary,
		},

		Sink:    session.NewSink(policy.QueueSize),
		Probers: a.buildProbers(),
		Metrics: a.metrics,

		JoinTimeout:     policy.JoinTimeout.Std(),
		RecheckInterval: policy.RecheckInterval.Std(),
		Rejoin: session.RejoinerConfig{
			Backoff:     policy.Rejoin.BaseBackoff.Std(),
			MaxBackoff:  policy.Rejoin.MaxBackoff.Std(),
			MaxAttempts: policy.Rejoin.MaxAttempts,
		},
		QueueSize: policy.QueueSize,
	}

	// Memory-backed context assembly only when a store is connected.
	if a.sessions != nil && a.index != nil {
		supCfg.Assembler = promptctx.NewAssembler(a.guard, a.index, a.providers.Embeddings)
		if a.providers.Embeddings != nil {
			supCfg.Prefetcher = promptctx.NewPrefetcher(a.index, a.providers.Embeddings, roomID)
		}
	}

	supCfg.ContextMgr = session.NewContextManager(session.ContextManagerConfig{
		MaxTokens:      a.cfg.Memory.ContextMaxTokens,
		ThresholdRatio: a.cfg.Memory.ContextThresholdRatio,
		Summariser:     session.NewLLMSummariser(a.providers.LLM),
	})

	sup, err := session.NewSupervisor(supCfg)
	if err != nil {
		return nil, fmt.Errorf("app: create session: %w", err)
	}

	// The consolidator keys entries by session ID, which NewSupervisor
	// generates, so it is attached after construction.
	if a.sessions != nil {
		cons := session.NewConsolidator(session.ConsolidatorConfig{
			Store:      a.guard,
			ContextMgr: supCfg.ContextMgr,
			SessionID:  sup.ID(),
			Interval:   a.cfg.Memory.ConsolidateInterval.Std(),
		})
		sup.AttachConsolidator(cons)
	}

	if err := a.manager.Add(sup); err != nil {
		return nil, fmt.Errorf("app: register session: %w", err)
	}

	if err := sup.Start(ctx); err != nil {
		a.manager.Remove(sup.ID())
		return nil, fmt.Errorf("app: start session: %w", err)
	}

	slog.Info("session started", "session_id", sup.ID(), "room_id", roomID)
	return sup, nil
}

// buildOrchestrator assembles the per-session turn pipeline from config.
func (a *App) buildOrchestrator(caps *capability.Set, agentCfg config.AgentConfig, policy config.SessionConfig) *turn.Orchestrator {
	opts := []turn.Option{
		turn.WithConfig(turn.Config{
			ReasoningTimeout: policy.ReasoningTimeout.Std(),
			ToolTimeout:      policy.ToolTimeout.Std(),
			ToolRetries:      policy.ToolRetries,
			MaxToolRounds:    policy.MaxToolRounds,
		}),
		turn.WithToolGate(turn.NewGate()),
		turn.WithMetrics(a.metrics),
	}

	if a.mcpHost != nil {
		opts = append(opts, turn.WithGateway(gateway.New(a.mcpHost,
			gateway.WithDefaultTimeout(policy.ToolTimeout.Std()))))
	}

	if a.providers.TTS != nil {
		synth := turn.NewSynthesizer(a.providers.TTS, voiceProfile(agentCfg.Voice),
			turn.WithTTSRetries(policy.TTSRetries),
			turn.WithSynthesisTimeout(policy.SynthesisTimeout.Std()),
			turn.WithOutputFormat(48000, 1),
		)
		opts = append(opts, turn.WithSynthesizer(synth))
	}

	return turn.NewOrchestrator(a.providers.LLM, caps, opts...)
}

// buildProbers converts the configured probe endpoints into capability
// probers. A 2xx response re-enables the capability.
func (a *App) buildProbers() map[capability.Capability]session.Prober {
	if len(a.cfg.Probes) == 0 {
		return nil
	}
	probers := make(map[capability.Capability]session.Prober, len(a.cfg.Probes))
	for name, endpoint := range a.cfg.Probes {
		cap, err := capability.ParseCapability(name)
		if err != nil {
			continue // rejected by config validation already
		}
		probers[cap] = httpProber(endpoint)
	}
	return probers
}

// httpProber probes endpoint with a GET and treats any 2xx as healthy.
func httpProber(endpoint string) session.Prober {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("probe %s: status %d", endpoint, resp.StatusCode)
		}
		return nil
	}
}

// buildNormalizer constructs the transcript normalizer used by every
// session: phonetic matching always, LLM correction on low-confidence
// finals when a reasoning provider exists.
func (a *App) buildNormalizer() transcript.Normalizer {
	opts := []transcript.Option{
		transcript.WithPhoneticMatcher(phonetic.New()),
	}
	if a.providers.LLM != nil {
		opts = append(opts,
			transcript.WithLLMCorrector(llmcorrect.New(a.providers.LLM)),
			transcript.WithLLMOnLowConfidence(0.6),
		)
	}
	return transcript.NewNormalizer(opts...)
}

// keywordBoosts converts the configured vocabulary into STT recognition
// hints. All terms get the same moderate boost; per-term tuning is not
// exposed in config.
func keywordBoosts(vocabulary []string) []types.KeywordBoost {
	if len(vocabulary) == 0 {
		return nil
	}
	boosts := make([]types.KeywordBoost, len(vocabulary))
	for i, word := range vocabulary {
		boosts[i] = types.KeywordBoost{Keyword: word, Boost: 2.0}
	}
	return boosts
}

// voiceProfile converts the config voice block to the provider-facing type.
func voiceProfile(v config.VoiceConfig) types.VoiceProfile {
	vp := types.VoiceProfile{
		ID:          v.VoiceID,
		SpeedFactor: v.SpeakingRate,
	}
	if v.Stability > 0 {
		vp.Metadata = map[string]string{
			"stability": fmt.Sprintf("%.2f", v.Stability),
		}
	}
	return vp
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies a hot-reloadable config delta. Persona and session
// policy changes take effect for sessions started after the call; live
// sessions keep the policy they started with.
func (a *App) ApplyConfig(next *config.Config, diff config.ConfigDiff) {
	if !diff.AgentChanged && !diff.SessionChanged {
		return
	}

	a.mu.Lock()
	if diff.AgentChanged {
		a.cfg.Agent = next.Agent
	}
	if diff.SessionChanged {
		a.cfg.Session = next.Session
	}
	a.mu.Unlock()

	slog.Info("applied config changes",
		"agent", diff.AgentChanged,
		"session_policy", diff.SessionChanged,
	)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the operational HTTP surface (metrics, health, feedback, room
// tokens, session dispatch) and blocks until ctx is cancelled. It does not
// start any sessions by itself; callers create them via POST /sessions or
// [App.StartSession].
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	a.healthHandler().Register(mux)
	mux.HandleFunc("/sessions", a.handleSessions)
	mux.HandleFunc("/sessions/", a.handleSessionByID)

	if a.ratings != nil {
		mux.Handle("/feedback", feedback.Handler(a.ratings))
	}
	if a.minter != nil {
		mux.Handle("/tokens", room.NewTokenHandler(a.minter).Handler())
	}

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("server running", "addr", a.cfg.Server.ListenAddr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "err", err)
	}

	return ctx.Err()
}

// healthHandler builds the liveness/readiness handler with one checker per
// external dependency.
func (a *App) healthHandler() *health.Handler {
	var checkers []health.Checker

	checkers = append(checkers, health.Checker{
		Name: "transport",
		Check: func(context.Context) error {
			if a.providers.Transport == nil {
				return errors.New("no transport adapter configured")
			}
			return nil
		},
	})

	if a.guard != nil {
		guard := a.guard
		checkers = append(checkers, health.Checker{
			Name: "memory",
			Check: func(context.Context) error {
				if guard.IsDegraded() {
					return errors.New("memory store degraded")
				}
				return nil
			},
		})
	}

	if a.ratings != nil {
		if pinger, ok := a.ratings.(interface{ Ping(context.Context) error }); ok {
			checkers = append(checkers, health.Checker{
				Name:  "feedback",
				Check: pinger.Ping,
			})
		}
	}

	if a.mcpHost != nil {
		host := a.mcpHost
		checkers = append(checkers, health.Checker{
			Name: "tools",
			Check: func(context.Context) error {
				var degraded []string
				for _, h := range host.Health() {
					if h.Degraded {
						degraded = append(degraded, h.Name)
					}
				}
				if len(degraded) > 0 {
					return fmt.Errorf("degraded tools: %v", degraded)
				}
				return nil
			},
		})
	}

	return health.New(checkers...)
}

// ─── HTTP handlers ───────────────────────────────────────────────────────────

type startSessionRequest struct {
	RoomID string `json:"room_id"`
}

type sessionSummary struct {
	ID     string `json:"id"`
	RoomID string `json:"room_id"`
	State  string `json:"state"`
}

// handleSessions dispatches POST (start a session) and GET (list sessions).
func (a *App) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.startSessionHTTP(w, r)
	case http.MethodGet:
		a.listSessionsHTTP(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) startSessionHTTP(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var req startSessionRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.RoomID == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}

	sup, err := a.StartSession(r.Context(), req.RoomID)
	if err != nil {
		slog.Error("start session failed", "room_id", req.RoomID, "err", err)
		http.Error(w, "could not start session", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(sessionSummary{
		ID:     sup.ID(),
		RoomID: req.RoomID,
		State:  sup.State().String(),
	})
}

func (a *App) listSessionsHTTP(w http.ResponseWriter, _ *http.Request) {
	sessions := a.manager.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sup := range sessions {
		out = append(out, sessionSummary{
			ID:     sup.ID(),
			RoomID: sup.RoomID(),
			State:  sup.State().String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleSessionByID serves GET /sessions/{id} and DELETE /sessions/{id}.
func (a *App) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/sessions/"):]
	sup, ok := a.manager.Get(id)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(sessionSummary{
			ID:     sup.ID(),
			RoomID: sup.RoomID(),
			State:  sup.State().String(),
		})
	case http.MethodDelete:
		if err := sup.End("operator_request"); err != nil {
			slog.Error("end session failed", "session_id", id, "err", err)
			http.Error(w, "could not end session", http.StatusInternalServerError)
			return
		}
		a.manager.Remove(id)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends all live sessions and closes subsystems in reverse
// initialisation order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error

		if err := a.manager.Shutdown(ctx, "server_shutdown"); err != nil {
			errs = append(errs, fmt.Errorf("shutdown sessions: %w", err))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
