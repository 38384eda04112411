package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "coqui"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
	"transport":  {"room", "discord"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates the result, and
// fills zero-valued policy knobs with the platform defaults.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults replaces zero-valued session policy fields with the Default*
// constants so that downstream consumers always see concrete values.
func applyDefaults(cfg *Config) {
	s := &cfg.Session
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ToolRetries == 0 {
		s.ToolRetries = DefaultToolRetries
	}
	if s.TTSRetries == 0 {
		s.TTSRetries = DefaultTTSRetries
	}
	if s.MaxToolRounds == 0 {
		s.MaxToolRounds = DefaultMaxToolRounds
	}
	if s.QueueSize == 0 {
		s.QueueSize = DefaultQueueSize
	}
	if s.JoinTimeout == 0 {
		s.JoinTimeout = Duration(DefaultJoinTimeout)
	}
	if s.ReasoningTimeout == 0 {
		s.ReasoningTimeout = Duration(DefaultReasoningTimeout)
	}
	if s.ToolTimeout == 0 {
		s.ToolTimeout = Duration(DefaultToolTimeout)
	}
	if s.SynthesisTimeout == 0 {
		s.SynthesisTimeout = Duration(DefaultSynthesisTimeout)
	}
	if s.RecheckInterval == 0 {
		s.RecheckInterval = Duration(DefaultRecheckInterval)
	}
	if s.Rejoin.BaseBackoff == 0 {
		s.Rejoin.BaseBackoff = Duration(DefaultRejoinBaseBackoff)
	}
	if s.Rejoin.MaxBackoff == 0 {
		s.Rejoin.MaxBackoff = Duration(DefaultRejoinMaxBackoff)
	}
	if s.Rejoin.MaxAttempts == 0 {
		s.Rejoin.MaxAttempts = DefaultRejoinMaxAttempts
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions == 0 {
		cfg.Memory.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names, including
	// every entry in a fallback chain.
	validateProviderChain("llm", cfg.Providers.LLM)
	validateProviderChain("stt", cfg.Providers.STT)
	validateProviderChain("tts", cfg.Providers.TTS)
	validateProviderChain("embeddings", cfg.Providers.Embeddings)
	validateProviderChain("vad", cfg.Providers.VAD)
	validateProviderChain("transport", cfg.Providers.Transport)

	// Agent
	if cfg.Agent.Name == "" {
		errs = append(errs, errors.New("agent.name is required"))
	}
	if v := cfg.Agent.Voice; v.SpeakingRate != 0 {
		if v.SpeakingRate < 0.5 || v.SpeakingRate > 2.0 {
			errs = append(errs, fmt.Errorf("agent.voice.speaking_rate %.2f is out of range [0.5, 2.0]", v.SpeakingRate))
		}
	}
	if v := cfg.Agent.Voice; v.Stability < 0 || v.Stability > 1 {
		errs = append(errs, fmt.Errorf("agent.voice.stability %.2f is out of range [0, 1]", cfg.Agent.Voice.Stability))
	}

	// Agent ↔ provider cross-validation. Reasoning is mandatory; the audio
	// legs are not (the session degrades without them) but deserve a warning.
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm is required: the agent cannot reason without a reasoning provider"))
	}
	if cfg.Providers.STT.Name == "" {
		slog.Warn("providers.stt is not configured; sessions will start without automatic turn-taking")
	}
	if cfg.Providers.TTS.Name == "" {
		slog.Warn("providers.tts is not configured; replies will be text-only")
	}
	if cfg.Providers.Transport.Name == "" {
		errs = append(errs, errors.New("providers.transport is required: sessions need a room transport to join"))
	}

	// Session policy — zero means default; negatives are always mistakes.
	errs = append(errs, validateSession(cfg.Session)...)

	// Capability probe endpoints
	for name, endpoint := range cfg.Probes {
		if _, err := capability.ParseCapability(name); err != nil {
			errs = append(errs, fmt.Errorf("probes: %w; valid names: stt, tts, vision, telephony", err))
		}
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Errorf("probes.%s %q is not an http(s) URL", name, endpoint))
		}
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("memory.embedding_dimensions %d must not be negative", cfg.Memory.EmbeddingDimensions))
	}
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions == 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; long-term memory and the session log will not be available")
	}
	if cfg.Memory.ContextThresholdRatio < 0 || cfg.Memory.ContextThresholdRatio > 1 {
		errs = append(errs, fmt.Errorf("memory.context_threshold_ratio %.2f is out of range [0, 1]", cfg.Memory.ContextThresholdRatio))
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateSession rejects negative policy values. Zero is permitted everywhere
// because applyDefaults resolves zeroes to the platform defaults.
func validateSession(s SessionConfig) []error {
	var errs []error
	intFields := []struct {
		name string
		val  int
	}{
		{"session.failure_threshold", s.FailureThreshold},
		{"session.tool_retries", s.ToolRetries},
		{"session.tts_retries", s.TTSRetries},
		{"session.max_tool_rounds", s.MaxToolRounds},
		{"session.queue_size", s.QueueSize},
		{"session.rejoin.max_attempts", s.Rejoin.MaxAttempts},
	}
	for _, f := range intFields {
		if f.val < 0 {
			errs = append(errs, fmt.Errorf("%s %d must not be negative", f.name, f.val))
		}
	}
	durFields := []struct {
		name string
		val  Duration
	}{
		{"session.join_timeout", s.JoinTimeout},
		{"session.reasoning_timeout", s.ReasoningTimeout},
		{"session.tool_timeout", s.ToolTimeout},
		{"session.synthesis_timeout", s.SynthesisTimeout},
		{"session.recheck_interval", s.RecheckInterval},
		{"session.rejoin.base_backoff", s.Rejoin.BaseBackoff},
		{"session.rejoin.max_backoff", s.Rejoin.MaxBackoff},
	}
	for _, f := range durFields {
		if f.val < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", f.name, f.val.Std()))
		}
	}
	if s.Rejoin.MaxBackoff > 0 && s.Rejoin.BaseBackoff > s.Rejoin.MaxBackoff {
		errs = append(errs, fmt.Errorf("session.rejoin.base_backoff %s exceeds max_backoff %s",
			s.Rejoin.BaseBackoff.Std(), s.Rejoin.MaxBackoff.Std()))
	}
	return errs
}

// validateProviderChain logs a warning for each entry in a fallback chain
// whose name is non-empty and not found in [ValidProviderNames] for kind.
func validateProviderChain(kind string, entry ProviderEntry) {
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	label := kind
	for e := &entry; e != nil; e = e.Fallback {
		if e.Name != "" && !slices.Contains(known, e.Name) {
			slog.Warn("unknown provider name — may be a typo or third-party provider",
				"kind", label,
				"name", e.Name,
				"known", known,
			)
		}
		label += ".fallback"
	}
}
