package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/gateway"
	"github.com/parleyhq/parley/internal/mcp"
	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/internal/resilience"
	"github.com/parleyhq/parley/pkg/provider/llm"
	"github.com/parleyhq/parley/pkg/types"
)

// Default pipeline budgets. All are overridable through [Config].
const (
	DefaultReasoningTimeout = 30 * time.Second
	DefaultToolTimeout      = 10 * time.Second
	DefaultToolRetries      = 2
	DefaultMaxToolRounds    = 8
)

// ErrTurnAbandoned is returned by [Orchestrator.Process] when the turn was
// abandoned from outside the processor goroutine, typically by the
// supervisor's End path.
var ErrTurnAbandoned = errors.New("turn abandoned")

// errEmptyReply marks a completion stream that finished without producing
// any reply text.
var errEmptyReply = errors.New("completion produced no reply text")

// Config holds the orchestrator's per-stage budgets.
type Config struct {
	// ReasoningTimeout bounds a single LLM completion. Default: 30s.
	ReasoningTimeout time.Duration

	// ToolTimeout bounds a single tool invocation. Default: 10s.
	ToolTimeout time.Duration

	// ToolRetries is how many extra attempts a failed tool call gets before
	// its failure is folded into the conversation. Default: 2.
	ToolRetries int

	// MaxToolRounds caps the reasoning/tool-loop rounds per turn. The round
	// after the cap runs without tools so the model must answer in plain
	// text. Default: 8.
	MaxToolRounds int

	// Temperature and MaxTokens are passed through to every completion.
	Temperature float64
	MaxTokens   int
}

func (c Config) withDefaults() Config {
	if c.ReasoningTimeout <= 0 {
		c.ReasoningTimeout = DefaultReasoningTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.ToolRetries < 0 {
		c.ToolRetries = DefaultToolRetries
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	return c
}

// CapabilityView is the read-only slice of [capability.Set] the orchestrator
// consults. Mutation stays with the session supervisor.
type CapabilityView interface {
	Enabled(cap capability.Capability) bool
}

// ToolGateway is the surface of [gateway.Gateway] the orchestrator uses.
type ToolGateway interface {
	Tools() []types.ToolDefinition
	Invoke(ctx context.Context, name, args string, timeout time.Duration) (*mcp.ToolResult, error)
}

// Compile-time check that the real gateway satisfies ToolGateway.
var _ ToolGateway = (*gateway.Gateway)(nil)

// Result is the outcome of a successful [Orchestrator.Process] call.
type Result struct {
	// Turn is the completed turn, in StateReplied.
	Turn *Turn

	// Audio carries the synthesised reply, or nil when the turn completed
	// text-only.
	Audio *AudioHandle

	// SynthesisErr is the TTS failure that forced a text-only reply, if any.
	// The supervisor reports it against the TTS capability.
	SynthesisErr error

	// Messages are the conversation messages this turn produced, in order:
	// the user message, any assistant tool-call and tool-result messages,
	// and the final assistant reply. The session's context manager appends
	// them to the conversation history.
	Messages []types.Message
}

// Orchestrator drives turns through reasoning, tool execution, and synthesis.
// One orchestrator serves one session; the supervisor's processor goroutine
// calls [Orchestrator.Process] for one turn at a time.
type Orchestrator struct {
	llm     llm.Provider
	caps    CapabilityView
	gateway ToolGateway
	synth   *Synthesizer
	gate    *Gate
	cfg     Config
	metrics *observe.Metrics
	logger  *slog.Logger
}

// Option configures an [Orchestrator] during construction.
type Option func(*Orchestrator)

// WithGateway wires the tool/memory gateway. Without one the model is never
// offered tools.
func WithGateway(gw ToolGateway) Option {
	return func(o *Orchestrator) { o.gateway = gw }
}

// WithSynthesizer wires the TTS stage. Without one every reply is text-only.
func WithSynthesizer(s *Synthesizer) Option {
	return func(o *Orchestrator) { o.synth = s }
}

// WithToolGate replaces the default tool routing gate.
func WithToolGate(g *Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

// WithConfig overrides the default stage budgets. Zero fields keep their
// defaults.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.cfg = cfg.withDefaults() }
}

// WithMetrics wires per-stage latency and counter instruments. Without it no
// metrics are recorded.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger. Default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator for one session. caps is the
// supervisor's capability set, consulted read-only before synthesis.
func NewOrchestrator(p llm.Provider, caps CapabilityView, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		llm:    p,
		caps:   caps,
		gate:   NewGate(),
		cfg:    Config{}.withDefaults(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs one turn to completion. history is the assembled conversation
// context, not including the turn's own user message; systemPrompt is the
// persona prompt from the context assembler.
//
// On success the turn is in StateReplied and the result carries the reply
// audio and the messages to fold into the conversation history. A
// [*ReasoningError] abandons the turn; tool and TTS failures do not.
func (o *Orchestrator) Process(ctx context.Context, t *Turn, systemPrompt string, history []types.Message) (*Result, error) {
	userMsg := types.Message{Role: "user", Content: t.Input.Text, Name: t.Input.SpeakerID}
	msgs := make([]types.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, userMsg)
	turnMsgs := []types.Message{userMsg}

	var tools []types.ToolDefinition
	if o.gateway != nil && o.llm.Capabilities().SupportsToolCalling && o.gate.ShouldOfferTools(t.Input.Text) {
		tools = o.gateway.Tools()
	}

	var reply string
	for round := 0; ; round++ {
		if !t.advance(StateReasoning) {
			return nil, fmt.Errorf("%w: %s", ErrTurnAbandoned, t.Reason())
		}

		reqTools := tools
		if round >= o.cfg.MaxToolRounds {
			o.logger.Warn("tool round cap reached, forcing plain-text round",
				"turn", t.ID,
				"rounds", round)
			reqTools = nil
		}

		reasonStart := time.Now()
		text, calls, err := o.reason(ctx, llm.CompletionRequest{
			Messages:     msgs,
			Tools:        reqTools,
			Temperature:  o.cfg.Temperature,
			MaxTokens:    o.cfg.MaxTokens,
			SystemPrompt: systemPrompt,
		})
		if o.metrics != nil {
			o.metrics.ReasoningDuration.Record(ctx, time.Since(reasonStart).Seconds())
		}
		if err != nil {
			if ctx.Err() != nil {
				t.Abandon(abandonReasonFor(ctx))
				return nil, context.Cause(ctx)
			}
			t.Abandon(AbandonReasoningFailure)
			return nil, &ReasoningError{TurnID: t.ID, Err: err}
		}
		if len(calls) == 0 {
			reply = text
			break
		}

		if !t.advance(StateToolLoop) {
			return nil, fmt.Errorf("%w: %s", ErrTurnAbandoned, t.Reason())
		}
		assistant := types.Message{Role: "assistant", Content: text, ToolCalls: calls}
		msgs = append(msgs, assistant)
		turnMsgs = append(turnMsgs, assistant)

		// Tool calls run strictly sequentially, one at a time.
		for _, call := range calls {
			content := o.invokeTool(ctx, t, call)
			if ctx.Err() != nil {
				t.Abandon(abandonReasonFor(ctx))
				return nil, context.Cause(ctx)
			}
			toolMsg := types.Message{Role: "tool", Content: content, Name: call.Name, ToolCallID: call.ID}
			msgs = append(msgs, toolMsg)
			turnMsgs = append(turnMsgs, toolMsg)
		}
	}

	// A stream can close cleanly without having produced any text or tool
	// calls. A turn never reaches Replied with nothing to say.
	if strings.TrimSpace(reply) == "" {
		t.Abandon(AbandonReasoningFailure)
		return nil, &ReasoningError{TurnID: t.ID, Err: errEmptyReply}
	}

	var (
		audio    *AudioHandle
		synthErr error
	)
	if o.synth != nil && o.caps.Enabled(capability.TTS) {
		if !t.advance(StateSynthesizing) {
			return nil, fmt.Errorf("%w: %s", ErrTurnAbandoned, t.Reason())
		}
		synthStart := time.Now()
		audio, synthErr = o.synth.Speak(ctx, reply)
		if o.metrics != nil {
			o.metrics.TTSDuration.Record(ctx, time.Since(synthStart).Seconds())
		}
		if synthErr != nil {
			if ctx.Err() != nil {
				t.Abandon(abandonReasonFor(ctx))
				return nil, context.Cause(ctx)
			}
			// TTS failure is never fatal to the turn.
			o.logger.Warn("synthesis failed, replying text-only",
				"turn", t.ID,
				"error", synthErr)
			audio = nil
		}
	}

	turnMsgs = append(turnMsgs, types.Message{Role: "assistant", Content: reply})

	if !t.complete(reply) {
		if audio != nil {
			go drainAudio(audio.PCM)
		}
		return nil, fmt.Errorf("%w: %s", ErrTurnAbandoned, t.Reason())
	}
	return &Result{Turn: t, Audio: audio, SynthesisErr: synthErr, Messages: turnMsgs}, nil
}

// reason runs one bounded LLM completion, accumulating streamed text and
// tool-call fragments into a single result.
func (o *Orchestrator) reason(ctx context.Context, req llm.CompletionRequest) (string, []types.ToolCall, error) {
	rctx, cancel := context.WithTimeout(ctx, o.cfg.ReasoningTimeout)
	defer cancel()

	ch, err := o.llm.StreamCompletion(rctx, req)
	if err != nil {
		return "", nil, err
	}

	var (
		buf   strings.Builder
		calls []types.ToolCall
	)
	for chunk := range ch {
		if chunk.FinishReason == "error" {
			go drainChunks(ch)
			return "", nil, errors.New("completion stream reported an error")
		}
		buf.WriteString(chunk.Text)
		calls = mergeToolCalls(calls, chunk.ToolCalls)
	}
	if err := rctx.Err(); err != nil {
		return "", nil, err
	}
	return buf.String(), calls, nil
}

// invokeTool runs one tool call through the gateway with the retry budget.
// An exhausted budget is folded into the conversation as an error notice so
// reasoning can continue; it is never surfaced as a Go error.
func (o *Orchestrator) invokeTool(ctx context.Context, t *Turn, call types.ToolCall) string {
	start := time.Now()
	attempts := 0
	result, err := resilience.RetryWithResult(ctx, resilience.RetryConfig{
		Name:        "tool " + call.Name,
		MaxAttempts: o.cfg.ToolRetries + 1,
	}, func(ctx context.Context) (*mcp.ToolResult, error) {
		attempts++
		return o.gateway.Invoke(ctx, call.Name, call.Arguments, o.cfg.ToolTimeout)
	})

	inv := ToolInvocation{
		Name:      call.Name,
		Arguments: call.Arguments,
		Attempts:  attempts,
		Duration:  time.Since(start),
	}
	var content string
	if err != nil {
		o.logger.Warn("tool call exhausted its retry budget",
			"turn", t.ID,
			"tool", call.Name,
			"attempts", attempts,
			"error", err)
		content = fmt.Sprintf(`{"error": %q}`, "tool call failed: "+err.Error())
		inv.Failed = true
	} else {
		content = result.Content
		inv.Failed = result.IsError
	}
	inv.Result = content
	t.recordInvocation(inv)

	if o.metrics != nil {
		o.metrics.ToolExecutionDuration.Record(ctx, inv.Duration.Seconds())
		status := "ok"
		if inv.Failed {
			status = "failed"
		}
		o.metrics.RecordToolCall(ctx, call.Name, status)
	}
	return content
}

// mergeToolCalls folds streamed tool-call fragments into the accumulated
// list. A fragment without an ID, or repeating the ID of the last call,
// extends that call's argument string; anything else starts a new call.
func mergeToolCalls(calls []types.ToolCall, incoming []types.ToolCall) []types.ToolCall {
	for _, tc := range incoming {
		n := len(calls)
		if n > 0 && (tc.ID == "" || tc.ID == calls[n-1].ID) {
			calls[n-1].Arguments += tc.Arguments
			if calls[n-1].Name == "" {
				calls[n-1].Name = tc.Name
			}
			continue
		}
		calls = append(calls, tc)
	}
	return calls
}

// abandonReasonFor maps a cancelled context to an abandon reason using the
// cancellation cause the supervisor attached.
func abandonReasonFor(ctx context.Context) AbandonReason {
	if errors.Is(context.Cause(ctx), ErrSessionInterrupted) {
		return AbandonSessionInterrupted
	}
	return AbandonCancelled
}

// drainAudio discards synthesised audio for a turn that was abandoned after
// synthesis started, so the provider's goroutine is not left blocked.
func drainAudio(ch <-chan []byte) {
	for range ch {
	}
}

// drainChunks discards the rest of a completion stream after an error chunk,
// keeping the provider's goroutine from blocking.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
