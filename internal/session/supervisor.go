package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/capability"
	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/internal/promptctx"
	"github.com/parleyhq/parley/internal/transcript"
	"github.com/parleyhq/parley/internal/turn"
	"github.com/parleyhq/parley/pkg/provider/stt"
	"github.com/parleyhq/parley/pkg/provider/vad"
	"github.com/parleyhq/parley/pkg/transport"
	"github.com/parleyhq/parley/pkg/types"
)

// Default supervisor tuning values. All are overridable through
// [SupervisorConfig].
const (
	defaultJoinTimeout     = 15 * time.Second
	defaultRecheckInterval = 30 * time.Second
	defaultQueueSize       = 16
)

// errBargeIn is the cancellation cause attached when the caller starts
// speaking over agent playback.
var errBargeIn = errors.New("caller barge-in")

// errSpeechStreamClosed marks an STT stream that closed under a live session,
// typically a dropped provider socket.
var errSpeechStreamClosed = errors.New("stt stream closed mid-session")

// ─────────────────────────────────────────────────────────────────────────────
// Session state machine
// ─────────────────────────────────────────────────────────────────────────────

// State enumerates the lifecycle states of a session.
type State int

const (
	// StateInitializing is the state between construction and a completed
	// transport join.
	StateInitializing State = iota

	// StateActive means the session is joined and all voice capabilities are
	// enabled.
	StateActive

	// StateDegraded means the session is joined but at least one of STT/TTS
	// is disabled. The conversation continues over the remaining legs.
	StateDegraded

	// StateReconnecting means the transport dropped and the rejoin cycle is
	// running. No turns are admitted until the session leaves this state.
	StateReconnecting

	// StateTerminated is the absorbing final state. No further turns are
	// accepted and resources have been released.
	StateTerminated
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Supervisor
// ─────────────────────────────────────────────────────────────────────────────

// Prober verifies that a disabled capability is usable again. A nil error
// re-enables the capability.
type Prober func(ctx context.Context) error

// SupervisorConfig holds all dependencies and policy values for one session.
// Adapter, RoomID, Identity, and Orchestrator are required; everything else
// is optional and nil-safe.
type SupervisorConfig struct {
	// Adapter is the media transport used to join and rejoin the room.
	Adapter transport.Adapter

	// RoomID and Identity name the room and the agent participant.
	RoomID   string
	Identity string

	// Orchestrator drives individual turns.
	Orchestrator *turn.Orchestrator

	// Caps is the session's capability set. The supervisor is its only
	// writer. A nil value gets a fresh default set.
	Caps *capability.Set

	// STT, when set, opens a streaming transcription session whose finals
	// drive turn creation.
	STT       stt.Provider
	STTConfig stt.StreamConfig

	// VAD, when set, gates which audio frames reach STT and detects the
	// speech onsets that trigger barge-in.
	VAD       vad.Engine
	VADConfig vad.Config

	// Normalizer corrects final transcripts against Vocabulary before they
	// are admitted. Optional.
	Normalizer transcript.Normalizer
	Vocabulary []string

	// EndPhrases, when set, ends the session gracefully when the caller says
	// goodbye.
	EndPhrases *transcript.EndPhraseDetector

	// Assembler builds the per-turn prompt context; Prefetcher warms its
	// semantic layer from STT partials. Persona shapes the system prompt.
	Assembler  *promptctx.Assembler
	Prefetcher *promptctx.Prefetcher
	Persona    promptctx.Persona

	// ContextMgr accumulates the conversation history across turns.
	ContextMgr *ContextManager

	// Consolidator periodically flushes conversation context to the durable
	// session log, plus once more during End.
	Consolidator *Consolidator

	// Sink receives outbound session events. The supervisor closes it during
	// End.
	Sink *Sink

	// Probers verify disabled capabilities during re-checks. A capability
	// without a prober is re-enabled optimistically.
	Probers map[capability.Capability]Prober

	// Metrics records turn, degradation, and lifecycle instruments. Nil
	// disables recording.
	Metrics *observe.Metrics

	// JoinTimeout bounds the initial transport join. Default: 15s.
	JoinTimeout time.Duration

	// RecheckInterval is how often disabled capabilities are re-checked.
	// Default: 30s.
	RecheckInterval time.Duration

	// Rejoin tunes the reconnect cycle; see [RejoinerConfig] for defaults.
	// The Adapter, RoomID, and Identity fields are filled in by the
	// supervisor.
	Rejoin RejoinerConfig

	// QueueSize caps how many finalized transcripts may wait for the
	// processor. Default: 16.
	QueueSize int
}

// Supervisor owns one session's lifecycle: the state machine, the transcript
// queue and its single processor goroutine, cross-turn fault policy, and
// teardown. All exported methods are safe for concurrent use.
type Supervisor struct {
	id       string
	roomID   string
	identity string

	adapter transport.Adapter
	orch    *turn.Orchestrator
	caps    *capability.Set

	sttProvider stt.Provider
	sttConfig   stt.StreamConfig
	vadEngine   vad.Engine
	vadConfig   vad.Config

	normalizer transcript.Normalizer
	vocabulary []string
	endPhrases *transcript.EndPhraseDetector

	assembler  *promptctx.Assembler
	prefetcher *promptctx.Prefetcher
	persona    promptctx.Persona

	contextMgr   *ContextManager
	consolidator *Consolidator
	sink         *Sink
	probers      map[capability.Capability]Prober
	metrics      *observe.Metrics

	joinTimeout     time.Duration
	recheckInterval time.Duration
	rejoinCfg       RejoinerConfig

	queue chan types.Transcript

	createdAt time.Time

	// sessionCtx spans the session from Start to End; cancelling it stops
	// every background goroutine.
	sessionCtx context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu             sync.Mutex
	state          State
	conn           transport.Conn
	sttSession     stt.SessionHandle
	vadSession     vad.SessionHandle
	turns          []*turn.Turn
	inflight       *turn.Turn
	inflightCancel context.CancelCauseFunc
	playbackActive bool
	speechStart    time.Time
	lastActivity   time.Time
	joined         bool
	ended          bool
}

// NewSupervisor creates a Supervisor in StateInitializing. Call
// [Supervisor.Start] to join the room and begin accepting speech.
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Adapter == nil {
		return nil, errors.New("session: transport adapter is required")
	}
	if cfg.RoomID == "" || cfg.Identity == "" {
		return nil, errors.New("session: room ID and identity are required")
	}
	if cfg.Orchestrator == nil {
		return nil, errors.New("session: turn orchestrator is required")
	}

	caps := cfg.Caps
	if caps == nil {
		caps = capability.NewSet(capability.Config{})
	}
	joinTimeout := cfg.JoinTimeout
	if joinTimeout <= 0 {
		joinTimeout = defaultJoinTimeout
	}
	recheckInterval := cfg.RecheckInterval
	if recheckInterval <= 0 {
		recheckInterval = defaultRecheckInterval
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		id:              fmt.Sprintf("session-%s-%s", cfg.RoomID, now.Format("20060102T150405Z")),
		roomID:          cfg.RoomID,
		identity:        cfg.Identity,
		adapter:         cfg.Adapter,
		orch:            cfg.Orchestrator,
		caps:            caps,
		sttProvider:     cfg.STT,
		sttConfig:       cfg.STTConfig,
		vadEngine:       cfg.VAD,
		vadConfig:       cfg.VADConfig,
		normalizer:      cfg.Normalizer,
		vocabulary:      cfg.Vocabulary,
		endPhrases:      cfg.EndPhrases,
		assembler:       cfg.Assembler,
		prefetcher:      cfg.Prefetcher,
		persona:         cfg.Persona,
		contextMgr:      cfg.ContextMgr,
		consolidator:    cfg.Consolidator,
		sink:            cfg.Sink,
		probers:         cfg.Probers,
		metrics:         cfg.Metrics,
		joinTimeout:     joinTimeout,
		recheckInterval: recheckInterval,
		rejoinCfg:       cfg.Rejoin,
		queue:           make(chan types.Transcript, queueSize),
		createdAt:       now,
		sessionCtx:      ctx,
		cancel:          cancel,
		state:           StateInitializing,
		lastActivity:    now,
	}, nil
}

// ID returns the session identifier.
func (s *Supervisor) ID() string { return s.id }

// RoomID returns the room this session belongs to.
func (s *Supervisor) RoomID() string { return s.roomID }

// AttachConsolidator installs the periodic context flusher. The session ID
// is generated by [NewSupervisor], so callers that key consolidation by
// session must attach after construction. Attaching after Start has no
// effect on an already-running flush loop.
func (s *Supervisor) AttachConsolidator(c *Consolidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateInitializing {
		s.consolidator = c
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Level returns the current degradation level.
func (s *Supervisor) Level() capability.Degradation {
	return s.caps.Level()
}

// BlockedOperations returns the currently disabled capabilities, for health
// and event reporting.
func (s *Supervisor) BlockedOperations() []capability.Capability {
	return s.caps.Disabled()
}

// Turns returns the session's append-only turn history.
func (s *Supervisor) Turns() []*turn.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*turn.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// LastActivity returns when the session last admitted a transcript or
// completed a turn.
func (s *Supervisor) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Start joins the room and brings the session to StateActive. A join that
// does not complete within the join timeout moves the session straight to
// StateTerminated and returns a [*TransportError].
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateInitializing {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session %s: start from state %s", s.id, st)
	}
	s.mu.Unlock()

	jctx, jcancel := context.WithTimeout(ctx, s.joinTimeout)
	defer jcancel()

	conn, err := s.adapter.Join(jctx, s.roomID, s.identity)
	if err != nil {
		terr := &TransportError{RoomID: s.roomID, Op: "join", Err: err}
		slog.Error("session join failed",
			"session_id", s.id,
			"room_id", s.roomID,
			"error", err,
		)
		s.setState(StateTerminated, "join_failed")
		s.cancel()
		s.closeSink()
		return terr
	}

	// The callback runs on the transport's goroutine and must not block.
	conn.OnDisconnected(func(reason string) {
		go s.HandleDisconnect(reason)
	})

	s.mu.Lock()
	s.conn = conn
	s.joined = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(s.sessionCtx, 1)
	}

	s.openSpeechPipeline(ctx)
	s.setState(StateActive, "joined")

	s.wg.Add(2)
	go s.processLoop()
	go s.recheckLoop()
	s.startIntake(conn)

	if s.consolidator != nil {
		s.consolidator.Start(s.sessionCtx)
	}

	slog.Info("session started",
		"session_id", s.id,
		"room_id", s.roomID,
		"identity", s.identity,
	)
	return nil
}

// openSpeechPipeline opens the STT stream and VAD session. Either failing
// counts as a capability failure, not a session failure.
func (s *Supervisor) openSpeechPipeline(ctx context.Context) {
	if s.sttProvider != nil {
		handle, err := s.sttProvider.StartStream(ctx, s.sttConfig)
		if err != nil {
			slog.Warn("stt stream failed to open",
				"session_id", s.id,
				"error", err,
			)
			s.ReportCapabilityFailure(capability.STT, err)
		} else {
			s.mu.Lock()
			s.sttSession = handle
			s.mu.Unlock()

			s.wg.Add(2)
			go s.partialLoop(handle)
			go s.finalLoop(handle)
		}
	}

	if s.vadEngine != nil {
		vs, err := s.vadEngine.NewSession(s.vadConfig)
		if err != nil {
			slog.Warn("vad session failed to open, passing all frames to stt",
				"session_id", s.id,
				"error", err,
			)
		} else {
			s.mu.Lock()
			s.vadSession = vs
			s.mu.Unlock()
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Intake: audio frames → VAD → STT → queue
// ─────────────────────────────────────────────────────────────────────────────

// startIntake runs the frame loop for one connection. It exits when the
// connection's audio channel closes (disconnect or leave); a rejoin starts a
// fresh intake on the new connection.
func (s *Supervisor) startIntake(conn transport.Conn) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		audio := conn.SubscribeAudio()
		for {
			select {
			case <-s.sessionCtx.Done():
				return
			case frame, ok := <-audio:
				if !ok {
					return
				}
				s.handleFrame(frame)
			}
		}
	}()
}

// handleFrame gates one captured frame through VAD and forwards speech to
// the STT stream.
func (s *Supervisor) handleFrame(frame types.AudioFrame) {
	s.mu.Lock()
	vadSess := s.vadSession
	sttSess := s.sttSession
	s.mu.Unlock()

	speech := true
	if vadSess != nil {
		ev, err := vadSess.ProcessFrame(frame.Data)
		if err != nil {
			slog.Debug("vad frame error", "session_id", s.id, "error", err)
			return
		}
		switch ev.Type {
		case types.VADSpeechStart:
			s.mu.Lock()
			s.speechStart = time.Now()
			s.mu.Unlock()
			s.interruptPlayback()
		case types.VADSilence:
			speech = false
		}
	}
	if speech && sttSess != nil && s.caps.Enabled(capability.STT) {
		if err := sttSess.SendAudio(frame.Data); err != nil {
			slog.Debug("stt send failed", "session_id", s.id, "error", err)
			s.ReportCapabilityFailure(capability.STT, err)
		}
	}
}

// interruptPlayback implements barge-in: a speech onset while the agent is
// playing a reply cancels the playback (and, through the shared turn
// context, any synthesis still streaming into it).
func (s *Supervisor) interruptPlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playbackActive && s.inflightCancel != nil {
		slog.Info("barge-in, stopping playback", "session_id", s.id)
		s.inflightCancel(errBargeIn)
	}
}

// partialLoop feeds STT partials into the speculative memory prefetcher.
func (s *Supervisor) partialLoop(handle stt.SessionHandle) {
	defer s.wg.Done()
	partials := handle.Partials()
	for {
		select {
		case <-s.sessionCtx.Done():
			return
		case tr, ok := <-partials:
			if !ok {
				return
			}
			if s.prefetcher != nil {
				s.prefetcher.ProcessPartial(s.sessionCtx, tr.Text)
			}
		}
	}
}

// finalLoop admits finalized transcripts in arrival order. A finals channel
// that closes under a live session means the provider stream died; that is a
// capability loss, not the end of the session.
func (s *Supervisor) finalLoop(handle stt.SessionHandle) {
	defer s.wg.Done()
	finals := handle.Finals()
	for {
		select {
		case <-s.sessionCtx.Done():
			return
		case tr, ok := <-finals:
			if !ok {
				s.handleSpeechStreamLoss(handle)
				return
			}
			s.admitFinal(tr)
		}
	}
}

// handleSpeechStreamLoss reacts to an STT stream that closed without the
// session asking for it: the handle is released, STT is hard-disabled (a dead
// stream cannot accumulate per-call failures), and recovery is left to the
// recheck cycle, which reopens the stream on a successful probe.
func (s *Supervisor) handleSpeechStreamLoss(handle stt.SessionHandle) {
	s.mu.Lock()
	if s.ended || s.sttSession != handle {
		// End owns teardown, and a replaced handle already has its own loops.
		s.mu.Unlock()
		return
	}
	s.sttSession = nil
	s.mu.Unlock()

	if err := handle.Close(); err != nil {
		slog.Debug("close dead stt stream", "session_id", s.id, "error", err)
	}
	slog.Warn("stt stream lost, disabling transcription until recheck",
		"session_id", s.id,
	)

	change := s.caps.Disable(capability.STT, errSpeechStreamClosed)
	s.noteDegradation(capability.STT, change)
}

// admitFinal normalizes a final transcript, checks for an end phrase, and
// queues it for the processor. Refused while STT is disabled, while
// reconnecting, or when the queue is full.
func (s *Supervisor) admitFinal(tr types.Transcript) {
	if tr.Text == "" {
		return
	}

	if s.normalizer != nil {
		norm, err := s.normalizer.Normalize(s.sessionCtx, tr, s.vocabulary)
		if err != nil {
			slog.Warn("transcript normalization failed, using raw text",
				"session_id", s.id,
				"error", err,
			)
		} else {
			tr.Text = norm.Text
		}
	}

	if s.endPhrases != nil {
		if phrase, ok := s.endPhrases.Detect(tr.Text); ok {
			slog.Info("end phrase detected",
				"session_id", s.id,
				"phrase", phrase,
			)
			go s.End("user_goodbye") //nolint:errcheck
			return
		}
	}

	s.mu.Lock()
	state := s.state
	onset := s.speechStart
	s.speechStart = time.Time{}
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if s.metrics != nil && !onset.IsZero() {
		s.metrics.STTDuration.Record(s.sessionCtx, time.Since(onset).Seconds())
	}

	if state != StateActive && state != StateDegraded {
		slog.Debug("transcript dropped, session not accepting turns",
			"session_id", s.id,
			"state", state.String(),
		)
		return
	}
	if !s.caps.Enabled(capability.STT) {
		slog.Debug("transcript dropped, stt capability disabled", "session_id", s.id)
		return
	}

	select {
	case s.queue <- tr:
	default:
		slog.Warn("transcript queue full, dropping utterance",
			"session_id", s.id,
			"text", tr.Text,
		)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Processor: one goroutine, strictly sequential turns
// ─────────────────────────────────────────────────────────────────────────────

// processLoop is the session's single sequential processor. Transcripts are
// handled strictly in arrival order; no two turns of the same session ever
// overlap.
func (s *Supervisor) processLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.sessionCtx.Done():
			return
		case tr := <-s.queue:
			s.processTurn(tr)
		}
	}
}

// processTurn runs one turn end to end: prompt assembly, orchestration,
// history update, event emission, and playback.
func (s *Supervisor) processTurn(tr types.Transcript) {
	t := turn.New(s.id, tr)
	tctx, tcancel := context.WithCancelCause(s.sessionCtx)
	defer tcancel(nil)

	s.mu.Lock()
	s.turns = append(s.turns, t)
	s.inflight = t
	s.inflightCancel = tcancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight = nil
		s.inflightCancel = nil
		s.playbackActive = false
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}()

	// A transcript queued before its capture stream was lost is stale by the
	// time the processor reaches it.
	if !s.caps.Enabled(capability.STT) {
		t.Abandon(turn.AbandonCapabilityLost)
		slog.Warn("turn abandoned",
			"session_id", s.id,
			"turn_id", t.ID,
			"reason", t.Reason().String(),
		)
		s.finishTurn(t, nil)
		return
	}

	systemPrompt, history := s.assemblePrompt(tctx, tr)

	res, err := s.orch.Process(tctx, t, systemPrompt, history)
	if err != nil {
		if t.State() != turn.StateAbandoned {
			t.Abandon(turn.AbandonReasoningFailure)
		}
		slog.Warn("turn abandoned",
			"session_id", s.id,
			"turn_id", t.ID,
			"reason", t.Reason().String(),
			"error", err,
		)
		s.finishTurn(t, nil)
		return
	}

	if s.contextMgr != nil {
		if cerr := s.contextMgr.AddMessages(s.sessionCtx, res.Messages...); cerr != nil {
			slog.Warn("context update failed", "session_id", s.id, "error", cerr)
		}
	}

	// The orchestrator never fails a turn over TTS; the capability report
	// happens here so degradation stays supervisor-owned.
	if res.SynthesisErr != nil {
		s.ReportCapabilityFailure(capability.TTS, res.SynthesisErr)
	} else if res.Audio != nil {
		s.caps.ReportSuccess(capability.TTS)
	}
	s.caps.ReportSuccess(capability.STT)

	s.finishTurn(t, res)

	if res.Audio != nil {
		s.playReply(tctx, res.Audio)
	}
}

// finishTurn records a turn's terminal metrics and emits its event. A nil
// result means the turn was abandoned.
func (s *Supervisor) finishTurn(t *turn.Turn, res *turn.Result) {
	if s.metrics != nil {
		outcome := "replied"
		if res == nil {
			outcome = "abandoned"
		}
		s.metrics.RecordTurn(s.sessionCtx, outcome)
		s.metrics.TurnDuration.Record(s.sessionCtx, t.Elapsed().Seconds())
	}
	if res == nil {
		s.publish(TurnAbandoned{SessionID: s.id, TurnID: t.ID, Reason: t.Reason()})
		return
	}
	s.publish(TurnCompleted{
		SessionID: s.id,
		TurnID:    t.ID,
		Reply:     t.Reply(),
		HasAudio:  res.Audio != nil,
		ToolCalls: len(t.Invocations()),
		Duration:  t.Elapsed(),
	})
}

// assemblePrompt builds the system prompt and history for one turn. All
// failures degrade to an empty context; a turn is never abandoned over a
// memory fetch.
func (s *Supervisor) assemblePrompt(ctx context.Context, tr types.Transcript) (string, []types.Message) {
	var pctx *promptctx.PromptContext
	if s.assembler != nil {
		var err error
		pctx, err = s.assembler.Assemble(ctx, s.id, tr.SpeakerID, tr.Text)
		if err != nil {
			slog.Warn("prompt assembly failed, continuing without memory",
				"session_id", s.id,
				"error", err,
			)
			pctx = nil
		}
	}
	if s.prefetcher != nil {
		if pctx == nil {
			pctx = &promptctx.PromptContext{}
		}
		pctx.PrefetchMatches = s.prefetcher.Results()
		s.prefetcher.Reset()
	}

	var history []types.Message
	if s.contextMgr != nil {
		history = s.contextMgr.Messages()
	}
	return promptctx.FormatSystemPrompt(pctx, s.persona), history
}

// playReply publishes the synthesized reply to the room and blocks until
// playback completes, is barged in on, or the session ends.
func (s *Supervisor) playReply(ctx context.Context, audio *turn.AudioHandle) {
	s.mu.Lock()
	conn := s.conn
	s.playbackActive = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.playbackActive = false
		s.mu.Unlock()
	}()

	if conn == nil {
		go drainPCM(audio.PCM)
		return
	}

	frames := make(chan types.AudioFrame)
	go func() {
		defer close(frames)
		for pcm := range audio.PCM {
			frame := types.AudioFrame{
				Data:       pcm,
				SampleRate: audio.SampleRate,
				Channels:   audio.Channels,
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				go drainPCM(audio.PCM)
				return
			}
		}
	}()

	if err := conn.PublishAudio(ctx, frames); err != nil {
		if errors.Is(context.Cause(ctx), errBargeIn) {
			return
		}
		slog.Warn("audio playback failed",
			"session_id", s.id,
			"error", err,
		)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Fault policy
// ─────────────────────────────────────────────────────────────────────────────

// ReportCapabilityFailure records one failed call against cap. Crossing the
// failure threshold disables the capability and may raise the degradation
// level, moving the session to StateDegraded. A capability failure never
// terminates the session.
func (s *Supervisor) ReportCapabilityFailure(cap capability.Capability, err error) {
	s.noteDegradation(cap, s.caps.ReportFailure(cap, err))
}

// noteDegradation emits the event, metric, and state transition for a
// capability-set change that disabled something.
func (s *Supervisor) noteDegradation(cap capability.Capability, change capability.Change) {
	if change.Disabled && s.metrics != nil {
		s.metrics.RecordDegradation(s.sessionCtx, cap.String(), change.NewLevel.String())
	}
	if !change.LevelChanged {
		return
	}
	s.publish(DegradationChanged{
		SessionID:  s.id,
		Capability: cap,
		Old:        change.OldLevel,
		New:        change.NewLevel,
	})
	s.setState(StateDegraded, cap.String()+"_disabled")
}

// RecheckCapability probes a disabled capability and, on success, re-enables
// it and recomputes the degradation level. This is the only de-escalation
// path. A capability without a prober is re-enabled optimistically.
func (s *Supervisor) RecheckCapability(ctx context.Context, cap capability.Capability) error {
	if prober, ok := s.probers[cap]; ok && prober != nil {
		if err := prober(ctx); err != nil {
			slog.Debug("capability recheck failed",
				"session_id", s.id,
				"capability", cap.String(),
				"error", err,
			)
			return &CapabilityError{Capability: cap, Err: err}
		}
	}

	// A recovered STT capability is only usable with a live stream; reopen
	// it first so the capability never reads enabled while the session is
	// still deaf.
	if cap == capability.STT {
		if err := s.reopenSpeechStream(ctx); err != nil {
			slog.Debug("stt stream reopen failed",
				"session_id", s.id,
				"error", err,
			)
			return &CapabilityError{Capability: cap, Err: err}
		}
	}

	change := s.caps.Recover(cap)
	if change.Recovered && s.metrics != nil {
		s.metrics.RecordRecovery(s.sessionCtx, cap.String())
	}
	if change.LevelChanged {
		s.publish(DegradationChanged{
			SessionID:  s.id,
			Capability: cap,
			Old:        change.OldLevel,
			New:        change.NewLevel,
		})
	}
	if change.Recovered && s.caps.Level().Level == capability.None {
		s.setState(StateActive, "capability_recovered")
	}
	return nil
}

// reopenSpeechStream starts a fresh STT stream after the previous one was
// lost. A no-op when no provider is configured or a stream is already live.
func (s *Supervisor) reopenSpeechStream(ctx context.Context) error {
	if s.sttProvider == nil {
		return nil
	}
	s.mu.Lock()
	if s.ended || s.sttSession != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	handle, err := s.sttProvider.StartStream(ctx, s.sttConfig)
	if err != nil {
		return fmt.Errorf("reopen stt stream: %w", err)
	}

	s.mu.Lock()
	if s.ended || s.sttSession != nil {
		s.mu.Unlock()
		return handle.Close()
	}
	s.sttSession = handle
	// Add under the lock so End cannot slip between the ended check and the
	// Add and start waiting on a stale counter.
	s.wg.Add(2)
	s.mu.Unlock()

	go s.partialLoop(handle)
	go s.finalLoop(handle)

	slog.Info("stt stream reopened", "session_id", s.id)
	return nil
}

// recheckLoop drives periodic health re-checks of disabled capabilities.
func (s *Supervisor) recheckLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.recheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sessionCtx.Done():
			return
		case <-ticker.C:
			for _, cap := range s.caps.Disabled() {
				_ = s.RecheckCapability(s.sessionCtx, cap)
			}
		}
	}
}

// HandleDisconnect reacts to a transport drop: the session moves to
// StateReconnecting, the in-flight turn is abandoned, and a bounded-backoff
// rejoin cycle runs. A successful rejoin restores the prior Active/Degraded
// state; an exhausted budget terminates the session.
func (s *Supervisor) HandleDisconnect(reason string) {
	s.mu.Lock()
	if s.state == StateTerminated || s.state == StateReconnecting {
		s.mu.Unlock()
		return
	}
	cancel := s.inflightCancel
	s.conn = nil
	s.mu.Unlock()

	slog.Warn("transport disconnected",
		"session_id", s.id,
		"room_id", s.roomID,
		"reason", reason,
	)
	s.setState(StateReconnecting, reason)

	if cancel != nil {
		cancel(turn.ErrSessionInterrupted)
	}

	rejoinCfg := s.rejoinCfg
	rejoinCfg.Adapter = s.adapter
	rejoinCfg.RoomID = s.roomID
	rejoinCfg.Identity = s.identity
	conn, err := NewRejoiner(rejoinCfg).Rejoin(s.sessionCtx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordRejoin(context.Background(), "failed")
		}
		if s.sessionCtx.Err() != nil {
			return
		}
		if endErr := s.End("rejoin_exhausted"); endErr != nil {
			slog.Error("session end after failed rejoin",
				"session_id", s.id,
				"error", endErr,
			)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.RecordRejoin(s.sessionCtx, "ok")
	}

	conn.OnDisconnected(func(reason string) {
		go s.HandleDisconnect(reason)
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.startIntake(conn)

	if s.caps.Level().Level == capability.None {
		s.setState(StateActive, "rejoined")
	} else {
		s.setState(StateDegraded, "rejoined")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Teardown
// ─────────────────────────────────────────────────────────────────────────────

// End moves the session to StateTerminated, abandons any in-flight turn,
// flushes conversation context, and releases the transport. It is
// idempotent: only the first call releases resources; later calls return
// nil immediately.
func (s *Supervisor) End(reason string) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return nil
	}
	s.ended = true
	cancel := s.inflightCancel
	conn := s.conn
	sttSess := s.sttSession
	vadSess := s.vadSession
	joined := s.joined
	s.conn = nil
	s.sttSession = nil
	s.vadSession = nil
	s.mu.Unlock()

	slog.Info("session ending", "session_id", s.id, "reason", reason)

	if s.metrics != nil {
		s.metrics.RecordSessionEnd(context.Background(), reason)
		if joined {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
	}

	if cancel != nil {
		cancel(turn.ErrSessionInterrupted)
	}

	var errs []error

	if s.consolidator != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.consolidator.ConsolidateNow(flushCtx); err != nil {
			slog.Warn("final consolidation failed", "session_id", s.id, "error", err)
			errs = append(errs, err)
		}
		flushCancel()
		s.consolidator.Stop()
	}

	if sttSess != nil {
		if err := sttSess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stt session: %w", err))
		}
	}
	if vadSess != nil {
		if err := vadSess.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close vad session: %w", err))
		}
	}
	if conn != nil {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := conn.Leave(leaveCtx); err != nil {
			errs = append(errs, &TransportError{RoomID: s.roomID, Op: "leave", Err: err})
		}
		leaveCancel()
	}

	s.setState(StateTerminated, reason)
	s.cancel()
	s.wg.Wait()
	s.closeSink()

	slog.Info("session ended", "session_id", s.id, "reason", reason)
	return errors.Join(errs...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// setState records a state transition and emits the change event. Terminated
// is absorbing; transitions out of it are ignored, as are self-transitions.
func (s *Supervisor) setState(next State, reason string) {
	s.mu.Lock()
	old := s.state
	if old == StateTerminated || old == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	slog.Info("session state changed",
		"session_id", s.id,
		"old", old.String(),
		"new", next.String(),
		"reason", reason,
	)
	s.publish(SessionStateChanged{SessionID: s.id, Old: old, New: next, Reason: reason})
}

// publish emits an event when a sink is configured.
func (s *Supervisor) publish(e Event) {
	if s.sink != nil {
		s.sink.Publish(e)
	}
}

// closeSink closes the event sink when one is configured.
func (s *Supervisor) closeSink() {
	if s.sink != nil {
		s.sink.Close()
	}
}

// drainPCM discards reply audio that cannot be played, keeping the synthesis
// goroutine from blocking.
func drainPCM(ch <-chan []byte) {
	for range ch {
	}
}
