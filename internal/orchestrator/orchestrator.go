// Package orchestrator drives the per-session real-time pipeline: audio in,
// transcripts from the STT pool, a streamed LLM response, synthesized speech
// out. Each session is a small state machine; all external services are
// consumed through narrow interfaces so the pipeline can be tested without
// network backends.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/llm"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/internal/stt"
	"github.com/cadenzahq/cadenza/internal/tts"
	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
)

// silenceTick is how often the silence monitor compares the last audio time
// against the threshold.
const silenceTick = 100 * time.Millisecond

// defaultSilenceThreshold applies when the config leaves it unset.
const defaultSilenceThreshold = 600 * time.Millisecond

// State is the per-session pipeline state.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateFinalizing State = "finalizing"
	StateGenerating State = "generating"
	StateSpeaking   State = "speaking"
)

// Transcriber is the slice of the STT pool the orchestrator needs.
type Transcriber interface {
	Connect(ctx context.Context, sessionID, userID, url string) bool
	SendAudio(ctx context.Context, sessionID string, audio []byte, format stt.AudioFormat) bool
	RegisterCallback(sessionID string, f stt.Callback)
	FinalizeTranscript(ctx context.Context, sessionID string) bool
	Disconnect(ctx context.Context, sessionID string)
}

// Speaker is the slice of the TTS client the orchestrator needs.
type Speaker interface {
	Synthesize(ctx context.Context, sessionID, text string, params tts.VoiceParams, cb func([]byte)) (audio []byte, ok bool)
	CancelSession(sessionID string)
}

// Generator is the slice of the LLM router the orchestrator needs.
type Generator interface {
	Generate(ctx context.Context, sessionID string, msgs []llmprov.Message, cfg llm.GenConfig, cb func(string)) string
}

// Conversations is the slice of the conversation cache the orchestrator needs.
type Conversations interface {
	GetOrCreateSession(ctx context.Context, sessionID, userID, agentID, channelType, userName, title string) (*store.Session, error)
	Context(ctx context.Context, sessionID string, limit int, includeSystemPrompt bool) ([]llmprov.Message, error)
	AddMessage(ctx context.Context, sessionID, role, content string, latencyMS *int) (*store.Message, error)
	AgentConfig(ctx context.Context, sessionID string) (*store.Agent, error)
	UpdateActivity(sessionID string)
	EndSession(ctx context.Context, sessionID string, persist bool) error
}

// AudioSink receives synthesized audio chunks for one session, in order.
type AudioSink func(sessionID string, chunk []byte)

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithMetrics wires the active-session gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator owns every active session pipeline. Safe for concurrent use.
type Orchestrator struct {
	cfg     config.SessionConfig
	stt     Transcriber
	tts     Speaker
	llm     Generator
	convo   Conversations
	events  events.Publisher
	metrics *observe.Metrics
	sink    AudioSink

	mu       sync.Mutex
	sessions map[string]*pipeline
}

// New creates an orchestrator. sink receives synthesized audio for the
// transport layer and may be nil; publisher may be nil.
func New(cfg config.SessionConfig, transcriber Transcriber, speaker Speaker, generator Generator, convo Conversations, sink AudioSink, publisher events.Publisher, opts ...Option) *Orchestrator {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	o := &Orchestrator{
		cfg:      cfg,
		stt:      transcriber,
		tts:      speaker,
		llm:      generator,
		convo:    convo,
		events:   publisher,
		sink:     sink,
		sessions: make(map[string]*pipeline),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// pipeline is the mutable state of one session. state, transcript, and the
// stream cancellation are guarded by mu; the silence monitor and the STT
// receive task are the only background writers.
type pipeline struct {
	id     string
	userID string

	mu           sync.Mutex
	state        State
	transcript   strings.Builder
	isFinalizing bool
	lastAudio    time.Time
	cancelStream context.CancelFunc
	degraded     bool

	stopMonitor context.CancelFunc
}

// StartSession registers a session pipeline: loads or creates the session
// row, connects STT, and starts the silence monitor. Idempotent per session
// id.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID, userID, agentID, channelType, userName, sttURL string) error {
	o.mu.Lock()
	if _, ok := o.sessions[sessionID]; ok {
		o.mu.Unlock()
		return nil
	}
	p := &pipeline{id: sessionID, userID: userID, state: StateIdle}
	o.sessions[sessionID] = p
	o.mu.Unlock()

	if _, err := o.convo.GetOrCreateSession(ctx, sessionID, userID, agentID, channelType, userName, ""); err != nil {
		o.remove(sessionID)
		return err
	}

	if o.stt != nil {
		if !o.stt.Connect(ctx, sessionID, userID, sttURL) {
			// Degraded sessions keep listening; the pool keeps reconnecting
			// and has already emitted the error event.
			p.mu.Lock()
			p.degraded = true
			p.mu.Unlock()
		}
		o.stt.RegisterCallback(sessionID, func(text string, isFinal bool, metadata map[string]any) {
			o.onTranscript(sessionID, text, isFinal)
		})
	}

	monitorCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.stopMonitor = cancel
	p.mu.Unlock()
	go o.monitorSilence(monitorCtx, p)

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
	}
	slog.Info("orchestrator: session started", "session_id", sessionID, "user_id", userID)
	return nil
}

// HandleAudio routes one inbound audio frame. The first frame of an utterance
// moves the session to LISTENING; a frame arriving while the assistant is
// speaking or generating is a barge-in and cancels the in-flight streams.
func (o *Orchestrator) HandleAudio(ctx context.Context, sessionID string, audio []byte, format stt.AudioFormat) {
	p := o.get(sessionID)
	if p == nil {
		return
	}

	p.mu.Lock()
	p.lastAudio = time.Now().UTC()
	switch p.state {
	case StateIdle:
		p.state = StateListening
	case StateGenerating, StateSpeaking:
		o.interruptLocked(p)
		p.state = StateListening
	}
	p.mu.Unlock()

	o.convo.UpdateActivity(sessionID)
	if o.stt != nil {
		o.stt.SendAudio(ctx, sessionID, audio, format)
	}
}

// interruptLocked cancels the current LLM and TTS streams. Persisted partial
// assistant content stays; only the audio stream is discarded. Caller holds
// p.mu.
func (o *Orchestrator) interruptLocked(p *pipeline) {
	if p.cancelStream != nil {
		p.cancelStream()
		p.cancelStream = nil
	}
	if o.tts != nil {
		o.tts.CancelSession(p.id)
	}
	p.transcript.Reset()
	p.isFinalizing = false
	slog.Debug("orchestrator: barge-in", "session_id", p.id)
}

// onTranscript handles STT callbacks for one session, delivered in receive
// order by the pool's receive task.
func (o *Orchestrator) onTranscript(sessionID, text string, isFinal bool) {
	p := o.get(sessionID)
	if p == nil {
		return
	}

	if !isFinal {
		p.mu.Lock()
		p.transcript.Reset()
		p.transcript.WriteString(text)
		p.mu.Unlock()
		o.publish(events.EventPartialTranscript, map[string]any{
			"session_id": sessionID,
			"text":       text,
		})
		return
	}

	p.mu.Lock()
	if text == "" {
		text = p.transcript.String()
	}
	p.transcript.Reset()
	p.isFinalizing = false
	final := strings.TrimSpace(text)
	if final == "" {
		// Nothing was said: no persistence, no LLM, no TTS.
		p.state = StateIdle
		p.mu.Unlock()
		return
	}
	p.state = StateFinalizing
	p.mu.Unlock()

	o.publish(events.EventFinalTranscript, map[string]any{
		"session_id": sessionID,
		"text":       final,
	})

	// The respond path blocks on LLM and TTS; it must not stall the STT
	// receive task that delivered this callback.
	go o.respond(context.Background(), p, final)
}

// respond runs FINALIZING → GENERATING → SPEAKING → IDLE for one utterance.
func (o *Orchestrator) respond(ctx context.Context, p *pipeline, userText string) {
	started := time.Now().UTC()

	if _, err := o.convo.AddMessage(ctx, p.id, "user", userText, nil); err != nil {
		slog.Error("orchestrator: persist user message failed", "session_id", p.id, "error", err)
		o.toIdle(p)
		return
	}

	msgs, err := o.convo.Context(ctx, p.id, 0, true)
	if err != nil {
		slog.Error("orchestrator: compose context failed", "session_id", p.id, "error", err)
		o.toIdle(p)
		return
	}

	agent, err := o.convo.AgentConfig(ctx, p.id)
	if err != nil {
		slog.Error("orchestrator: load agent failed", "session_id", p.id, "error", err)
		o.toIdle(p)
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.state = StateGenerating
	p.cancelStream = cancel
	p.mu.Unlock()

	response := o.llm.Generate(streamCtx, p.id, msgs, genConfig(agent), func(chunk string) {
		o.publish(events.EventAIResponseChunk, map[string]any{
			"session_id": p.id,
			"text":       chunk,
		})
	})

	if streamCtx.Err() != nil {
		// Barge-in during generation: nothing persisted, nothing spoken.
		return
	}
	if response == "" {
		// The router already emitted the error event; an empty response
		// persists nothing.
		o.toIdle(p)
		return
	}

	latency := int(time.Since(started).Milliseconds())
	if _, err := o.convo.AddMessage(ctx, p.id, "assistant", response, &latency); err != nil {
		slog.Error("orchestrator: persist assistant message failed", "session_id", p.id, "error", err)
		o.toIdle(p)
		return
	}
	o.publish(events.EventAIResponseComplete, map[string]any{
		"session_id": p.id,
		"text":       response,
		"latency_ms": latency,
	})

	p.mu.Lock()
	p.state = StateSpeaking
	p.mu.Unlock()

	o.speak(streamCtx, p, agent, response)
	if streamCtx.Err() != nil {
		// Barge-in while speaking; the session is already listening again.
		return
	}
	o.toIdle(p)
}

// speak streams synthesized audio to the sink in receive order. The assistant
// text is already persisted, so any TTS failure degrades to text-only.
func (o *Orchestrator) speak(ctx context.Context, p *pipeline, agent *store.Agent, text string) {
	if o.tts == nil {
		return
	}

	o.publish(events.EventTTSStart, map[string]any{"session_id": p.id})

	var streamed int
	audio, ok := o.tts.Synthesize(ctx, p.id, text, voiceParams(agent), func(chunk []byte) {
		streamed += len(chunk)
		if o.sink != nil {
			o.sink(p.id, chunk)
		}
	})

	if ctx.Err() != nil {
		// Cancelled mid-stream by a barge-in; the remaining audio is
		// discarded and no completion is announced.
		return
	}
	if !ok {
		// Failure already reported by the TTS client.
		return
	}
	o.publish(events.EventTTSComplete, map[string]any{
		"session_id": p.id,
		"bytes":      streamed + len(audio),
	})
}

// monitorSilence finalizes the transcript once the user stops talking.
func (o *Orchestrator) monitorSilence(ctx context.Context, p *pipeline) {
	ticker := time.NewTicker(silenceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		due := p.state == StateListening &&
			!p.isFinalizing &&
			strings.TrimSpace(p.transcript.String()) != "" &&
			!p.lastAudio.IsZero() &&
			time.Since(p.lastAudio) >= o.cfg.SilenceThreshold
		if due {
			p.isFinalizing = true
			p.state = StateFinalizing
		}
		p.mu.Unlock()

		if due && o.stt != nil {
			o.stt.FinalizeTranscript(ctx, p.id)
		}
	}
}

// EndSession tears down one pipeline: cancels streams, disconnects STT, and
// persists the session end.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) {
	p := o.get(sessionID)
	if p == nil {
		return
	}

	p.mu.Lock()
	o.interruptLocked(p)
	p.state = StateIdle
	if p.stopMonitor != nil {
		p.stopMonitor()
	}
	p.mu.Unlock()

	if o.stt != nil {
		o.stt.Disconnect(ctx, sessionID)
	}
	if err := o.convo.EndSession(ctx, sessionID, true); err != nil {
		slog.Warn("orchestrator: persist session end failed", "session_id", sessionID, "error", err)
	}
	o.remove(sessionID)

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, -1)
	}
	slog.Info("orchestrator: session ended", "session_id", sessionID)
}

// Shutdown ends every active session.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.EndSession(ctx, id)
	}
}

// SessionState reports the pipeline state, or [StateIdle] for unknown
// sessions.
func (o *Orchestrator) SessionState(sessionID string) State {
	p := o.get(sessionID)
	if p == nil {
		return StateIdle
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Degraded reports whether the session lost its STT connection.
func (o *Orchestrator) Degraded(sessionID string) bool {
	p := o.get(sessionID)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// toIdle returns the pipeline to idle unless a barge-in already moved it back
// to listening.
func (o *Orchestrator) toIdle(p *pipeline) {
	p.mu.Lock()
	if p.state != StateListening {
		p.state = StateIdle
		p.cancelStream = nil
	}
	p.mu.Unlock()
}

func (o *Orchestrator) get(sessionID string) *pipeline {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessions[sessionID]
}

func (o *Orchestrator) remove(sessionID string) {
	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(event string, data map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(event, data)
}

// genConfig maps an agent row to generation settings. The system prompt is
// already part of the composed context, so it is not passed again.
func genConfig(agent *store.Agent) llm.GenConfig {
	cfg := llm.GenConfig{
		Kind:        llm.Kind(agent.ProviderKind),
		Model:       agent.Model,
		Temperature: agent.Temperature,
	}
	if agent.ProviderRef != nil {
		cfg.ProviderRef = *agent.ProviderRef
	}
	return cfg
}

// voiceParams maps an agent row to synthesis settings. Zero values are left
// unset so the TTS server applies its own defaults.
func voiceParams(agent *store.Agent) tts.VoiceParams {
	p := tts.VoiceParams{
		Voice:    agent.Voice,
		Language: agent.Language,
	}
	if agent.Exaggeration != 0 {
		v := agent.Exaggeration
		p.Exaggeration = &v
	}
	if agent.CfgWeight != 0 {
		v := agent.CfgWeight
		p.CFGWeight = &v
	}
	if agent.TTSTemperature != 0 {
		v := agent.TTSTemperature
		p.Temperature = &v
	}
	return p
}
