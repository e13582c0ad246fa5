// Package events defines the typed error bus and outbound event envelopes that
// connect the Cadenza core services to the transport layer.
//
// Services never return external failures to their callers on the real-time
// path. Instead they publish a [ServiceError] on the [Bus] and degrade
// gracefully (false, empty bytes, empty string). The transport layer subscribes
// to the bus and forwards envelopes to connected clients as JSON
// {event, data} frames.
//
// All types are safe for concurrent use.
package events

import (
	"sync"
	"time"
)

// ErrorType is the closed set of error classifications used in service error
// events. New values must not be invented outside this package.
type ErrorType string

const (
	// Transport errors.
	ErrSTTConnectionFailed ErrorType = "STT_CONNECTION_FAILED"
	ErrSTTWebsocketClosed  ErrorType = "STT_WEBSOCKET_CLOSED"
	ErrSTTTimeout          ErrorType = "STT_TIMEOUT"

	// STT semantic errors.
	ErrSTTTranscriptionFailed ErrorType = "STT_TRANSCRIPTION_FAILED"

	// TTS errors.
	ErrTTSSynthesisFailed    ErrorType = "TTS_SYNTHESIS_FAILED"
	ErrTTSServiceUnavailable ErrorType = "TTS_SERVICE_UNAVAILABLE"
	ErrTTSTimeout            ErrorType = "TTS_TIMEOUT"
	ErrTTSInvalidVoice       ErrorType = "TTS_INVALID_VOICE"

	// LLM errors.
	ErrLLMProviderFailed       ErrorType = "LLM_PROVIDER_FAILED"
	ErrLLMRateLimited          ErrorType = "LLM_RATE_LIMITED"
	ErrLLMInvalidResponse      ErrorType = "LLM_INVALID_RESPONSE"
	ErrLLMAuthenticationFailed ErrorType = "LLM_AUTHENTICATION_FAILED"
	ErrLLMTimeout              ErrorType = "LLM_TIMEOUT"
	ErrLLMFallbackTriggered    ErrorType = "LLM_FALLBACK_TRIGGERED"

	// Memory-bus error: a write consistency failure that survived the
	// compensating transaction.
	ErrMemoryError ErrorType = "memory_error"
)

// Severity grades a [ServiceError] for the transport layer.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event names in the outbound {event, data} envelope. This is a closed set;
// the transport layer rejects anything else.
const (
	EventPartialTranscript  = "partial_transcript"
	EventFinalTranscript    = "final_transcript"
	EventAIResponseChunk    = "ai_response_chunk"
	EventAIResponseComplete = "ai_response_complete"
	EventTTSStart           = "tts_start"
	EventTTSComplete        = "tts_complete"
	EventServiceError       = "service_error"
	EventExtractionQueued   = "memory_extraction_queued"
	EventExtractionRunning  = "memory_extraction_processing"
	EventExtractionDone     = "memory_extraction_completed"
	EventExtractionFailed   = "memory_extraction_failed"
	EventMemoryError        = "memory_error"
	EventProviderCreated    = "llm_provider_created"
	EventProviderUpdated    = "llm_provider_updated"
	EventProviderDeleted    = "llm_provider_deleted"
	EventPluginStopped      = "plugin_stopped"
)

const (
	maxUserMessageLen      = 500
	maxTechnicalDetailsLen = 2000
)

// ServiceError is the typed error event emitted by core services.
type ServiceError struct {
	// Service is the emitting service name (e.g., "stt_pool", "tts_client").
	Service string `json:"service_name"`

	// Type classifies the failure. Always one of the ErrorType constants.
	Type ErrorType `json:"error_type"`

	// UserMessage is a short, user-presentable description. Truncated to 500
	// characters on construction.
	UserMessage string `json:"user_message"`

	// TechnicalDetails carries the underlying error text for operators.
	// Truncated to 2000 characters on construction.
	TechnicalDetails string `json:"technical_details"`

	// SessionID is the affected session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Severity grades the failure for the transport layer.
	Severity Severity `json:"severity"`

	// RetrySuggested hints that the caller may retry the triggering action.
	RetrySuggested bool `json:"retry_suggested"`

	// Timestamp is when the error was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`
}

// NewServiceError builds a [ServiceError] with length limits applied and the
// timestamp set to the current UTC time.
func NewServiceError(service string, typ ErrorType, userMsg, details string) ServiceError {
	return ServiceError{
		Service:          service,
		Type:             typ,
		UserMessage:      truncate(userMsg, maxUserMessageLen),
		TechnicalDetails: truncate(details, maxTechnicalDetailsLen),
		Severity:         SeverityError,
		Timestamp:        time.Now().UTC(),
	}
}

// WithSession returns a copy of e with SessionID set.
func (e ServiceError) WithSession(sessionID string) ServiceError {
	e.SessionID = sessionID
	return e
}

// WithSeverity returns a copy of e with Severity set.
func (e ServiceError) WithSeverity(s Severity) ServiceError {
	e.Severity = s
	return e
}

// WithRetry returns a copy of e with RetrySuggested set.
func (e ServiceError) WithRetry(retry bool) ServiceError {
	e.RetrySuggested = retry
	return e
}

// Envelope is the outbound JSON frame delivered to transport subscribers.
type Envelope struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Publisher is the write side of the bus. Services hold a Publisher; only the
// application wiring holds the full [Bus].
type Publisher interface {
	// PublishError broadcasts a service error event. Never blocks the caller:
	// slow subscribers drop events rather than stalling the pipeline.
	PublishError(e ServiceError)

	// Publish broadcasts an arbitrary envelope (transcripts, TTS lifecycle,
	// extraction progress). Same non-blocking guarantee as PublishError.
	Publish(event string, data map[string]any)
}

// Bus is an in-process fan-out channel for envelopes. Subscribers receive a
// buffered channel; events are dropped per-subscriber when the buffer is full.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Envelope
	next int
}

// subscriberBuf is the per-subscriber channel depth. Sized to absorb a burst
// of transcript partials without dropping.
const subscriberBuf = 128

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Envelope)}
}

// Subscribe registers a new subscriber and returns its receive channel plus a
// cancel function. The channel is closed when cancel is called.
func (b *Bus) Subscribe() (<-chan Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Envelope, subscriberBuf)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish implements [Publisher].
func (b *Bus) Publish(event string, data map[string]any) {
	env := Envelope{Event: event, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			// Subscriber is not keeping up; drop rather than block the pipeline.
		}
	}
}

// PublishError implements [Publisher].
func (b *Bus) PublishError(e ServiceError) {
	b.Publish(EventServiceError, map[string]any{
		"service_name":      e.Service,
		"error_type":        string(e.Type),
		"user_message":      e.UserMessage,
		"technical_details": e.TechnicalDetails,
		"session_id":        e.SessionID,
		"severity":          string(e.Severity),
		"retry_suggested":   e.RetrySuggested,
		"timestamp":         e.Timestamp,
	})
}

// truncate shortens s to at most n bytes.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Compile-time check that *Bus satisfies [Publisher].
var _ Publisher = (*Bus)(nil)
