package stt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/events"
)

// Config tunes the pool.
type Config struct {
	// ServerURL is the default STT engine WebSocket address.
	ServerURL string

	// MaxRetries bounds reconnect attempts per connection.
	MaxRetries int

	// BackoffMultiplier is the base of the exponential reconnect backoff.
	BackoffMultiplier float64

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration
}

// Pool maintains one streaming STT connection per session.
//
// All methods are safe for concurrent use and never panic on transport
// errors; failures return false and emit typed error events.
type Pool struct {
	cfg      Config
	events   events.Publisher
	counters counters

	mu    sync.Mutex
	conns map[string]*connection
}

// NewPool creates an empty pool. publisher may be nil, in which case error
// events are only logged.
func NewPool(cfg Config, publisher events.Publisher) *Pool {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Pool{
		cfg:    cfg,
		events: publisher,
		conns:  make(map[string]*connection),
	}
}

// Connect lazily opens a streaming connection for the session. url overrides
// the pool default when non-empty. Returns true when the connection is open
// (including when it already was).
func (p *Pool) Connect(ctx context.Context, sessionID, userID, url string) bool {
	if url == "" {
		url = p.cfg.ServerURL
	}
	if url == "" {
		p.emitError(sessionID, events.ErrSTTConnectionFailed,
			"Speech recognition is not configured.", "no STT server URL configured")
		return false
	}

	p.mu.Lock()
	c, ok := p.conns[sessionID]
	if !ok {
		c = &connection{
			sessionID: sessionID,
			userID:    userID,
			url:       url,
			status:    StatusDisconnected,
			counters:  &p.counters,
		}
		p.conns[sessionID] = c
	}
	p.mu.Unlock()

	if c.Status() == StatusConnected {
		return true
	}

	if err := c.dial(ctx, p.cfg.ConnectTimeout); err != nil {
		slog.Warn("stt: connect failed", "session_id", sessionID, "error", err)
		p.emitError(sessionID, events.ErrSTTConnectionFailed,
			"Could not reach the speech recognition service.", err.Error())
		return false
	}
	return true
}

// SendAudio transmits one audio frame for the session. On the first
// successful send per connection it first transmits the start control frame
// declaring the audio format. Mid-connection format changes are not
// supported; the format of the first frame wins.
//
// On transport failure the connection is marked disconnected and an
// asynchronous reconnect begins; the call returns false.
func (p *Pool) SendAudio(ctx context.Context, sessionID string, audio []byte, format AudioFormat) bool {
	c := p.get(sessionID)
	if c == nil || c.Status() != StatusConnected {
		return false
	}

	c.mu.Lock()
	needStart := !c.audioFormatSent
	if needStart {
		c.audioFormat = format
	}
	userID := c.userID
	c.mu.Unlock()

	if needStart {
		frame := startFrame{Type: "start", UserID: userID, AudioFormat: string(format)}
		if !c.writeText(ctx, frame) {
			p.handleSendFailure(c)
			return false
		}
		c.mu.Lock()
		c.audioFormatSent = true
		c.mu.Unlock()
	}

	if !c.writeBinary(ctx, audio) {
		p.handleSendFailure(c)
		return false
	}
	return true
}

// RegisterCallback installs f as the session's transcript handler. f is
// invoked from the receive loop in receive order.
func (p *Pool) RegisterCallback(sessionID string, f Callback) {
	c := p.get(sessionID)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.callback = f
	c.mu.Unlock()
}

// FinalizeTranscript asks the STT engine to flush the current utterance as a
// final event.
func (p *Pool) FinalizeTranscript(ctx context.Context, sessionID string) bool {
	c := p.get(sessionID)
	if c == nil || c.Status() != StatusConnected {
		return false
	}
	if !c.writeText(ctx, map[string]string{"type": "finalize"}) {
		p.handleSendFailure(c)
		return false
	}
	return true
}

// Disconnect closes the session's connection and removes it from the pool.
func (p *Pool) Disconnect(ctx context.Context, sessionID string) {
	p.mu.Lock()
	c, ok := p.conns[sessionID]
	delete(p.conns, sessionID)
	p.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.writeText(ctx, map[string]string{"type": "close"})
	c.teardown("session disconnected")
	c.setStatus(StatusDisconnected)
}

// IsConnected reports whether the session has an open connection.
func (p *Pool) IsConnected(sessionID string) bool {
	c := p.get(sessionID)
	return c != nil && c.Status() == StatusConnected
}

// ConnectionStatus returns the session's connection state, or
// [StatusDisconnected] for unknown sessions.
func (p *Pool) ConnectionStatus(sessionID string) Status {
	c := p.get(sessionID)
	if c == nil {
		return StatusDisconnected
	}
	return c.Status()
}

// Metrics returns a snapshot of pool counters.
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	active := 0
	for _, c := range p.conns {
		if c.Status() == StatusConnected {
			active++
		}
	}
	p.mu.Unlock()

	return Metrics{
		ActiveConnections: active,
		Transcriptions:    p.counters.transcriptions.Load(),
		Reconnects:        p.counters.reconnects.Load(),
	}
}

// Shutdown disconnects every pooled connection.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.Disconnect(ctx, id)
	}
}

// get returns the pooled connection for a session, or nil.
func (p *Pool) get(sessionID string) *connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[sessionID]
}

// handleSendFailure marks the connection disconnected and kicks off an
// asynchronous reconnect.
func (p *Pool) handleSendFailure(c *connection) {
	c.teardown("send failed")
	c.setStatus(StatusDisconnected)
	go p.reconnect(c)
}

// reconnect retries the connection with exponential backoff. Each attempt's
// delay is min(multiplier^attempt, 30s). Success clears the start-frame flag
// so the next audio send replays it. Exhausting all retries marks the
// connection FAILED and emits STT_CONNECTION_FAILED.
func (p *Pool) reconnect(c *connection) {
	c.mu.Lock()
	if c.closed || c.status == StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.status = StatusReconnecting
	c.mu.Unlock()

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		time.Sleep(backoffDelay(p.cfg.BackoffMultiplier, attempt))

		c.mu.Lock()
		closed := c.closed
		c.reconnectAttempts++
		c.mu.Unlock()
		if closed {
			return
		}
		p.counters.reconnects.Add(1)

		err := c.dial(context.Background(), p.cfg.ConnectTimeout)
		if err == nil {
			slog.Info("stt: reconnected", "session_id", c.sessionID, "attempt", attempt+1)
			return
		}
		slog.Warn("stt: reconnect attempt failed",
			"session_id", c.sessionID, "attempt", attempt+1, "error", err)
		c.setStatus(StatusReconnecting)
	}

	c.setStatus(StatusFailed)
	p.emitError(c.sessionID, events.ErrSTTConnectionFailed,
		"Speech recognition connection lost.",
		fmt.Sprintf("reconnect gave up after %d attempts", p.cfg.MaxRetries))
}

// emitError publishes a typed error event if a publisher is configured.
func (p *Pool) emitError(sessionID string, typ events.ErrorType, userMsg, details string) {
	if p.events == nil {
		slog.Error("stt: "+details, "session_id", sessionID, "type", string(typ))
		return
	}
	p.events.PublishError(
		events.NewServiceError(serviceName, typ, userMsg, details).
			WithSession(sessionID).
			WithRetry(true),
	)
}
