package stt

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// connection is one pooled STT socket with its receive loop and reconnect
// state. All mutable fields are guarded by mu; the receive loop is the only
// writer of inbound traffic and dispatches callbacks in receive order.
type connection struct {
	sessionID string
	userID    string
	url       string

	mu                sync.Mutex
	conn              *websocket.Conn
	status            Status
	callback          Callback
	reconnectAttempts int
	lastActivity      time.Time
	audioFormat       AudioFormat
	audioFormatSent   bool
	readCancel        context.CancelFunc
	closed            bool

	counters *counters
}

// setStatus updates the connection state under the lock.
func (c *connection) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Status returns the current lifecycle state.
func (c *connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// dial opens the socket and starts the receive loop. Callers must not hold mu.
func (c *connection) dial(ctx context.Context, timeout time.Duration) error {
	c.setStatus(StatusConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.url, nil)
	if err != nil {
		c.setStatus(StatusDisconnected)
		return err
	}

	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.status = StatusConnected
	c.audioFormatSent = false
	c.lastActivity = time.Now()
	c.readCancel = readCancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	return nil
}

// readLoop receives JSON frames and dispatches them to the callback.
// partial frames dispatch with isFinal=false; final frames dispatch with
// isFinal=true and count a transcription; error frames dispatch empty text
// with metadata["error"]. The loop exits when the socket closes.
func (c *connection) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			slog.Debug("stt: dropping unparseable frame", "session_id", c.sessionID, "error", err)
			continue
		}

		c.mu.Lock()
		cb := c.callback
		c.lastActivity = time.Now()
		c.mu.Unlock()
		if cb == nil {
			continue
		}

		switch frame.Type {
		case "partial":
			c.dispatch(cb, frame.Text, false, map[string]any{"confidence": frame.Confidence})
		case "final":
			c.counters.transcriptions.Add(1)
			md := map[string]any{"confidence": frame.Confidence}
			if frame.Duration > 0 {
				md["duration"] = frame.Duration
			}
			c.dispatch(cb, frame.Text, true, md)
		case "error":
			c.dispatch(cb, "", true, map[string]any{"error": frame.Error})
		}
	}
}

// dispatch invokes the callback, containing any panic so a misbehaving
// handler cannot kill the receive loop.
func (c *connection) dispatch(cb Callback, text string, isFinal bool, metadata map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("stt: callback panicked", "session_id", c.sessionID, "panic", r)
		}
	}()
	cb(text, isFinal, metadata)
}

// writeText sends a JSON text frame. Returns false on any transport error.
func (c *connection) writeText(ctx context.Context, v any) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return false
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return true
}

// writeBinary sends raw audio bytes. Returns false on any transport error.
func (c *connection) writeBinary(ctx context.Context, data []byte) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}

	if err := conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return false
	}
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
	return true
}

// teardown cancels the receive loop and closes the socket. Safe to call
// repeatedly.
func (c *connection) teardown(reason string) {
	c.mu.Lock()
	conn := c.conn
	cancel := c.readCancel
	c.conn = nil
	c.readCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// backoffDelay computes the exponential reconnect delay for an attempt.
func backoffDelay(multiplier float64, attempt int) time.Duration {
	if multiplier < 1 {
		multiplier = 1
	}
	d := time.Duration(math.Pow(multiplier, float64(attempt)) * float64(time.Second))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
