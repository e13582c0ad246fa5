package stt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenzahq/cadenza/internal/events"
)

// recordedFrame is one frame captured by the test STT server.
type recordedFrame struct {
	Binary bool
	Data   []byte
}

// sttServer is a minimal fake STT engine. It records every inbound frame and
// can push scripted server frames to the client.
type sttServer struct {
	t *testing.T

	mu     sync.Mutex
	frames []recordedFrame
	conns  []*websocket.Conn

	srv *httptest.Server
}

func newSTTServer(t *testing.T) *sttServer {
	t.Helper()
	s := &sttServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			s.mu.Lock()
			s.frames = append(s.frames, recordedFrame{
				Binary: typ == websocket.MessageBinary,
				Data:   data,
			})
			s.mu.Unlock()
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sttServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *sttServer) recorded() []recordedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedFrame, len(s.frames))
	copy(out, s.frames)
	return out
}

// push sends a server frame to the most recent client connection.
func (s *sttServer) push(frame any) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	data, err := json.Marshal(frame)
	if err != nil {
		s.t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		s.t.Fatalf("push frame: %v", err)
	}
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testPool(server *sttServer) *Pool {
	return NewPool(Config{
		ServerURL:         server.url(),
		MaxRetries:        2,
		BackoffMultiplier: 1,
		ConnectTimeout:    time.Second,
	}, nil)
}

func TestSendAudioEmitsStartFrameExactlyOnce(t *testing.T) {
	server := newSTTServer(t)
	pool := testPool(server)
	ctx := context.Background()

	if !pool.Connect(ctx, "sess-1", "user-1", "") {
		t.Fatal("Connect() = false")
	}
	defer pool.Disconnect(ctx, "sess-1")

	if !pool.SendAudio(ctx, "sess-1", []byte{0x01, 0x02}, FormatOpus) {
		t.Fatal("first SendAudio() = false")
	}
	if !pool.SendAudio(ctx, "sess-1", []byte{0x03}, FormatOpus) {
		t.Fatal("second SendAudio() = false")
	}

	waitFor(t, func() bool { return len(server.recorded()) >= 3 }, "three frames")

	frames := server.recorded()
	if frames[0].Binary {
		t.Fatal("first frame is binary, want the JSON start frame before any audio")
	}
	var start startFrame
	if err := json.Unmarshal(frames[0].Data, &start); err != nil {
		t.Fatalf("unmarshal start frame: %v", err)
	}
	if start.Type != "start" || start.UserID != "user-1" || start.AudioFormat != "opus" {
		t.Errorf("start frame = %+v, want type=start userId=user-1 audio_format=opus", start)
	}

	for i, f := range frames[1:3] {
		if !f.Binary {
			t.Errorf("frame %d after start is not binary audio", i+1)
		}
	}
}

func TestReceiveLoopDispatchesInOrder(t *testing.T) {
	server := newSTTServer(t)
	pool := testPool(server)
	ctx := context.Background()

	if !pool.Connect(ctx, "sess-1", "user-1", "") {
		t.Fatal("Connect() = false")
	}
	defer pool.Disconnect(ctx, "sess-1")

	type callbackCall struct {
		text     string
		isFinal  bool
		metadata map[string]any
	}
	var mu sync.Mutex
	var calls []callbackCall
	pool.RegisterCallback("sess-1", func(text string, isFinal bool, md map[string]any) {
		mu.Lock()
		calls = append(calls, callbackCall{text, isFinal, md})
		mu.Unlock()
	})

	server.push(map[string]any{"type": "partial", "text": "what's the", "confidence": 0.8})
	server.push(map[string]any{"type": "final", "text": "what's the weather", "confidence": 0.95})
	server.push(map[string]any{"type": "error", "error": "decoder reset"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 3
	}, "three callback invocations")

	mu.Lock()
	defer mu.Unlock()

	if calls[0].isFinal || calls[0].text != "what's the" {
		t.Errorf("call 0 = %+v, want partial text", calls[0])
	}
	if !calls[1].isFinal || calls[1].text != "what's the weather" {
		t.Errorf("call 1 = %+v, want final transcript", calls[1])
	}
	if !calls[2].isFinal || calls[2].text != "" {
		t.Errorf("call 2 = %+v, want empty final from error frame", calls[2])
	}
	if calls[2].metadata["error"] != "decoder reset" {
		t.Errorf("error metadata = %v, want decoder reset", calls[2].metadata["error"])
	}

	if got := pool.Metrics().Transcriptions; got != 1 {
		t.Errorf("Transcriptions = %d, want 1 (error frames do not count)", got)
	}
}

func TestConnectFailureEmitsErrorEvent(t *testing.T) {
	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	pool := NewPool(Config{
		ServerURL:      "ws://127.0.0.1:1", // nothing listens here
		ConnectTimeout: 200 * time.Millisecond,
	}, bus)

	if pool.Connect(context.Background(), "sess-1", "user-1", "") {
		t.Fatal("Connect() to a dead endpoint returned true")
	}
	if pool.ConnectionStatus("sess-1") != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", pool.ConnectionStatus("sess-1"))
	}

	select {
	case env := <-ch:
		if env.Event != events.EventServiceError {
			t.Fatalf("event = %q, want service_error", env.Event)
		}
		if env.Data["error_type"] != string(events.ErrSTTConnectionFailed) {
			t.Errorf("error_type = %v, want STT_CONNECTION_FAILED", env.Data["error_type"])
		}
	case <-time.After(time.Second):
		t.Fatal("no error event published")
	}
}

func TestDisconnectRemovesFromPool(t *testing.T) {
	server := newSTTServer(t)
	pool := testPool(server)
	ctx := context.Background()

	pool.Connect(ctx, "sess-1", "user-1", "")
	if !pool.IsConnected("sess-1") {
		t.Fatal("IsConnected() = false after Connect")
	}

	pool.Disconnect(ctx, "sess-1")
	if pool.IsConnected("sess-1") {
		t.Error("IsConnected() = true after Disconnect")
	}
	if pool.ConnectionStatus("sess-1") != StatusDisconnected {
		t.Errorf("status = %q, want disconnected for removed session", pool.ConnectionStatus("sess-1"))
	}

	// The close control frame reached the server before the socket closed.
	waitFor(t, func() bool {
		for _, f := range server.recorded() {
			if !f.Binary && strings.Contains(string(f.Data), `"close"`) {
				return true
			}
		}
		return false
	}, "close frame")
}

func TestUnknownSessionOperationsAreSafe(t *testing.T) {
	pool := NewPool(Config{ServerURL: "ws://localhost:9"}, nil)
	ctx := context.Background()

	if pool.SendAudio(ctx, "ghost", []byte{1}, FormatPCM) {
		t.Error("SendAudio() for unknown session = true")
	}
	if pool.FinalizeTranscript(ctx, "ghost") {
		t.Error("FinalizeTranscript() for unknown session = true")
	}
	pool.RegisterCallback("ghost", func(string, bool, map[string]any) {})
	pool.Disconnect(ctx, "ghost")
	if pool.IsConnected("ghost") {
		t.Error("IsConnected() for unknown session = true")
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		multiplier float64
		attempt    int
		want       time.Duration
	}{
		{2, 0, time.Second},
		{2, 1, 2 * time.Second},
		{2, 3, 8 * time.Second},
		{2, 10, maxBackoff},
		{0.5, 2, time.Second}, // sub-unit multipliers clamp to 1
	}
	for _, tt := range tests {
		if got := backoffDelay(tt.multiplier, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%v, %d) = %s, want %s", tt.multiplier, tt.attempt, got, tt.want)
		}
	}
}
