package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/events"
)

const (
	synthesizeEndpoint = "/audio/speech/stream/upload"
	healthEndpoint     = "/health"
	voicesEndpoint     = "/v1/voices"

	defaultTimeout   = 30 * time.Second
	defaultChunkSize = 4096

	// Streaming tuning sent with every synthesis request. The sentence
	// strategy trades a little first-byte latency for stable prosody.
	streamingStrategy   = "sentence"
	streamingBufferSize = 3
	streamingQuality    = "fast"
)

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithChunkSize sets the audio chunk size handed to streaming callbacks.
// Defaults to 4096 bytes.
func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// activeSynthesis tracks one in-flight request so a newer call for the same
// session can cancel it.
type activeSynthesis struct {
	cancel context.CancelFunc
	status Status
}

// Client talks to a Chatterbox-style TTS server. It is safe for concurrent
// use; concurrent calls for the same session cancel each other with the most
// recent call winning.
type Client struct {
	baseURL      string
	defaultVoice string
	chunkSize    int
	httpClient   *http.Client
	events       events.Publisher
	ring         sampleRing

	mu     sync.Mutex
	active map[string]*activeSynthesis
}

// New creates a client for the TTS server at baseURL. publisher may be nil,
// in which case errors are only logged. defaultVoice is used when a synthesis
// call does not name a voice.
func New(baseURL, defaultVoice string, publisher events.Publisher, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("tts: baseURL must not be empty")
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultVoice: defaultVoice,
		chunkSize:    defaultChunkSize,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		events:       publisher,
		active:       make(map[string]*activeSynthesis),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Healthy probes GET /health and reports whether the server answered 200.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthEndpoint, nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Synthesize converts text to speech for the session. When cb is non-nil,
// audio chunks are delivered to cb as they arrive and the returned bytes are
// empty; otherwise the complete audio is accumulated and returned. ok reports
// whether the synthesis ran to completion, which is the only way to tell a
// successful streamed call apart from a failed one.
//
// Any prior in-flight synthesis for the same session is cancelled first.
// Every failure path emits a warning-severity event and returns ok=false so
// callers can fall back to a text-only response.
func (c *Client) Synthesize(ctx context.Context, sessionID, text string, params VoiceParams, cb func([]byte)) (audio []byte, ok bool) {
	if strings.TrimSpace(text) == "" {
		return nil, true
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entry := c.begin(sessionID, cancel)
	defer c.finish(sessionID, entry)

	start := time.Now()

	if !c.Healthy(ctx) {
		c.ring.add(Sample{Duration: time.Since(start)})
		c.setStatus(entry, StatusFailed)
		c.emitError(sessionID, events.ErrTTSServiceUnavailable,
			"Voice output is temporarily unavailable.", "health probe failed", false)
		return nil, false
	}

	c.setStatus(entry, StatusSynthesizing)

	resp, err := c.post(ctx, text, params)
	if err != nil {
		c.ring.add(Sample{Duration: time.Since(start)})
		if ctx.Err() != nil {
			// Cancelled by a newer call or by the caller; not a failure.
			c.setStatus(entry, StatusCancelled)
			return nil, false
		}
		c.setStatus(entry, StatusFailed)
		typ, retry := classify(err, 0)
		c.emitError(sessionID, typ, "Voice output failed.", err.Error(), retry)
		return nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		c.ring.add(Sample{Duration: time.Since(start)})
		c.setStatus(entry, StatusFailed)
		typ, retry := classify(nil, resp.StatusCode)
		c.emitError(sessionID, typ, "Voice output failed.",
			fmt.Sprintf("POST %s returned status %d", synthesizeEndpoint, resp.StatusCode), retry)
		return nil, false
	}

	c.setStatus(entry, StatusStreaming)

	var buffered bytes.Buffer
	var ttfb time.Duration
	chunk := make([]byte, c.chunkSize)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			if ttfb == 0 {
				ttfb = time.Since(start)
			}
			if cb != nil {
				cb(chunk[:n:n])
			} else {
				buffered.Write(chunk[:n])
			}
			// Reuse requires a fresh backing array once a chunk escaped to cb.
			if cb != nil {
				chunk = make([]byte, c.chunkSize)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			c.ring.add(Sample{TimeToFirstByte: ttfb, Duration: time.Since(start)})
			if ctx.Err() != nil {
				c.setStatus(entry, StatusCancelled)
				return nil, false
			}
			c.setStatus(entry, StatusFailed)
			typ, retry := classify(err, 0)
			c.emitError(sessionID, typ, "Voice output was interrupted.", err.Error(), retry)
			return nil, false
		}
	}

	c.ring.add(Sample{TimeToFirstByte: ttfb, Duration: time.Since(start), OK: true})
	c.setStatus(entry, StatusCompleted)
	return buffered.Bytes(), true
}

// ListVoices retrieves the server's voice catalogue from GET /v1/voices.
func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+voicesEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("tts: create list-voices request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: GET %s: %w", voicesEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: GET %s returned status %d", voicesEndpoint, resp.StatusCode)
	}

	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("tts: decode voices response: %w", err)
	}
	return out.Voices, nil
}

// CancelSession aborts any in-flight synthesis for the session.
func (c *Client) CancelSession(sessionID string) {
	c.mu.Lock()
	entry := c.active[sessionID]
	c.mu.Unlock()
	if entry != nil {
		entry.cancel()
	}
}

// SessionStatus reports the state of the session's synthesis, or
// [StatusIdle] when none is in flight.
func (c *Client) SessionStatus(sessionID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.active[sessionID]; ok {
		return entry.status
	}
	return StatusIdle
}

// Samples returns the retained latency samples, oldest first.
func (c *Client) Samples() []Sample {
	return c.ring.snapshot()
}

// begin registers a new synthesis, cancelling any prior one for the session.
func (c *Client) begin(sessionID string, cancel context.CancelFunc) *activeSynthesis {
	entry := &activeSynthesis{cancel: cancel, status: StatusIdle}
	c.mu.Lock()
	prior := c.active[sessionID]
	c.active[sessionID] = entry
	c.mu.Unlock()
	if prior != nil {
		prior.cancel()
	}
	return entry
}

// finish removes the entry unless a newer synthesis already replaced it.
func (c *Client) finish(sessionID string, entry *activeSynthesis) {
	c.mu.Lock()
	if c.active[sessionID] == entry {
		delete(c.active, sessionID)
	}
	c.mu.Unlock()
}

func (c *Client) setStatus(entry *activeSynthesis, s Status) {
	c.mu.Lock()
	entry.status = s
	c.mu.Unlock()
}

// post sends the multipart synthesis request.
func (c *Client) post(ctx context.Context, text string, params VoiceParams) (*http.Response, error) {
	voice := params.Voice
	if voice == "" {
		voice = c.defaultVoice
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{
		"input":                 text,
		"response_format":       "wav",
		"voice":                 voice,
		"streaming_strategy":    streamingStrategy,
		"streaming_chunk_size":  strconv.Itoa(c.chunkSize),
		"streaming_buffer_size": strconv.Itoa(streamingBufferSize),
		"streaming_quality":     streamingQuality,
	}
	if params.Language != "" {
		fields["language"] = params.Language
	}
	if params.Exaggeration != nil {
		fields["exaggeration"] = formatFloat(*params.Exaggeration)
	}
	if params.CFGWeight != nil {
		fields["cfg_weight"] = formatFloat(*params.CFGWeight)
	}
	if params.Temperature != nil {
		fields["temperature"] = formatFloat(*params.Temperature)
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("tts: write form field %s: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("tts: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+synthesizeEndpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("tts: create synthesis request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "audio/wav")
	return c.httpClient.Do(req)
}

// classify maps a transport error or HTTP status to the error taxonomy and
// whether a retry is worth suggesting.
func classify(err error, status int) (events.ErrorType, bool) {
	switch status {
	case http.StatusServiceUnavailable:
		return events.ErrTTSServiceUnavailable, true
	case http.StatusNotFound:
		// Unknown voice; the caller should retry with the default voice.
		return events.ErrTTSInvalidVoice, true
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return events.ErrTTSTimeout, true
		}
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return events.ErrTTSTimeout, true
		}
	}
	return events.ErrTTSSynthesisFailed, false
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// emitError publishes a warning-severity error event if a publisher is
// configured.
func (c *Client) emitError(sessionID string, typ events.ErrorType, userMsg, details string, retry bool) {
	if c.events == nil {
		slog.Warn("tts: "+details, "session_id", sessionID, "type", string(typ))
		return
	}
	c.events.PublishError(
		events.NewServiceError(serviceName, typ, userMsg, details).
			WithSession(sessionID).
			WithSeverity(events.SeverityWarning).
			WithRetry(retry),
	)
}
