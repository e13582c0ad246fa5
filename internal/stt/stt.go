// Package stt maintains a pool of streaming speech-to-text WebSocket
// connections, one per session, with automatic reconnection and callback
// dispatch.
//
// The wire protocol is JSON text frames for control and binary frames for
// audio. The client sends {type:"start", userId, audio_format} once per
// connection before the first audio bytes, {type:"finalize"} to flush the
// current utterance, and {type:"close"} before disconnecting. The server
// sends {type:"partial"|"final"|"error"} frames which are dispatched to the
// session's registered callback in receive order.
//
// All public operations degrade gracefully: transport failures return false
// and emit a typed error event instead of propagating.
package stt

import (
	"sync/atomic"
	"time"
)

// serviceName identifies this component on the error bus.
const serviceName = "stt_pool"

// Status is the lifecycle state of one pooled connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusFailed       Status = "failed"
)

// AudioFormat is the audio encoding declared in the start frame.
type AudioFormat string

const (
	FormatOpus AudioFormat = "opus"
	FormatPCM  AudioFormat = "pcm"
)

// Callback receives transcripts from the receive loop. isFinal is true for
// final transcripts and for error frames; error frames carry empty text and
// a metadata["error"] string.
type Callback func(text string, isFinal bool, metadata map[string]any)

// Metrics is a snapshot of pool counters.
type Metrics struct {
	ActiveConnections int
	Transcriptions    int64
	Reconnects        int64
}

// maxBackoff caps the exponential reconnect delay.
const maxBackoff = 30 * time.Second

// startFrame is the control frame sent once per connection before audio.
type startFrame struct {
	Type        string `json:"type"`
	UserID      string `json:"userId"`
	AudioFormat string `json:"audio_format"`
	Language    string `json:"language,omitempty"`
}

// serverFrame is a JSON text frame received from the STT engine.
type serverFrame struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Duration   float64 `json:"duration"`
	Error      string  `json:"error"`
}

// counters aggregates pool-wide atomics shared with each connection.
type counters struct {
	transcriptions atomic.Int64
	reconnects     atomic.Int64
}
