// Package tts streams synthesised speech from a Chatterbox-style HTTP TTS
// server.
//
// Synthesis is one multipart POST per utterance with a streaming WAV
// response. The client gates every request on a health probe, cancels any
// prior synthesis for the same session (the most recent call wins), and keeps
// a bounded ring of latency samples. Failures never propagate to callers:
// they emit a typed warning event and the call returns empty audio, leaving
// the text-only response as the user-visible fallback.
package tts

import (
	"sync"
	"time"
)

// serviceName identifies this component on the error bus.
const serviceName = "tts_client"

// Status is the lifecycle state of one synthesis request.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusSynthesizing Status = "synthesizing"
	StatusStreaming    Status = "streaming"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// VoiceParams selects the voice and generation tuning for one synthesis.
// Nil pointer fields are omitted from the request and left to server
// defaults.
type VoiceParams struct {
	// Voice is the server-side voice id. Empty falls back to the client's
	// configured default voice.
	Voice string

	// Language is a BCP-47 language code, e.g. "en".
	Language string

	Exaggeration *float64
	CFGWeight    *float64
	Temperature  *float64
}

// Voice is one entry from the server's voice catalogue.
type Voice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Sample is one synthesis latency measurement.
type Sample struct {
	TimeToFirstByte time.Duration
	Duration        time.Duration
	OK              bool
}

// ringSize bounds the per-process latency sample history.
const ringSize = 100

// sampleRing is a fixed-size overwrite-oldest ring of latency samples.
type sampleRing struct {
	mu      sync.Mutex
	samples [ringSize]Sample
	next    int
	count   int
}

func (r *sampleRing) add(s Sample) {
	r.mu.Lock()
	r.samples[r.next] = s
	r.next = (r.next + 1) % ringSize
	if r.count < ringSize {
		r.count++
	}
	r.mu.Unlock()
}

// snapshot returns the retained samples oldest first.
func (r *sampleRing) snapshot() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sample, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += ringSize
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.samples[(start+i)%ringSize])
	}
	return out
}
