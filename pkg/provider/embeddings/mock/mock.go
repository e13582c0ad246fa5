// Package mock provides a test double for the embeddings.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/cadenzahq/cadenza/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
//
// If Vectors is set, Embed returns Vectors[text] when present; otherwise a
// deterministic vector derived from the text is returned so that identical
// inputs always yield identical embeddings. Set Err to inject errors.
type Provider struct {
	mu sync.Mutex

	// Vectors maps exact input text to the vector Embed should return.
	Vectors map[string][]float32

	// Dims is the dimensionality reported by Dimensions and used for derived
	// vectors. Defaults to 8 when zero.
	Dims int

	// Model is returned by ModelID. Defaults to "mock-embed" when empty.
	Model string

	// Err, if non-nil, is returned from Embed and EmbedBatch.
	Err error

	// EmbedCalls records every text passed to Embed in order.
	EmbedCalls []string

	// EmbedBatchCalls records every slice passed to EmbedBatch in order.
	EmbedBatchCalls [][]string
}

// Embed records the call and returns the configured or derived vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vectorFor(text), nil
}

// EmbedBatch records the call and returns one vector per input text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recorded := make([]string, len(texts))
	copy(recorded, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, recorded)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorFor(t)
	}
	return out, nil
}

// Dimensions returns Dims, defaulting to 8.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return 8
}

// ModelID returns Model, defaulting to "mock-embed".
func (p *Provider) ModelID() string {
	if p.Model != "" {
		return p.Model
	}
	return "mock-embed"
}

// vectorFor returns the configured vector for text, or a deterministic unit
// vector derived from an FNV-style hash of the text. Callers must hold mu.
func (p *Provider) vectorFor(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}

	dims := p.Dims
	if dims == 0 {
		dims = 8
	}
	var h uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= 16777619
	}
	vec := make([]float32, dims)
	for i := range vec {
		h = h*1664525 + 1013904223
		vec[i] = float32(h%1000)/1000 - 0.5
	}
	return vec
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = nil
	p.EmbedBatchCalls = nil
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
