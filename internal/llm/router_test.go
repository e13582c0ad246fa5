package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/internal/vault"
	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
	llmmock "github.com/cadenzahq/cadenza/pkg/provider/llm/mock"
)

// fakeProviderStore serves GetProvider from a map.
type fakeProviderStore struct {
	rows map[string]*store.LLMProvider
}

func (f *fakeProviderStore) GetProvider(_ context.Context, id string) (*store.LLMProvider, error) {
	if row, ok := f.rows[id]; ok {
		return row, nil
	}
	return nil, store.ErrNotFound
}

func newTestRouter(cfg config.LLMConfig, publisher events.Publisher) *Router {
	return NewRouter(cfg, nil, vault.New(""), publisher)
}

// stubResolve makes the router hand out the given providers in call order,
// repeating the last one.
func stubResolve(r *Router, providers ...llmprov.Provider) {
	var calls int
	r.resolve = func(context.Context, GenConfig) (llmprov.Provider, error) {
		i := calls
		if i >= len(providers) {
			i = len(providers) - 1
		}
		calls++
		return providers[i], nil
	}
}

func drainErrorTypes(ch <-chan events.Envelope, want int) []string {
	var types []string
	timeout := time.After(time.Second)
	for len(types) < want {
		select {
		case env := <-ch:
			if s, ok := env.Data["error_type"].(string); ok {
				types = append(types, s)
			}
		case <-timeout:
			return types
		}
	}
	return types
}

func TestGenerateStreamsChunksInOrder(t *testing.T) {
	mock := &llmmock.Provider{
		StreamChunks: []llmprov.Chunk{
			{Text: "The "},
			{Text: "weather "},
			{Text: "is sunny.", FinishReason: "stop"},
		},
	}
	r := newTestRouter(config.LLMConfig{}, nil)
	stubResolve(r, mock)

	var got []string
	text := r.Generate(context.Background(), "sess-1",
		[]llmprov.Message{{Role: "user", Content: "weather?"}},
		GenConfig{Kind: KindOpenRouter, SystemPrompt: "be brief"},
		func(chunk string) { got = append(got, chunk) })

	if text != "The weather is sunny." {
		t.Errorf("text = %q", text)
	}
	if strings.Join(got, "") != text {
		t.Errorf("callback chunks = %v, want them to concatenate to the result", got)
	}
	if len(mock.StreamCalls) != 1 {
		t.Fatalf("StreamCalls = %d, want 1", len(mock.StreamCalls))
	}
	if mock.StreamCalls[0].Req.SystemPrompt != "be brief" {
		t.Errorf("system prompt not forwarded: %q", mock.StreamCalls[0].Req.SystemPrompt)
	}
}

func TestGenerateBuffered(t *testing.T) {
	mock := &llmmock.Provider{
		CompleteResponse: &llmprov.CompletionResponse{Content: "Forty-two."},
	}
	r := newTestRouter(config.LLMConfig{}, nil)
	stubResolve(r, mock)

	text := r.Generate(context.Background(), "sess-1",
		[]llmprov.Message{{Role: "user", Content: "the answer?"}},
		GenConfig{Kind: KindLocal}, nil)
	if text != "Forty-two." {
		t.Errorf("text = %q", text)
	}
	if len(mock.CompleteCalls) != 1 {
		t.Errorf("CompleteCalls = %d, want 1 buffered call", len(mock.CompleteCalls))
	}
}

func TestGenerateFallsBackOnce(t *testing.T) {
	failing := &llmmock.Provider{CompleteErr: errors.New("connection refused")}
	working := &llmmock.Provider{CompleteResponse: &llmprov.CompletionResponse{Content: "ok"}}

	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	r := newTestRouter(config.LLMConfig{FallbackModel: "backup-model"}, bus)
	stubResolve(r, failing, working)

	text := r.Generate(context.Background(), "sess-1",
		[]llmprov.Message{{Role: "user", Content: "hi"}},
		GenConfig{Kind: KindOpenRouter, Model: "primary-model"}, nil)
	if text != "ok" {
		t.Errorf("text = %q, want the fallback result", text)
	}

	types := drainErrorTypes(ch, 2)
	if len(types) != 2 ||
		types[0] != string(events.ErrLLMProviderFailed) ||
		types[1] != string(events.ErrLLMFallbackTriggered) {
		t.Errorf("event types = %v, want provider failure then fallback trigger", types)
	}
}

func TestGenerateNoFallbackOnAuthFailure(t *testing.T) {
	failing := &llmmock.Provider{CompleteErr: errors.New("401 unauthorized")}
	working := &llmmock.Provider{CompleteResponse: &llmprov.CompletionResponse{Content: "should not run"}}

	bus := events.NewBus()
	ch, cancel := bus.Subscribe()
	defer cancel()

	r := newTestRouter(config.LLMConfig{FallbackModel: "backup-model"}, bus)
	stubResolve(r, failing, working)

	text := r.Generate(context.Background(), "sess-1",
		[]llmprov.Message{{Role: "user", Content: "hi"}},
		GenConfig{Kind: KindOpenRouter}, nil)
	if text != "" {
		t.Errorf("text = %q, want empty after an unrecoverable failure", text)
	}
	if len(working.CompleteCalls) != 0 {
		t.Error("fallback provider was invoked after an authentication failure")
	}

	types := drainErrorTypes(ch, 1)
	if len(types) != 1 || types[0] != string(events.ErrLLMAuthenticationFailed) {
		t.Errorf("event types = %v, want a single authentication failure", types)
	}
}

func TestGenerateNoFallbackAfterPartialStream(t *testing.T) {
	dying := &llmmock.Provider{
		StreamChunks: []llmprov.Chunk{
			{Text: "The weather "},
			{Text: "connection reset by peer", FinishReason: "error"},
		},
	}
	working := &llmmock.Provider{CompleteResponse: &llmprov.CompletionResponse{Content: "should not run"}}

	r := newTestRouter(config.LLMConfig{FallbackModel: "backup-model"}, nil)
	stubResolve(r, dying, working)

	var got []string
	text := r.Generate(context.Background(), "sess-1",
		[]llmprov.Message{{Role: "user", Content: "weather?"}},
		GenConfig{Kind: KindOpenRouter},
		func(chunk string) { got = append(got, chunk) })

	if text != "" {
		t.Errorf("text = %q, want empty after a mid-stream failure", text)
	}
	if len(working.StreamCalls)+len(working.CompleteCalls) != 0 {
		t.Error("fallback ran after chunks already reached the caller")
	}
}

func TestGenerateEmptyAfterAllFail(t *testing.T) {
	failing := &llmmock.Provider{CompleteErr: errors.New("boom")}

	r := newTestRouter(config.LLMConfig{FallbackModel: "backup-model"}, nil)
	stubResolve(r, failing)

	text := r.Generate(context.Background(), "sess-1",
		[]llmprov.Message{{Role: "user", Content: "hi"}},
		GenConfig{Kind: KindOpenRouter}, nil)
	if text != "" {
		t.Errorf("text = %q, want empty string after all attempts fail", text)
	}
	if len(failing.CompleteCalls) != 2 {
		t.Errorf("CompleteCalls = %d, want primary plus exactly one fallback", len(failing.CompleteCalls))
	}
}

func TestBuildProviderRef(t *testing.T) {
	v := vault.New("test-secret")
	encrypted, err := v.EncryptValue("sk-live-abc")
	if err != nil {
		t.Fatalf("EncryptValue() error: %v", err)
	}

	st := &fakeProviderStore{rows: map[string]*store.LLMProvider{
		"prov-1": {
			ID:           "prov-1",
			Name:         "corp-gateway",
			BaseURL:      "https://llm.internal/v1",
			APIKey:       encrypted,
			DefaultModel: "gpt-4o-mini",
			IsActive:     true,
		},
		"prov-2": {
			ID:       "prov-2",
			Name:     "retired",
			IsActive: false,
		},
	}}
	r := NewRouter(config.LLMConfig{}, st, v, nil)

	if _, err := r.buildProvider(context.Background(), GenConfig{Kind: KindProviderRef, ProviderRef: "prov-1"}); err != nil {
		t.Errorf("active provider_ref resolution failed: %v", err)
	}
	if _, err := r.buildProvider(context.Background(), GenConfig{Kind: KindProviderRef, ProviderRef: "prov-2"}); err == nil {
		t.Error("inactive provider resolved without error")
	}
	if _, err := r.buildProvider(context.Background(), GenConfig{Kind: KindProviderRef, ProviderRef: "missing"}); err == nil {
		t.Error("unknown provider id resolved without error")
	}
	if _, err := r.buildProvider(context.Background(), GenConfig{Kind: "telepathy"}); err == nil {
		t.Error("unknown kind resolved without error")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err         error
		want        events.ErrorType
		recoverable bool
	}{
		{context.DeadlineExceeded, events.ErrLLMTimeout, true},
		{errors.New("request timeout after 30s"), events.ErrLLMTimeout, true},
		{errors.New("429 Too Many Requests"), events.ErrLLMRateLimited, true},
		{errors.New("rate limit exceeded"), events.ErrLLMRateLimited, true},
		{errors.New("401 unauthorized"), events.ErrLLMAuthenticationFailed, false},
		{errors.New("invalid api key provided"), events.ErrLLMAuthenticationFailed, false},
		{errors.New("llm: empty completion from provider: invalid response"), events.ErrLLMInvalidResponse, true},
		{errors.New("connection refused"), events.ErrLLMProviderFailed, true},
	}
	for _, tt := range tests {
		typ, recoverable := classify(tt.err)
		if typ != tt.want || recoverable != tt.recoverable {
			t.Errorf("classify(%v) = (%s, %t), want (%s, %t)",
				tt.err, typ, recoverable, tt.want, tt.recoverable)
		}
	}
}
