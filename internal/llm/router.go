// Package llm routes completion requests to the right provider backend.
//
// Three provider kinds exist: "openrouter" (hosted, process-wide API key),
// "local" (Ollama or llama.cpp via any-llm-go, no credentials), and
// "provider_ref" (a database-registered OpenAI-compatible endpoint whose API
// key is decrypted at call time). Failures in the real-time path never
// propagate as errors: they become typed events on the error bus, at most one
// fallback retry, and an empty string when everything failed.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/internal/vault"
	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
	"github.com/cadenzahq/cadenza/pkg/provider/llm/anyllm"
	"github.com/cadenzahq/cadenza/pkg/provider/llm/openai"
)

// serviceName identifies this component on the error bus.
const serviceName = "llm_router"

// defaultOpenRouterBaseURL is used when the config does not override it.
const defaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"

// Kind selects how a completion request is routed.
type Kind string

const (
	KindOpenRouter  Kind = "openrouter"
	KindLocal       Kind = "local"
	KindProviderRef Kind = "provider_ref"
)

// GenConfig carries the per-agent generation settings for one request.
type GenConfig struct {
	// Kind selects the provider backend.
	Kind Kind

	// ProviderRef is the database provider row id. Required when Kind is
	// [KindProviderRef], ignored otherwise.
	ProviderRef string

	// Model overrides the configured default model when non-empty.
	Model string

	// Temperature controls output randomness.
	Temperature float64

	// SystemPrompt is injected ahead of the conversation history.
	SystemPrompt string
}

// providerStore is the slice of [store.Store] the router needs.
type providerStore interface {
	GetProvider(ctx context.Context, id string) (*store.LLMProvider, error)
}

// Option is a functional option for configuring a [Router].
type Option func(*Router)

// WithMetrics wires request and fallback counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// Router resolves provider kinds to concrete backends and runs completions
// with one-shot fallback. Safe for concurrent use.
type Router struct {
	cfg     config.LLMConfig
	store   providerStore
	vault   *vault.Vault
	events  events.Publisher
	metrics *observe.Metrics

	// resolve builds a provider for a request. Swapped in tests.
	resolve func(ctx context.Context, cfg GenConfig) (llmprov.Provider, error)
}

// NewRouter creates a router. st may be nil when no database providers are
// registered; publisher may be nil, in which case errors are only logged.
func NewRouter(cfg config.LLMConfig, st providerStore, v *vault.Vault, publisher events.Publisher, opts ...Option) *Router {
	r := &Router{
		cfg:    cfg,
		store:  st,
		vault:  v,
		events: publisher,
	}
	r.resolve = r.buildProvider
	for _, o := range opts {
		o(r)
	}
	return r
}

// Generate produces an assistant response for the conversation. When cb is
// non-nil, response text is streamed to cb chunk by chunk and the full text
// is also returned; without cb the call is buffered.
//
// On a recoverable failure with a configured fallback model the request is
// retried exactly once; the retry streams from the beginning, so cb is only
// invoked for the attempt that produces text. After all attempts fail the
// result is the empty string.
func (r *Router) Generate(ctx context.Context, sessionID string, msgs []llmprov.Message, cfg GenConfig, cb func(string)) string {
	text, attemptErr := r.attempt(ctx, cfg, msgs, cb)
	if attemptErr == nil {
		r.record(ctx, cfg.Kind, "ok")
		return text
	}

	typ, recoverable := classify(attemptErr)
	r.record(ctx, cfg.Kind, "failed")
	r.emitError(sessionID, typ, "I could not generate a response.", attemptErr.Error(), recoverable)

	// Partial output already reached the caller; replaying from a fallback
	// would duplicate speech mid-sentence.
	if text != "" {
		return ""
	}

	if !recoverable || r.cfg.FallbackModel == "" || r.cfg.FallbackModel == cfg.Model {
		return ""
	}

	r.emitError(sessionID, events.ErrLLMFallbackTriggered,
		"Retrying with the fallback model.",
		fmt.Sprintf("falling back to %s after %s", r.cfg.FallbackModel, typ), false)
	if r.metrics != nil {
		r.metrics.LLMFallbacks.Add(ctx, 1)
	}

	fallback := cfg
	fallback.Model = r.cfg.FallbackModel
	text, attemptErr = r.attempt(ctx, fallback, msgs, cb)
	if attemptErr != nil {
		typ, recoverable = classify(attemptErr)
		r.record(ctx, fallback.Kind, "failed")
		r.emitError(sessionID, typ, "I could not generate a response.", attemptErr.Error(), recoverable)
		return ""
	}
	r.record(ctx, fallback.Kind, "fallback_ok")
	return text
}

// attempt runs one completion against the resolved provider. The returned
// text may be non-empty alongside an error when a stream died mid-response.
func (r *Router) attempt(ctx context.Context, cfg GenConfig, msgs []llmprov.Message, cb func(string)) (string, error) {
	provider, err := r.resolve(ctx, cfg)
	if err != nil {
		return "", err
	}

	req := llmprov.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
	}

	if cb == nil {
		resp, err := provider.Complete(ctx, req)
		if err != nil {
			return "", err
		}
		if resp.Content == "" {
			return "", fmt.Errorf("llm: empty completion from provider: invalid response")
		}
		return resp.Content, nil
	}

	chunks, err := provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for chunk := range chunks {
		if chunk.FinishReason == "error" {
			// Drain before returning so the producer goroutine can exit.
			for range chunks {
			}
			return sb.String(), errors.New(chunk.Text)
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			cb(chunk.Text)
		}
	}
	if ctx.Err() != nil {
		return sb.String(), ctx.Err()
	}
	return sb.String(), nil
}

// buildProvider is the production resolve implementation.
func (r *Router) buildProvider(ctx context.Context, cfg GenConfig) (llmprov.Provider, error) {
	switch cfg.Kind {
	case KindOpenRouter, "":
		base := r.cfg.OpenRouterBaseURL
		if base == "" {
			base = defaultOpenRouterBaseURL
		}
		opts := []openai.Option{openai.WithBaseURL(base)}
		if r.cfg.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(r.cfg.Timeout))
		}
		return openai.New(r.cfg.OpenRouterAPIKey, r.model(cfg.Model, r.cfg.DefaultModel), opts...)

	case KindLocal:
		var opts []anyllmlib.Option
		if r.cfg.LocalBaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(r.cfg.LocalBaseURL))
		}
		return anyllm.New(r.cfg.LocalBackend, r.model(cfg.Model, r.cfg.DefaultModel), opts...)

	case KindProviderRef:
		if r.store == nil {
			return nil, errors.New("llm: provider_ref requested without a provider store")
		}
		row, err := r.store.GetProvider(ctx, cfg.ProviderRef)
		if err != nil {
			return nil, fmt.Errorf("llm: load provider %s: %w", cfg.ProviderRef, err)
		}
		if !row.IsActive {
			return nil, fmt.Errorf("llm: provider %s is inactive", row.Name)
		}
		apiKey := row.APIKey
		if r.vault != nil {
			apiKey, err = r.vault.DecryptValue(row.APIKey)
			if err != nil {
				return nil, fmt.Errorf("llm: decrypt api key for provider %s: %w", row.Name, err)
			}
		}
		opts := []openai.Option{openai.WithBaseURL(row.BaseURL)}
		if r.cfg.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(r.cfg.Timeout))
		}
		return openai.New(apiKey, r.model(cfg.Model, row.DefaultModel), opts...)

	default:
		return nil, fmt.Errorf("llm: unknown provider kind %q", cfg.Kind)
	}
}

// model picks the request model, falling back to the configured default.
func (r *Router) model(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	if fallback != "" {
		return fallback
	}
	return r.cfg.DefaultModel
}

// classify maps a failure to the error taxonomy and whether a fallback retry
// might help.
func classify(err error) (events.ErrorType, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return events.ErrLLMTimeout, true
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return events.ErrLLMTimeout, true
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return events.ErrLLMRateLimited, true
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") ||
		strings.Contains(msg, "decrypt"):
		return events.ErrLLMAuthenticationFailed, false
	case strings.Contains(msg, "invalid response") || strings.Contains(msg, "empty completion"):
		return events.ErrLLMInvalidResponse, true
	default:
		return events.ErrLLMProviderFailed, true
	}
}

// record notes the attempt outcome on the request counter.
func (r *Router) record(ctx context.Context, kind Kind, status string) {
	if r.metrics == nil {
		return
	}
	k := string(kind)
	if k == "" {
		k = string(KindOpenRouter)
	}
	r.metrics.RecordLLMRequest(ctx, k, status)
}

// emitError publishes a typed error event if a publisher is configured.
func (r *Router) emitError(sessionID string, typ events.ErrorType, userMsg, details string, retry bool) {
	if r.events == nil {
		slog.Warn("llm: "+details, "session_id", sessionID, "type", string(typ))
		return
	}
	r.events.PublishError(
		events.NewServiceError(serviceName, typ, userMsg, details).
			WithSession(sessionID).
			WithSeverity(events.SeverityWarning).
			WithRetry(retry),
	)
}

// Verify resolves and pings the provider for cfg with a short no-op request.
// Used by health checks; not part of the real-time path.
func (r *Router) Verify(ctx context.Context, cfg GenConfig) error {
	provider, err := r.resolve(ctx, cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = provider.Complete(ctx, llmprov.CompletionRequest{
		Messages:  []llmprov.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}
