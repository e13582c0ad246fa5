// Package app wires all Cadenza subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects every
// subsystem, Run starts the background loops and HTTP surfaces, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithVectorStore,
// WithLLMProvider, WithEmbeddings). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/convo"
	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/health"
	"github.com/cadenzahq/cadenza/internal/llm"
	"github.com/cadenzahq/cadenza/internal/memory"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/orchestrator"
	"github.com/cadenzahq/cadenza/internal/plugin"
	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/internal/stt"
	"github.com/cadenzahq/cadenza/internal/tts"
	"github.com/cadenzahq/cadenza/internal/vault"
	"github.com/cadenzahq/cadenza/pkg/provider/embeddings"
	ollamaembed "github.com/cadenzahq/cadenza/pkg/provider/embeddings/ollama"
	oaembed "github.com/cadenzahq/cadenza/pkg/provider/embeddings/openai"
	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
	"github.com/cadenzahq/cadenza/pkg/provider/llm/anyllm"
	"github.com/cadenzahq/cadenza/pkg/provider/llm/openai"
	"github.com/cadenzahq/cadenza/pkg/vecstore"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	bus     *events.Bus
	vault   *vault.Vault
	store   *store.Store
	metrics *observe.Metrics

	vec      vecstore.Store
	embedder embeddings.Provider
	extract  llmprov.Provider

	sttPool *stt.Pool
	ttsCli  *tts.Client
	router  *llm.Router
	memory  *memory.Service
	worker  *memory.Worker
	cache   *convo.Cache
	orch    *orchestrator.Orchestrator
	plugins *plugin.Manager

	sink orchestrator.AudioSink

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithVectorStore injects a vector store instead of building one from config.
func WithVectorStore(v vecstore.Store) Option {
	return func(a *App) { a.vec = v }
}

// WithLLMProvider injects the extraction provider used by the memory service
// and the local vector backend.
func WithLLMProvider(p llmprov.Provider) Option {
	return func(a *App) { a.extract = p }
}

// WithEmbeddings injects an embeddings provider instead of building one from
// config.
func WithEmbeddings(e embeddings.Provider) Option {
	return func(a *App) { a.embedder = e }
}

// WithAudioSink sets the destination for synthesized audio chunks. The
// transport layer provides this; nil discards audio.
func WithAudioSink(sink orchestrator.AudioSink) Option {
	return func(a *App) { a.sink = sink }
}

// registerDiscordOnce guards the global plugin registry against double
// registration when New runs more than once in a process.
var registerDiscordOnce sync.Once

// New creates an App by wiring all subsystems together. It connects to
// PostgreSQL, builds the provider stack from config, and assembles the
// pipeline. Metric instruments come from the global OTel meter provider, so
// call [observe.InitProvider] first.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, bus: events.NewBus()}
	for _, o := range opts {
		o(a)
	}

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.metrics = metrics

	a.vault = vault.New(cfg.Vault.EncryptionKey)
	a.vault.RegisterSensitiveFields(plugin.DiscordType, "token")

	a.store, err = store.New(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})

	if err := a.initProviders(); err != nil {
		return nil, err
	}
	if err := a.initVector(); err != nil {
		return nil, err
	}
	a.initPipeline()

	return a, nil
}

// initProviders builds the embeddings and extraction LLM providers from
// config unless doubles were injected.
func (a *App) initProviders() error {
	if a.embedder == nil {
		e, err := buildEmbeddings(a.cfg.Embedding)
		if err != nil {
			return fmt.Errorf("app: build embeddings provider: %w", err)
		}
		a.embedder = e
	}

	if a.extract == nil {
		p, err := buildExtractionProvider(a.cfg.LLM)
		if err != nil {
			return fmt.Errorf("app: build extraction provider: %w", err)
		}
		a.extract = p
	}
	return nil
}

// initVector builds the configured vector backend and wraps it in the worker
// pool so blocking vector calls stay bounded.
func (a *App) initVector() error {
	if a.vec == nil {
		switch a.cfg.Vector.Backend {
		case config.VectorBackendHTTP:
			hs, err := vecstore.NewHTTPStore(a.cfg.Vector.ServerURL)
			if err != nil {
				return fmt.Errorf("app: build vector backend: %w", err)
			}
			a.vec = hs
		case config.VectorBackendPostgres, "":
			ps, err := vecstore.NewPGStore(a.store.Pool(), a.embedder, a.extract)
			if err != nil {
				return fmt.Errorf("app: build vector backend: %w", err)
			}
			a.vec = ps
		default:
			return fmt.Errorf("app: unknown vector backend %q", a.cfg.Vector.Backend)
		}
	}
	a.vec = vecstore.NewPool(a.vec, a.cfg.Vector.Workers)
	return nil
}

// initPipeline assembles the conversational core on top of the stores and
// providers.
func (a *App) initPipeline() {
	a.router = llm.NewRouter(a.cfg.LLM, a.store, a.vault, a.bus, llm.WithMetrics(a.metrics))

	a.memory = memory.New(a.cfg.Memory, a.store, a.vec, a.extract, a.bus,
		memory.WithMetrics(a.metrics),
		memory.WithEmbeddingInfo(a.cfg.Embedding.Provider, a.cfg.Embedding.Model),
	)
	a.worker = memory.NewWorker(a.memory, a.store, a.bus)

	a.cache = convo.NewCache(a.store, a.memory, a.bus, a.cfg.Cache)
	a.closers = append(a.closers, func() error {
		a.cache.Stop()
		return nil
	})

	a.sttPool = stt.NewPool(stt.Config{
		ServerURL:         a.cfg.STT.ServerURL,
		MaxRetries:        a.cfg.STT.MaxRetries,
		BackoffMultiplier: a.cfg.STT.BackoffMultiplier,
		ConnectTimeout:    a.cfg.STT.ConnectTimeout,
	}, a.bus)

	ttsCli, err := tts.New(a.cfg.TTS.BaseURL, a.cfg.TTS.DefaultVoice, a.bus,
		tts.WithTimeout(a.cfg.TTS.Timeout),
		tts.WithChunkSize(a.cfg.TTS.StreamChunkSize),
	)
	if err != nil {
		// Only an empty base URL fails; keep the pipeline text-only.
		slog.Warn("app: tts disabled", "error", err)
	}
	a.ttsCli = ttsCli

	var speaker orchestrator.Speaker
	if a.ttsCli != nil {
		speaker = a.ttsCli
	}
	a.orch = orchestrator.New(a.cfg.Session, a.sttPool, speaker, a.router, a.cache,
		a.sink, a.bus, orchestrator.WithMetrics(a.metrics))

	a.plugins = plugin.NewManager(a.cfg.Plugins, a.vault, a.bus, plugin.WithMetrics(a.metrics))
	registerDiscordOnce.Do(func() {
		plugin.RegisterDiscord(func(ctx context.Context, sessionID string, pcm []byte) {
			a.orch.HandleAudio(ctx, sessionID, pcm, stt.FormatPCM)
		})
	})
}

// buildEmbeddings constructs the configured embeddings provider.
func buildEmbeddings(cfg config.EmbeddingConfig) (embeddings.Provider, error) {
	switch cfg.Provider {
	case "openai":
		var opts []oaembed.Option
		if cfg.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(cfg.BaseURL))
		}
		return oaembed.New(cfg.APIKey, cfg.Model, opts...)
	case "ollama", "":
		return ollamaembed.New(cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}

// buildExtractionProvider constructs the LLM provider the memory subsystem
// uses for relevance, temporal inference, and summarization. OpenRouter wins
// when a key is configured; otherwise the local backend serves.
func buildExtractionProvider(cfg config.LLMConfig) (llmprov.Provider, error) {
	if cfg.OpenRouterAPIKey != "" {
		opts := []openai.Option{}
		if cfg.OpenRouterBaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.OpenRouterBaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, openai.WithTimeout(cfg.Timeout))
		}
		return openai.New(cfg.OpenRouterAPIKey, cfg.DefaultModel, opts...)
	}

	var opts []anyllmlib.Option
	if cfg.LocalBaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.LocalBaseURL))
	}
	return anyllm.New(cfg.LocalBackend, cfg.DefaultModel, opts...)
}

// Bus exposes the event bus for transport subscribers.
func (a *App) Bus() *events.Bus { return a.bus }

// Orchestrator exposes the session pipeline for the transport layer.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Run starts the background loops and HTTP surfaces and blocks until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(a.worker.Run)
	run(a.memory.RunSummarizer)
	run(a.plugins.StartMonitor)
	run(a.dispatchToPlugins)

	if err := a.startDefaultAgentPlugins(ctx); err != nil {
		slog.Warn("app: default agent plugins not started", "error", err)
	}

	healthSrv := a.serveHealth()
	metricsSrv := a.serveMetrics()

	slog.Info("app running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"metrics_addr", a.cfg.Server.MetricsAddr,
		"vector_backend", string(a.cfg.Vector.Backend),
	)
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{healthSrv, metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("app: http shutdown", "addr", srv.Addr, "error", err)
		}
	}

	wg.Wait()
	return ctx.Err()
}

// startDefaultAgentPlugins brings up the plugins of the default agent, if one
// is configured.
func (a *App) startDefaultAgentPlugins(ctx context.Context) error {
	agent, err := a.store.GetDefaultAgent(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if len(agent.Plugins) == 0 {
		return nil
	}
	results := a.plugins.InitializeAgentPlugins(ctx, agent)
	for typ, ok := range results {
		if !ok {
			slog.Warn("app: plugin failed to start", "agent_id", agent.ID, "plugin", typ)
		}
	}
	return nil
}

// dispatchToPlugins bridges bus envelopes to plugin hooks: finalized user
// messages to OnMessage, completed responses to OnResponse. Agent resolution
// goes through the conversation cache, which already holds the session.
func (a *App) dispatchToPlugins(ctx context.Context) {
	ch, cancel := a.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			if env.Event != events.EventFinalTranscript && env.Event != events.EventAIResponseComplete {
				continue
			}
			sessionID, _ := env.Data["session_id"].(string)
			text, _ := env.Data["text"].(string)
			if sessionID == "" || text == "" {
				continue
			}
			agent, err := a.cache.AgentConfig(ctx, sessionID)
			if err != nil {
				slog.Debug("app: plugin dispatch skipped", "session_id", sessionID, "error", err)
				continue
			}
			if env.Event == events.EventFinalTranscript {
				a.plugins.DispatchMessage(ctx, agent.ID, sessionID, text, nil)
			} else {
				a.plugins.DispatchResponse(ctx, agent.ID, sessionID, text, nil)
			}
		}
	}
}

// serveHealth starts the liveness/readiness server on ListenAddr.
func (a *App) serveHealth() *http.Server {
	if a.cfg.Server.ListenAddr == "" {
		return nil
	}

	checks := []health.Check{health.Database(a.store.Pool())}
	if a.ttsCli != nil {
		checks = append(checks, health.TTS(a.ttsCli))
	}
	if a.cfg.STT.ServerURL != "" {
		checks = append(checks, health.Endpoint("stt", a.cfg.STT.ServerURL))
	}
	if a.cfg.Vector.Backend == config.VectorBackendHTTP && a.cfg.Vector.ServerURL != "" {
		checks = append(checks, health.Endpoint("vector", a.cfg.Vector.ServerURL))
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)

	srv := &http.Server{Addr: a.cfg.Server.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("app: health server", "error", err)
		}
	}()
	return srv
}

// serveMetrics starts the Prometheus scrape endpoint on MetricsAddr.
func (a *App) serveMetrics() *http.Server {
	if a.cfg.Server.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler())

	srv := &http.Server{Addr: a.cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("app: metrics server", "error", err)
		}
	}()
	return srv
}

// Shutdown tears the subsystems down: sessions first so in-flight turns
// finish cleanly, then plugins, then the stores. Respects the context
// deadline; remaining closers are skipped when it expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down")

		a.orch.Shutdown(ctx)
		a.plugins.Shutdown(ctx)
		a.sttPool.Shutdown(ctx)

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
