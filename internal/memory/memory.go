// Package memory implements long-term user memory: extracting durable facts
// from conversation turns, retrieving them for context composition, and
// maintaining the fact corpus over time.
//
// Facts live in two stores that must stay consistent: a vector store
// (semantic search) and the relational user_facts table (metadata, validity,
// protection). Every write path creates the vector first and compensates with
// a vector delete when the relational write fails, so the vector store never
// holds rows the table does not know about for long.
//
// The extraction pipeline is deliberately layered: a circuit-breaker guard,
// a regex fast path for trivially memorable messages, an LLM relevance
// classifier, per-user locking, deduplication, categorisation, and temporal
// validity inference. Each layer can be disabled by configuration.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/observe"
	"github.com/cadenzahq/cadenza/internal/store"
	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
	"github.com/cadenzahq/cadenza/pkg/vecstore"
)

// serviceName identifies this component on the error bus.
const serviceName = "memory_service"

// settingAgentMemoryDisabled is the admin policy key that forces global scope
// for every agent.
const settingAgentMemoryDisabled = "memory.agent_specific_disabled"

// Store is the slice of [store.Store] the memory service needs.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetSettingBool(ctx context.Context, key string, fallback bool) (bool, error)
	GetUserAgentMemorySetting(ctx context.Context, userID, agentID string) (*bool, error)

	UpsertFact(ctx context.Context, f *store.UserFact) (*store.UserFact, error)
	CountValidFacts(ctx context.Context, userID string) (int, error)
	ListValidFacts(ctx context.Context, userID string) ([]store.UserFact, error)
	PruneCandidates(ctx context.Context, userID string, limit int, lru bool) ([]store.UserFact, error)
	DeleteFact(ctx context.Context, id string) error
	DeleteFacts(ctx context.Context, ids []string) error
	TouchLastAccessed(ctx context.Context, vectorIDs []string) error
	FactsCreatedSince(ctx context.Context, userID string, since time.Time, limit int) ([]store.UserFact, error)
	SummarizableUsers(ctx context.Context, olderThan time.Time) ([]string, error)
	SummarizableFacts(ctx context.Context, userID string, olderThan time.Time) ([]store.UserFact, error)
}

// Option is a functional option for configuring a [Service].
type Option func(*Service)

// WithMetrics wires the memory pipeline counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithEmbeddingInfo records which embedding backend produced the vectors, so
// facts stay attributable across embedding migrations.
func WithEmbeddingInfo(provider, model string) Option {
	return func(s *Service) {
		s.embeddingProvider = provider
		s.embeddingModel = model
	}
}

// Service is the memory subsystem facade. Safe for concurrent use.
type Service struct {
	cfg     config.MemoryConfig
	store   Store
	vec     vecstore.Store
	llm     llmprov.Provider
	events  events.Publisher
	metrics *observe.Metrics
	guard   *errorGuard
	locks   userLocks

	embeddingProvider string
	embeddingModel    string

	// now is swapped in tests for deterministic validity periods.
	now func() time.Time
}

// New creates the memory service. vec is typically a [vecstore.Pool] so
// blocking vector calls cannot monopolize the process. llm serves the
// relevance classifier, temporal fallback, and summarizer; publisher may be
// nil.
func New(cfg config.MemoryConfig, st Store, vec vecstore.Store, llm llmprov.Provider, publisher events.Publisher, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		store:  st,
		vec:    vec,
		llm:    llm,
		events: publisher,
		guard:  newErrorGuard(cfg.EnableErrorGuard, cfg.ErrorGuardWindow, cfg.ErrorGuardThreshold, cfg.ErrorGuardCooldown),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecordFailure feeds an extraction failure into the circuit breaker. The
// queue worker calls this for every failed task.
func (s *Service) RecordFailure() {
	s.guard.record(s.now())
}

// GuardStatus exposes the circuit breaker state for admin surfaces.
func (s *Service) GuardStatus() GuardStatus {
	return s.guard.status(s.now())
}

// ResetGuard force-clears the circuit breaker.
func (s *Service) ResetGuard() {
	s.guard.reset()
}

// userLocks hands out one mutex per user id so concurrent extractions for
// the same user serialize on the dedup check.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *userLocks) lock(userID string) *sync.Mutex {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[userID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[userID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m
}
