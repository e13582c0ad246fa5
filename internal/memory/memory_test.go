package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/store"
)

// testNow is the frozen clock for every memory test.
var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

// testConfig returns a memory configuration with every pipeline layer
// enabled and spec-default thresholds.
func testConfig() config.MemoryConfig {
	return config.MemoryConfig{
		MaxMemoriesPerUser:               100,
		PruningStrategy:                  config.PruneFIFO,
		PruningBatchSize:                 10,
		SimilarityThreshold:              0.3,
		EnableShortcuts:                  true,
		ShortcutMaxLength:                100,
		EnableDeduplication:              true,
		EmbeddingSimilarityThreshold:     0.95,
		TextSimilarityThreshold:          0.9,
		EnableTemporalDetection:          true,
		EnableSummarization:              true,
		SummarizationInterval:            24 * time.Hour,
		SummarizationMinAge:              7 * 24 * time.Hour,
		SummarizationSimilarityThreshold: 0.75,
		SummarizationMaxCluster:          8,
		SummarizationMinCluster:          3,
		EnableErrorGuard:                 true,
		ErrorGuardWindow:                 600 * time.Second,
		ErrorGuardThreshold:              5,
		ErrorGuardCooldown:               300 * time.Second,
	}
}

// factStore is an in-memory fake of the Store interface.
type factStore struct {
	mu sync.Mutex

	users    map[string]*store.User
	agents   map[string]*store.Agent
	settings map[string]bool
	prefs    map[string]*bool

	facts  []store.UserFact
	nextID int

	upsertErr error
	listErr   error

	touched    [][]string
	deletedIDs []string

	summarizableUsers []string
}

func newFactStore() *factStore {
	return &factStore{
		users:    map[string]*store.User{},
		agents:   map[string]*store.Agent{},
		settings: map[string]bool{},
		prefs:    map[string]*bool{},
	}
}

func (f *factStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (f *factStore) GetAgent(ctx context.Context, id string) (*store.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return a, nil
}

func (f *factStore) GetSettingBool(ctx context.Context, key string, fallback bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.settings[key]; ok {
		return v, nil
	}
	return fallback, nil
}

func (f *factStore) GetUserAgentMemorySetting(ctx context.Context, userID, agentID string) (*bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefs[userID+"|"+agentID], nil
}

func (f *factStore) UpsertFact(ctx context.Context, fact *store.UserFact) (*store.UserFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.nextID++
	stored := *fact
	if stored.ID == "" {
		stored.ID = fmt.Sprintf("fact-%d", f.nextID)
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = testNow
	}
	f.facts = append(f.facts, stored)
	return &stored, nil
}

func (f *factStore) CountValidFacts(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, fa := range f.facts {
		if fa.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (f *factStore) ListValidFacts(ctx context.Context, userID string) ([]store.UserFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []store.UserFact
	for _, fa := range f.facts {
		if fa.UserID == userID {
			out = append(out, fa)
		}
	}
	return out, nil
}

// PruneCandidates returns the oldest unprotected facts up to limit.
func (f *factStore) PruneCandidates(ctx context.Context, userID string, limit int, lru bool) ([]store.UserFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.UserFact
	for _, fa := range f.facts {
		if fa.UserID == userID && !fa.IsProtected {
			out = append(out, fa)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *factStore) DeleteFact(ctx context.Context, id string) error {
	return f.DeleteFacts(ctx, []string{id})
}

func (f *factStore) DeleteFacts(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
		f.deletedIDs = append(f.deletedIDs, id)
	}
	keep := f.facts[:0]
	for _, fa := range f.facts {
		if !drop[fa.ID] {
			keep = append(keep, fa)
		}
	}
	f.facts = keep
	return nil
}

func (f *factStore) TouchLastAccessed(ctx context.Context, vectorIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched = append(f.touched, vectorIDs)
	return nil
}

func (f *factStore) FactsCreatedSince(ctx context.Context, userID string, since time.Time, limit int) ([]store.UserFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.UserFact
	for _, fa := range f.facts {
		if fa.UserID != userID || fa.CreatedAt.Before(since) {
			continue
		}
		out = append(out, fa)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *factStore) SummarizableUsers(ctx context.Context, olderThan time.Time) ([]string, error) {
	return f.summarizableUsers, nil
}

func (f *factStore) SummarizableFacts(ctx context.Context, userID string, olderThan time.Time) ([]store.UserFact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.UserFact
	for _, fa := range f.facts {
		if fa.UserID == userID && !fa.IsProtected && fa.CreatedAt.Before(olderThan) {
			out = append(out, fa)
		}
	}
	return out, nil
}

func (f *factStore) factTexts(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, fa := range f.facts {
		if fa.UserID == userID {
			out = append(out, fa.FactText)
		}
	}
	return out
}

var _ Store = (*factStore)(nil)
