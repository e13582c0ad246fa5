// Package convo caches per-session conversation context: the session row,
// its agent, and the recent message window, held as detached value snapshots
// with a TTL.
//
// The cache is a second store, never the truth. Misses load from Postgres;
// every hit refreshes the entry's expiry; a background sweeper evicts idle
// sessions. Each entry carries its own lock so sessions never contend with
// each other, and the cache map itself is only held for short critical
// sections.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadenzahq/cadenza/internal/config"
	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/store"
	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
)

// fallbackTimezone is used when the user has no usable timezone.
const fallbackTimezone = "America/Los_Angeles"

// memoryRetrievalLimit is how many facts a context composition asks for.
const memoryRetrievalLimit = 5

// Store is the slice of [store.Store] the cache needs.
type Store interface {
	EnsureUser(ctx context.Context, id, name string) (*store.User, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
	GetAgent(ctx context.Context, id string) (*store.Agent, error)
	GetDefaultAgent(ctx context.Context) (*store.Agent, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
	GetOrCreateSession(ctx context.Context, id, userID, agentID, sessionType, title string) (*store.Session, error)
	EndSession(ctx context.Context, id string) error
	InsertMessage(ctx context.Context, sessionID, role, content string, latencyMS *int) (*store.Message, bool, error)
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
	EnqueueExtraction(ctx context.Context, userID string, agentID *string, userMessage, aiResponse string) (string, error)
}

// Retriever supplies the memory block for context composition. Implementations
// degrade to an empty string on failure and never return errors.
type Retriever interface {
	MemoryContext(ctx context.Context, userID, agentID, query string, limit int) string
}

// entry is one cached session context. All fields are value snapshots
// detached from the database layer, guarded by the entry's own mutex.
type entry struct {
	mu           sync.Mutex
	session      store.Session
	agent        store.Agent
	user         store.User
	messages     []store.Message
	lastActivity time.Time
	expiresAt    time.Time
}

// touch refreshes the activity timestamps. Caller holds mu.
func (e *entry) touch(ttl time.Duration) {
	e.lastActivity = time.Now()
	e.expiresAt = e.lastActivity.Add(ttl)
}

// Cache holds the per-session contexts.
type Cache struct {
	store  Store
	memory Retriever // nil when the memory subsystem is disabled
	events events.Publisher
	cfg    config.CacheConfig

	mu      sync.Mutex
	entries map[string]*entry

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewCache creates a cache and starts its eviction sweeper. memory and
// publisher may be nil. Call [Cache.Stop] to halt the sweeper.
func NewCache(st Store, memory Retriever, publisher events.Publisher, cfg config.CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 20
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	c := &Cache{
		store:   st,
		memory:  memory,
		events:  publisher,
		cfg:     cfg,
		entries: make(map[string]*entry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Stop halts the background sweeper. The cache remains usable.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
}

// sweep evicts expired entries every CleanupInterval.
func (c *Cache) sweep() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictExpired(time.Now())
		case <-c.stop:
			return
		}
	}
}

// evictExpired drops every entry whose expiry has passed. The expiry check
// runs per entry under its own lock so an in-flight operation that just
// refreshed the entry is never evicted.
func (c *Cache) evictExpired(now time.Time) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.mu.Lock()
		e := c.entries[id]
		c.mu.Unlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		expired := e.expiresAt.Before(now)
		e.mu.Unlock()
		if expired {
			c.mu.Lock()
			delete(c.entries, id)
			c.mu.Unlock()
			slog.Debug("convo: evicted idle session", "session_id", id)
		}
	}
}

// GetOrCreateSession resolves the user, agent, and session rows and installs
// a cache entry. An empty agentID selects the default agent. The session is
// created if it does not exist.
func (c *Cache) GetOrCreateSession(ctx context.Context, sessionID, userID, agentID, channelType, userName, title string) (*store.Session, error) {
	user, err := c.store.EnsureUser(ctx, userID, userName)
	if err != nil {
		return nil, fmt.Errorf("convo: ensure user: %w", err)
	}

	var agent *store.Agent
	if agentID == "" {
		agent, err = c.store.GetDefaultAgent(ctx)
	} else {
		agent, err = c.store.GetAgent(ctx, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("convo: resolve agent: %w", err)
	}

	session, err := c.store.GetOrCreateSession(ctx, sessionID, userID, agent.ID, channelType, title)
	if err != nil {
		return nil, fmt.Errorf("convo: get or create session: %w", err)
	}

	e := &entry{session: *session, agent: *agent, user: *user}
	e.touch(c.cfg.TTL)

	c.mu.Lock()
	c.entries[sessionID] = e
	c.mu.Unlock()

	out := *session
	return &out, nil
}

// lookup returns the cached entry, loading it from storage on a miss.
func (c *Cache) lookup(ctx context.Context, sessionID string) (*entry, error) {
	c.mu.Lock()
	e, ok := c.entries[sessionID]
	c.mu.Unlock()
	if ok {
		return e, nil
	}

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("convo: load session: %w", err)
	}
	agent, err := c.store.GetAgent(ctx, session.AgentID)
	if err != nil {
		return nil, fmt.Errorf("convo: load agent: %w", err)
	}
	user, err := c.store.GetUser(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("convo: load user: %w", err)
	}
	msgs, err := c.store.RecentMessages(ctx, sessionID, c.cfg.MaxContextMessages)
	if err != nil {
		return nil, fmt.Errorf("convo: load messages: %w", err)
	}

	e = &entry{session: *session, agent: *agent, user: *user, messages: msgs}
	e.touch(c.cfg.TTL)

	c.mu.Lock()
	// Another goroutine may have loaded the entry concurrently; keep the
	// installed one so both callers share a lock.
	if existing, ok := c.entries[sessionID]; ok {
		e = existing
	} else {
		c.entries[sessionID] = e
	}
	c.mu.Unlock()
	return e, nil
}

// Context composes the LLM conversation for the session, oldest message
// first. With includeSystemPrompt the agent's prompt is prepended with a
// date/time stanza in the user's timezone, and the memory block (when the
// retriever yields one for the latest user message) follows as a second
// system message.
func (c *Cache) Context(ctx context.Context, sessionID string, limit int, includeSystemPrompt bool) ([]llmprov.Message, error) {
	e, err := c.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	agent := e.agent
	user := e.user
	msgs := make([]store.Message, len(e.messages))
	copy(msgs, e.messages)
	e.touch(c.cfg.TTL)
	e.mu.Unlock()

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	var out []llmprov.Message
	if includeSystemPrompt {
		out = append(out, llmprov.Message{
			Role:    "system",
			Content: agent.SystemPrompt + "\n\n" + timeContext(time.Now(), user.Timezone),
		})
		if c.memory != nil {
			if query := latestUserMessage(msgs); query != "" {
				if block := c.memory.MemoryContext(ctx, user.ID, agent.ID, query, memoryRetrievalLimit); block != "" {
					out = append(out, llmprov.Message{Role: "system", Content: block})
				}
			}
		}
	}
	for _, m := range msgs {
		out = append(out, llmprov.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// AddMessage persists a message and appends it to the cached window. The
// duplicate-suppression rule lives in the store layer; a suppressed insert
// returns the existing row without touching the cache window. An assistant
// message enqueues a memory extraction task, fire and forget.
func (c *Cache) AddMessage(ctx context.Context, sessionID, role, content string, latencyMS *int) (*store.Message, error) {
	e, err := c.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	msg, duplicate, err := c.store.InsertMessage(ctx, sessionID, role, content, latencyMS)
	if err != nil {
		return nil, fmt.Errorf("convo: insert message: %w", err)
	}

	var lastUser string
	e.mu.Lock()
	if !duplicate {
		e.messages = append(e.messages, *msg)
		if len(e.messages) > c.cfg.MaxContextMessages {
			e.messages = e.messages[len(e.messages)-c.cfg.MaxContextMessages:]
		}
	}
	lastUser = latestUserMessage(e.messages)
	userID := e.user.ID
	agent := e.agent
	e.touch(c.cfg.TTL)
	e.mu.Unlock()

	if role == "assistant" && !duplicate && c.memory != nil && lastUser != "" {
		go c.enqueueExtraction(sessionID, userID, agent, lastUser, content)
	}
	return msg, nil
}

// enqueueExtraction writes the extraction task off the request path.
func (c *Cache) enqueueExtraction(sessionID, userID string, agent store.Agent, userMessage, aiResponse string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var agentID *string
	if agent.MemoryScope == store.ScopeAgent {
		id := agent.ID
		agentID = &id
	}
	taskID, err := c.store.EnqueueExtraction(ctx, userID, agentID, userMessage, aiResponse)
	if err != nil {
		slog.Warn("convo: enqueue extraction failed",
			"session_id", sessionID, "user_id", userID, "error", err)
		return
	}
	if c.events != nil {
		c.events.Publish(events.EventExtractionQueued, map[string]any{
			"task_id":    taskID,
			"user_id":    userID,
			"session_id": sessionID,
		})
	}
}

// AgentConfig returns a snapshot of the session's agent.
func (c *Cache) AgentConfig(ctx context.Context, sessionID string) (*store.Agent, error) {
	e, err := c.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	agent := e.agent
	e.touch(c.cfg.TTL)
	e.mu.Unlock()
	return &agent, nil
}

// User returns a snapshot of the session's user.
func (c *Cache) User(ctx context.Context, sessionID string) (*store.User, error) {
	e, err := c.lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	user := e.user
	e.mu.Unlock()
	return &user, nil
}

// UpdateActivity refreshes the session's expiry without other effects.
func (c *Cache) UpdateActivity(sessionID string) {
	c.mu.Lock()
	e := c.entries[sessionID]
	c.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	e.touch(c.cfg.TTL)
	e.mu.Unlock()
}

// EndSession evicts the session and, when persist is true, marks the
// database row ended.
func (c *Cache) EndSession(ctx context.Context, sessionID string, persist bool) error {
	c.mu.Lock()
	delete(c.entries, sessionID)
	c.mu.Unlock()

	if !persist {
		return nil
	}
	if err := c.store.EndSession(ctx, sessionID); err != nil {
		return fmt.Errorf("convo: end session: %w", err)
	}
	return nil
}

// ClearCache evicts one session, or every session when sessionID is empty.
func (c *Cache) ClearCache(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessionID == "" {
		c.entries = make(map[string]*entry)
		return
	}
	delete(c.entries, sessionID)
}

// ActiveSessions returns the ids of all cached sessions.
func (c *Cache) ActiveSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	return out
}

// latestUserMessage returns the content of the newest user-role message.
func latestUserMessage(msgs []store.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// timeContext renders the date/time stanza injected into the system prompt.
// tz falls back to America/Los_Angeles when missing or unknown.
func timeContext(now time.Time, tz string) string {
	if tz == "" {
		tz = fallbackTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc, _ = time.LoadLocation(fallbackTimezone)
	}
	local := now.In(loc)
	return fmt.Sprintf("[Current Date/Time Context]\nCurrent date: %s\nCurrent time: %s (%s)",
		local.Format("Monday, January 2, 2006"),
		local.Format("3:04 PM"),
		loc.String())
}
