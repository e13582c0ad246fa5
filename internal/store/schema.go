// Package store provides the PostgreSQL persistence layer for Cadenza:
// users, agents, sessions, conversation messages, user facts, extraction
// tasks, registered LLM providers, and system settings.
//
// All operations share a single [pgxpool.Pool] connection pool and are safe
// for concurrent use. pgvector types are registered on every connection so
// the local vector backend can share the pool.
//
// Usage:
//
//	st, err := store.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	msg, err := st.InsertMessage(ctx, sessionID, "user", "hello", nil)
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id              UUID         PRIMARY KEY,
    name            TEXT         NOT NULL DEFAULT '',
    timezone        TEXT         NOT NULL DEFAULT '',
    memory_enabled  BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlAgents = `
CREATE TABLE IF NOT EXISTS agents (
    id              UUID         PRIMARY KEY,
    name            TEXT         NOT NULL,
    provider_kind   TEXT         NOT NULL DEFAULT 'openrouter',
    model           TEXT         NOT NULL DEFAULT '',
    temperature     DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    provider_ref    UUID,
    voice           TEXT         NOT NULL DEFAULT '',
    exaggeration    DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    cfg_weight      DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    tts_temperature DOUBLE PRECISION NOT NULL DEFAULT 0.8,
    language        TEXT         NOT NULL DEFAULT 'en',
    system_prompt   TEXT         NOT NULL DEFAULT '',
    memory_scope    TEXT         NOT NULL DEFAULT 'global',
    plugins         JSONB        NOT NULL DEFAULT '{}',
    is_default      BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_single_default
    ON agents (is_default) WHERE is_default;
`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id            UUID         PRIMARY KEY,
    user_id       UUID         NOT NULL REFERENCES users (id),
    agent_id      UUID         NOT NULL REFERENCES agents (id) ON DELETE CASCADE,
    session_type  TEXT         NOT NULL DEFAULT 'web',
    title         TEXT         NOT NULL DEFAULT '',
    active        BOOLEAN      NOT NULL DEFAULT TRUE,
    started_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at      TIMESTAMPTZ,
    CONSTRAINT active_implies_open CHECK (NOT active OR ended_at IS NULL)
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_active ON sessions (active) WHERE active;
`

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          UUID         PRIMARY KEY,
    session_id  UUID         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    latency_ms  INTEGER
);

CREATE INDEX IF NOT EXISTS idx_conversations_session_timestamp
    ON conversations (session_id, timestamp);
`

const ddlUserFacts = `
CREATE TABLE IF NOT EXISTS user_facts (
    id                  UUID         PRIMARY KEY,
    user_id             UUID         NOT NULL REFERENCES users (id),
    agent_id            UUID,
    fact_key            TEXT         NOT NULL,
    fact_value          TEXT         NOT NULL DEFAULT '',
    fact_text           TEXT         NOT NULL,
    vector_id           TEXT         NOT NULL UNIQUE,
    importance          DOUBLE PRECISION NOT NULL DEFAULT 0.7,
    memory_bank         TEXT         NOT NULL DEFAULT 'General',
    embedding_provider  TEXT         NOT NULL DEFAULT '',
    embedding_model     TEXT         NOT NULL DEFAULT '',
    validity_start      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    validity_end        TIMESTAMPTZ,
    is_protected        BOOLEAN      NOT NULL DEFAULT FALSE,
    is_summarized       BOOLEAN      NOT NULL DEFAULT FALSE,
    summarized_from     UUID[],
    last_accessed_at    TIMESTAMPTZ,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_user_facts_user_id ON user_facts (user_id);
CREATE INDEX IF NOT EXISTS idx_user_facts_validity
    ON user_facts (user_id) WHERE validity_end IS NULL;
`

const ddlExtractionTasks = `
CREATE TABLE IF NOT EXISTS extraction_tasks (
    id            UUID         PRIMARY KEY,
    user_id       UUID         NOT NULL,
    agent_id      UUID,
    user_message  TEXT         NOT NULL,
    ai_response   TEXT         NOT NULL DEFAULT '',
    status        TEXT         NOT NULL DEFAULT 'pending',
    attempts      INTEGER      NOT NULL DEFAULT 0,
    error         TEXT,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    completed_at  TIMESTAMPTZ,
    CONSTRAINT attempts_bounded CHECK (attempts <= 3)
);

CREATE INDEX IF NOT EXISTS idx_extraction_tasks_pending
    ON extraction_tasks (created_at) WHERE status = 'pending';
`

const ddlLLMProviders = `
CREATE TABLE IF NOT EXISTS llm_providers (
    id             UUID         PRIMARY KEY,
    name           TEXT         NOT NULL UNIQUE,
    base_url       TEXT         NOT NULL,
    api_key        TEXT         NOT NULL DEFAULT '',
    provider_type  TEXT         NOT NULL DEFAULT 'openai',
    models         TEXT[]       NOT NULL DEFAULT '{}',
    default_model  TEXT         NOT NULL DEFAULT '',
    is_active      BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlSettings = `
CREATE TABLE IF NOT EXISTS system_settings (
    key         TEXT         PRIMARY KEY,
    value       JSONB        NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_agent_memory_settings (
    user_id         UUID     NOT NULL,
    agent_id        UUID     NOT NULL,
    agent_specific  BOOLEAN  NOT NULL,
    PRIMARY KEY (user_id, agent_id)
);
`

// Migrate creates all Cadenza tables and indexes if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	ddls := []struct {
		name string
		ddl  string
	}{
		{"users", ddlUsers},
		{"agents", ddlAgents},
		{"sessions", ddlSessions},
		{"conversations", ddlConversations},
		{"user_facts", ddlUserFacts},
		{"extraction_tasks", ddlExtractionTasks},
		{"llm_providers", ddlLLMProviders},
		{"settings", ddlSettings},
	}
	for _, d := range ddls {
		if _, err := pool.Exec(ctx, d.ddl); err != nil {
			return fmt.Errorf("store: migrate %s: %w", d.name, err)
		}
	}
	return nil
}
