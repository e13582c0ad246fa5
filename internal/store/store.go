package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// duplicateWindow is how far back an identical (session, role, content)
// message suppresses a new insert.
const duplicateWindow = 10 * time.Second

// db is the query surface Store needs. Satisfied by [pgxpool.Pool] in
// production and by pgxmock pools in tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store is the central PostgreSQL-backed persistence layer for Cadenza.
// All operations are safe for concurrent use.
type Store struct {
	db   db
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, registers pgvector types on every connection, and runs
// [Migrate] to ensure all required tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so the local vector
	// backend can share the pool.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: pool, pool: pool}, nil
}

// Pool exposes the underlying connection pool for components that share it,
// such as the local vector backend.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

const userColumns = `id, name, timezone, memory_enabled, created_at`

// GetUser loads one user by id. Returns [ErrNotFound] when absent.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u := &User{}
	if err := row.Scan(&u.ID, &u.Name, &u.Timezone, &u.MemoryEnabled, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

// EnsureUser creates the user if it does not exist and returns the row.
func (s *Store) EnsureUser(ctx context.Context, id, name string) (*User, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO users (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = CASE
			WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END
		RETURNING `+userColumns, id, name)
	u := &User{}
	if err := row.Scan(&u.ID, &u.Name, &u.Timezone, &u.MemoryEnabled, &u.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: ensure user: %w", err)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

const agentColumns = `id, name, provider_kind, model, temperature, provider_ref,
	voice, exaggeration, cfg_weight, tts_temperature, language,
	system_prompt, memory_scope, plugins, is_default, created_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(&a.ID, &a.Name, &a.ProviderKind, &a.Model, &a.Temperature, &a.ProviderRef,
		&a.Voice, &a.Exaggeration, &a.CfgWeight, &a.TTSTemperature, &a.Language,
		&a.SystemPrompt, &a.MemoryScope, &a.Plugins, &a.IsDefault, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// GetAgent loads one agent by id. Returns [ErrNotFound] when absent.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return a, err
}

// GetDefaultAgent loads the agent marked is_default. Returns [ErrNotFound]
// when no default is configured.
func (s *Store) GetDefaultAgent(ctx context.Context) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE is_default LIMIT 1`))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get default agent: %w", err)
	}
	return a, err
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

const sessionColumns = `id, user_id, agent_id, session_type, title, active, started_at, ended_at`

func scanSession(row pgx.Row) (*Session, error) {
	sess := &Session{}
	err := row.Scan(&sess.ID, &sess.UserID, &sess.AgentID, &sess.SessionType,
		&sess.Title, &sess.Active, &sess.StartedAt, &sess.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

// GetSession loads one session by id. Returns [ErrNotFound] when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	return sess, err
}

// GetOrCreateSession returns the session with the given id, creating it when
// absent. An existing session is returned as-is; callers enforce that it
// belongs to the same user.
func (s *Store) GetOrCreateSession(ctx context.Context, id, userID, agentID, sessionType, title string) (*Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx, `
		INSERT INTO sessions (id, user_id, agent_id, session_type, title)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET id = sessions.id
		RETURNING `+sessionColumns,
		id, userID, agentID, sessionType, title))
	if err != nil {
		return nil, fmt.Errorf("store: get or create session: %w", err)
	}
	return sess, nil
}

// EndSession marks the session inactive and stamps ended_at.
func (s *Store) EndSession(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions SET active = FALSE, ended_at = now()
		WHERE id = $1 AND active`, id)
	if err != nil {
		return fmt.Errorf("store: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

const messageColumns = `id, session_id, role, content, timestamp, latency_ms`

func scanMessage(row pgx.Row) (*Message, error) {
	m := &Message{}
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &m.LatencyMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// InsertMessage appends a message to the session's conversation log. If an
// identical (session, role, content) row exists within the last 10 seconds
// the insert is suppressed and the existing row is returned with
// duplicate=true. The duplicate check and the insert run in one transaction
// holding a per-session advisory lock, so two racing identical inserts
// serialize and only one row lands.
func (s *Store) InsertMessage(ctx context.Context, sessionID, role, content string, latencyMS *int) (*Message, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("store: begin insert message: %w", err)
	}

	msg, duplicate, err := insertMessageTx(ctx, tx, sessionID, role, content, latencyMS)
	if err != nil {
		tx.Rollback(ctx)
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("store: commit insert message: %w", err)
	}
	return msg, duplicate, nil
}

func insertMessageTx(ctx context.Context, tx pgx.Tx, sessionID, role, content string, latencyMS *int) (*Message, bool, error) {
	// Released automatically at commit or rollback.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sessionID); err != nil {
		return nil, false, fmt.Errorf("store: lock session: %w", err)
	}

	existing, err := scanMessage(tx.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM conversations
		WHERE session_id = $1 AND role = $2 AND content = $3
		  AND timestamp >= now() - interval '10 seconds'
		ORDER BY timestamp DESC
		LIMIT 1`,
		sessionID, role, content))
	switch {
	case err == nil:
		return existing, true, nil
	case !errors.Is(err, ErrNotFound):
		return nil, false, fmt.Errorf("store: check duplicate message: %w", err)
	}

	inserted, err := scanMessage(tx.QueryRow(ctx, `
		INSERT INTO conversations (id, session_id, role, content, latency_ms)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+messageColumns,
		uuid.NewString(), sessionID, role, content, latencyMS))
	if err != nil {
		return nil, false, fmt.Errorf("store: insert message: %w", err)
	}
	return inserted, false, nil
}

// RecentMessages returns the last limit messages of a session in ascending
// timestamp order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM conversations
			WHERE session_id = $1
			ORDER BY timestamp DESC
			LIMIT $2
		) recent
		ORDER BY timestamp ASC`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Timestamp, &m.LatencyMS)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	return msgs, nil
}
