package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const factColumns = `id, user_id, agent_id, fact_key, fact_value, fact_text, vector_id,
	importance, memory_bank, embedding_provider, embedding_model,
	validity_start, validity_end, is_protected, is_summarized, summarized_from,
	last_accessed_at, created_at, updated_at`

func scanFact(row pgx.Row) (*UserFact, error) {
	f := &UserFact{}
	err := row.Scan(&f.ID, &f.UserID, &f.AgentID, &f.FactKey, &f.FactValue, &f.FactText, &f.VectorID,
		&f.Importance, &f.MemoryBank, &f.EmbeddingProvider, &f.EmbeddingModel,
		&f.ValidityStart, &f.ValidityEnd, &f.IsProtected, &f.IsSummarized, &f.SummarizedFrom,
		&f.LastAccessedAt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

func collectFacts(rows pgx.Rows) ([]UserFact, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (UserFact, error) {
		var f UserFact
		err := row.Scan(&f.ID, &f.UserID, &f.AgentID, &f.FactKey, &f.FactValue, &f.FactText, &f.VectorID,
			&f.Importance, &f.MemoryBank, &f.EmbeddingProvider, &f.EmbeddingModel,
			&f.ValidityStart, &f.ValidityEnd, &f.IsProtected, &f.IsSummarized, &f.SummarizedFrom,
			&f.LastAccessedAt, &f.CreatedAt, &f.UpdatedAt)
		return f, err
	})
}

// UpsertFact writes a fact keyed on its unique vector_id. An existing row
// with the same vector_id is replaced in place, preserving id and created_at.
// The written row is returned.
func (s *Store) UpsertFact(ctx context.Context, f *UserFact) (*UserFact, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO user_facts
			(id, user_id, agent_id, fact_key, fact_value, fact_text, vector_id,
			 importance, memory_bank, embedding_provider, embedding_model,
			 validity_end, is_protected, is_summarized, summarized_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (vector_id) DO UPDATE SET
			fact_key      = EXCLUDED.fact_key,
			fact_value    = EXCLUDED.fact_value,
			fact_text     = EXCLUDED.fact_text,
			importance    = EXCLUDED.importance,
			memory_bank   = EXCLUDED.memory_bank,
			validity_end  = EXCLUDED.validity_end,
			is_protected  = EXCLUDED.is_protected,
			updated_at    = now()
		RETURNING `+factColumns,
		f.ID, f.UserID, f.AgentID, f.FactKey, f.FactValue, f.FactText, f.VectorID,
		f.Importance, f.MemoryBank, f.EmbeddingProvider, f.EmbeddingModel,
		f.ValidityEnd, f.IsProtected, f.IsSummarized, f.SummarizedFrom)

	written, err := scanFact(row)
	if err != nil {
		return nil, fmt.Errorf("store: upsert fact: %w", err)
	}
	return written, nil
}

// CountValidFacts returns the number of currently valid facts for a user.
func (s *Store) CountValidFacts(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM user_facts
		WHERE user_id = $1 AND (validity_end IS NULL OR validity_end > now())`,
		userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count valid facts: %w", err)
	}
	return n, nil
}

// ListValidFacts returns all currently valid facts for a user, used by the
// text-similarity dedup fallback.
func (s *Store) ListValidFacts(ctx context.Context, userID string) ([]UserFact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+factColumns+` FROM user_facts
		WHERE user_id = $1 AND (validity_end IS NULL OR validity_end > now())
		ORDER BY created_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("store: list valid facts: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("store: scan facts: %w", err)
	}
	return facts, nil
}

// PruneCandidates returns up to limit non-protected valid facts for a user
// in eviction order. FIFO orders by created_at; LRU orders by the last
// retrieval (falling back to created_at for never-retrieved facts).
func (s *Store) PruneCandidates(ctx context.Context, userID string, limit int, lru bool) ([]UserFact, error) {
	order := "created_at ASC"
	if lru {
		order = "coalesce(last_accessed_at, created_at) ASC"
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+factColumns+` FROM user_facts
		WHERE user_id = $1
		  AND NOT is_protected
		  AND (validity_end IS NULL OR validity_end > now())
		ORDER BY `+order+`
		LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: prune candidates: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("store: scan prune candidates: %w", err)
	}
	return facts, nil
}

// DeleteFact removes one fact row by id.
func (s *Store) DeleteFact(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM user_facts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("store: delete fact: %w", err)
	}
	return nil
}

// DeleteFacts removes multiple fact rows in one statement.
func (s *Store) DeleteFacts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM user_facts WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("store: delete facts: %w", err)
	}
	return nil
}

// TouchLastAccessed stamps last_accessed_at on every fact referencing one of
// the given vector ids, in a single statement.
func (s *Store) TouchLastAccessed(ctx context.Context, vectorIDs []string) error {
	if len(vectorIDs) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE user_facts SET last_accessed_at = now()
		WHERE vector_id = ANY($1)`, vectorIDs)
	if err != nil {
		return fmt.Errorf("store: touch last accessed: %w", err)
	}
	return nil
}

// FactsCreatedSince returns the most recent facts created for a user after
// the given time, newest first, capped at limit. Used by the extraction
// worker's completion broadcast.
func (s *Store) FactsCreatedSince(ctx context.Context, userID string, since time.Time, limit int) ([]UserFact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+factColumns+` FROM user_facts
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT $3`,
		userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("store: facts created since: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("store: scan recent facts: %w", err)
	}
	return facts, nil
}

// SummarizableUsers returns user ids that have non-summarized, non-protected,
// valid facts older than the cutoff.
func (s *Store) SummarizableUsers(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT user_id FROM user_facts
		WHERE NOT is_summarized AND NOT is_protected
		  AND (validity_end IS NULL OR validity_end > now())
		  AND created_at < $1`,
		olderThan)
	if err != nil {
		return nil, fmt.Errorf("store: summarizable users: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("store: scan summarizable users: %w", err)
	}
	return users, nil
}

// SummarizableFacts returns a user's facts eligible for summarization: valid,
// not protected, not already summaries, older than the cutoff.
func (s *Store) SummarizableFacts(ctx context.Context, userID string, olderThan time.Time) ([]UserFact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+factColumns+` FROM user_facts
		WHERE user_id = $1
		  AND NOT is_summarized AND NOT is_protected
		  AND (validity_end IS NULL OR validity_end > now())
		  AND created_at < $2
		ORDER BY created_at ASC`,
		userID, olderThan)
	if err != nil {
		return nil, fmt.Errorf("store: summarizable facts: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, fmt.Errorf("store: scan summarizable facts: %w", err)
	}
	return facts, nil
}
