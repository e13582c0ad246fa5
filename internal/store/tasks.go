package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, user_id, agent_id, user_message, ai_response, status,
	attempts, error, created_at, completed_at`

func scanTask(row pgx.Row) (*ExtractionTask, error) {
	t := &ExtractionTask{}
	err := row.Scan(&t.ID, &t.UserID, &t.AgentID, &t.UserMessage, &t.AIResponse, &t.Status,
		&t.Attempts, &t.Error, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// EnqueueExtraction writes a pending extraction task and returns its id.
func (s *Store) EnqueueExtraction(ctx context.Context, userID string, agentID *string, userMessage, aiResponse string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO extraction_tasks (id, user_id, agent_id, user_message, ai_response)
		VALUES ($1, $2, $3, $4, $5)`,
		id, userID, agentID, userMessage, aiResponse)
	if err != nil {
		return "", fmt.Errorf("store: enqueue extraction: %w", err)
	}
	return id, nil
}

// PendingTasks returns up to limit pending tasks with attempts < 3, oldest
// first.
func (s *Store) PendingTasks(ctx context.Context, limit int) ([]ExtractionTask, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM extraction_tasks
		WHERE status = 'pending' AND attempts < 3
		ORDER BY created_at ASC
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("store: pending tasks: %w", err)
	}
	tasks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ExtractionTask, error) {
		var t ExtractionTask
		err := row.Scan(&t.ID, &t.UserID, &t.AgentID, &t.UserMessage, &t.AIResponse, &t.Status,
			&t.Attempts, &t.Error, &t.CreatedAt, &t.CompletedAt)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan pending tasks: %w", err)
	}
	return tasks, nil
}

// ClaimTask transitions one task from pending to processing and increments
// its attempt counter. The status check in the WHERE clause makes the row a
// lock: a task claimed by another worker loop returns [ErrNotFound].
func (s *Store) ClaimTask(ctx context.Context, id string) (*ExtractionTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
		UPDATE extraction_tasks
		SET status = 'processing', attempts = attempts + 1
		WHERE id = $1 AND status = 'pending' AND attempts < 3
		RETURNING `+taskColumns, id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: claim task: %w", err)
	}
	return t, nil
}

// CompleteTask marks a task completed and stamps completed_at.
func (s *Store) CompleteTask(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = 'completed', completed_at = now(), error = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: complete task: %w", err)
	}
	return nil
}

// ReleaseTask records the error and reverts the task to pending for another
// attempt.
func (s *Store) ReleaseTask(ctx context.Context, id, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = 'pending', error = $2
		WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("store: release task: %w", err)
	}
	return nil
}

// FailTask records the error and marks the task permanently failed.
func (s *Store) FailTask(ctx context.Context, id, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE extraction_tasks
		SET status = 'failed', error = $2, completed_at = now()
		WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("store: fail task: %w", err)
	}
	return nil
}
