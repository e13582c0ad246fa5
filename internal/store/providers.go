package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const providerColumns = `id, name, base_url, api_key, provider_type, models,
	default_model, is_active, created_at`

func scanProvider(row pgx.Row) (*LLMProvider, error) {
	p := &LLMProvider{}
	err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.ProviderType, &p.Models,
		&p.DefaultModel, &p.IsActive, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// CreateProvider registers a new LLM provider. The api_key must already be
// encrypted by the vault before it reaches the store.
func (s *Store) CreateProvider(ctx context.Context, p *LLMProvider) (*LLMProvider, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	written, err := scanProvider(s.db.QueryRow(ctx, `
		INSERT INTO llm_providers
			(id, name, base_url, api_key, provider_type, models, default_model, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+providerColumns,
		p.ID, p.Name, p.BaseURL, p.APIKey, p.ProviderType, p.Models, p.DefaultModel, p.IsActive))
	if err != nil {
		return nil, fmt.Errorf("store: create provider: %w", err)
	}
	return written, nil
}

// UpdateProvider replaces a provider row by id.
func (s *Store) UpdateProvider(ctx context.Context, p *LLMProvider) (*LLMProvider, error) {
	written, err := scanProvider(s.db.QueryRow(ctx, `
		UPDATE llm_providers SET
			name = $2, base_url = $3, api_key = $4, provider_type = $5,
			models = $6, default_model = $7, is_active = $8
		WHERE id = $1
		RETURNING `+providerColumns,
		p.ID, p.Name, p.BaseURL, p.APIKey, p.ProviderType, p.Models, p.DefaultModel, p.IsActive))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: update provider: %w", err)
	}
	return written, nil
}

// DeleteProvider removes a provider row by id.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM llm_providers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete provider: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetProvider loads one provider by id. Returns [ErrNotFound] when absent.
func (s *Store) GetProvider(ctx context.Context, id string) (*LLMProvider, error) {
	p, err := scanProvider(s.db.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM llm_providers WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("store: get provider: %w", err)
	}
	return p, err
}

// ListProviders returns all registered providers.
func (s *Store) ListProviders(ctx context.Context) ([]LLMProvider, error) {
	rows, err := s.db.Query(ctx, `SELECT `+providerColumns+` FROM llm_providers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	providers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (LLMProvider, error) {
		var p LLMProvider
		err := row.Scan(&p.ID, &p.Name, &p.BaseURL, &p.APIKey, &p.ProviderType, &p.Models,
			&p.DefaultModel, &p.IsActive, &p.CreatedAt)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan providers: %w", err)
	}
	return providers, nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// GetSettingBool reads a boolean system setting, returning fallback when the
// key is absent or not a boolean.
func (s *Store) GetSettingBool(ctx context.Context, key string, fallback bool) (bool, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM system_settings WHERE key = $1`, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fallback, nil
		}
		return fallback, fmt.Errorf("store: get setting %s: %w", key, err)
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return fallback, nil
	}
	return v, nil
}

// SetSetting upserts a system setting as JSON.
func (s *Store) SetSetting(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: marshal setting %s: %w", key, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO system_settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, raw)
	if err != nil {
		return fmt.Errorf("store: set setting %s: %w", key, err)
	}
	return nil
}

// GetUserAgentMemorySetting returns the explicit per-(user, agent) memory
// scope preference: nil when unset, otherwise whether agent-specific memory
// is requested.
func (s *Store) GetUserAgentMemorySetting(ctx context.Context, userID, agentID string) (*bool, error) {
	var v bool
	err := s.db.QueryRow(ctx, `
		SELECT agent_specific FROM user_agent_memory_settings
		WHERE user_id = $1 AND agent_id = $2`,
		userID, agentID).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get memory setting: %w", err)
	}
	return &v, nil
}

// SetUserAgentMemorySetting upserts the per-(user, agent) scope preference.
func (s *Store) SetUserAgentMemorySetting(ctx context.Context, userID, agentID string, agentSpecific bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_agent_memory_settings (user_id, agent_id, agent_specific)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, agent_id) DO UPDATE SET agent_specific = EXCLUDED.agent_specific`,
		userID, agentID, agentSpecific)
	if err != nil {
		return fmt.Errorf("store: set memory setting: %w", err)
	}
	return nil
}
