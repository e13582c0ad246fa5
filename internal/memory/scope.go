package memory

import (
	"context"
	"log/slog"

	"github.com/cadenzahq/cadenza/internal/store"
)

// ResolveScope decides whether facts for (user, agent) live in the global or
// the agent-specific namespace. Resolution order, first hit wins:
//
//  1. Admin policy: agent-specific memory disabled process-wide.
//  2. Explicit per-(user, agent) preference.
//  3. Deprecated per-user toggle, kept for rows migrated from before
//     preferences were per-agent: false forces global.
//  4. The agent's own default scope; a missing agent is global.
//
// The returned agentID is nil for global scope and the agent's id otherwise.
// Lookup failures degrade toward global scope rather than failing the caller.
func (s *Service) ResolveScope(ctx context.Context, userID, agentID string) (store.MemoryScope, *string) {
	if agentID == "" {
		return store.ScopeGlobal, nil
	}

	disabled, err := s.store.GetSettingBool(ctx, settingAgentMemoryDisabled, false)
	if err != nil {
		slog.Warn("memory: read admin scope policy failed", "error", err)
	}
	if disabled {
		return store.ScopeGlobal, nil
	}

	pref, err := s.store.GetUserAgentMemorySetting(ctx, userID, agentID)
	if err != nil {
		slog.Warn("memory: read scope preference failed", "user_id", userID, "agent_id", agentID, "error", err)
	}
	if pref != nil {
		if *pref {
			id := agentID
			return store.ScopeAgent, &id
		}
		return store.ScopeGlobal, nil
	}

	user, err := s.store.GetUser(ctx, userID)
	if err == nil && user != nil && !user.MemoryEnabled {
		return store.ScopeGlobal, nil
	}

	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		return store.ScopeGlobal, nil
	}
	if agent.MemoryScope == store.ScopeAgent {
		id := agentID
		return store.ScopeAgent, &id
	}
	return store.ScopeGlobal, nil
}

// namespace maps a resolved scope to the vector-store namespace:
// "user_id" for global, "user_id:agent_id" for agent-specific.
func namespace(userID string, agentID *string) string {
	if agentID == nil {
		return userID
	}
	return userID + ":" + *agentID
}
