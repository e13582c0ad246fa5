package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cadenzahq/cadenza/pkg/vecstore"
)

// MemoryContext returns the retrieved-memories block for prompt composition,
// or an empty string when nothing relevant is stored. The memory subsystem
// never fails the real-time path: every internal error degrades to "".
func (s *Service) MemoryContext(ctx context.Context, userID, agentID, query string, limit int) string {
	if s.guard.active(s.now()) {
		return ""
	}
	if strings.TrimSpace(query) == "" {
		return ""
	}

	_, scopedAgent := s.ResolveScope(ctx, userID, agentID)
	ns := namespace(userID, scopedAgent)

	raw, err := s.vec.Search(ctx, query, ns, limit)
	if err != nil {
		slog.Warn("memory: retrieval search failed", "user_id", userID, "error", err)
		return ""
	}
	if s.metrics != nil {
		s.metrics.RetrievalTotal.Add(ctx, 1)
	}

	results := vecstore.Normalize(raw)
	var (
		kept      []string
		vectorIDs []string
	)
	for _, r := range results {
		if r.Score < s.cfg.SimilarityThreshold {
			continue
		}
		kept = append(kept, fmt.Sprintf("- %s (relevance: %.2f)", r.Text, r.Score))
		if r.ID != "" {
			vectorIDs = append(vectorIDs, r.ID)
		}
	}
	if len(kept) == 0 {
		return ""
	}

	if err := s.store.TouchLastAccessed(ctx, vectorIDs); err != nil {
		slog.Warn("memory: touch last_accessed failed", "user_id", userID, "error", err)
	}

	return "<user_memories>\n" + strings.Join(kept, "\n") + "\n</user_memories>"
}
