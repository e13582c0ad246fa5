package memory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cadenzahq/cadenza/internal/config"
)

// enforceLimit prunes facts before an extraction would push the user over
// MaxMemoriesPerUser. The prune frees the overflow plus a batch of headroom
// so back-to-back extractions do not prune every time.
//
// Per fact the vector is deleted first; a failed vector delete skips the
// fact entirely so the store never references a vector it cannot reach, and
// equally never orphans a vector it can.
func (s *Service) enforceLimit(ctx context.Context, userID string) error {
	if s.cfg.MaxMemoriesPerUser <= 0 {
		return nil
	}

	count, err := s.store.CountValidFacts(ctx, userID)
	if err != nil {
		return fmt.Errorf("memory: count facts: %w", err)
	}
	if count < s.cfg.MaxMemoriesPerUser {
		return nil
	}

	target := count - s.cfg.MaxMemoriesPerUser + 1 + s.cfg.PruningBatchSize
	lru := s.cfg.PruningStrategy == config.PruneLRU

	candidates, err := s.store.PruneCandidates(ctx, userID, target, lru)
	if err != nil {
		return fmt.Errorf("memory: load prune candidates: %w", err)
	}

	var rowIDs []string
	for _, f := range candidates {
		if err := s.vec.Delete(ctx, f.VectorID); err != nil {
			slog.Warn("memory: prune vector delete failed; keeping fact",
				"fact_id", f.ID, "vector_id", f.VectorID, "error", err)
			continue
		}
		rowIDs = append(rowIDs, f.ID)
	}
	if len(rowIDs) == 0 {
		return nil
	}

	if err := s.store.DeleteFacts(ctx, rowIDs); err != nil {
		return fmt.Errorf("memory: delete pruned facts: %w", err)
	}
	if s.metrics != nil {
		s.metrics.FactsPruned.Add(ctx, int64(len(rowIDs)))
	}
	slog.Info("memory: pruned facts", "user_id", userID, "count", len(rowIDs), "lru", lru)
	return nil
}
