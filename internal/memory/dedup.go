package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/cadenzahq/cadenza/pkg/vecstore"
)

// dedupSearchLimit bounds the embedding-similarity probe.
const dedupSearchLimit = 5

// isDuplicate reports whether candidate already exists in the user's memory.
// candidateVectorID excludes the just-created vector from matching itself.
//
// The embedding path is preferred; when it finds nothing, a character-level
// similarity ratio against all valid facts catches near-verbatim rewrites.
// Any internal error fails open so the write proceeds.
func (s *Service) isDuplicate(ctx context.Context, userID, candidate, candidateVectorID string) bool {
	if !s.cfg.EnableDeduplication {
		return false
	}

	raw, err := s.vec.Search(ctx, candidate, userID, dedupSearchLimit)
	if err != nil {
		slog.Warn("memory: dedup embedding search failed; proceeding", "user_id", userID, "error", err)
	} else {
		for _, r := range vecstore.Normalize(raw) {
			if r.ID == candidateVectorID {
				continue
			}
			if r.Score >= s.cfg.EmbeddingSimilarityThreshold {
				if s.metrics != nil {
					s.metrics.DuplicatesEmbedding.Add(ctx, 1)
				}
				return true
			}
		}
	}

	facts, err := s.store.ListValidFacts(ctx, userID)
	if err != nil {
		slog.Warn("memory: dedup fact listing failed; proceeding", "user_id", userID, "error", err)
		return false
	}
	for _, f := range facts {
		if f.VectorID == candidateVectorID {
			continue
		}
		if textSimilarity(candidate, f.FactText) >= s.cfg.TextSimilarityThreshold {
			if s.metrics != nil {
				s.metrics.DuplicatesText.Add(ctx, 1)
			}
			return true
		}
	}
	return false
}

// textSimilarity is a character-level ratio in [0,1] derived from the
// Levenshtein distance, case-insensitive.
func textSimilarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == b {
		return 1
	}
	longest := max(len(a), len(b))
	if longest == 0 {
		return 1
	}
	dist := matchr.Levenshtein(a, b)
	return 1 - float64(dist)/float64(longest)
}
