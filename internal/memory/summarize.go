package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cadenzahq/cadenza/internal/store"
	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
	"github.com/cadenzahq/cadenza/pkg/vecstore"
)

// summaryPrompt condenses a cluster of related facts.
const summaryPrompt = `Condense the following related facts about a user into a single third-person summary of at most 100 words.
Keep every concrete detail that is still useful; drop repetition. Respond with the summary only.

Facts:
%s`

// RunSummarizer periodically condenses old related facts into protected
// summaries. Blocks until ctx is cancelled; intended to run in its own
// goroutine.
func (s *Service) RunSummarizer(ctx context.Context) {
	if !s.cfg.EnableSummarization {
		return
	}
	interval := s.cfg.SummarizationInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.SummarizeAll(ctx); err != nil {
				slog.Warn("memory: summarization pass failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// SummarizeAll runs one summarization pass over every eligible user.
func (s *Service) SummarizeAll(ctx context.Context) error {
	cutoff := s.now().Add(-s.cfg.SummarizationMinAge)
	users, err := s.store.SummarizableUsers(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("memory: list summarizable users: %w", err)
	}
	for _, userID := range users {
		if err := s.SummarizeUser(ctx, userID); err != nil {
			slog.Warn("memory: summarize user failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

// SummarizeUser clusters the user's old facts by embedding similarity and
// replaces each sufficiently large cluster with one protected summary fact.
func (s *Service) SummarizeUser(ctx context.Context, userID string) error {
	cutoff := s.now().Add(-s.cfg.SummarizationMinAge)
	facts, err := s.store.SummarizableFacts(ctx, userID, cutoff)
	if err != nil {
		return fmt.Errorf("memory: load summarizable facts: %w", err)
	}
	if len(facts) < s.cfg.SummarizationMinCluster {
		return nil
	}

	byVector := make(map[string]*store.UserFact, len(facts))
	for i := range facts {
		byVector[facts[i].VectorID] = &facts[i]
	}

	assigned := make(map[string]bool, len(facts))
	for i := range facts {
		seed := &facts[i]
		if assigned[seed.ID] {
			continue
		}
		cluster := s.buildCluster(ctx, userID, seed, byVector, assigned)
		if len(cluster) < s.cfg.SummarizationMinCluster {
			continue
		}
		if s.metrics != nil {
			s.metrics.ClustersFound.Add(ctx, 1)
		}
		if err := s.summarizeCluster(ctx, userID, cluster); err != nil {
			slog.Warn("memory: summarize cluster failed", "user_id", userID, "error", err)
			// Leave the originals in place; nothing was deleted yet.
			for _, f := range cluster {
				delete(assigned, f.ID)
			}
		}
	}
	return nil
}

// buildCluster greedily admits facts similar to the seed, including the seed
// itself, up to the configured cluster size.
func (s *Service) buildCluster(ctx context.Context, userID string, seed *store.UserFact, byVector map[string]*store.UserFact, assigned map[string]bool) []*store.UserFact {
	cluster := []*store.UserFact{seed}
	assigned[seed.ID] = true

	raw, err := s.vec.Search(ctx, seed.FactText, userID, s.cfg.SummarizationMaxCluster)
	if err != nil {
		slog.Warn("memory: cluster search failed", "user_id", userID, "error", err)
		return cluster
	}
	for _, r := range vecstore.Normalize(raw) {
		if len(cluster) >= s.cfg.SummarizationMaxCluster {
			break
		}
		if r.Score < s.cfg.SummarizationSimilarityThreshold {
			continue
		}
		f, ok := byVector[r.ID]
		if !ok || assigned[f.ID] {
			continue
		}
		cluster = append(cluster, f)
		assigned[f.ID] = true
	}
	return cluster
}

// summarizeCluster produces the summary fact and removes the originals,
// vectors first.
func (s *Service) summarizeCluster(ctx context.Context, userID string, cluster []*store.UserFact) error {
	var lines []string
	for _, f := range cluster {
		lines = append(lines, "- "+f.FactText)
	}
	resp, err := s.llm.Complete(ctx, llmprov.CompletionRequest{
		Messages: []llmprov.Message{{
			Role:    "user",
			Content: fmt.Sprintf(summaryPrompt, strings.Join(lines, "\n")),
		}},
		MaxTokens: 200,
	})
	if err != nil {
		return fmt.Errorf("memory: summary completion: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fmt.Errorf("memory: empty summary from model")
	}

	ns := namespace(userID, cluster[0].AgentID)
	raw, err := s.vec.Add(ctx,
		[]vecstore.Message{{Role: "user", Content: summary}},
		ns, vecstore.AddOptions{Infer: false})
	if err != nil {
		return fmt.Errorf("memory: summary vector add: %w", err)
	}
	results := vecstore.Normalize(raw)
	if len(results) == 0 || results[0].ID == "" {
		return fmt.Errorf("memory: summary vector add returned no id")
	}

	originalIDs := make([]string, len(cluster))
	for i, f := range cluster {
		originalIDs[i] = f.ID
	}

	fact := &store.UserFact{
		UserID:            userID,
		AgentID:           cluster[0].AgentID,
		FactKey:           "summary_" + strings.ToLower(dominantBank(cluster)),
		FactValue:         summary,
		FactText:          summary,
		VectorID:          results[0].ID,
		Importance:        meanImportance(cluster),
		MemoryBank:        dominantBank(cluster),
		EmbeddingProvider: s.embeddingProvider,
		EmbeddingModel:    s.embeddingModel,
		ValidityStart:     s.now(),
		IsProtected:       true,
		IsSummarized:      true,
		SummarizedFrom:    originalIDs,
	}
	if _, err := s.store.UpsertFact(ctx, fact); err != nil {
		if delErr := s.vec.Delete(ctx, results[0].ID); delErr != nil {
			s.emitMemoryError(userID, fmt.Sprintf(
				"summary write failed and vector %s could not be removed", results[0].ID))
		}
		return fmt.Errorf("memory: upsert summary: %w", err)
	}

	// Remove originals, vector first; a fact whose vector cannot be deleted
	// stays to avoid orphaning.
	var removable []string
	for _, f := range cluster {
		if err := s.vec.Delete(ctx, f.VectorID); err != nil {
			slog.Warn("memory: delete summarized vector failed; keeping original",
				"fact_id", f.ID, "vector_id", f.VectorID, "error", err)
			continue
		}
		removable = append(removable, f.ID)
	}
	if len(removable) > 0 {
		if err := s.store.DeleteFacts(ctx, removable); err != nil {
			return fmt.Errorf("memory: delete summarized facts: %w", err)
		}
	}

	if s.metrics != nil {
		s.metrics.SummariesCreated.Add(ctx, 1)
		s.metrics.FactsSummarized.Add(ctx, int64(len(removable)))
	}
	return nil
}

// dominantBank returns the most common memory bank in the cluster, ties
// broken alphabetically for determinism.
func dominantBank(cluster []*store.UserFact) string {
	counts := make(map[string]int)
	for _, f := range cluster {
		counts[f.MemoryBank]++
	}
	banks := make([]string, 0, len(counts))
	for b := range counts {
		banks = append(banks, b)
	}
	sort.Strings(banks)
	best := BankGeneral
	bestCount := -1
	for _, b := range banks {
		if counts[b] > bestCount {
			best, bestCount = b, counts[b]
		}
	}
	return best
}

func meanImportance(cluster []*store.UserFact) float64 {
	var sum float64
	for _, f := range cluster {
		sum += f.Importance
	}
	return sum / float64(len(cluster))
}
