package memory

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/store"
	llmprov "github.com/cadenzahq/cadenza/pkg/provider/llm"
	"github.com/cadenzahq/cadenza/pkg/vecstore"
)

// shortcutPatterns are first-person preference statements memorable without
// an LLM round trip.
var shortcutPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bi\s+(love|hate|like|enjoy|prefer|dislike)\b`),
	regexp.MustCompile(`(?i)\bmy\s+favorite\b`),
	regexp.MustCompile(`(?i)\bi'?m\s+(allergic|intolerant)\b`),
	regexp.MustCompile(`(?i)\bi\s+can'?t\s+stand\b`),
	regexp.MustCompile(`(?i)\bi\s+(always|never)\b`),
}

// firstToThird rewrites a first-person statement into a third-person fact.
// Replacement order matters: longer phrases first so "i'm" is not mangled by
// the bare "i" rule.
var firstToThird = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\bi\s+am\b|\bi'?m\b`), "User is"},
	{regexp.MustCompile(`(?i)\bi\s+have\b|\bi'?ve\b`), "User has"},
	{regexp.MustCompile(`(?i)\bi\s+can'?t\b`), "User can't"},
	{regexp.MustCompile(`(?i)\bi\s+(always|never)\b`), "User ${1}"},
	{regexp.MustCompile(`(?i)\bi\s+(love|hate|like|enjoy|prefer|dislike|want|need|work|live|speak|play)(s?)\b`), "User ${1}s"},
	{regexp.MustCompile(`(?i)\bmy\b`), "User's"},
	{regexp.MustCompile(`(?i)\bi\b`), "User"},
	{regexp.MustCompile(`(?i)\bme\b`), "the user"},
	{regexp.MustCompile(`(?i)\bmine\b`), "the user's"},
}

// relevancePrompt is the yes/no gate in front of full extraction.
const relevancePrompt = `You decide whether a conversation turn contains durable personal facts about the user worth remembering long term (preferences, relationships, health, work, location, important events).
Temporary states, questions, commands to the assistant, and small talk are not worth remembering.
Answer with exactly one word: yes or no.

User: %s
Assistant: %s`

// extractionPrompt instructs the vector store's inference path.
const extractionPrompt = `Extract durable facts about the user from this conversation turn.
Categories: Personal, Work, Relationships, Health, Interests, Events, General.
Rules: only facts about the user; only persistent information; write each fact in third person ("User ...");
do not extract commands addressed to the assistant or temporary states.
Return one fact per line.`

// ProcessTurn runs the extraction pipeline for one conversation turn.
// Returned errors are queue-retryable; the guard, shortcut, and relevance
// layers returning "nothing to do" are not errors.
func (s *Service) ProcessTurn(ctx context.Context, userID string, agentID *string, userMessage, aiResponse string) error {
	if s.guard.active(s.now()) {
		if s.metrics != nil {
			s.metrics.ErrorGuardSkips.Add(ctx, 1)
		}
		return nil
	}

	scopeAgentID := s.scopedAgent(ctx, userID, agentID)
	ns := namespace(userID, scopeAgentID)

	if fact, ok := s.shortcut(userMessage); ok {
		if s.metrics != nil {
			s.metrics.ExtractionShortcuts.Add(ctx, 1)
		}
		unlock := s.locks.lock(userID)
		defer unlock.Unlock()
		return s.addFacts(ctx, userID, scopeAgentID, ns,
			[]vecstore.Message{{Role: "user", Content: fact}},
			vecstore.AddOptions{Infer: false})
	}

	relevant, err := s.isRelevant(ctx, userMessage, aiResponse)
	if err != nil {
		return fmt.Errorf("memory: relevance check: %w", err)
	}
	if !relevant {
		return nil
	}

	if s.metrics != nil {
		s.metrics.ExtractionFull.Add(ctx, 1)
	}

	unlock := s.locks.lock(userID)
	defer unlock.Unlock()

	return s.addFacts(ctx, userID, scopeAgentID, ns,
		[]vecstore.Message{
			{Role: "user", Content: userMessage},
			{Role: "assistant", Content: aiResponse},
		},
		vecstore.AddOptions{Infer: true, Prompt: extractionPrompt})
}

// addFacts writes messages to the vector store and persists every returned
// fact. Callers hold the per-user lock.
func (s *Service) addFacts(ctx context.Context, userID string, agentID *string, ns string, msgs []vecstore.Message, opts vecstore.AddOptions) error {
	if err := s.enforceLimit(ctx, userID); err != nil {
		slog.Warn("memory: pruning before extraction failed; continuing", "user_id", userID, "error", err)
	}

	raw, err := s.vec.Add(ctx, msgs, ns, opts)
	if err != nil {
		return fmt.Errorf("memory: vector add: %w", err)
	}

	for _, r := range vecstore.Normalize(raw) {
		if r.ID == "" || strings.TrimSpace(r.Text) == "" {
			continue
		}
		if err := s.persistFact(ctx, userID, agentID, r); err != nil {
			return err
		}
	}
	return nil
}

// persistFact runs dedup, categorisation, and temporal inference for one
// normalized fact and upserts the relational row. A failed row write deletes
// the vector again so the two stores stay consistent.
func (s *Service) persistFact(ctx context.Context, userID string, agentID *string, r vecstore.Result) error {
	if s.isDuplicate(ctx, userID, r.Text, r.ID) {
		if err := s.vec.Delete(ctx, r.ID); err != nil {
			slog.Warn("memory: delete duplicate vector failed", "vector_id", r.ID, "error", err)
		}
		return nil
	}

	key := inferFactKey(r.Text)
	bank := inferBank(r.Text, key)

	fact := &store.UserFact{
		UserID:            userID,
		AgentID:           agentID,
		FactKey:           key,
		FactValue:         r.Text,
		FactText:          r.Text,
		VectorID:          r.ID,
		Importance:        inferImportance(r.Text, r.Score),
		MemoryBank:        bank,
		EmbeddingProvider: s.embeddingProvider,
		EmbeddingModel:    s.embeddingModel,
		ValidityStart:     s.now(),
	}
	if s.cfg.EnableTemporalDetection {
		fact.ValidityEnd = s.inferValidity(ctx, r.Text, bank)
	}

	if _, err := s.store.UpsertFact(ctx, fact); err != nil {
		if delErr := s.vec.Delete(ctx, r.ID); delErr != nil {
			slog.Error("memory: compensating vector delete failed; vector orphaned",
				"vector_id", r.ID, "error", delErr)
			s.emitMemoryError(userID, fmt.Sprintf(
				"fact write failed and vector %s could not be removed", r.ID))
		}
		return fmt.Errorf("memory: upsert fact: %w", err)
	}
	return nil
}

// shortcut returns the third-person fact for a fast-path message.
func (s *Service) shortcut(userMessage string) (string, bool) {
	if !s.cfg.EnableShortcuts {
		return "", false
	}
	msg := strings.TrimSpace(userMessage)
	if msg == "" || (s.cfg.ShortcutMaxLength > 0 && len(msg) > s.cfg.ShortcutMaxLength) {
		return "", false
	}
	for _, re := range shortcutPatterns {
		if re.MatchString(msg) {
			return toThirdPerson(msg), true
		}
	}
	return "", false
}

// toThirdPerson converts "I love X" style statements to "User loves X".
func toThirdPerson(text string) string {
	for _, r := range firstToThird {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

// isRelevant asks the classifier whether the turn is worth remembering.
func (s *Service) isRelevant(ctx context.Context, userMessage, aiResponse string) (bool, error) {
	if s.llm == nil {
		return false, nil
	}
	prompt := fmt.Sprintf(relevancePrompt, userMessage, aiResponse)
	resp, err := s.llm.Complete(ctx, llmprov.CompletionRequest{
		Messages:  []llmprov.Message{{Role: "user", Content: prompt}},
		MaxTokens: 3,
	})
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(resp.Content))
	return strings.HasPrefix(answer, "yes"), nil
}

// scopedAgent resolves the fact agent id, preferring the task's explicit
// agent but still honouring scope policy.
func (s *Service) scopedAgent(ctx context.Context, userID string, agentID *string) *string {
	if agentID == nil {
		return nil
	}
	_, scoped := s.ResolveScope(ctx, userID, *agentID)
	return scoped
}

// emitMemoryError broadcasts a write-consistency failure to the transport
// layer.
func (s *Service) emitMemoryError(userID, details string) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.EventMemoryError, map[string]any{
		"user_id": userID,
		"detail":  details,
	})
}
