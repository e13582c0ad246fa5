package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cadenzahq/cadenza/internal/store"
	"github.com/cadenzahq/cadenza/pkg/vecstore"
)

// ManualMarker flags an extraction task as a direct fact creation that
// bypasses the relevance filter. The remainder of user_message is JSON.
const ManualMarker = "MANUAL_FACT_CREATION:"

// manualFact is the JSON payload after [ManualMarker].
type manualFact struct {
	FactText   string  `json:"fact_text"`
	FactKey    string  `json:"fact_key,omitempty"`
	MemoryBank string  `json:"memory_bank,omitempty"`
	Importance float64 `json:"importance,omitempty"`
}

// IsManualTask reports whether a task's user_message is a manual fact
// creation request.
func IsManualTask(userMessage string) bool {
	return strings.HasPrefix(userMessage, ManualMarker)
}

// ProcessManual creates a protected fact directly from a manual task
// payload. The vector is created with inference disabled so the text is
// stored verbatim; the relational row is protected from pruning. A failed
// row write compensates by deleting the vector and broadcasts memory_error
// when even that fails.
func (s *Service) ProcessManual(ctx context.Context, userID string, agentID *string, userMessage string) error {
	payload := strings.TrimPrefix(userMessage, ManualMarker)

	var req manualFact
	if err := json.Unmarshal([]byte(strings.TrimSpace(payload)), &req); err != nil {
		return fmt.Errorf("memory: parse manual fact payload: %w", err)
	}
	if strings.TrimSpace(req.FactText) == "" {
		return fmt.Errorf("memory: manual fact payload has no fact_text")
	}

	scopeAgentID := s.scopedAgent(ctx, userID, agentID)
	ns := namespace(userID, scopeAgentID)

	unlock := s.locks.lock(userID)
	defer unlock.Unlock()

	raw, err := s.vec.Add(ctx,
		[]vecstore.Message{{Role: "user", Content: req.FactText}},
		ns, vecstore.AddOptions{Infer: false})
	if err != nil {
		return fmt.Errorf("memory: manual vector add: %w", err)
	}

	results := vecstore.Normalize(raw)
	if len(results) == 0 || results[0].ID == "" {
		return fmt.Errorf("memory: manual vector add returned no id")
	}
	r := results[0]

	key := req.FactKey
	if key == "" {
		key = inferFactKey(req.FactText)
	}
	bank := req.MemoryBank
	if bank == "" {
		bank = inferBank(req.FactText, key)
	}
	importance := req.Importance
	if importance <= 0 {
		importance = inferImportance(req.FactText, 0)
	}

	fact := &store.UserFact{
		UserID:            userID,
		AgentID:           scopeAgentID,
		FactKey:           key,
		FactValue:         req.FactText,
		FactText:          req.FactText,
		VectorID:          r.ID,
		Importance:        importance,
		MemoryBank:        bank,
		EmbeddingProvider: s.embeddingProvider,
		EmbeddingModel:    s.embeddingModel,
		ValidityStart:     s.now(),
		IsProtected:       true,
	}

	if _, err := s.store.UpsertFact(ctx, fact); err != nil {
		if delErr := s.vec.Delete(ctx, r.ID); delErr != nil {
			s.emitMemoryError(userID, fmt.Sprintf(
				"manual fact write failed and vector %s could not be removed", r.ID))
		}
		return fmt.Errorf("memory: upsert manual fact: %w", err)
	}
	return nil
}
