package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/cadenzahq/cadenza/pkg/vecstore"
	vecmock "github.com/cadenzahq/cadenza/pkg/vecstore/mock"
)

func TestIsManualTask(t *testing.T) {
	if !IsManualTask(`MANUAL_FACT_CREATION:{"fact_text":"x"}`) {
		t.Error("marker prefix not recognised")
	}
	if IsManualTask("I love sushi") {
		t.Error("plain message treated as manual task")
	}
}

func TestProcessManualCreatesProtectedFact(t *testing.T) {
	st := newFactStore()
	vec := &vecmock.Store{
		AddResponse: []vecstore.Result{{ID: "v1", Text: "User is allergic to peanuts"}},
	}
	s := newTestService(st, vec, nil)

	payload := `MANUAL_FACT_CREATION:{"fact_text":"User is allergic to peanuts"}`
	if err := s.ProcessManual(context.Background(), "u1", nil, payload); err != nil {
		t.Fatalf("ProcessManual: %v", err)
	}

	if len(vec.AddCalls) != 1 {
		t.Fatalf("Add calls = %d, want 1", len(vec.AddCalls))
	}
	if vec.AddCalls[0].Opts.Infer {
		t.Error("manual facts must be stored verbatim (Infer=false)")
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.facts) != 1 {
		t.Fatalf("persisted %d facts, want 1", len(st.facts))
	}
	f := st.facts[0]
	if !f.IsProtected {
		t.Error("manual fact must be protected from pruning")
	}
	if f.FactKey != "allergy_peanuts" || f.MemoryBank != BankHealth {
		t.Errorf("inferred key/bank = %q/%q", f.FactKey, f.MemoryBank)
	}
	if f.Importance != 1.0 {
		t.Errorf("importance = %v, want 1.0 for an allergy", f.Importance)
	}
}

func TestProcessManualExplicitFieldsWin(t *testing.T) {
	st := newFactStore()
	vec := &vecmock.Store{
		AddResponse: []vecstore.Result{{ID: "v1", Text: "User collects vinyl"}},
	}
	s := newTestService(st, vec, nil)

	payload := `MANUAL_FACT_CREATION:{"fact_text":"User collects vinyl","fact_key":"hobby_vinyl","memory_bank":"Interests","importance":0.9}`
	if err := s.ProcessManual(context.Background(), "u1", nil, payload); err != nil {
		t.Fatalf("ProcessManual: %v", err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	f := st.facts[0]
	if f.FactKey != "hobby_vinyl" || f.MemoryBank != "Interests" || f.Importance != 0.9 {
		t.Errorf("fact = %+v, explicit fields should pass through", f)
	}
}

func TestProcessManualRejectsBadPayload(t *testing.T) {
	st := newFactStore()
	vec := &vecmock.Store{}
	s := newTestService(st, vec, nil)

	for _, payload := range []string{
		"MANUAL_FACT_CREATION:not json",
		`MANUAL_FACT_CREATION:{"fact_text":"   "}`,
	} {
		if err := s.ProcessManual(context.Background(), "u1", nil, payload); err == nil {
			t.Errorf("ProcessManual(%q) = nil, want error", payload)
		}
	}
	if len(vec.AddCalls) != 0 {
		t.Error("bad payloads must not reach the vector store")
	}
}

func TestProcessManualCompensatesFailedUpsert(t *testing.T) {
	st := newFactStore()
	st.upsertErr = errors.New("disk full")
	vec := &vecmock.Store{
		AddResponse: []vecstore.Result{{ID: "v1", Text: "User collects vinyl"}},
	}
	s := newTestService(st, vec, nil)

	payload := `MANUAL_FACT_CREATION:{"fact_text":"User collects vinyl"}`
	if err := s.ProcessManual(context.Background(), "u1", nil, payload); err == nil {
		t.Fatal("want error from failed upsert")
	}
	if len(vec.DeleteCalls) != 1 || vec.DeleteCalls[0] != "v1" {
		t.Errorf("Delete calls = %v, want compensating delete of v1", vec.DeleteCalls)
	}
}
