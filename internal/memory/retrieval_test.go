package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/cadenzahq/cadenza/pkg/vecstore"
	vecmock "github.com/cadenzahq/cadenza/pkg/vecstore/mock"
)

func TestMemoryContextFormatsBlock(t *testing.T) {
	st := newFactStore()
	vec := &vecmock.Store{
		SearchResponse: []vecstore.Result{
			{ID: "v1", Text: "User loves sushi", Score: 0.82},
			{ID: "v2", Text: "User lives in Berlin", Score: 0.55},
			{ID: "v3", Text: "User once mentioned rain", Score: 0.12},
		},
	}
	s := newTestService(st, vec, nil)

	got := s.MemoryContext(context.Background(), "u1", "", "what should I eat", 5)
	want := "<user_memories>\n" +
		"- User loves sushi (relevance: 0.82)\n" +
		"- User lives in Berlin (relevance: 0.55)\n" +
		"</user_memories>"
	if got != want {
		t.Errorf("MemoryContext =\n%s\nwant\n%s", got, want)
	}

	if len(vec.SearchCalls) != 1 {
		t.Fatalf("Search calls = %d, want 1", len(vec.SearchCalls))
	}
	if call := vec.SearchCalls[0]; call.Namespace != "u1" || call.Limit != 5 {
		t.Errorf("search call = %+v", call)
	}

	// Only results above the threshold count as accessed.
	if len(st.touched) != 1 || len(st.touched[0]) != 2 {
		t.Errorf("touched = %v, want one call with the two kept vector ids", st.touched)
	}
}

func TestMemoryContextEmptyCases(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*factStore, *vecmock.Store, *Service)
		query string
	}{
		{"blank query", func(*factStore, *vecmock.Store, *Service) {}, "   "},
		{"search error", func(_ *factStore, v *vecmock.Store, _ *Service) {
			v.SearchErr = errors.New("backend down")
		}, "anything"},
		{"all below threshold", func(_ *factStore, v *vecmock.Store, _ *Service) {
			v.SearchResponse = []vecstore.Result{{ID: "v1", Text: "noise", Score: 0.01}}
		}, "anything"},
		{"guard active", func(_ *factStore, _ *vecmock.Store, s *Service) {
			for i := 0; i < s.cfg.ErrorGuardThreshold; i++ {
				s.RecordFailure()
			}
		}, "anything"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFactStore()
			vec := &vecmock.Store{}
			s := newTestService(st, vec, nil)
			tt.setup(st, vec, s)

			if got := s.MemoryContext(context.Background(), "u1", "", tt.query, 5); got != "" {
				t.Errorf("MemoryContext = %q, want empty", got)
			}
			if len(st.touched) != 0 {
				t.Error("nothing retrieved, nothing should be touched")
			}
		})
	}
}

func TestMemoryContextAgentScope(t *testing.T) {
	st := newFactStore()
	yes := true
	st.prefs["u1|a1"] = &yes

	vec := &vecmock.Store{}
	s := newTestService(st, vec, nil)

	s.MemoryContext(context.Background(), "u1", "a1", "query", 5)
	if len(vec.SearchCalls) != 1 {
		t.Fatalf("Search calls = %d, want 1", len(vec.SearchCalls))
	}
	if ns := vec.SearchCalls[0].Namespace; ns != "u1:a1" {
		t.Errorf("namespace = %q, want agent-scoped u1:a1", ns)
	}
}
