package memory

import (
	"context"
	"testing"

	"github.com/cadenzahq/cadenza/pkg/provider/llm"
	llmmock "github.com/cadenzahq/cadenza/pkg/provider/llm/mock"
	vecmock "github.com/cadenzahq/cadenza/pkg/vecstore/mock"
)

// testNow is a Tuesday; the until-weekday cases below depend on that.
func TestInferValidityPatterns(t *testing.T) {
	tests := []struct {
		name string
		text string
		days int // 0 means permanent
	}{
		{"today", "User has a delivery arriving today", 1},
		{"tomorrow", "User is seeing the dentist tomorrow", 2},
		{"this weekend", "User is hiking this weekend", 4},
		{"this week", "User is on call this week", 7},
		{"next week", "User starts a new project next week", 10},
		{"this month", "User is fasting this month", 31},
		{"next month", "User moves apartments next month", 45},
		{"appointment", "User has a doctor appointment", 2},
		{"vacation", "User is on vacation in Italy", 21},
		{"in days", "User has an exam in 3 days", 4},
		{"in weeks", "User gets the results in 2 weeks", 16},
		{"in months", "User's lease ends in 2 months", 65},
		{"until friday", "User is out of town until Friday", 4},
		{"until tuesday", "User is offline until Tuesday", 8},
		{"permanent birthday", "User's birthday is March 14", 0},
		{"permanent habit", "User always drinks coffee in the morning", 0},
		{"permanent favorite", "User's favorite season is autumn", 0},
		{"no temporal hint", "User lives in Berlin", 0},
	}

	st := newFactStore()
	s := newTestService(st, &vecmock.Store{}, nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.inferValidity(context.Background(), tt.text, BankGeneral)
			if tt.days == 0 {
				if got != nil {
					t.Fatalf("inferValidity(%q) = %v, want permanent", tt.text, got)
				}
				return
			}
			if got == nil {
				t.Fatalf("inferValidity(%q) = permanent, want %d days", tt.text, tt.days)
			}
			want := testNow.AddDate(0, 0, tt.days)
			if !got.Equal(want) {
				t.Errorf("inferValidity(%q) = %v, want %v", tt.text, got, want)
			}
		})
	}
}

// Birthday outranks the appointment pattern: recurring dates never expire.
func TestInferValidityPermanentWinsOverDuration(t *testing.T) {
	st := newFactStore()
	s := newTestService(st, &vecmock.Store{}, nil)

	got := s.inferValidity(context.Background(),
		"User's birthday party is tomorrow", BankEvents)
	if got != nil {
		t.Errorf("birthday fact expired at %v, want permanent", got)
	}
}

func TestInferValidityLLMFallback(t *testing.T) {
	tests := []struct {
		name   string
		answer string
		days   int
	}{
		{"temporary", `{"type":"temporary","days":14}`, 14},
		{"fenced json", "```json\n{\"type\":\"temporary\",\"days\":5}\n```", 5},
		{"permanent verdict", `{"type":"permanent"}`, 0},
		{"garbage", "it depends on the circumstances", 0},
		{"zero days", `{"type":"temporary","days":0}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newFactStore()
			prov := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: tt.answer},
			}
			s := newTestService(st, &vecmock.Store{}, prov)

			// Events bank with no regex hit routes to the LLM.
			got := s.inferValidity(context.Background(),
				"User is attending a conference", BankEvents)

			if len(prov.CompleteCalls) != 1 {
				t.Fatalf("Complete calls = %d, want 1", len(prov.CompleteCalls))
			}
			if tt.days == 0 {
				if got != nil {
					t.Errorf("got %v, want permanent", got)
				}
				return
			}
			want := testNow.AddDate(0, 0, tt.days)
			if got == nil || !got.Equal(want) {
				t.Errorf("got %v, want %v", got, want)
			}
		})
	}
}

func TestInferValidityLLMOnlyForEventsOrTriggers(t *testing.T) {
	st := newFactStore()
	prov := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"type":"temporary","days":3}`},
	}
	s := newTestService(st, &vecmock.Store{}, prov)

	if got := s.inferValidity(context.Background(), "User prefers tea over coffee", BankGeneral); got != nil {
		t.Errorf("general fact without triggers = %v, want permanent", got)
	}
	if len(prov.CompleteCalls) != 0 {
		t.Fatalf("general fact reached the LLM: %d calls", len(prov.CompleteCalls))
	}

	// "going to" is an ambiguity trigger regardless of bank.
	if got := s.inferValidity(context.Background(), "User is going to visit Portugal", BankGeneral); got == nil {
		t.Error("trigger phrase should route to the LLM and pick up its verdict")
	}
	if len(prov.CompleteCalls) != 1 {
		t.Errorf("Complete calls = %d, want 1", len(prov.CompleteCalls))
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"type":"permanent"}`, `{"type":"permanent"}`},
		{"Sure! Here you go: {\"days\":3} hope that helps", `{"days":3}`},
		{"no json here", "no json here"},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.in); got != tt.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
