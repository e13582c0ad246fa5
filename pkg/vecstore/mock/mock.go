// Package mock provides a test double for the vecstore.Store interface.
package mock

import (
	"context"
	"sync"

	"github.com/cadenzahq/cadenza/pkg/vecstore"
)

// AddCall records a single invocation of Add.
type AddCall struct {
	Messages  []vecstore.Message
	Namespace string
	Opts      vecstore.AddOptions
}

// SearchCall records a single invocation of Search.
type SearchCall struct {
	Query     string
	Namespace string
	Limit     int
}

// Store is a mock implementation of vecstore.Store.
// Zero values for response fields cause methods to return nil responses and
// nil errors. Set Err fields to inject errors.
type Store struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// AddResponse is the raw value returned by Add.
	AddResponse any

	// AddErr, if non-nil, is returned as the error from Add.
	AddErr error

	// SearchResponse is the raw value returned by Search.
	SearchResponse any

	// SearchResponses, if non-empty, takes precedence over SearchResponse:
	// the nth Search call returns the nth entry (the last entry repeats once
	// exhausted).
	SearchResponses []any

	// SearchErr, if non-nil, is returned as the error from Search.
	SearchErr error

	// DeleteErr, if non-nil, is returned as the error from Delete.
	DeleteErr error

	// --- Call records (read after test) ---

	// AddCalls records every invocation of Add in order.
	AddCalls []AddCall

	// SearchCalls records every invocation of Search in order.
	SearchCalls []SearchCall

	// DeleteCalls records every id passed to Delete in order.
	DeleteCalls []string
}

// Add records the call and returns AddResponse, AddErr.
func (s *Store) Add(ctx context.Context, messages []vecstore.Message, namespace string, opts vecstore.AddOptions) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]vecstore.Message, len(messages))
	copy(msgs, messages)
	s.AddCalls = append(s.AddCalls, AddCall{Messages: msgs, Namespace: namespace, Opts: opts})
	if s.AddErr != nil {
		return nil, s.AddErr
	}
	return s.AddResponse, nil
}

// Search records the call and returns the configured response.
func (s *Store) Search(ctx context.Context, query string, namespace string, limit int) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.SearchCalls)
	s.SearchCalls = append(s.SearchCalls, SearchCall{Query: query, Namespace: namespace, Limit: limit})
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}
	if len(s.SearchResponses) > 0 {
		if n >= len(s.SearchResponses) {
			n = len(s.SearchResponses) - 1
		}
		return s.SearchResponses[n], nil
	}
	return s.SearchResponse, nil
}

// Delete records the call and returns DeleteErr.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.DeleteCalls = append(s.DeleteCalls, id)
	return s.DeleteErr
}

// Reset clears all recorded calls. Thread-safe.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AddCalls = nil
	s.SearchCalls = nil
	s.DeleteCalls = nil
}

// Ensure Store implements vecstore.Store at compile time.
var _ vecstore.Store = (*Store)(nil)
