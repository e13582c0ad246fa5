// Package vecstore abstracts the vector memory store behind a small Store
// interface with two interchangeable backends: an HTTP client for a
// mem0-compatible REST server and a local PostgreSQL/pgvector implementation.
//
// Both backends return their raw wire response as-is; [Normalize] is the
// single place that understands the response shapes. Callers never branch on
// shape themselves.
package vecstore

import "context"

// Message is one conversation message submitted to Add for fact inference.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AddOptions tunes a single Add call.
type AddOptions struct {
	// Infer controls whether the store extracts discrete facts from the
	// messages (true) or stores the message content verbatim (false). The
	// manual fact-creation path sets this to false.
	Infer bool

	// Prompt optionally overrides the store's fact-extraction prompt.
	Prompt string
}

// Store is the abstraction over a vector memory backend.
//
// Add and Search return the backend's raw decoded response; pass it through
// [Normalize] to obtain []Result. Implementations must be safe for concurrent
// use. The namespace separates vectors by scope ("user_id" or
// "user_id:agent_id").
type Store interface {
	// Add submits conversation messages for storage under namespace and
	// returns the raw add response.
	Add(ctx context.Context, messages []Message, namespace string, opts AddOptions) (any, error)

	// Search performs a semantic search under namespace and returns the raw
	// search response.
	Search(ctx context.Context, query string, namespace string, limit int) (any, error)

	// Delete removes the vector with the given id.
	Delete(ctx context.Context, id string) error
}
