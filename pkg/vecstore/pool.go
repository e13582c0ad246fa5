package vecstore

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Compile-time assertion that Pool implements Store.
var _ Store = (*Pool)(nil)

// DefaultPoolWorkers is the default concurrency limit for vector-store calls.
const DefaultPoolWorkers = 2

// Pool wraps a Store and caps the number of in-flight calls, so slow
// vector-store operations cannot monopolize the process. Calls beyond the
// limit block until a slot frees or their context is cancelled.
type Pool struct {
	inner Store
	sem   *semaphore.Weighted
}

// NewPool wraps inner with a concurrency limit. workers <= 0 means
// [DefaultPoolWorkers].
func NewPool(inner Store, workers int) *Pool {
	if workers <= 0 {
		workers = DefaultPoolWorkers
	}
	return &Pool{inner: inner, sem: semaphore.NewWeighted(int64(workers))}
}

// Add implements Store.
func (p *Pool) Add(ctx context.Context, messages []Message, namespace string, opts AddOptions) (any, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("vecstore: acquire worker: %w", err)
	}
	defer p.sem.Release(1)
	return p.inner.Add(ctx, messages, namespace, opts)
}

// Search implements Store.
func (p *Pool) Search(ctx context.Context, query string, namespace string, limit int) (any, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("vecstore: acquire worker: %w", err)
	}
	defer p.sem.Release(1)
	return p.inner.Search(ctx, query, namespace, limit)
}

// Delete implements Store.
func (p *Pool) Delete(ctx context.Context, id string) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("vecstore: acquire worker: %w", err)
	}
	defer p.sem.Release(1)
	return p.inner.Delete(ctx, id)
}
