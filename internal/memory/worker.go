package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cadenzahq/cadenza/internal/events"
	"github.com/cadenzahq/cadenza/internal/store"
)

const (
	workerPollInterval = 5 * time.Second
	workerErrorBackoff = 10 * time.Second
	workerBatchSize    = 10
	workerTaskTimeout  = 60 * time.Second
	workerMaxAttempts  = 3

	// factBroadcastLimit caps how many fact ids ride on a completion event.
	factBroadcastLimit = 5
)

// TaskStore is the slice of [store.Store] the queue worker needs.
type TaskStore interface {
	PendingTasks(ctx context.Context, limit int) ([]store.ExtractionTask, error)
	ClaimTask(ctx context.Context, id string) (*store.ExtractionTask, error)
	CompleteTask(ctx context.Context, id string) error
	ReleaseTask(ctx context.Context, id, errMsg string) error
	FailTask(ctx context.Context, id, errMsg string) error
	FactsCreatedSince(ctx context.Context, userID string, since time.Time, limit int) ([]store.UserFact, error)
}

// Worker drains the extraction task queue. Multiple workers may run against
// the same database; ClaimTask is the contention point and a lost claim is
// simply skipped.
type Worker struct {
	svc    *Service
	tasks  TaskStore
	events events.Publisher
}

// NewWorker creates a queue worker on top of the memory service.
func NewWorker(svc *Service, tasks TaskStore, publisher events.Publisher) *Worker {
	return &Worker{svc: svc, tasks: tasks, events: publisher}
}

// Run polls the queue until ctx is cancelled. Intended to run in its own
// goroutine.
func (w *Worker) Run(ctx context.Context) {
	slog.Info("memory: extraction worker started", "poll_interval", workerPollInterval)
	for {
		processed, err := w.RunOnce(ctx)
		if ctx.Err() != nil {
			slog.Info("memory: extraction worker stopped")
			return
		}

		wait := workerPollInterval
		if err != nil {
			slog.Warn("memory: extraction poll failed", "error", err)
			wait = workerErrorBackoff
		} else if processed > 0 {
			// Keep draining while the queue has depth.
			wait = 0
		}

		if wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				slog.Info("memory: extraction worker stopped")
				return
			}
		}
	}
}

// RunOnce claims and processes one batch of pending tasks. Returns how many
// tasks were processed (completed, released, or failed).
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.tasks.PendingTasks(ctx, workerBatchSize)
	if err != nil {
		return 0, fmt.Errorf("memory: list pending tasks: %w", err)
	}

	var processed int
	for i := range pending {
		task, err := w.tasks.ClaimTask(ctx, pending[i].ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Another worker got there first.
				continue
			}
			return processed, fmt.Errorf("memory: claim task %s: %w", pending[i].ID, err)
		}
		if w.svc.metrics != nil {
			w.svc.metrics.PendingExtractions.Add(ctx, 1)
		}
		w.process(ctx, task)
		if w.svc.metrics != nil {
			w.svc.metrics.PendingExtractions.Add(ctx, -1)
		}
		processed++
	}
	return processed, nil
}

// process runs one claimed task to completion, release, or failure.
func (w *Worker) process(ctx context.Context, task *store.ExtractionTask) {
	w.broadcast(events.EventExtractionRunning, task, nil)

	taskCtx, cancel := context.WithTimeout(ctx, workerTaskTimeout)
	defer cancel()

	var err error
	if IsManualTask(task.UserMessage) {
		err = w.svc.ProcessManual(taskCtx, task.UserID, task.AgentID, task.UserMessage)
	} else {
		err = w.svc.ProcessTurn(taskCtx, task.UserID, task.AgentID, task.UserMessage, task.AIResponse)
	}

	if err != nil {
		w.svc.RecordFailure()
		slog.Warn("memory: extraction task failed",
			"task_id", task.ID, "user_id", task.UserID, "attempts", task.Attempts, "error", err)

		if task.Attempts < workerMaxAttempts {
			if relErr := w.tasks.ReleaseTask(ctx, task.ID, err.Error()); relErr != nil {
				slog.Error("memory: release task failed", "task_id", task.ID, "error", relErr)
			}
		} else {
			if failErr := w.tasks.FailTask(ctx, task.ID, err.Error()); failErr != nil {
				slog.Error("memory: fail task failed", "task_id", task.ID, "error", failErr)
			}
		}
		w.broadcast(events.EventExtractionFailed, task, map[string]any{"error": err.Error()})
		return
	}

	if cErr := w.tasks.CompleteTask(ctx, task.ID); cErr != nil {
		slog.Error("memory: complete task failed", "task_id", task.ID, "error", cErr)
	}
	w.broadcast(events.EventExtractionDone, task, map[string]any{
		"fact_ids": w.createdFactIDs(ctx, task),
	})
}

// createdFactIDs looks up the facts this task produced so clients can refresh
// their memory views. Best effort only.
func (w *Worker) createdFactIDs(ctx context.Context, task *store.ExtractionTask) []string {
	facts, err := w.tasks.FactsCreatedSince(ctx, task.UserID, task.CreatedAt, factBroadcastLimit)
	if err != nil {
		slog.Debug("memory: list created facts failed", "task_id", task.ID, "error", err)
		return nil
	}
	ids := make([]string, 0, len(facts))
	for _, f := range facts {
		ids = append(ids, f.ID)
	}
	return ids
}

func (w *Worker) broadcast(event string, task *store.ExtractionTask, extra map[string]any) {
	if w.events == nil {
		return
	}
	data := map[string]any{
		"task_id": task.ID,
		"user_id": task.UserID,
	}
	for k, v := range extra {
		data[k] = v
	}
	w.events.Publish(event, data)
}
