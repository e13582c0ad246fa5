package memory

import (
	"log/slog"
	"sync"
	"time"
)

// GuardStatus is a snapshot of the circuit breaker for admin surfaces.
type GuardStatus struct {
	Enabled      bool       `json:"enabled"`
	Active       bool       `json:"active"`
	RecentErrors int        `json:"recent_errors"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
}

// errorGuard converts sustained memory-subsystem failures into temporary
// memory silence. Once the error count within the sliding window reaches the
// threshold the guard activates; while active, retrieval and extraction skip
// entirely. The guard deactivates after the cooldown and the error history is
// cleared.
type errorGuard struct {
	enabled   bool
	window    time.Duration
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	errors      []time.Time
	activatedAt *time.Time
}

func newErrorGuard(enabled bool, window time.Duration, threshold int, cooldown time.Duration) *errorGuard {
	if window <= 0 {
		window = 600 * time.Second
	}
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	return &errorGuard{enabled: enabled, window: window, threshold: threshold, cooldown: cooldown}
}

// record adds an error timestamp and activates the guard when the windowed
// count reaches the threshold.
func (g *errorGuard) record(now time.Time) {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.errors = append(g.errors, now)
	g.trim(now)

	if g.activatedAt == nil && len(g.errors) >= g.threshold {
		at := now
		g.activatedAt = &at
		slog.Warn("memory: error guard activated; extraction and retrieval paused",
			"errors", len(g.errors), "window", g.window, "cooldown", g.cooldown)
	}
}

// active reports whether memory operations should be skipped. A guard past
// its cooldown deactivates and clears its history.
func (g *errorGuard) active(now time.Time) bool {
	if !g.enabled {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.activatedAt == nil {
		return false
	}
	if now.Sub(*g.activatedAt) > g.cooldown {
		g.activatedAt = nil
		g.errors = nil
		slog.Info("memory: error guard cooled down; resuming")
		return false
	}
	return true
}

// reset force-clears the guard. Admin path.
func (g *errorGuard) reset() {
	g.mu.Lock()
	g.errors = nil
	g.activatedAt = nil
	g.mu.Unlock()
}

func (g *errorGuard) status(now time.Time) GuardStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trim(now)

	st := GuardStatus{
		Enabled:      g.enabled,
		RecentErrors: len(g.errors),
	}
	if g.activatedAt != nil {
		if now.Sub(*g.activatedAt) <= g.cooldown {
			st.Active = true
			at := *g.activatedAt
			st.ActivatedAt = &at
		}
	}
	return st
}

// trim drops timestamps outside the window. Caller holds mu.
func (g *errorGuard) trim(now time.Time) {
	cutoff := now.Add(-g.window)
	keep := g.errors[:0]
	for _, t := range g.errors {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	g.errors = keep
}
