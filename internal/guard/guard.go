// Package guard implements the single-flight run lock that keeps at most one
// full offload or reconciliation pass active per state store.
package guard

import (
	"log/slog"
	"sync"
)

// Coordinator owns the non-blocking run lock for one tenant's state store.
// It is injected into every job invocation; lighter-weight incremental syncs
// do not take the lock and rely on the idempotent upsert path instead.
type Coordinator struct {
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates a coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{logger: logger}
}

// Run executes fn while holding the run lock. If the lock is already held it
// logs and returns false immediately; it never blocks or queues.
func (c *Coordinator) Run(name string, fn func()) bool {
	if !c.mu.TryLock() {
		c.logger.Warn("run lock held, skipping", "job", name)
		return false
	}
	defer c.mu.Unlock()
	fn()
	return true
}

// TryAcquire takes the lock without running anything. Callers that use it
// must call Release. Used by the HTTP trigger path, which runs the job on
// its own goroutine.
func (c *Coordinator) TryAcquire() bool {
	return c.mu.TryLock()
}

// Release frees a lock taken with TryAcquire.
func (c *Coordinator) Release() {
	c.mu.Unlock()
}
