// Package scheduler runs the periodic tenant jobs (offload sweeps, cache
// syncs, nightly rechecks) on cron schedules.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler manages cron-based tenant jobs.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string][]cron.EntryID // entry IDs per tenant slug
	logger *slog.Logger
}

// New creates a new scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron:   cron.New(),
		jobs:   make(map[string][]cron.EntryID),
		logger: logger,
	}
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", s.JobCount())
}

// Stop halts the scheduler and blocks until running jobs return.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Add registers a job under a tenant. The schedule is a standard cron
// expression (5 fields) or a predefined one like @every 1h. Panics in the
// job are recovered and logged so one bad run cannot take the daemon down.
func (s *Scheduler) Add(tenant, name, schedule string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(schedule, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("job panicked", "tenant", tenant, "job", name, "panic", r)
			}
		}()
		s.logger.Debug("job fired", "tenant", tenant, "job", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %s/%s: %w", schedule, tenant, name, err)
	}

	s.jobs[tenant] = append(s.jobs[tenant], id)
	s.logger.Info("job registered", "tenant", tenant, "job", name, "schedule", schedule)
	return nil
}

// RemoveTenant removes all scheduled jobs for a tenant.
func (s *Scheduler) RemoveTenant(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.jobs[tenant] {
		s.cron.Remove(id)
	}
	delete(s.jobs, tenant)
}

// JobCount returns the total number of scheduled jobs.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, ids := range s.jobs {
		total += len(ids)
	}
	return total
}
