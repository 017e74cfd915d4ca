package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/attic-io/attic/internal/config"
	"github.com/attic-io/attic/internal/scheduler"
)

// Manager owns all tenant runtimes for the daemon's lifetime.
type Manager struct {
	runtimes map[string]*Runtime
	logger   *slog.Logger
}

// NewManager builds a runtime per configured tenant. One bad tenant fails
// startup; a half-configured daemon silently skipping tenants is worse.
func NewManager(cfg *Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	interval := scheduleInterval(cfg.Jobs.Continuous)

	m := &Manager{runtimes: make(map[string]*Runtime), logger: logger}
	for _, tc := range cfg.Tenants {
		rt, err := NewRuntime(tc, cfg.DataDir, interval, logger)
		if err != nil {
			m.Close()
			return nil, err
		}
		m.runtimes[tc.Slug] = rt
	}
	return m, nil
}

// Config aliases the daemon configuration the manager consumes.
type Config = config.Config

// Get returns a tenant runtime, or nil.
func (m *Manager) Get(slug string) *Runtime { return m.runtimes[slug] }

// Slugs lists configured tenants in stable order.
func (m *Manager) Slugs() []string {
	out := make([]string, 0, len(m.runtimes))
	for slug := range m.runtimes {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// CheckDestinations verifies every tenant's bucket at startup.
func (m *Manager) CheckDestinations(ctx context.Context) error {
	for slug, rt := range m.runtimes {
		if err := rt.CheckDestination(ctx); err != nil {
			return fmt.Errorf("tenant %s: destination check: %w", slug, err)
		}
	}
	return nil
}

// RegisterJobs schedules the periodic jobs for every tenant.
func (m *Manager) RegisterJobs(ctx context.Context, sched *scheduler.Scheduler, jobs config.JobsConfig) error {
	for slug, rt := range m.runtimes {
		rt := rt
		specs := []struct {
			name, schedule string
			fn             func()
		}{
			{"offload", jobs.Offload, func() { rt.FullOffload(ctx) }},
			{"continuous", jobs.Continuous, func() { rt.ContinuousOffload(ctx) }},
			{"cache-sync", jobs.CacheSync, func() {
				if err := rt.SyncCache(ctx, false); err != nil {
					m.logger.Error("cache sync failed", "tenant", rt.Slug, "error", err)
				}
			}},
			{"recheck", jobs.Recheck, func() { rt.RecheckAll(ctx) }},
		}
		for _, s := range specs {
			if err := sched.Add(slug, s.name, s.schedule, s.fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close shuts every runtime down.
func (m *Manager) Close() {
	for slug, rt := range m.runtimes {
		if err := rt.Close(); err != nil {
			m.logger.Error("tenant close failed", "tenant", slug, "error", err)
		}
	}
}

// scheduleInterval extracts the cadence from an @every schedule so the
// continuous job can size its lookback window. Cron-style expressions fall
// back to a conservative half hour.
func scheduleInterval(schedule string) time.Duration {
	const fallback = 30 * time.Minute
	raw, ok := strings.CutPrefix(schedule, "@every ")
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
