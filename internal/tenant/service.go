package tenant

import (
	"context"
	"errors"
	"fmt"

	"github.com/attic-io/attic/internal/state"
)

// ErrUnknownTenant is returned for slugs not present in the configuration.
var ErrUnknownTenant = errors.New("unknown tenant")

// ErrBusy is returned when a trigger collides with a running job.
var ErrBusy = errors.New("a job is already running")

// Tenants lists configured tenant slugs.
func (m *Manager) Tenants() []string { return m.Slugs() }

// Records lists a tenant's migration records, most recent first.
func (m *Manager) Records(ctx context.Context, slug string, limit int) ([]state.Record, error) {
	rt := m.Get(slug)
	if rt == nil {
		return nil, ErrUnknownTenant
	}
	return rt.Store().Records(ctx, limit)
}

// Record returns one migration record, or nil when the ticket is unrecorded.
func (m *Manager) Record(ctx context.Context, slug string, ticketID int64) (*state.Record, error) {
	rt := m.Get(slug)
	if rt == nil {
		return nil, ErrUnknownTenant
	}
	return rt.Store().GetRecord(ctx, ticketID)
}

// Runs lists a tenant's run logs, most recent first.
func (m *Manager) Runs(ctx context.Context, slug string, limit int) ([]state.RunLog, error) {
	rt := m.Get(slug)
	if rt == nil {
		return nil, ErrUnknownTenant
	}
	return rt.Store().RunLogs(ctx, limit)
}

// Trigger starts a job on the tenant's behalf: "offload", "continuous",
// "recheck", or "mass" with an explicit id list. Returns ErrBusy when the
// run lock is held.
func (m *Manager) Trigger(slug, kind string, ids []int64) error {
	rt := m.Get(slug)
	if rt == nil {
		return ErrUnknownTenant
	}
	switch kind {
	case "offload", "continuous", "recheck", "mass":
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	if kind == "mass" && len(ids) == 0 {
		return fmt.Errorf("mass run needs ticket ids")
	}
	if !rt.TryRun(kind, ids) {
		return ErrBusy
	}
	return nil
}
