// Package tenant wires one configured tenant end to end: source client,
// state store, object store, migration pipeline, reconciliation engine, run
// lock and reporters, plus the scheduled jobs that drive them.
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/attic-io/attic/internal/config"
	"github.com/attic-io/attic/internal/guard"
	"github.com/attic-io/attic/internal/objstore"
	"github.com/attic-io/attic/internal/pipeline"
	"github.com/attic-io/attic/internal/recheck"
	"github.com/attic-io/attic/internal/report"
	"github.com/attic-io/attic/internal/source"
	"github.com/attic-io/attic/internal/state"
)

// continuousLookback is how far past the last continuous run the incremental
// window extends. Doubled so that a delayed or skipped run cannot open a gap.
const continuousLookback = 2

// Runtime is one tenant's fully wired engine.
type Runtime struct {
	Slug string

	src       *source.Client
	store     *state.SQLiteStore
	dst       *objstore.Client
	pipe      *pipeline.Pipeline
	engine    *recheck.Engine
	lock      *guard.Coordinator
	reporters *report.Multi
	logger    *slog.Logger

	interval       time.Duration // continuous job cadence
	lastContinuous time.Time
}

// NewRuntime builds a tenant runtime. The state store lives under
// <dataDir>/tenants/<slug>/attic.db.
func NewRuntime(cfg config.TenantConfig, dataDir string, interval time.Duration, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tenant", cfg.Slug)

	src, err := source.New(source.Config{
		Subdomain: cfg.Source.Subdomain,
		Email:     cfg.Source.Email,
		APIToken:  cfg.Source.APIToken,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.Slug, err)
	}

	dst, err := objstore.New(objstore.Config{
		Endpoint:  cfg.Destination.Endpoint,
		AccessKey: cfg.Destination.AccessKey,
		SecretKey: cfg.Destination.SecretKey,
		Bucket:    cfg.Destination.Bucket,
		LinkTTL:   time.Duration(cfg.Destination.LinkTTLDays) * 24 * time.Hour,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.Slug, err)
	}

	dir := filepath.Join(dataDir, "tenants", cfg.Slug)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tenant %s: data dir: %w", cfg.Slug, err)
	}
	store, err := state.NewSQLiteStore(filepath.Join(dir, "attic.db"))
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.Slug, err)
	}

	var reporters []report.Reporter
	if tg := cfg.Reporters.Telegram; tg != nil {
		r, err := report.NewTelegram(*tg, logger)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", cfg.Slug, err)
		}
		reporters = append(reporters, r)
	}
	if sl := cfg.Reporters.Slack; sl != nil {
		r, err := report.NewSlack(*sl)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", cfg.Slug, err)
		}
		reporters = append(reporters, r)
	}
	if em := cfg.Reporters.Email; em != nil {
		r, err := report.NewEmail(*em)
		if err != nil {
			return nil, fmt.Errorf("tenant %s: %w", cfg.Slug, err)
		}
		reporters = append(reporters, r)
	}

	pipe := pipeline.New(src, dst, store, logger)
	rt := &Runtime{
		Slug:      cfg.Slug,
		src:       src,
		store:     store,
		dst:       dst,
		pipe:      pipe,
		engine:    recheck.New(src, pipe, store, logger),
		lock:      guard.New(logger),
		reporters: report.NewMulti(logger, reporters...),
		logger:    logger,
		interval:  interval,
	}
	return rt, nil
}

// Store exposes the state store for the status API.
func (r *Runtime) Store() *state.SQLiteStore { return r.store }

// CheckDestination verifies the bucket is reachable at startup.
func (r *Runtime) CheckDestination(ctx context.Context) error {
	return r.dst.CheckBucket(ctx)
}

func (r *Runtime) Close() error { return r.store.Close() }

// FullOffload sweeps every cached ticket without a record. Single-flight:
// if another full job holds the lock the run is skipped, not queued.
func (r *Runtime) FullOffload(ctx context.Context) bool {
	return r.lock.Run("offload", func() {
		r.runOffload(ctx)
	})
}

func (r *Runtime) runOffload(ctx context.Context) {
	if n, err := r.store.CacheCount(ctx); err != nil {
		r.logger.Error("offload aborted", "error", err)
		return
	} else if n == 0 {
		if err := r.engine.SyncCache(ctx, true); err != nil {
			r.logger.Error("offload aborted, cache sync failed", "error", err)
			return
		}
	}

	ids, err := r.unrecordedIDs(ctx)
	if err != nil {
		r.logger.Error("offload aborted", "error", err)
		return
	}
	if len(ids) == 0 {
		r.logger.Info("offload: nothing to do")
		return
	}
	sum := r.pipe.RunList(ctx, "offload", ids)
	r.finishRun(ctx, sum)
}

// ContinuousOffload processes tickets updated since the last run, with the
// window doubled backwards. It takes no lock; the idempotent record path
// makes overlap with a full sweep harmless.
func (r *Runtime) ContinuousOffload(ctx context.Context) {
	now := time.Now().UTC()
	since := now.Add(-continuousLookback * r.interval)
	if !r.lastContinuous.IsZero() {
		alt := r.lastContinuous.Add(-r.interval)
		if alt.Before(since) {
			since = alt
		}
	}

	tickets, err := r.src.IncrementalTickets(ctx, since)
	if err != nil {
		r.logger.Error("continuous offload aborted", "error", err)
		return
	}
	r.lastContinuous = now

	// Updated tickets refresh the cache regardless of what happens next.
	entries := make([]state.CacheEntry, 0, len(tickets))
	for _, t := range tickets {
		entries = append(entries, state.CacheEntry{
			TicketID: t.ID, Status: string(t.Status), Subject: t.Subject,
			UpdatedAt: t.UpdatedAt, Tags: t.Tags, SyncedAt: now,
		})
	}
	if err := r.store.UpsertCacheEntries(ctx, entries); err != nil {
		r.logger.Error("cache refresh failed", "error", err)
	}

	recorded, err := r.store.RecordedIDs(ctx)
	if err != nil {
		r.logger.Error("continuous offload aborted", "error", err)
		return
	}
	var ids []int64
	for _, t := range tickets {
		if _, done := recorded[t.ID]; !done {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		r.logger.Debug("continuous offload: window clean", "updated", len(tickets))
		return
	}
	sum := r.pipe.RunList(ctx, "continuous", ids)
	r.finishRun(ctx, sum)
}

// RecheckAll runs one reconciliation sweep under the run lock.
func (r *Runtime) RecheckAll(ctx context.Context) bool {
	return r.lock.Run("recheck", func() {
		r.runRecheck(ctx)
	})
}

func (r *Runtime) runRecheck(ctx context.Context) {
	sum, err := r.engine.Run(ctx)
	if err != nil {
		r.logger.Error("recheck failed", "error", err)
		return
	}
	r.finishRun(ctx, sum)
}

// SyncCache refreshes the ticket cache outside the run lock.
func (r *Runtime) SyncCache(ctx context.Context, full bool) error {
	return r.engine.SyncCache(ctx, full)
}

// MassOffload migrates an explicit id list under the run lock. Tickets that
// already have uploads recorded are skipped; their totals merge on the rare
// re-run that reaches them anyway.
func (r *Runtime) MassOffload(ctx context.Context, ids []int64) bool {
	return r.lock.Run("mass", func() {
		r.runMass(ctx, ids)
	})
}

func (r *Runtime) runMass(ctx context.Context, ids []int64) {
	recorded, err := r.store.RecordedIDs(ctx)
	if err != nil {
		r.logger.Error("mass offload aborted", "error", err)
		return
	}
	var todo []int64
	for _, id := range ids {
		if _, done := recorded[id]; !done {
			todo = append(todo, id)
		}
	}
	r.logger.Info("mass offload starting", "requested", len(ids), "todo", len(todo))
	sum := r.pipe.RunList(ctx, "mass", todo)
	r.finishRun(ctx, sum)
}

// TryRun starts a named job on its own goroutine if the run lock is free.
// Used by the HTTP trigger path; each kind runs the same body as its
// scheduled counterpart. Returns false when a job already runs.
func (r *Runtime) TryRun(kind string, ids []int64) bool {
	if kind == "continuous" {
		// Incremental runs never take the lock; upserts keep overlap safe.
		go r.ContinuousOffload(context.Background())
		return true
	}
	if !r.lock.TryAcquire() {
		return false
	}
	go func() {
		defer r.lock.Release()
		ctx := context.Background()
		switch kind {
		case "recheck":
			r.runRecheck(ctx)
		case "mass":
			r.runMass(ctx, ids)
		default:
			r.runOffload(ctx)
		}
	}()
	return true
}

// unrecordedIDs is the full-offload work set: cached tickets with no record.
func (r *Runtime) unrecordedIDs(ctx context.Context) ([]int64, error) {
	cached, err := r.store.CacheIDs(ctx)
	if err != nil {
		return nil, err
	}
	recorded, err := r.store.RecordedIDs(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, id := range cached {
		if _, done := recorded[id]; !done {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// finishRun persists the run log and delivers the summary.
func (r *Runtime) finishRun(ctx context.Context, sum *pipeline.Summary) {
	details, _ := json.Marshal(sum.Details)
	rl := &state.RunLog{
		ID:               sum.RunID,
		RunAt:            sum.StartedAt,
		Kind:             sum.Kind,
		TicketsProcessed: sum.TicketsProcessed,
		FilesUploaded:    sum.FilesUploaded,
		BytesTotal:       sum.BytesTotal,
		ErrorsCount:      sum.ErrorsCount,
		Status:           sum.Status(),
		Details:          string(details),
	}
	if err := r.store.AppendRunLog(ctx, rl); err != nil {
		r.logger.Error("run log write failed", "run", sum.RunID, "error", err)
	}
	if r.reporters.Send(ctx, r.Slug, sum) {
		if err := r.store.MarkReportSent(ctx, sum.RunID); err != nil {
			r.logger.Error("report flag write failed", "run", sum.RunID, "error", err)
		}
	}
}
