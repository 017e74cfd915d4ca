// Package recheck is the reconciliation engine. It sweeps the set of tickets
// that might still hold attachments the offloader missed, checks each one
// live against the source, and leaves durable markers behind so an
// interrupted sweep resumes where it stopped instead of starting over.
package recheck

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attic-io/attic/internal/classify"
	"github.com/attic-io/attic/internal/pipeline"
	"github.com/attic-io/attic/internal/source"
	"github.com/attic-io/attic/internal/state"
)

// markerBatch is how many scan markers accumulate before a flush. Small
// enough that an interrupted sweep loses little progress.
const markerBatch = 50

// cacheSyncLookback re-fetches a little history on incremental syncs so
// clock skew between runs cannot drop tickets.
const cacheSyncLookback = time.Hour

// Lister is the slice of the source client the engine uses.
type Lister interface {
	ListTickets(ctx context.Context) ([]source.Ticket, error)
	IncrementalTickets(ctx context.Context, since time.Time) ([]source.Ticket, error)
	Comments(ctx context.Context, ticketID int64) ([]source.Comment, error)
}

// Migrator processes one ticket and records the outcome.
type Migrator interface {
	ProcessAndRecord(ctx context.Context, ticketID int64) (*pipeline.TicketResult, error)
}

// Store is the slice of the state store the engine uses.
type Store interface {
	Candidates(ctx context.Context) ([]int64, error)
	MarkScanned(ctx context.Context, ids ...int64) error
	UpsertRecord(ctx context.Context, ticketID int64, up state.RecordUpdate) error
	CacheCount(ctx context.Context) (int, error)
	LatestCacheSync(ctx context.Context) (time.Time, error)
	UpsertCacheEntries(ctx context.Context, entries []state.CacheEntry) error
}

// Engine sweeps candidate tickets for one tenant.
type Engine struct {
	src    Lister
	mig    Migrator
	store  Store
	logger *slog.Logger
}

func New(src Lister, mig Migrator, store Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{src: src, mig: mig, store: store, logger: logger}
}

// Run performs one reconciliation sweep. Tickets confirmed attachment-free
// get a zero record plus a scan marker and never reappear; tickets with
// content go through the full migration path. Markers are flushed in batches
// so cancellation mid-sweep keeps the progress made so far.
func (e *Engine) Run(ctx context.Context) (*pipeline.Summary, error) {
	if n, err := e.store.CacheCount(ctx); err != nil {
		return nil, err
	} else if n == 0 {
		e.logger.Info("ticket cache empty, running full sync")
		if err := e.SyncCache(ctx, true); err != nil {
			return nil, err
		}
	}

	ids, err := e.store.Candidates(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Info("recheck sweep starting", "candidates", len(ids))

	sum := &pipeline.Summary{
		RunID:     uuid.NewString(),
		Kind:      "recheck",
		StartedAt: time.Now().UTC(),
	}
	var pending []int64
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := e.store.MarkScanned(ctx, pending...); err != nil {
			e.logger.Error("marker flush failed", "count", len(pending), "error", err)
			return
		}
		pending = pending[:0]
	}
	defer flush()

	for _, id := range ids {
		if ctx.Err() != nil {
			e.logger.Warn("sweep interrupted", "run", sum.RunID, "scanned", sum.TicketsProcessed)
			break
		}
		sum.TicketsProcessed++
		switch outcome, err := e.checkTicket(ctx, id); {
		case err != nil:
			sum.ErrorsCount++
			sum.Details = append(sum.Details, pipeline.TicketResult{TicketID: id, Errors: []string{err.Error()}})
		case outcome == outcomeGone:
			sum.Deleted++
			pending = append(pending, id)
		case outcome == outcomeEmpty:
			sum.Empty++
			pending = append(pending, id)
		default:
			res, err := e.mig.ProcessAndRecord(ctx, id)
			if err != nil {
				sum.ErrorsCount++
				sum.Details = append(sum.Details, pipeline.TicketResult{TicketID: id, Errors: []string{err.Error()}})
				continue
			}
			sum.FilesUploaded += res.FilesUploaded
			sum.BytesTotal += res.Bytes
			sum.ErrorsCount += len(res.Errors)
			sum.Details = append(sum.Details, *res)
		}
		if len(pending) >= markerBatch {
			flush()
		}
	}
	flush()
	sum.FinishedAt = time.Now().UTC()
	e.logger.Info("recheck sweep finished", "run", sum.RunID,
		"scanned", sum.TicketsProcessed, "recovered", sum.FilesUploaded,
		"empty", sum.Empty, "deleted", sum.Deleted, "errors", sum.ErrorsCount)
	return sum, nil
}

type outcome int

const (
	outcomeHasContent outcome = iota
	outcomeEmpty
	outcomeGone
)

// checkTicket makes the live call that decides a candidate's fate. Confirmed
// empty tickets get a zero record so the candidate query stops producing them
// even before the marker lands.
func (e *Engine) checkTicket(ctx context.Context, id int64) (outcome, error) {
	comments, err := e.src.Comments(ctx, id)
	if errors.Is(err, source.ErrTicketGone) {
		return outcomeGone, nil
	}
	if err != nil {
		return 0, err
	}
	for _, c := range comments {
		if len(classify.Items(c)) > 0 {
			return outcomeHasContent, nil
		}
	}
	if err := e.store.UpsertRecord(ctx, id, state.RecordUpdate{Status: "processed"}); err != nil {
		e.logger.Error("zero record upsert failed", "ticket", id, "error", err)
	}
	return outcomeEmpty, nil
}

// SyncCache refreshes the local ticket cache: the whole listing when full is
// set or the cache has never synced, otherwise only tickets updated since the
// last sync minus a lookback.
func (e *Engine) SyncCache(ctx context.Context, full bool) error {
	var (
		tickets []source.Ticket
		err     error
	)
	last, err := e.store.LatestCacheSync(ctx)
	if err != nil {
		return err
	}
	if full || last.IsZero() {
		tickets, err = e.src.ListTickets(ctx)
	} else {
		tickets, err = e.src.IncrementalTickets(ctx, last.Add(-cacheSyncLookback))
	}
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entries := make([]state.CacheEntry, 0, len(tickets))
	for _, t := range tickets {
		entries = append(entries, state.CacheEntry{
			TicketID:  t.ID,
			Status:    string(t.Status),
			Subject:   t.Subject,
			UpdatedAt: t.UpdatedAt,
			Tags:      t.Tags,
			SyncedAt:  now,
		})
	}
	if err := e.store.UpsertCacheEntries(ctx, entries); err != nil {
		return err
	}
	e.logger.Info("ticket cache synced", "tickets", len(entries), "full", full || last.IsZero())
	return nil
}
