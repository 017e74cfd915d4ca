// Package pipeline moves one ticket's attachments from the source into the
// object store and rewrites the ticket to point at the archived copies. A
// failing item never aborts the ticket, and a failing ticket never aborts the
// run; everything is recorded and the run keeps going.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attic-io/attic/internal/classify"
	"github.com/attic-io/attic/internal/objstore"
	"github.com/attic-io/attic/internal/source"
	"github.com/attic-io/attic/internal/state"
)

// SourceAPI is the slice of the source client the pipeline uses.
type SourceAPI interface {
	GetTicket(ctx context.Context, id int64) (*source.Ticket, error)
	Comments(ctx context.Context, ticketID int64) ([]source.Comment, error)
	Download(ctx context.Context, url string) ([]byte, error)
	AddComment(ctx context.Context, ticketID int64, htmlBody string, public bool) error
	RedactAttachment(ctx context.Context, ticketID, commentID int64, contentURL string) error
}

// ObjectStore is the slice of the destination client the pipeline uses.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	SignedURL(ctx context.Context, key string) (string, error)
}

// RecordStore is the slice of the state store the pipeline uses.
type RecordStore interface {
	GetRecord(ctx context.Context, ticketID int64) (*state.Record, error)
	UpsertRecord(ctx context.Context, ticketID int64, up state.RecordUpdate) error
}

// TicketResult is the outcome of migrating a single ticket.
type TicketResult struct {
	TicketID      int64    `json:"ticket_id"`
	FilesUploaded int      `json:"files_uploaded"`
	Bytes         int64    `json:"bytes"`
	UploadedKeys  []string `json:"uploaded_keys,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Summary aggregates one run across many tickets.
type Summary struct {
	RunID            string         `json:"run_id"`
	Kind             string         `json:"kind"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	TicketsProcessed int            `json:"tickets_processed"`
	FilesUploaded    int            `json:"files_uploaded"`
	BytesTotal       int64          `json:"bytes_total"`
	Deleted          int            `json:"deleted"`
	Empty            int            `json:"empty"`
	ErrorsCount      int            `json:"errors_count"`
	Details          []TicketResult `json:"details,omitempty"`
}

// Status summarizes a run for its log row.
func (s *Summary) Status() string {
	if s.ErrorsCount > 0 {
		return "completed_with_errors"
	}
	return "completed"
}

// Pipeline migrates tickets for one tenant.
type Pipeline struct {
	src    SourceAPI
	dst    ObjectStore
	store  RecordStore
	logger *slog.Logger
	now    func() time.Time // test hook for object key dates
}

func New(src SourceAPI, dst ObjectStore, store RecordStore, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{src: src, dst: dst, store: store, logger: logger, now: time.Now}
}

// MigrateTicket uploads every attachment the ticket still holds and rewrites
// the ticket to reference the archived copies. Closed tickets cannot be
// mutated, so for them only the upload happens; the bytes are safe either
// way. Returns ErrTicketGone unwrapped when the ticket no longer exists.
func (p *Pipeline) MigrateTicket(ctx context.Context, ticketID int64) (*TicketResult, error) {
	res := &TicketResult{TicketID: ticketID}

	tk, err := p.src.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	comments, err := p.src.Comments(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	mutable := !tk.Status.Immutable()

	for _, c := range comments {
		for _, item := range classify.Items(c) {
			if err := p.migrateItem(ctx, ticketID, mutable, item, res); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", item.FileName, err))
				p.logger.Error("item migration failed",
					"ticket", ticketID, "file", item.FileName, "error", err)
			}
		}
	}

	p.logger.Info("ticket migrated",
		"ticket", ticketID, "files", res.FilesUploaded, "bytes", res.Bytes, "errors", len(res.Errors))
	return res, nil
}

func (p *Pipeline) migrateItem(ctx context.Context, ticketID int64, mutable bool, item classify.Item, res *TicketResult) error {
	data, err := p.src.Download(ctx, item.URL)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	key := objstore.ObjectKey(ticketID, p.now().UTC(), item.FileName)
	if err := p.dst.Put(ctx, key, data, item.ContentType); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	res.FilesUploaded++
	res.Bytes += int64(len(data))
	res.UploadedKeys = append(res.UploadedKeys, key)

	if !mutable {
		// Archived copy exists; the closed ticket keeps its original body.
		return nil
	}

	link, err := p.dst.SignedURL(ctx, key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	body := linkComment(item.FileName, link)
	if err := p.src.AddComment(ctx, ticketID, body, false); err != nil {
		// Without the link comment in place the original must survive, so
		// redaction is skipped. The object upload still counts.
		return fmt.Errorf("link comment: %w", err)
	}

	if item.TokenOnly() {
		// Inline token references have no attachment record to redact.
		return nil
	}
	if err := p.src.RedactAttachment(ctx, ticketID, item.CommentID, item.Attachment.ContentURL); err != nil {
		return fmt.Errorf("redact: %w", err)
	}
	return nil
}

// ProcessAndRecord migrates a ticket and folds the outcome into its state
// record as running totals, so repeated processing is additive and safe.
// A vanished ticket propagates ErrTicketGone without touching the record.
func (p *Pipeline) ProcessAndRecord(ctx context.Context, ticketID int64) (*TicketResult, error) {
	res, err := p.MigrateTicket(ctx, ticketID)
	if err != nil {
		if errors.Is(err, source.ErrTicketGone) {
			return nil, err
		}
		// Fetch-level failure: record it so the reconciler revisits. Prior
		// totals are carried forward; an error run never shrinks a record.
		up := state.RecordUpdate{Status: "error", LastError: err.Error()}
		if prev, perr := p.store.GetRecord(ctx, ticketID); perr == nil && prev != nil {
			up.FilesCount = prev.FilesCount
			up.BytesTotal = prev.BytesTotal
		}
		if uerr := p.store.UpsertRecord(ctx, ticketID, up); uerr != nil {
			p.logger.Error("record upsert failed", "ticket", ticketID, "error", uerr)
		}
		return nil, err
	}

	prev, err := p.store.GetRecord(ctx, ticketID)
	if err != nil {
		// Without the previous totals the running sum cannot be computed;
		// leave the record alone and let the reconciler retry the ticket.
		return res, fmt.Errorf("pipeline: read record for ticket %d: %w", ticketID, err)
	}
	files, bytes := res.FilesUploaded, res.Bytes
	if prev != nil {
		files += prev.FilesCount
		bytes += prev.BytesTotal
	}

	up := state.RecordUpdate{
		FilesCount: files,
		BytesTotal: bytes,
		AppendKeys: res.UploadedKeys,
		Status:     "processed",
	}
	if len(res.Errors) > 0 {
		up.Status = "error"
		up.LastError = res.Errors[0]
	}
	if err := p.store.UpsertRecord(ctx, ticketID, up); err != nil {
		return res, fmt.Errorf("pipeline: record ticket %d: %w", ticketID, err)
	}
	return res, nil
}

// RunList processes each ticket in turn. One bad ticket is logged and counted,
// never fatal for the rest of the list.
func (p *Pipeline) RunList(ctx context.Context, kind string, ids []int64) *Summary {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Kind:      kind,
		StartedAt: time.Now().UTC(),
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			p.logger.Warn("run interrupted", "run", sum.RunID, "remaining", len(ids)-sum.TicketsProcessed)
			break
		}
		res, err := p.ProcessAndRecord(ctx, id)
		sum.TicketsProcessed++
		switch {
		case errors.Is(err, source.ErrTicketGone):
			sum.Deleted++
		case err != nil:
			sum.ErrorsCount++
			sum.Details = append(sum.Details, TicketResult{TicketID: id, Errors: []string{err.Error()}})
		default:
			sum.FilesUploaded += res.FilesUploaded
			sum.BytesTotal += res.Bytes
			sum.ErrorsCount += len(res.Errors)
			if res.FilesUploaded == 0 && len(res.Errors) == 0 {
				sum.Empty++
			}
			if res.FilesUploaded > 0 || len(res.Errors) > 0 {
				sum.Details = append(sum.Details, *res)
			}
		}
	}
	sum.FinishedAt = time.Now().UTC()
	p.logger.Info("run finished", "run", sum.RunID, "kind", kind,
		"tickets", sum.TicketsProcessed, "files", sum.FilesUploaded,
		"bytes", sum.BytesTotal, "errors", sum.ErrorsCount)
	return sum
}

func linkComment(filename, url string) string {
	name := html.EscapeString(filename)
	return fmt.Sprintf(
		`<p>Attachment <b>%s</b> was archived to external storage:<br><a href="%s">%s</a></p>`,
		name, html.EscapeString(url), name)
}
