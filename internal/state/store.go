// Package state is the per-tenant persistent record of what has been
// migrated: migration records keyed by ticket id, a local ticket cache, run
// logs, and the durable "scanned, nothing found" markers that make long
// reconciliation scans resumable.
package state

import (
	"context"
	"time"
)

// Record accumulates one ticket's migration results across runs. File count,
// byte total and the key list are monotonically non-decreasing: every write
// merges, never replaces, unless an operator explicitly clears the record.
type Record struct {
	TicketID    int64     `json:"ticket_id"`
	FilesCount  int       `json:"files_count"`
	BytesTotal  int64     `json:"bytes_total"`
	ObjectKeys  []string  `json:"object_keys"`
	Status      string    `json:"status"` // "processed" or "error"
	LastError   string    `json:"last_error,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// RecordUpdate is one upsert's worth of changes. FilesCount and BytesTotal
// are running totals supplied by the caller; AppendKeys is concatenated onto
// the stored key list.
type RecordUpdate struct {
	FilesCount int
	BytesTotal int64
	AppendKeys []string
	Status     string
	LastError  string
}

// CacheEntry mirrors minimal ticket metadata locally so reconciliation can
// enumerate "which tickets exist" without hitting the source.
type CacheEntry struct {
	TicketID  int64     `json:"ticket_id"`
	Status    string    `json:"status"`
	Subject   string    `json:"subject"`
	UpdatedAt time.Time `json:"updated_at"`
	Tags      []string  `json:"tags"`
	SyncedAt  time.Time `json:"synced_at"`
}

// RunLog is one immutable row per pipeline invocation.
type RunLog struct {
	ID               string    `json:"id"`
	RunAt            time.Time `json:"run_at"`
	Kind             string    `json:"kind"` // "offload", "continuous", "recheck", "mass"
	TicketsProcessed int       `json:"tickets_processed"`
	FilesUploaded    int       `json:"files_uploaded"`
	BytesTotal       int64     `json:"bytes_total"`
	ErrorsCount      int       `json:"errors_count"`
	Status           string    `json:"status"`
	Details          string    `json:"details,omitempty"` // serialized per-ticket detail
	ReportSent       bool      `json:"report_sent"`
}

// Store is the persistence interface shared by the engine and the status API.
type Store interface {
	// GetRecord returns a ticket's migration record, or nil if none exists.
	GetRecord(ctx context.Context, ticketID int64) (*Record, error)
	// UpsertRecord merges an update into a ticket's record, creating it if
	// needed. Retries store contention before propagating.
	UpsertRecord(ctx context.Context, ticketID int64, up RecordUpdate) error
	// ClearRecord removes a record (operator action only).
	ClearRecord(ctx context.Context, ticketID int64) error
	// Records lists records, most recent first.
	Records(ctx context.Context, limit int) ([]Record, error)
	// RecordedIDs returns every ticket id that has a record.
	RecordedIDs(ctx context.Context) (map[int64]struct{}, error)

	// Candidates returns tickets that might still need migration: zero-file
	// records plus cached tickets with no record, minus scan markers.
	Candidates(ctx context.Context) ([]int64, error)
	// MarkScanned durably records "scanned, found nothing" for the ids.
	MarkScanned(ctx context.Context, ids ...int64) error

	// UpsertCacheEntries refreshes the local ticket cache.
	UpsertCacheEntries(ctx context.Context, entries []CacheEntry) error
	// CacheIDs returns every cached ticket id in ascending order.
	CacheIDs(ctx context.Context) ([]int64, error)
	// CacheCount returns the number of cached tickets.
	CacheCount(ctx context.Context) (int, error)
	// LatestCacheSync returns the newest cache sync timestamp, zero if none.
	LatestCacheSync(ctx context.Context) (time.Time, error)

	// AppendRunLog writes one immutable run row.
	AppendRunLog(ctx context.Context, rl *RunLog) error
	// RunLogs lists run rows, most recent first.
	RunLogs(ctx context.Context, limit int) ([]RunLog, error)
	// MarkReportSent flags a run row after its summary was delivered.
	MarkReportSent(ctx context.Context, runID string) error

	Close() error
}
