package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const upsertAttempts = 5

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads, and make writers wait
	// on contention instead of failing immediately.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("state store: wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=30000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("state store: busy_timeout: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS migration_records (
			ticket_id    INTEGER PRIMARY KEY,
			files_count  INTEGER NOT NULL DEFAULT 0,
			bytes_total  INTEGER NOT NULL DEFAULT 0,
			object_keys  TEXT NOT NULL DEFAULT '[]',
			status       TEXT NOT NULL DEFAULT 'processed',
			last_error   TEXT NOT NULL DEFAULT '',
			processed_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ticket_cache (
			ticket_id  INTEGER PRIMARY KEY,
			status     TEXT NOT NULL DEFAULT '',
			subject    TEXT NOT NULL DEFAULT '',
			updated_at TEXT NOT NULL DEFAULT '',
			tags       TEXT NOT NULL DEFAULT '[]',
			synced_at  TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS run_logs (
			id                TEXT PRIMARY KEY,
			run_at            TEXT NOT NULL,
			kind              TEXT NOT NULL,
			tickets_processed INTEGER NOT NULL DEFAULT 0,
			files_uploaded    INTEGER NOT NULL DEFAULT 0,
			bytes_total       INTEGER NOT NULL DEFAULT 0,
			errors_count      INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL DEFAULT '',
			details           TEXT NOT NULL DEFAULT '',
			report_sent       INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS scan_markers (
			ticket_id  INTEGER PRIMARY KEY,
			scanned_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_records_files ON migration_records(files_count);
		CREATE INDEX IF NOT EXISTS idx_runs_at ON run_logs(run_at);
	`)
	if err != nil {
		return fmt.Errorf("state store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// --- migration records ---

func (s *SQLiteStore) GetRecord(ctx context.Context, ticketID int64) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ticket_id, files_count, bytes_total, object_keys, status, last_error, processed_at
		FROM migration_records WHERE ticket_id = ?`, ticketID)

	r, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("state store: get record: %w", err)
	}
	return r, nil
}

// UpsertRecord merges an update into a ticket's record inside a single
// transaction so concurrent writers cannot drop each other's keys. Counters
// never decrease: an update carrying smaller totals keeps the stored ones,
// so a failure report cannot wipe out recorded uploads. Lock contention is
// retried with backoff before the error is propagated.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, ticketID int64, up RecordUpdate) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 1; attempt <= upsertAttempts; attempt++ {
		err = s.upsertRecordOnce(ctx, ticketID, up)
		if err == nil || !busyError(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	// One last try after backoff is exhausted.
	if ferr := s.upsertRecordOnce(ctx, ticketID, up); ferr == nil {
		return nil
	}
	return fmt.Errorf("state store: upsert record %d: %w", ticketID, err)
}

func (s *SQLiteStore) upsertRecordOnce(ctx context.Context, ticketID int64, up RecordUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var keysJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT object_keys FROM migration_records WHERE ticket_id = ?`, ticketID).Scan(&keysJSON)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	var keys []string
	if keysJSON != "" {
		json.Unmarshal([]byte(keysJSON), &keys)
	}
	keys = mergeKeys(keys, up.AppendKeys)
	merged, _ := json.Marshal(keys)

	status := up.Status
	if status == "" {
		status = "processed"
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO migration_records (ticket_id, files_count, bytes_total, object_keys, status, last_error, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ticket_id) DO UPDATE SET
			files_count=MAX(files_count, excluded.files_count),
			bytes_total=MAX(bytes_total, excluded.bytes_total),
			object_keys=excluded.object_keys, status=excluded.status,
			last_error=excluded.last_error, processed_at=excluded.processed_at
	`, ticketID, up.FilesCount, up.BytesTotal, string(merged), status, up.LastError,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ClearRecord(ctx context.Context, ticketID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM migration_records WHERE ticket_id = ?`, ticketID)
	if err != nil {
		return fmt.Errorf("state store: clear record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Records(ctx context.Context, limit int) ([]Record, error) {
	query := `
		SELECT ticket_id, files_count, bytes_total, object_keys, status, last_error, processed_at
		FROM migration_records ORDER BY processed_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("state store: records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("state store: records scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecordedIDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticket_id FROM migration_records`)
	if err != nil {
		return nil, fmt.Errorf("state store: recorded ids: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("state store: recorded ids scan: %w", err)
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

// --- reconciliation ---

// Candidates returns the reconciliation work set: tickets recorded with zero
// files plus cached tickets never recorded, minus the scan markers left by
// previous passes.
func (s *SQLiteStore) Candidates(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ticket_id FROM (
			SELECT ticket_id FROM migration_records WHERE files_count = 0
			UNION
			SELECT ticket_id FROM ticket_cache
				WHERE ticket_id NOT IN (SELECT ticket_id FROM migration_records)
			EXCEPT
			SELECT ticket_id FROM scan_markers
		) ORDER BY ticket_id`)
	if err != nil {
		return nil, fmt.Errorf("state store: candidates: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("state store: candidates scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkScanned(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state store: mark scanned: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scan_markers (ticket_id, scanned_at) VALUES (?, ?)
			ON CONFLICT(ticket_id) DO UPDATE SET scanned_at=excluded.scanned_at
		`, id, now); err != nil {
			return fmt.Errorf("state store: mark scanned %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// --- ticket cache ---

func (s *SQLiteStore) UpsertCacheEntries(ctx context.Context, entries []CacheEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state store: cache upsert: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		tags, _ := json.Marshal(e.Tags)
		syncedAt := e.SyncedAt
		if syncedAt.IsZero() {
			syncedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_cache (ticket_id, status, subject, updated_at, tags, synced_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(ticket_id) DO UPDATE SET
				status=excluded.status, subject=excluded.subject,
				updated_at=excluded.updated_at, tags=excluded.tags, synced_at=excluded.synced_at
		`, e.TicketID, e.Status, e.Subject, e.UpdatedAt.UTC().Format(time.RFC3339),
			string(tags), syncedAt.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("state store: cache upsert %d: %w", e.TicketID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) CacheIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT ticket_id FROM ticket_cache ORDER BY ticket_id`)
	if err != nil {
		return nil, fmt.Errorf("state store: cache ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("state store: cache ids scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CacheCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticket_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("state store: cache count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) LatestCacheSync(ctx context.Context) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT MAX(synced_at) FROM ticket_cache`).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("state store: latest cache sync: %w", err)
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, ts.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("state store: latest cache sync: %w", err)
	}
	return t, nil
}

// --- run logs ---

func (s *SQLiteStore) AppendRunLog(ctx context.Context, rl *RunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_logs (id, run_at, kind, tickets_processed, files_uploaded, bytes_total, errors_count, status, details, report_sent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rl.ID, rl.RunAt.UTC().Format(time.RFC3339), rl.Kind, rl.TicketsProcessed,
		rl.FilesUploaded, rl.BytesTotal, rl.ErrorsCount, rl.Status, rl.Details, boolInt(rl.ReportSent))
	if err != nil {
		return fmt.Errorf("state store: append run log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RunLogs(ctx context.Context, limit int) ([]RunLog, error) {
	query := `
		SELECT id, run_at, kind, tickets_processed, files_uploaded, bytes_total, errors_count, status, details, report_sent
		FROM run_logs ORDER BY run_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("state store: run logs: %w", err)
	}
	defer rows.Close()

	var out []RunLog
	for rows.Next() {
		var rl RunLog
		var runAt string
		var sent int
		if err := rows.Scan(&rl.ID, &runAt, &rl.Kind, &rl.TicketsProcessed, &rl.FilesUploaded,
			&rl.BytesTotal, &rl.ErrorsCount, &rl.Status, &rl.Details, &sent); err != nil {
			return nil, fmt.Errorf("state store: run logs scan: %w", err)
		}
		rl.RunAt, _ = time.Parse(time.RFC3339, runAt)
		rl.ReportSent = sent != 0
		out = append(out, rl)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkReportSent(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE run_logs SET report_sent = 1 WHERE id = ?`, runID)
	if err != nil {
		return fmt.Errorf("state store: mark report sent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %q not found", runID)
	}
	return nil
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(s scannable) (*Record, error) {
	var r Record
	var keysJSON, processedAt string
	if err := s.Scan(&r.TicketID, &r.FilesCount, &r.BytesTotal, &keysJSON,
		&r.Status, &r.LastError, &processedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(keysJSON), &r.ObjectKeys)
	if r.ObjectKeys == nil {
		r.ObjectKeys = []string{}
	}
	r.ProcessedAt, _ = time.Parse(time.RFC3339, processedAt)
	return &r, nil
}

// mergeKeys appends extra onto keys, dropping duplicates while preserving
// first-seen order.
func mergeKeys(keys, extra []string) []string {
	seen := make(map[string]struct{}, len(keys)+len(extra))
	out := make([]string, 0, len(keys)+len(extra))
	for _, k := range append(keys, extra...) {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

func busyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
