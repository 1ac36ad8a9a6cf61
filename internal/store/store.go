// Package store provides a WAL-mode SQLite-backed durable queue for
// QueuedRequest rows. It persists requests on Add and keeps them until
// Remove is called, giving the mediator and sync engine a crash-safe
// record of every request that hasn't yet been confirmed delivered.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mircdj/rest-sync-lite/internal/idgen"
	"github.com/mircdj/rest-sync-lite/internal/queue"
)

// ErrNotFound is returned when a lookup by id matches no row.
var ErrNotFound = errors.New("store: request not found")

// ErrEnvironment is returned when the underlying SQLite file can't be
// opened or migrated; it signals a host/environment problem rather than
// a bad request.
type ErrEnvironment struct {
	Op  string
	Err error
}

func (e *ErrEnvironment) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *ErrEnvironment) Unwrap() error { return e.Err }

// Store is a SQLite-backed, crash-safe persistence layer for
// queue.QueuedRequest rows. It is safe for concurrent use.
type Store struct {
	db    *sql.DB
	count atomic.Int64
}

const schema = `
CREATE TABLE IF NOT EXISTS requests (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id   TEXT    NOT NULL UNIQUE,
    method       TEXT    NOT NULL,
    url          TEXT    NOT NULL,
    headers      TEXT    NOT NULL DEFAULT '{}',
    body         BLOB,
    body_kind    INTEGER NOT NULL DEFAULT 0,
    body_content_type TEXT,
    priority     INTEGER NOT NULL DEFAULT 1,
    status       TEXT    NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_retries  INTEGER NOT NULL DEFAULT 5,
    created_at   TEXT    NOT NULL,
    updated_at   TEXT    NOT NULL,
    next_attempt_at TEXT,
    last_error   TEXT
);
CREATE INDEX IF NOT EXISTS idx_requests_pending
    ON requests (status, priority, id);
CREATE TABLE IF NOT EXISTS schema_meta (
    version INTEGER NOT NULL
);
`

// Open creates (or reuses) the SQLite database at path, enables WAL mode,
// applies the schema (creating the priority index if absent), records
// schemaVersion in schema_meta, and seeds the pending-row counter. path
// may be ":memory:" for tests.
func Open(path string, busyTimeout time.Duration, schemaVersion int) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s%s_busy_timeout=%d", path, sep, busyTimeout.Milliseconds()))
	if err != nil {
		return nil, &ErrEnvironment{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, &ErrEnvironment{Op: "set WAL mode", Err: err}
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, &ErrEnvironment{Op: "set synchronous", Err: err}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, &ErrEnvironment{Op: "apply schema", Err: err}
	}
	if err := seedSchemaVersion(db, schemaVersion); err != nil {
		_ = db.Close()
		return nil, &ErrEnvironment{Op: "seed schema version", Err: err}
	}

	s := &Store{db: db}
	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM requests WHERE status IN ('pending','retrying')`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, &ErrEnvironment{Op: "count pending rows", Err: err}
	}
	s.count.Store(n)
	return s, nil
}

// seedSchemaVersion records the current schema version on first open and
// leaves existing rows untouched on subsequent opens; this module has no
// upgrade migrations to run yet, so mismatches are not an error.
func seedSchemaVersion(db *sql.DB, version int) error {
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_meta`).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := db.Exec(`INSERT INTO schema_meta (version) VALUES (?)`, version)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add persists a new request row and returns its populated id.
func (s *Store) Add(ctx context.Context, r *queue.QueuedRequest) error {
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.Status == "" {
		r.Status = queue.StatusPending
	}

	headers, err := queue.EncodeHeaders(r.Headers)
	if err != nil {
		return fmt.Errorf("store: encode headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (request_id, method, url, headers, body, body_kind, body_content_type, priority, status, attempts, max_retries, created_at, updated_at, next_attempt_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.Method, r.URL, headers, r.Body.Data, int(r.Body.Kind), nullableString(r.Body.ContentType), r.Priority, string(r.Status),
		r.Attempts, r.MaxRetries, fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
		fmtTimePtr(r.NextAttemptAt), r.LastError,
	)
	if err != nil {
		return fmt.Errorf("store: add: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("store: last insert id: %w", err)
	}
	r.ID = id
	if r.Status == queue.StatusPending || r.Status == queue.StatusRetrying {
		s.count.Add(1)
	}
	return nil
}

// Get returns the request with the given database id.
func (s *Store) Get(ctx context.Context, id int64) (*queue.QueuedRequest, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	return scanRequest(row)
}

// GetByRequestID returns the request with the given external request id.
func (s *Store) GetByRequestID(ctx context.Context, requestID string) (*queue.QueuedRequest, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE request_id = ?`, requestID)
	return scanRequest(row)
}

const selectCols = `SELECT id, request_id, method, url, headers, body, body_kind, body_content_type, priority, status, attempts, max_retries, created_at, updated_at, next_attempt_at, last_error FROM requests`

// PeekNext returns the single highest-priority, oldest pending/retrying
// request whose next_attempt_at has elapsed (or is unset), without
// removing it. It returns nil, nil when no request is ready.
func (s *Store) PeekNext(ctx context.Context, now time.Time) (*queue.QueuedRequest, error) {
	row := s.db.QueryRowContext(ctx,
		selectCols+` WHERE status IN ('pending','retrying')
		 AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY priority ASC, id ASC LIMIT 1`,
		fmtTime(now))
	r, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// ListAll returns every request ordered by priority then insertion order,
// used for admin/listing calls. Not intended for the hot drain path.
func (s *Store) ListAll(ctx context.Context) ([]*queue.QueuedRequest, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list all: %w", err)
	}
	defer rows.Close()

	var out []*queue.QueuedRequest
	for rows.Next() {
		r, err := scanRequestRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Update persists the mutable fields of r (status, attempts, schedule,
// headers, last error) back to its row. Headers are included because an
// auth-refresh retry rewrites the Authorization header without bumping
// the attempt counter.
func (s *Store) Update(ctx context.Context, r *queue.QueuedRequest) error {
	r.UpdatedAt = time.Now().UTC()
	headers, err := queue.EncodeHeaders(r.Headers)
	if err != nil {
		return fmt.Errorf("store: encode headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, attempts = ?, headers = ?, updated_at = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`,
		string(r.Status), r.Attempts, headers, fmtTime(r.UpdatedAt), fmtTimePtr(r.NextAttemptAt), r.LastError, r.ID,
	)
	if err != nil {
		return fmt.Errorf("store: update: %w", err)
	}
	return nil
}

// Remove deletes the row with the given id. It is idempotent.
func (s *Store) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id = ? AND status IN ('pending','retrying')`, id)
	if err != nil {
		return fmt.Errorf("store: remove: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.count.Add(-1)
	}
	// also clean up terminal rows directly, without touching the counter
	_, _ = s.db.ExecContext(ctx, `DELETE FROM requests WHERE id = ? AND status NOT IN ('pending','retrying')`, id)
	return nil
}

// Count returns the number of pending/retrying requests, read from an
// atomic counter so it never blocks on the database.
func (s *Store) Count() int {
	return int(s.count.Load())
}

// Ping verifies the database connection is still alive, for use as a
// readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fmtTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row scannable) (*queue.QueuedRequest, error) {
	r, err := scanInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func scanRequestRows(rows *sql.Rows) (*queue.QueuedRequest, error) {
	return scanInto(rows)
}

func scanInto(row scannable) (*queue.QueuedRequest, error) {
	var (
		r               queue.QueuedRequest
		status          string
		headers         string
		bodyData        []byte
		bodyKind        int
		bodyContentType sql.NullString
		createdAt       string
		updatedAt       string
		nextAttemptAt   sql.NullString
		lastError       sql.NullString
	)
	if err := row.Scan(&r.ID, &r.RequestID, &r.Method, &r.URL, &headers, &bodyData, &bodyKind, &bodyContentType, &r.Priority,
		&status, &r.Attempts, &r.MaxRetries, &createdAt, &updatedAt, &nextAttemptAt, &lastError); err != nil {
		return nil, err
	}
	r.Body = idgen.Body{Kind: idgen.BodyKind(bodyKind), Data: bodyData}
	if bodyContentType.Valid {
		r.Body.ContentType = bodyContentType.String
	}
	r.Status = queue.Status(status)
	hdrs, err := queue.DecodeHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("store: decode headers: %w", err)
	}
	r.Headers = hdrs
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if nextAttemptAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, nextAttemptAt.String)
		if err == nil {
			r.NextAttemptAt = &t
		}
	}
	if lastError.Valid {
		r.LastError = lastError.String
	}
	return &r, nil
}
