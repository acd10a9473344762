// Package queue provides the durable operation queue for offline mutations.
//
// Every local create/update/delete appends an operation row here before
// delivery is attempted. The log is append-only: rows are immutable except
// for status, retry_count, error and last_sync, and rows leave the table
// only after reaching synced (or via explicit pruning). Multiple operations
// may exist per entity; delivery is idempotent per operation id, not per
// entity.
//
// All status transitions are compare-and-set on the expected prior status
// so that two sync passes can never double-process the same entry.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
)

// Action identifies the kind of mutation an operation carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Status is the delivery state of a queued operation.
type Status string

const (
	// StatusPending operations are eligible for the next sync pass.
	StatusPending Status = "pending"
	// StatusFailed operations exhausted their retries (or were
	// dead-lettered) and stay put until manually retried.
	StatusFailed Status = "failed"
	// StatusSynced operations were acknowledged by the remote system.
	StatusSynced Status = "synced"
)

// ErrNotInStatus is returned when a compare-and-set status transition
// finds the operation in a different state than expected, typically
// because another pass already processed it.
var ErrNotInStatus = errors.New("operation not in expected status")

// ErrNotFound is returned when an operation id does not exist in the queue.
var ErrNotFound = errors.New("operation not found")

// DefaultRetryCeiling is the number of delivery attempts before an
// operation transitions to the terminal failed state.
const DefaultRetryCeiling = 3

// Operation is a queued intent to create, update or delete one
// remote-mirrored entity.
type Operation struct {
	ID         string          `json:"id"`
	Action     Action          `json:"action"`
	Resource   string          `json:"resource"` // resource kind, e.g. "rfi"
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
	Status     Status          `json:"status"`
	RetryCount int             `json:"retry_count"`
	LastError  string          `json:"last_error,omitempty"`

	// LastSyncAttempt is the time of the most recent delivery attempt,
	// successful or not. Nil if delivery was never attempted.
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
}

// EntityID extracts the mirrored entity's id from the operation payload.
// Returns an empty string when the payload carries no id.
func (op *Operation) EntityID() string {
	var envelope struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(op.Payload, &envelope); err != nil {
		return ""
	}
	return envelope.ID
}

// Config holds queue configuration.
type Config struct {
	// RetryCeiling is the attempt count at which a pending operation
	// becomes terminally failed (default: 3).
	RetryCeiling int

	// Logger for queue activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryCeiling: DefaultRetryCeiling,
		Logger:       log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable operation queue, backed by the same SQLite
// database as the mirror store.
type Queue struct {
	conn         *sql.DB
	retryCeiling int
	logger       *log.Logger
}

// New creates a Queue on an open database connection.
func New(conn *sql.DB, config *Config) (*Queue, error) {
	if conn == nil {
		return nil, fmt.Errorf("conn cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.RetryCeiling <= 0 {
		config.RetryCeiling = DefaultRetryCeiling
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	return &Queue{
		conn:         conn,
		retryCeiling: config.RetryCeiling,
		logger:       config.Logger,
	}, nil
}

// InitSchema creates the queue schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (q *Queue) InitSchema() error {
	return q.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the queue schema with context support.
func (q *Queue) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		timestamp INTEGER NOT NULL,  -- unix milliseconds, local-write order
		data TEXT NOT NULL,          -- JSON payload
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		last_sync TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
	CREATE INDEX IF NOT EXISTS idx_sync_queue_timestamp ON sync_queue(timestamp);
	`

	if _, err := q.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	return nil
}

// Enqueue appends an operation and returns its id.
//
// Missing ID and Timestamp fields are filled in. Enqueue fails only on
// storage-layer errors; callers must surface that as a local-write failure
// since an edit that never queued will never reach the remote system.
func (q *Queue) Enqueue(ctx context.Context, op *Operation) (string, error) {
	if op.Action == "" {
		return "", fmt.Errorf("action is required")
	}
	if op.Resource == "" {
		return "", fmt.Errorf("resource is required")
	}
	if op.ID == "" {
		op.ID = uuid.New().String()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	op.Status = StatusPending

	query := `
	INSERT INTO sync_queue (id, action, resource, timestamp, data, status, retry_count)
	VALUES (?, ?, ?, ?, ?, 'pending', 0)
	`
	_, err := q.conn.ExecContext(ctx, query,
		op.ID,
		string(op.Action),
		op.Resource,
		op.Timestamp.UnixMilli(),
		string(op.Payload),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s %s: %w", op.Action, op.Resource, err)
	}

	q.logger.Printf("Enqueued %s %s (%s)", op.Action, op.Resource, op.ID)
	return op.ID, nil
}

// PendingBatch returns the oldest limit operations with status pending,
// ordered by timestamp ascending, ties broken by insertion order.
func (q *Queue) PendingBatch(ctx context.Context, limit int) ([]*Operation, error) {
	query := selectColumns + `
	FROM sync_queue
	WHERE status = 'pending'
	ORDER BY timestamp ASC, rowid ASC
	LIMIT ?
	`

	rows, err := q.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending batch: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// MarkSynced transitions a pending operation to synced.
//
// Returns ErrNotInStatus if the operation was not pending, which means
// another pass already resolved it.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	query := `
	UPDATE sync_queue
	SET status = 'synced', error = NULL, last_sync = ?
	WHERE id = ? AND status = 'pending'
	`
	res, err := q.conn.ExecContext(ctx, query, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark synced %s: %w", id, ErrNotInStatus)
	}
	return nil
}

// MarkFailed records a delivery failure, incrementing retry_count.
//
// When retry_count reaches the configured ceiling the operation becomes
// terminally failed; otherwise it stays pending for the next pass.
// Returns ErrNotInStatus if the operation was not pending.
func (q *Queue) MarkFailed(ctx context.Context, id string, deliveryErr error) error {
	msg := ""
	if deliveryErr != nil {
		msg = deliveryErr.Error()
	}

	query := `
	UPDATE sync_queue
	SET retry_count = retry_count + 1,
	    error = ?,
	    last_sync = ?,
	    status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END
	WHERE id = ? AND status = 'pending'
	`
	res, err := q.conn.ExecContext(ctx, query,
		msg, time.Now().Format(time.RFC3339), q.retryCeiling, id)
	if err != nil {
		return fmt.Errorf("failed to mark operation %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark failed %s: %w", id, ErrNotInStatus)
	}

	q.logger.Printf("Delivery failed for %s: %s", id, msg)
	return nil
}

// DeadLetter marks an operation terminally failed regardless of its retry
// count, for failures that retrying cannot fix (malformed payloads,
// unknown resource kinds, permission errors).
func (q *Queue) DeadLetter(ctx context.Context, id string, reason error) error {
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}

	query := `
	UPDATE sync_queue
	SET status = 'failed', retry_count = ?, error = ?, last_sync = ?
	WHERE id = ? AND status = 'pending'
	`
	res, err := q.conn.ExecContext(ctx, query,
		q.retryCeiling, msg, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter %s: %w", id, ErrNotInStatus)
	}

	q.logger.Printf("Dead-lettered %s: %s", id, msg)
	return nil
}

// CountPending returns the number of operations awaiting delivery.
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	var count int
	err := q.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE status = 'pending'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return count, nil
}

// Retry resets a failed operation back to pending with a fresh retry
// budget. Returns ErrNotInStatus if the operation was not failed.
func (q *Queue) Retry(ctx context.Context, id string) error {
	query := `
	UPDATE sync_queue
	SET status = 'pending', retry_count = 0, error = NULL
	WHERE id = ? AND status = 'failed'
	`
	res, err := q.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to retry operation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry %s: %w", id, ErrNotInStatus)
	}

	q.logger.Printf("Reset %s for retry", id)
	return nil
}

// RetryAll resets every failed operation back to pending.
// Returns the number of operations reset.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	res, err := q.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET status = 'pending', retry_count = 0, error = NULL
	WHERE status = 'failed'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed operations: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Printf("Reset %d failed operations for retry", n)
	}
	return int(n), nil
}

// Failed returns all terminally failed operations, oldest first.
func (q *Queue) Failed(ctx context.Context) ([]*Operation, error) {
	query := selectColumns + `
	FROM sync_queue
	WHERE status = 'failed'
	ORDER BY timestamp ASC, rowid ASC
	`

	rows, err := q.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed operations: %w", err)
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Get retrieves a single operation by id.
// Returns ErrNotFound if the id does not exist.
func (q *Queue) Get(ctx context.Context, id string) (*Operation, error) {
	query := selectColumns + ` FROM sync_queue WHERE id = ?`

	row := q.conn.QueryRowContext(ctx, query, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get operation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation %s: %w", id, err)
	}
	return op, nil
}

// Stats holds per-status operation counts.
type Stats struct {
	Pending int `json:"pending"`
	Failed  int `json:"failed"`
	Synced  int `json:"synced"`
}

// GetStats returns per-status operation counts.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats

	rows, err := q.conn.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("failed to scan queue stats: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			stats.Pending = count
		case StatusFailed:
			stats.Failed = count
		case StatusSynced:
			stats.Synced = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("error iterating queue stats: %w", err)
	}

	return stats, nil
}

// PruneSynced removes synced operations whose last delivery is older than
// the given age. Returns the number of rows removed.
func (q *Queue) PruneSynced(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).Format(time.RFC3339)
	res, err := q.conn.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE status = 'synced' AND last_sync < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced operations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const selectColumns = `
	SELECT id, action, resource, timestamp, data, status, retry_count, error, last_sync`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*Operation, error) {
	var op Operation
	var action, status, data string
	var timestamp int64
	var errMsg, lastSync sql.NullString

	err := row.Scan(
		&op.ID,
		&action,
		&op.Resource,
		&timestamp,
		&data,
		&status,
		&op.RetryCount,
		&errMsg,
		&lastSync,
	)
	if err != nil {
		return nil, err
	}

	op.Action = Action(action)
	op.Status = Status(status)
	op.Timestamp = time.UnixMilli(timestamp)
	op.Payload = json.RawMessage(data)
	op.LastError = errMsg.String
	if lastSync.Valid {
		if t, err := time.Parse(time.RFC3339, lastSync.String); err == nil {
			op.LastSyncAttempt = &t
		}
	}

	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]*Operation, error) {
	var ops []*Operation

	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return ops, nil
}
