// Package store provides the local mirror of remote interaction state,
// backed by an embedded SQLite database.
//
// The mirror holds the latest known state of each interaction plus
// per-record sync flags. Writes complete before the call returns and never
// touch the network; pairing a write with an operation enqueue is the
// caller's responsibility, which keeps local-only cache fills possible.
//
// The database runs in embedded mode with WAL for concurrent reads. The
// same connection also backs the operation queue (see internal/queue),
// so a single durable file carries both the mirror and the pending log.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fieldsync/fieldsync/internal/model"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with mirror-specific functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL keeps readers unblocked while the scheduler updates statuses.
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
// The operation queue shares this connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the mirror schema if it doesn't exist.
// Idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the mirror schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		assignee TEXT,
		payload TEXT,  -- opaque remote JSON
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		due_at TEXT,

		sync_pending INTEGER NOT NULL DEFAULT 0,
		local_status TEXT NOT NULL DEFAULT '',
		tombstoned INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_kind ON interactions(kind);
	CREATE INDEX IF NOT EXISTS idx_interactions_status ON interactions(status);
	CREATE INDEX IF NOT EXISTS idx_interactions_assignee ON interactions(assignee);
	CREATE INDEX IF NOT EXISTS idx_interactions_pending ON interactions(sync_pending);
	CREATE INDEX IF NOT EXISTS idx_interactions_tombstoned ON interactions(tombstoned);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize mirror schema: %w", err)
	}

	return nil
}

// Put inserts or updates an interaction in the mirror.
//
// If a record with the same ID exists, it is updated in place. Tombstoned
// records written again come back to life (remote re-created the entity).
func (s *Store) Put(in *model.Interaction) error {
	return s.PutContext(context.Background(), in)
}

// PutContext inserts or updates an interaction with context support.
func (s *Store) PutContext(ctx context.Context, in *model.Interaction) error {
	if err := in.Validate(); err != nil {
		return fmt.Errorf("invalid interaction: %w", err)
	}

	query := `
	INSERT INTO interactions (
		id, kind, title, description, status, assignee, payload,
		created_at, updated_at, due_at, sync_pending, local_status, tombstoned
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(id) DO UPDATE SET
		kind = excluded.kind,
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		assignee = excluded.assignee,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		due_at = excluded.due_at,
		sync_pending = excluded.sync_pending,
		local_status = excluded.local_status,
		tombstoned = 0
	`

	_, err := s.conn.ExecContext(ctx, query,
		in.ID,
		string(in.Kind),
		in.Title,
		in.Description,
		in.Status,
		in.Assignee,
		rawToNullString(in.Payload),
		in.CreatedAt.Format(time.RFC3339),
		in.UpdatedAt.Format(time.RFC3339),
		timeToNullString(in.DueAt),
		boolToInt(in.SyncPending),
		string(in.LocalStatus),
	)
	if err != nil {
		return fmt.Errorf("failed to put interaction %s: %w", in.ID, err)
	}

	return nil
}

// Get retrieves a single interaction by ID, including tombstoned records.
// Returns sql.ErrNoRows if the record is not found.
func (s *Store) Get(id string) (*model.Interaction, error) {
	return s.GetContext(context.Background(), id)
}

// GetContext retrieves a single interaction by ID with context support.
func (s *Store) GetContext(ctx context.Context, id string) (*model.Interaction, error) {
	query := selectColumns + ` FROM interactions WHERE id = ?`

	row := s.conn.QueryRowContext(ctx, query, id)
	return scanInteraction(row)
}

// Filter configures the List query.
type Filter struct {
	// Kind filters by interaction kind (empty = all kinds)
	Kind model.Kind
	// Status filters by remote status (empty = all statuses)
	Status string
	// Assignee filters by assignee (empty = all)
	Assignee string
	// PendingOnly restricts to records with unconfirmed local edits
	PendingOnly bool
	// IncludeTombstoned keeps locally deleted records in the results
	IncludeTombstoned bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
	// Offset skips the first N results (for pagination)
	Offset int
}

// List retrieves interactions matching the given filter.
// Results are ordered by updated_at DESC, then id ASC.
func (s *Store) List(filter Filter) ([]*model.Interaction, error) {
	return s.ListContext(context.Background(), filter)
}

// ListContext retrieves interactions with context support.
func (s *Store) ListContext(ctx context.Context, filter Filter) ([]*model.Interaction, error) {
	var conditions []string
	var args []interface{}

	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Assignee != "" {
		conditions = append(conditions, "assignee = ?")
		args = append(args, filter.Assignee)
	}
	if filter.PendingOnly {
		conditions = append(conditions, "sync_pending = 1")
	}
	if !filter.IncludeTombstoned {
		conditions = append(conditions, "tombstoned = 0")
	}

	query := selectColumns + ` FROM interactions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// OFFSET requires a LIMIT clause; -1 means unbounded.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	defer rows.Close()

	return scanInteractions(rows)
}

// MarkTombstoned marks a record as locally deleted without removing the row.
//
// Tombstoned records are hidden from List by default but retained until the
// corresponding delete operation is confirmed synced, at which point the
// caller purges them with PurgeTombstoned.
func (s *Store) MarkTombstoned(id string) error {
	return s.MarkTombstonedContext(context.Background(), id)
}

// MarkTombstonedContext marks a record as deleted with context support.
func (s *Store) MarkTombstonedContext(ctx context.Context, id string) error {
	query := `
	UPDATE interactions
	SET tombstoned = 1, sync_pending = 1, local_status = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := s.conn.ExecContext(ctx, query,
		string(model.LocalDeleted), time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to tombstone interaction %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to tombstone interaction %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// PurgeTombstoned physically removes a tombstoned record.
//
// Only tombstoned rows are removed; calling this on a live record is a
// no-op. Returns nil if the record doesn't exist (idempotent).
func (s *Store) PurgeTombstoned(id string) error {
	return s.PurgeTombstonedContext(context.Background(), id)
}

// PurgeTombstonedContext removes a tombstoned record with context support.
func (s *Store) PurgeTombstonedContext(ctx context.Context, id string) error {
	query := `DELETE FROM interactions WHERE id = ? AND tombstoned = 1`
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to purge interaction %s: %w", id, err)
	}
	return nil
}

// ConfirmSynced clears the sync flags on a record after its pending
// operation was delivered and acknowledged.
func (s *Store) ConfirmSynced(id string) error {
	return s.ConfirmSyncedContext(context.Background(), id)
}

// ConfirmSyncedContext clears sync flags with context support.
func (s *Store) ConfirmSyncedContext(ctx context.Context, id string) error {
	query := `UPDATE interactions SET sync_pending = 0, local_status = '' WHERE id = ?`
	if _, err := s.conn.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to confirm interaction %s: %w", id, err)
	}
	return nil
}

// Count returns the number of live (non-tombstoned) records in the mirror.
func (s *Store) Count() (int, error) {
	return s.CountContext(context.Background())
}

// CountContext returns the live record count with context support.
func (s *Store) CountContext(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM interactions WHERE tombstoned = 0").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count interactions: %w", err)
	}
	return count, nil
}

const selectColumns = `
	SELECT id, kind, title, description, status, assignee, payload,
	       created_at, updated_at, due_at, sync_pending, local_status`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInteraction(row rowScanner) (*model.Interaction, error) {
	var in model.Interaction
	var kind, localStatus string
	var description, assignee, payload sql.NullString
	var createdAt, updatedAt string
	var dueAt sql.NullString
	var syncPending int

	err := row.Scan(
		&in.ID,
		&kind,
		&in.Title,
		&description,
		&in.Status,
		&assignee,
		&payload,
		&createdAt,
		&updatedAt,
		&dueAt,
		&syncPending,
		&localStatus,
	)
	if err != nil {
		return nil, err
	}

	in.Kind = model.Kind(kind)
	in.Description = description.String
	in.Assignee = assignee.String
	if payload.Valid && payload.String != "" {
		in.Payload = json.RawMessage(payload.String)
	}

	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		in.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		in.UpdatedAt = t
	}
	in.DueAt = nullStringToTime(dueAt)
	in.SyncPending = syncPending != 0
	in.LocalStatus = model.LocalStatus(localStatus)

	return &in, nil
}

func scanInteractions(rows *sql.Rows) ([]*model.Interaction, error) {
	var result []*model.Interaction

	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interaction: %w", err)
		}
		result = append(result, in)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating interactions: %w", err)
	}

	return result, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.Format(time.RFC3339), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func rawToNullString(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
