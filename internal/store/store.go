// Package store provides the durable local task table, the single source of
// truth for everything user-facing.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3) opened in
// WAL mode so concurrent readers in sibling processes are never blocked by a
// writer. Every operation is durable before it returns. Deletions are
// tombstones at the record level; physical removal happens only once the
// sync engine has remote confirmation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mstave/todoq/internal/task"
)

// ErrNotFound is returned when no task exists for the requested id.
// Match with errors.Is.
var ErrNotFound = errors.New("task not found")

// Subscriber observes successful mutations. Called synchronously after the
// write is durable, in mutation order.
type Subscriber func(task.Task)

// Store wraps the SQLite connection holding the tasks table.
type Store struct {
	conn *sql.DB
	path string

	subsMu sync.Mutex
	subs   []Subscriber
}

// Open creates or opens the task database at path.
//
// The database is opened in embedded mode with WAL and a busy timeout. The
// caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(stateDir, "tasks.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
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

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection, for maintenance queries
// outside the store's API.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL and closes the connection.
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

// InitSchema creates the tasks table if it doesn't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		text        TEXT NOT NULL DEFAULT '',
		completed   INTEGER NOT NULL DEFAULT 0,
		version     INTEGER NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		synced      INTEGER NOT NULL DEFAULT 0,
		deleted     INTEGER NOT NULL DEFAULT 0,
		author_id   TEXT NOT NULL DEFAULT '',
		author_name TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_synced ON tasks(synced);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tasks schema: %w", err)
	}
	return nil
}

// Subscribe registers an observer for subsequent mutations.
func (s *Store) Subscribe(fn Subscriber) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(t task.Task) {
	s.subsMu.Lock()
	subs := make([]Subscriber, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, fn := range subs {
		fn(t)
	}
}

// Get returns the task with the given id, including tombstones.
func (s *Store) Get(ctx context.Context, id string) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, text, completed, version, created_at, updated_at,
		       synced, deleted, author_id, author_name
		FROM tasks WHERE id = ?`, id)

	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return t, nil
}

// List returns all tasks, tombstones included, ordered by creation time.
func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, text, completed, version, created_at, updated_at,
		       synced, deleted, author_id, author_name
		FROM tasks ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// Scan returns all tasks matching the predicate, in list order.
func (s *Store) Scan(ctx context.Context, pred func(task.Task) bool) ([]task.Task, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []task.Task
	for _, t := range all {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Put upserts a task by id. The write is durable before Put returns, and
// subscribers are notified afterwards.
func (s *Store) Put(ctx context.Context, t task.Task) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO tasks (id, text, completed, version, created_at, updated_at,
		                   synced, deleted, author_id, author_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text        = excluded.text,
			completed   = excluded.completed,
			version     = excluded.version,
			created_at  = excluded.created_at,
			updated_at  = excluded.updated_at,
			synced      = excluded.synced,
			deleted     = excluded.deleted,
			author_id   = excluded.author_id,
			author_name = excluded.author_name`,
		t.ID, t.Text, boolInt(t.Completed), t.Version,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
		boolInt(t.Synced), boolInt(t.Deleted), t.AuthorID, t.AuthorName)
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}

	s.notify(t)
	return nil
}

// Delete physically removes a task row. Only called once a tombstone has
// been confirmed by (or received from) the remote store.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}

	s.notify(task.Task{ID: id, Deleted: true})
	return nil
}

// Unsynced returns all tasks whose local copy is not known to match the
// remote authoritative copy.
func (s *Store) Unsynced(ctx context.Context) ([]task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, text, completed, version, created_at, updated_at,
		       synced, deleted, author_id, author_name
		FROM tasks WHERE synced = 0 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*task.Task, error) {
	var t task.Task
	var completed, synced, deleted int
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Text, &completed, &t.Version,
		&createdAt, &updatedAt, &synced, &deleted, &t.AuthorID, &t.AuthorName)
	if err != nil {
		return nil, err
	}

	t.Completed = completed != 0
	t.Synced = synced != 0
	t.Deleted = deleted != 0

	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at %q: %w", updatedAt, err)
	}
	return &t, nil
}

func collectTasks(rows *sql.Rows) ([]task.Task, error) {
	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task rows: %w", err)
	}
	return out, nil
}

// timeLayout is RFC 3339 with a fixed-width nanosecond field. RFC3339Nano
// drops trailing fractional zeros, which breaks lexicographic ordering of
// the stored strings; the fixed width keeps ORDER BY created_at chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
