// Package server implements the reference remote todo store: the document
// table plus the HTTP surface clients sync against.
//
// The store applies the reconciliation rules the client relies on. Writes
// are accepted only when the incoming version advances the stored one;
// equal-version replays of identical content are idempotent no-ops; deletes
// always succeed by tombstoning, never by physical removal, so clients that
// pulled before the delete can still detect it.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/mstave/todoq/internal/task"
)

// Store wraps the server-side libSQL database.
type Store struct {
	conn *sql.DB
	path string
}

// OpenStore creates or opens the server database at path. The caller MUST
// call Close() when done.
func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("libsql", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open server database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping server database: %w", err)
	}

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close server database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the todos table if it doesn't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS todos (
		id          TEXT PRIMARY KEY,
		text        TEXT NOT NULL DEFAULT '',
		completed   INTEGER NOT NULL DEFAULT 0,
		version     INTEGER NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL,
		deleted     INTEGER NOT NULL DEFAULT 0,
		author_id   TEXT NOT NULL DEFAULT '',
		author_name TEXT NOT NULL DEFAULT ''
	);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create todos schema: %w", err)
	}
	return nil
}

// List returns every stored record, tombstones included.
func (s *Store) List(ctx context.Context) ([]task.Task, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, text, completed, version, created_at, updated_at,
		       deleted, author_id, author_name
		FROM todos ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list todos: %w", err)
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTodo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate todos: %w", err)
	}
	return out, nil
}

// get returns the stored record or (nil, nil) when the id is unknown.
func (s *Store) get(ctx context.Context, id string) (*task.Task, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, text, completed, version, created_at, updated_at,
		       deleted, author_id, author_name
		FROM todos WHERE id = ?`, id)

	t, err := scanTodo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Store) put(ctx context.Context, t task.Task) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO todos (id, text, completed, version, created_at, updated_at,
		                   deleted, author_id, author_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text        = excluded.text,
			completed   = excluded.completed,
			version     = excluded.version,
			created_at  = excluded.created_at,
			updated_at  = excluded.updated_at,
			deleted     = excluded.deleted,
			author_id   = excluded.author_id,
			author_name = excluded.author_name`,
		t.ID, t.Text, boolInt(t.Completed), t.Version,
		t.CreatedAt.UTC().Format(timeLayout),
		t.UpdatedAt.UTC().Format(timeLayout),
		boolInt(t.Deleted), t.AuthorID, t.AuthorName)
	if err != nil {
		return fmt.Errorf("failed to store todo %s: %w", t.ID, err)
	}
	return nil
}

// Outcome is the result of reconciling one operation.
type Outcome struct {
	// Record is the authoritative post-reconciliation record when the
	// operation was accepted (possibly a tombstone).
	Record *task.Task

	// Conflict describes the rejection when the operation was not.
	Conflict *Conflict
}

// Conflict is one server-side rejection.
type Conflict struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// Apply reconciles one client operation against the stored state.
func (s *Store) Apply(ctx context.Context, op task.Operation) (Outcome, error) {
	existing, err := s.get(ctx, op.Todo.ID)
	if err != nil {
		return Outcome{}, err
	}

	outcome, write, err := reconcile(existing, op)
	if err != nil {
		return Outcome{}, err
	}
	if write {
		if err := s.put(ctx, *outcome.Record); err != nil {
			return Outcome{}, err
		}
	}
	return outcome, nil
}

// reconcile applies the version-check rules to one operation. It returns
// the outcome and whether the record needs writing back.
//
// CREATE: fresh ids insert; a replay against an existing record with
// version >= incoming is an idempotent no-op; a create claiming a newer
// version than stored is a version conflict.
//
// UPDATE: strictly newer versions apply; an equal-version replay of
// identical content is a no-op; everything else is a version conflict.
// Updates for ids this store never saw are adopted; refusing would strand
// the record forever.
//
// DELETE: always succeeds by tombstoning (existing or fresh) with a bumped
// version so late pullers detect the deletion.
func reconcile(existing *task.Task, op task.Operation) (Outcome, bool, error) {
	incoming := op.Todo

	switch op.Type {
	case task.OpCreate:
		if existing == nil {
			return Outcome{Record: &incoming}, true, nil
		}
		if existing.Version >= incoming.Version {
			return Outcome{Record: existing}, false, nil
		}
		return Outcome{Conflict: &Conflict{
			ID:   incoming.ID,
			Type: "version",
			Reason: fmt.Sprintf("create for existing id %s: stored version %d, incoming %d",
				incoming.ID, existing.Version, incoming.Version),
		}}, false, nil

	case task.OpUpdate:
		if existing == nil {
			return Outcome{Record: &incoming}, true, nil
		}
		if incoming.Version > existing.Version {
			return Outcome{Record: &incoming}, true, nil
		}
		if incoming.Version == existing.Version && sameContent(*existing, incoming) {
			return Outcome{Record: existing}, false, nil
		}
		return Outcome{Conflict: &Conflict{
			ID:   incoming.ID,
			Type: "version",
			Reason: fmt.Sprintf("update for %s: stored version %d, incoming %d",
				incoming.ID, existing.Version, incoming.Version),
		}}, false, nil

	case task.OpDelete:
		tombstone := incoming
		tombstone.Deleted = true
		if existing != nil {
			tombstone.CreatedAt = existing.CreatedAt
			if tombstone.Version <= existing.Version {
				tombstone.Version = existing.Version + 1
			}
		}
		if tombstone.Version < 1 {
			tombstone.Version = 1
		}
		if tombstone.UpdatedAt.IsZero() {
			tombstone.UpdatedAt = time.Now().UTC()
		}
		if tombstone.CreatedAt.IsZero() {
			tombstone.CreatedAt = tombstone.UpdatedAt
		}
		return Outcome{Record: &tombstone}, true, nil

	default:
		return Outcome{}, false, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// sameContent compares the fields a replay must not have changed.
func sameContent(a, b task.Task) bool {
	return a.Text == b.Text && a.Completed == b.Completed && a.Deleted == b.Deleted
}

// timeLayout matches the client store's fixed-width nanosecond rendering so
// the TEXT created_at column sorts chronologically under ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTodo(row rowScanner) (*task.Task, error) {
	var t task.Task
	var completed, deleted int
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Text, &completed, &t.Version,
		&createdAt, &updatedAt, &deleted, &t.AuthorID, &t.AuthorName)
	if err != nil {
		return nil, err
	}

	t.Completed = completed != 0
	t.Deleted = deleted != 0

	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at %q: %w", updatedAt, err)
	}
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
