// Package outbox provides the durable queue of pending mutations awaiting
// transmission to the remote store.
//
// The outbox is the client's recovery log: an entry is appended in the same
// breath as the local mutation and removed only after the remote store has
// confirmed the corresponding write (or the entry was superseded by a later
// mutation to the same task in the same batch). Entries survive process
// restarts; a crash mid-sync leaves undelivered entries queued for retry.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mstave/todoq/internal/task"
)

// ErrDurability marks a failed durable append. A mutation whose enqueue
// returns this error is NOT safe: the caller must surface the failure
// rather than pretend the change will eventually sync.
var ErrDurability = errors.New("outbox write not durable")

// Entry is one pending mutation.
type Entry struct {
	EntryID    string
	Op         task.Operation
	EnqueuedAt time.Time
	RetryCount int
}

// Outbox wraps the SQLite-backed queue.
type Outbox struct {
	conn *sql.DB
	path string
}

// Open creates or opens the outbox database at path. The caller MUST call
// Close() when done.
func Open(path string) (*Outbox, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping outbox database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return &Outbox{conn: conn, path: path}, nil
}

// Close closes the underlying connection.
func (o *Outbox) Close() error {
	if o.conn == nil {
		return nil
	}
	if err := o.conn.Close(); err != nil {
		return fmt.Errorf("failed to close outbox database: %w", err)
	}
	o.conn = nil
	return nil
}

// InitSchema creates the outbox table if it doesn't exist. Idempotent.
func (o *Outbox) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox (
		entry_id    TEXT PRIMARY KEY,
		op_type     TEXT NOT NULL,
		payload     TEXT NOT NULL,
		enqueued_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_enqueued_at ON outbox(enqueued_at);
	`
	if _, err := o.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return nil
}

// Enqueue appends one pending mutation and returns its entry id. A failed
// append wraps ErrDurability; it must never fail silently.
func (o *Outbox) Enqueue(ctx context.Context, op task.Operation) (string, error) {
	payload, err := json.Marshal(op.Todo)
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode payload: %v", ErrDurability, err)
	}

	// Enqueue time is stored as integer Unix nanoseconds so the drain
	// order comparison is numeric, never textual.
	entryID := uuid.NewString()
	_, err = o.conn.ExecContext(ctx, `
		INSERT INTO outbox (entry_id, op_type, payload, enqueued_at, retry_count)
		VALUES (?, ?, ?, ?, 0)`,
		entryID, string(op.Type), string(payload),
		time.Now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDurability, err)
	}
	return entryID, nil
}

// Drain returns all pending entries in FIFO order by enqueue time (entry id
// breaks exact ties), so a CREATE always precedes a later UPDATE on the
// same task. Entries are not removed; call Acknowledge after the remote
// store confirms each one.
func (o *Outbox) Drain(ctx context.Context) ([]Entry, error) {
	rows, err := o.conn.QueryContext(ctx, `
		SELECT entry_id, op_type, payload, enqueued_at, retry_count
		FROM outbox ORDER BY enqueued_at, entry_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to drain outbox: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var opType, payload string
		var enqueuedAt int64
		if err := rows.Scan(&e.EntryID, &opType, &payload, &enqueuedAt, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		e.Op.Type = task.OpType(opType)
		if err := json.Unmarshal([]byte(payload), &e.Op.Todo); err != nil {
			return nil, fmt.Errorf("failed to decode outbox payload %s: %w", e.EntryID, err)
		}
		e.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox rows: %w", err)
	}
	return out, nil
}

// Acknowledge removes one entry after confirmed remote acceptance.
func (o *Outbox) Acknowledge(ctx context.Context, entryID string) error {
	_, err := o.conn.ExecContext(ctx, `DELETE FROM outbox WHERE entry_id = ?`, entryID)
	if err != nil {
		return fmt.Errorf("failed to acknowledge entry %s: %w", entryID, err)
	}
	return nil
}

// Clear removes every entry. Used after a fully successful batch.
func (o *Outbox) Clear(ctx context.Context) error {
	if _, err := o.conn.ExecContext(ctx, `DELETE FROM outbox`); err != nil {
		return fmt.Errorf("failed to clear outbox: %w", err)
	}
	return nil
}

// Len returns the number of pending entries.
func (o *Outbox) Len(ctx context.Context) (int, error) {
	var n int
	if err := o.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count outbox entries: %w", err)
	}
	return n, nil
}

// IncrementRetry bumps the retry counter on the given entries after a
// failed transmission attempt.
func (o *Outbox) IncrementRetry(ctx context.Context, entryIDs []string) error {
	for _, id := range entryIDs {
		if _, err := o.conn.ExecContext(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1 WHERE entry_id = ?`, id); err != nil {
			return fmt.Errorf("failed to increment retry for %s: %w", id, err)
		}
	}
	return nil
}

// Prune removes entries enqueued before the cutoff, regardless of delivery.
// This is an operator escape hatch for abandoned queues, not part of the
// normal acknowledgment path.
func (o *Outbox) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := o.conn.ExecContext(ctx, `DELETE FROM outbox WHERE enqueued_at < ?`,
		before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned entries: %w", err)
	}
	return n, nil
}

// Coalesced is the result of collapsing a drained batch to one entry per
// task id.
type Coalesced struct {
	// Entries is the surviving entry per task id, still in FIFO order of
	// the surviving entries' enqueue times.
	Entries []Entry

	// Superseded lists entry ids replaced by a later mutation to the same
	// task. They are acknowledged together with the batch: the surviving
	// entry carries their effect.
	Superseded []string
}

// Coalesce collapses rapid successive mutations to one task into the single
// highest-version entry per id.
//
// If the chain began with a CREATE the remote store has never seen, the
// surviving entry keeps the CREATE type so the server treats it as a fresh
// record; a trailing DELETE always survives as a DELETE.
func Coalesce(entries []Entry) Coalesced {
	type chain struct {
		last      int  // index into entries of the latest mutation
		hasCreate bool // a CREATE for this id is still untransmitted
	}

	chains := make(map[string]*chain)

	for i, e := range entries {
		id := e.Op.Todo.ID
		c, ok := chains[id]
		if !ok {
			chains[id] = &chain{last: i, hasCreate: e.Op.Type == task.OpCreate}
			continue
		}
		c.last = i
		if e.Op.Type == task.OpCreate {
			c.hasCreate = true
		}
	}

	var result Coalesced
	survives := make(map[int]bool, len(chains))
	for _, c := range chains {
		survives[c.last] = true
	}

	for i, e := range entries {
		if !survives[i] {
			result.Superseded = append(result.Superseded, e.EntryID)
			continue
		}
		c := chains[e.Op.Todo.ID]
		if c.hasCreate && e.Op.Type == task.OpUpdate {
			e.Op.Type = task.OpCreate
		}
		result.Entries = append(result.Entries, e)
	}

	return result
}
