// Package task defines the Task record shared by the local store, the
// outbox, the sync protocol, and the remote store.
//
// A Task is a flat record with last-write-wins friendly fields. The version
// field is the optimistic-concurrency token: every local mutation bumps it,
// and the remote store rejects writes whose version is not strictly greater
// than what it already holds (equal versions are idempotent replays).
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is the single user-visible entity.
type Task struct {
	// ID is assigned client-side at creation and never changes.
	ID string `json:"id"`

	Text      string `json:"text"`
	Completed bool   `json:"completed"`

	// Version increments on every local mutation. It is the
	// optimistic-concurrency token checked by the remote store.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Synced is true only while the local copy is known identical to the
	// authoritative remote copy. Never transmitted as authoritative state.
	Synced bool `json:"synced"`

	// Deleted marks a tombstone. Deletion is a mutation, not a removal:
	// the record stays in the local store until the remote store confirms
	// the tombstone.
	Deleted bool `json:"deleted"`

	AuthorID   string `json:"authorId"`
	AuthorName string `json:"authorName"`
}

// OpType identifies the kind of pending mutation.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Operation is one pending mutation carrying its full Task payload.
type Operation struct {
	Type OpType `json:"type"`
	Todo Task   `json:"todo"`
}

// New creates a fresh Task at version 1, authored by the given actor.
func New(text string, actor Actor) Task {
	now := time.Now().UTC()
	return Task{
		ID:         uuid.NewString(),
		Text:       text,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		AuthorID:   actor.ID,
		AuthorName: actor.Name,
	}
}

// Validate checks the Task has usable field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Version < 1 {
		return fmt.Errorf("version must be at least 1 (got %d)", t.Version)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	if t.UpdatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	return nil
}

// Touch bumps the version, refreshes updatedAt, and records the mutating
// actor. Every local mutation goes through here so the version token and
// authorship never drift apart.
func (t *Task) Touch(actor Actor) {
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	t.Synced = false
	t.AuthorID = actor.ID
	t.AuthorName = actor.Name
}

// Tombstone marks the task deleted as a versioned mutation.
func (t *Task) Tombstone(actor Actor) {
	t.Deleted = true
	t.Touch(actor)
}

// Equal reports whether two tasks carry the same persisted state, ignoring
// the synced flag (which is local bookkeeping, not record content).
func (t Task) Equal(o Task) bool {
	return t.ID == o.ID &&
		t.Text == o.Text &&
		t.Completed == o.Completed &&
		t.Version == o.Version &&
		t.CreatedAt.Equal(o.CreatedAt) &&
		t.UpdatedAt.Equal(o.UpdatedAt) &&
		t.Deleted == o.Deleted &&
		t.AuthorID == o.AuthorID &&
		t.AuthorName == o.AuthorName
}
