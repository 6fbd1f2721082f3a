package server

import (
	"context"
	"sort"
	"sync"

	"github.com/mstave/todoq/internal/task"
)

// MemStore is an in-memory Reconciler. It applies exactly the same
// reconciliation rules as the SQL-backed Store and exists for tests and
// ephemeral servers where nothing should touch disk.
type MemStore struct {
	mu    sync.Mutex
	todos map[string]task.Task
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{todos: make(map[string]task.Task)}
}

// List returns every record, tombstones included, in stable order.
func (m *MemStore) List(ctx context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]task.Task, 0, len(m.todos))
	for _, t := range m.todos {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Apply reconciles one operation against the in-memory state.
func (m *MemStore) Apply(ctx context.Context, op task.Operation) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *task.Task
	if t, ok := m.todos[op.Todo.ID]; ok {
		existing = &t
	}

	outcome, write, err := reconcile(existing, op)
	if err != nil {
		return Outcome{}, err
	}
	if write {
		m.todos[outcome.Record.ID] = *outcome.Record
	}
	return outcome, nil
}
