package engine

import (
	"context"
	"fmt"

	"github.com/mstave/todoq/internal/conflict"
	"github.com/mstave/todoq/internal/store"
	"github.com/mstave/todoq/internal/task"
)

// The mutation surface. Every mutation applies to the local store first
// and then appends to the outbox in the same call; an outbox append
// failure rolls the store write back and surfaces outbox.ErrDurability,
// so a mutation is either fully recorded or not recorded at all.

// CreateTask adds a new task and queues its CREATE for sync.
func (e *Engine) CreateTask(ctx context.Context, text string, actor task.Actor) (task.Task, error) {
	t := task.New(text, actor)
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	if err := e.store.Put(ctx, t); err != nil {
		return task.Task{}, err
	}
	if _, err := e.outbox.Enqueue(ctx, task.Operation{Type: task.OpCreate, Todo: t}); err != nil {
		if derr := e.store.Delete(ctx, t.ID); derr != nil {
			e.logger.Printf("rollback of create %s failed: %v", t.ID, derr)
		}
		return task.Task{}, err
	}
	return t, nil
}

// UpdateTask edits a task's text and/or completion state and queues the
// UPDATE. Nil fields are left unchanged.
func (e *Engine) UpdateTask(ctx context.Context, id string, text *string, completed *bool, actor task.Actor) (task.Task, error) {
	prior, err := e.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if prior.Deleted {
		return task.Task{}, fmt.Errorf("task %s is deleted: %w", id, store.ErrNotFound)
	}

	t := *prior
	if text != nil {
		t.Text = *text
	}
	if completed != nil {
		t.Completed = *completed
	}
	if err := t.Validate(); err != nil {
		return task.Task{}, err
	}
	t.Touch(actor)

	return t, e.applyMutation(ctx, prior, task.Operation{Type: task.OpUpdate, Todo: t})
}

// ToggleTask flips the completion state.
func (e *Engine) ToggleTask(ctx context.Context, id string, actor task.Actor) (task.Task, error) {
	prior, err := e.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	completed := !prior.Completed
	return e.UpdateTask(ctx, id, nil, &completed, actor)
}

// DeleteTask tombstones a task and queues the DELETE. The record stays in
// the local store until the server confirms the tombstone.
func (e *Engine) DeleteTask(ctx context.Context, id string, actor task.Actor) error {
	prior, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if prior.Deleted {
		return nil
	}

	t := *prior
	t.Tombstone(actor)
	return e.applyMutation(ctx, prior, task.Operation{Type: task.OpDelete, Todo: t})
}

// ResolveConflict applies the chosen strategy to one detected conflict.
//
// A remote-winning resolution only needs the store write (the result is
// already the server's truth). Any resolution that produces an unsynced
// record additionally queues a mutation so the next push carries it.
func (e *Engine) ResolveConflict(ctx context.Context, c conflict.Info, strategy conflict.Strategy, actor task.Actor, replacement *task.Task) (task.Task, error) {
	resolved, err := conflict.Resolve(c, strategy, actor, replacement)
	if err != nil {
		return task.Task{}, err
	}

	if resolved.Synced {
		if resolved.Deleted {
			// The server's tombstone won; drop the local copy.
			if err := e.store.Delete(ctx, resolved.ID); err != nil {
				return task.Task{}, err
			}
			return resolved, nil
		}
		return resolved, e.store.Put(ctx, resolved)
	}

	opType := task.OpUpdate
	if resolved.Deleted {
		opType = task.OpDelete
	}
	prior := c.Local
	if err := e.applyMutation(ctx, &prior, task.Operation{Type: opType, Todo: resolved}); err != nil {
		return task.Task{}, err
	}
	return resolved, nil
}

// applyMutation writes the operation's task to the store and enqueues the
// operation, restoring prior on enqueue failure.
func (e *Engine) applyMutation(ctx context.Context, prior *task.Task, op task.Operation) error {
	if err := e.store.Put(ctx, op.Todo); err != nil {
		return err
	}
	if _, err := e.outbox.Enqueue(ctx, op); err != nil {
		if rerr := e.store.Put(ctx, *prior); rerr != nil {
			e.logger.Printf("rollback of %s %s failed: %v", op.Type, op.Todo.ID, rerr)
		}
		return err
	}
	return nil
}

// Conflicts runs detection against the current remote state without
// applying anything, for the user-facing conflict listing.
func (e *Engine) Conflicts(ctx context.Context) ([]conflict.Info, error) {
	remote, err := e.client.Pull(ctx)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}
	local, err := e.store.List(ctx)
	if err != nil {
		return nil, err
	}
	return conflict.Detect(local, remote), nil
}
