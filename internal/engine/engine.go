// Package engine orchestrates synchronization between the local store, the
// outbox, and the remote todo store.
//
// The engine owns the push (outbox → remote) and pull (remote → local)
// passes plus the single-flight guarantee: at most one push and one pull
// run at a time per client instance, concurrent invocations are silently
// skipped. It never retries within one invocation; transport-level retry
// and the background trigger's re-invocations cover transient failures.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mstave/todoq/internal/conflict"
	"github.com/mstave/todoq/internal/outbox"
	"github.com/mstave/todoq/internal/store"
	"github.com/mstave/todoq/internal/task"
	"github.com/mstave/todoq/internal/transport"
)

// ErrConflictsPending marks a pull aborted on unresolved conflicts.
// Match with errors.Is; the concrete *PendingConflictsError carries them.
var ErrConflictsPending = errors.New("unresolved conflicts pending")

// PendingConflictsError carries the conflicts that stopped a pull.
type PendingConflictsError struct {
	Conflicts []conflict.Info
}

func (e *PendingConflictsError) Error() string {
	return fmt.Sprintf("pull aborted: %d unresolved conflicts", len(e.Conflicts))
}

func (e *PendingConflictsError) Is(target error) bool {
	return target == ErrConflictsPending
}

// Transport is the remote store client contract the engine needs.
type Transport interface {
	Push(ctx context.Context, ops []task.Operation) (*transport.BatchResult, error)
	Pull(ctx context.Context) ([]task.Task, error)
	Ping(ctx context.Context) bool
}

// Summary describes one completed sync for observers.
type Summary struct {
	Pushed    int
	Pulled    int
	Conflicts int
	Duration  time.Duration
}

// Status is a snapshot of the engine's sync state for display.
type Status struct {
	LastSyncAt time.Time
	LastError  string
	Pending    int
	InFlight   bool
}

// Engine drives the sync cycle. Construct with New.
type Engine struct {
	store  *store.Store
	outbox *outbox.Outbox
	client Transport
	logger *log.Logger

	// onSyncComplete, when set, receives a best-effort notification after
	// each completed full sync (the refresh bus hookup).
	onSyncComplete func(Summary)

	pushInFlight atomic.Bool
	pullInFlight atomic.Bool

	statusMu   sync.Mutex
	lastSyncAt time.Time
	lastError  string
}

// Config holds engine construction options.
type Config struct {
	Store  *store.Store
	Outbox *outbox.Outbox
	Client Transport

	// Logger defaults to a stderr logger.
	Logger *log.Logger

	// OnSyncComplete is optional; see Engine.onSyncComplete.
	OnSyncComplete func(Summary)
}

// New creates a sync engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("outbox cannot be nil")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:          cfg.Store,
		outbox:         cfg.Outbox,
		client:         cfg.Client,
		logger:         cfg.Logger,
		onSyncComplete: cfg.OnSyncComplete,
	}, nil
}

// OnSyncComplete installs the completion callback. Call before any sync
// runs; not safe to swap while syncing.
func (e *Engine) OnSyncComplete(fn func(Summary)) {
	e.onSyncComplete = fn
}

// PushResult reports one push pass.
type PushResult struct {
	// Skipped is true when another push was already in flight.
	Skipped bool

	Accepted int
	Rejected int
}

// Push drains the outbox into a single batch and transmits it. Entries are
// acknowledged only for operations the server confirmed; a transport
// failure leaves the outbox untouched.
func (e *Engine) Push(ctx context.Context) (PushResult, error) {
	if !e.pushInFlight.CompareAndSwap(false, true) {
		return PushResult{Skipped: true}, nil
	}
	defer e.pushInFlight.Store(false)

	entries, err := e.outbox.Drain(ctx)
	if err != nil {
		return PushResult{}, err
	}
	if len(entries) == 0 {
		return PushResult{}, nil
	}

	// Rapid edits to one task collapse to the latest entry per id; the
	// superseded entries ride along in the surviving entry's ack.
	co := outbox.Coalesce(entries)

	ops := make([]task.Operation, 0, len(co.Entries))
	entryByID := make(map[string]string, len(co.Entries))
	for _, entry := range co.Entries {
		ops = append(ops, entry.Op)
		entryByID[entry.Op.Todo.ID] = entry.EntryID
	}

	res, err := e.client.Push(ctx, ops)
	if err != nil {
		e.recordError(fmt.Errorf("push failed: %w", err))
		if rerr := e.retryBookkeeping(ctx, co.Entries); rerr != nil {
			e.logger.Printf("retry bookkeeping failed: %v", rerr)
		}
		return PushResult{}, fmt.Errorf("push failed: %w", err)
	}

	var result PushResult
	if len(res.Items) > 0 {
		result, err = e.applyItemResults(ctx, res.Items, entryByID)
	} else {
		// Degraded server response without per-item detail: optimistic
		// bulk mark, strictly weaker than the per-item path.
		result, err = e.applyOptimistic(ctx, ops, entryByID)
	}
	if err != nil {
		return result, err
	}

	// Superseded entries' effect was carried by their survivors.
	for _, entryID := range co.Superseded {
		if err := e.outbox.Acknowledge(ctx, entryID); err != nil {
			return result, err
		}
	}

	e.logger.Printf("push: %d accepted, %d rejected", result.Accepted, result.Rejected)
	return result, nil
}

// applyItemResults applies the server's per-item outcomes to the local
// store and acknowledges confirmed entries.
func (e *Engine) applyItemResults(ctx context.Context, items []transport.ItemResult, entryByID map[string]string) (PushResult, error) {
	var result PushResult

	for _, item := range items {
		switch item.Kind {
		case transport.Upserted:
			authoritative := item.Task
			authoritative.Synced = true
			if err := e.store.Put(ctx, authoritative); err != nil {
				return result, err
			}
			if err := e.ackFor(ctx, entryByID, item.Task.ID); err != nil {
				return result, err
			}
			result.Accepted++

		case transport.Deleted:
			if err := e.store.Delete(ctx, item.ID); err != nil {
				return result, err
			}
			if err := e.ackFor(ctx, entryByID, item.ID); err != nil {
				return result, err
			}
			result.Accepted++

		case transport.Rejected:
			// The entry stays queued; resolution happens on the next
			// pull, whose outcome supersedes it through coalescing.
			e.logger.Printf("server rejected %s: %s", item.ID, item.Reason)
			if entryID, ok := entryByID[item.ID]; ok {
				if err := e.outbox.IncrementRetry(ctx, []string{entryID}); err != nil {
					return result, err
				}
			}
			result.Rejected++
		}
	}
	return result, nil
}

// applyOptimistic marks every transmitted task synced (or removes the
// deleted ones) without per-item confirmation.
func (e *Engine) applyOptimistic(ctx context.Context, ops []task.Operation, entryByID map[string]string) (PushResult, error) {
	var result PushResult

	for _, op := range ops {
		if op.Type == task.OpDelete {
			if err := e.store.Delete(ctx, op.Todo.ID); err != nil {
				return result, err
			}
		} else {
			t := op.Todo
			t.Synced = true
			if err := e.store.Put(ctx, t); err != nil {
				return result, err
			}
		}
		if err := e.ackFor(ctx, entryByID, op.Todo.ID); err != nil {
			return result, err
		}
		result.Accepted++
	}
	return result, nil
}

func (e *Engine) ackFor(ctx context.Context, entryByID map[string]string, taskID string) error {
	entryID, ok := entryByID[taskID]
	if !ok {
		return nil
	}
	return e.outbox.Acknowledge(ctx, entryID)
}

func (e *Engine) retryBookkeeping(ctx context.Context, entries []outbox.Entry) error {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.EntryID)
	}
	return e.outbox.IncrementRetry(ctx, ids)
}

// PullResult reports one pull pass.
type PullResult struct {
	// Skipped is true when another pull was already in flight.
	Skipped bool

	Applied   int
	Preserved int
	Removed   int
	Conflicts []conflict.Info
}

// Pull fetches the remote state and reconciles it into the local store.
//
// Unless forceRemoteWins is set, unresolved conflicts abort the pull with
// zero writes: the caller must resolve them before re-attempting. A remote
// record replaces its local copy only when the local copy is synced (or
// when forcing); an unsynced, non-conflicted local record is preserved for
// a later push. Pulled tombstones remove the synced local copy.
func (e *Engine) Pull(ctx context.Context, forceRemoteWins bool) (PullResult, error) {
	if !e.pullInFlight.CompareAndSwap(false, true) {
		return PullResult{Skipped: true}, nil
	}
	defer e.pullInFlight.Store(false)

	remote, err := e.client.Pull(ctx)
	if err != nil {
		e.recordError(fmt.Errorf("pull failed: %w", err))
		return PullResult{}, fmt.Errorf("pull failed: %w", err)
	}

	local, err := e.store.List(ctx)
	if err != nil {
		return PullResult{}, err
	}

	if !forceRemoteWins {
		if conflicts := conflict.Detect(local, remote); len(conflicts) > 0 {
			e.recordError(fmt.Errorf("%d unresolved conflicts", len(conflicts)))
			return PullResult{Conflicts: conflicts}, &PendingConflictsError{Conflicts: conflicts}
		}
	}

	localByID := make(map[string]task.Task, len(local))
	for _, l := range local {
		localByID[l.ID] = l
	}

	var result PullResult
	for _, r := range remote {
		l, known := localByID[r.ID]

		switch {
		case !known:
			if r.Deleted {
				continue // tombstone for a record this client never held
			}
			r.Synced = true
			if err := e.store.Put(ctx, r); err != nil {
				return result, err
			}
			result.Applied++

		case forceRemoteWins || l.Synced:
			if r.Deleted {
				if err := e.store.Delete(ctx, r.ID); err != nil {
					return result, err
				}
				result.Removed++
				continue
			}
			r.Synced = true
			if err := e.store.Put(ctx, r); err != nil {
				return result, err
			}
			result.Applied++

		default:
			// Unsynced and not in conflict: keep the local copy, it
			// pushes later.
			result.Preserved++
		}
	}

	e.logger.Printf("pull: %d applied, %d preserved, %d removed",
		result.Applied, result.Preserved, result.Removed)
	return result, nil
}

// FullSync pushes first, then pulls: outbound changes drain before the
// pull can overwrite them with a stale server view.
func (e *Engine) FullSync(ctx context.Context, forceRemoteWins bool) (Summary, error) {
	start := time.Now()

	pushRes, err := e.Push(ctx)
	if err != nil {
		return Summary{}, err
	}

	pullRes, err := e.Pull(ctx, forceRemoteWins)
	summary := Summary{
		Pushed:    pushRes.Accepted,
		Pulled:    pullRes.Applied,
		Conflicts: len(pullRes.Conflicts),
		Duration:  time.Since(start),
	}
	if err != nil {
		return summary, err
	}

	e.recordSuccess()
	if e.onSyncComplete != nil {
		e.onSyncComplete(summary)
	}
	return summary, nil
}

// Ping reports remote reachability.
func (e *Engine) Ping(ctx context.Context) bool {
	return e.client.Ping(ctx)
}

// HasPendingWork reports whether anything is waiting to sync: outbox
// entries or unsynced local records.
func (e *Engine) HasPendingWork(ctx context.Context) (bool, error) {
	n, err := e.outbox.Len(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	unsynced, err := e.store.Unsynced(ctx)
	if err != nil {
		return false, err
	}
	return len(unsynced) > 0, nil
}

// Status returns a display snapshot.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, err := e.outbox.Len(ctx)
	if err != nil {
		return Status{}, err
	}

	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return Status{
		LastSyncAt: e.lastSyncAt,
		LastError:  e.lastError,
		Pending:    pending,
		InFlight:   e.pushInFlight.Load() || e.pullInFlight.Load(),
	}, nil
}

func (e *Engine) recordError(err error) {
	e.logger.Printf("%v", err)
	e.statusMu.Lock()
	e.lastError = err.Error()
	e.statusMu.Unlock()
}

func (e *Engine) recordSuccess() {
	e.statusMu.Lock()
	e.lastSyncAt = time.Now().UTC()
	e.lastError = ""
	e.statusMu.Unlock()
}
