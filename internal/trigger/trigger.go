// Package trigger decides when the sync engine runs.
//
// Three sources fire a sync: a connectivity probe that detects the
// offline-to-online transition, a periodic timer that only fires while
// work is pending, and explicit requests (SyncNow from user commands,
// Refresh from the change bus). Every firing funnels through one request
// channel so sync attempts never pile up, and a failed sync is logged and
// waited out, never fatal: the next firing is the retry.
package trigger

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mstave/todoq/internal/engine"
)

type requestKind int

const (
	reqFullSync requestKind = iota
	reqPullOnly
)

// Config holds trigger construction options.
type Config struct {
	Engine *engine.Engine

	// ProbeInterval is how often connectivity is checked (default 10s).
	ProbeInterval time.Duration

	// SyncInterval is how often pending work is flushed while online
	// (default 30s).
	SyncInterval time.Duration

	// SettleDelay is how long to wait after a reconnect before syncing,
	// letting flaky links stabilize (default 2s).
	SettleDelay time.Duration

	// Logger defaults to a stderr logger.
	Logger *log.Logger
}

// Trigger owns the background sync loops. Construct with New, then Start.
type Trigger struct {
	engine        *engine.Engine
	probeInterval time.Duration
	syncInterval  time.Duration
	settleDelay   time.Duration
	logger        *log.Logger

	requests chan requestKind

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	online bool
}

// New creates a trigger. Call Start to begin the loops.
func New(cfg Config) (*Trigger, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 30 * time.Second
	}
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[trigger] ", log.LstdFlags)
	}
	return &Trigger{
		engine:        cfg.Engine,
		probeInterval: cfg.ProbeInterval,
		syncInterval:  cfg.SyncInterval,
		settleDelay:   cfg.SettleDelay,
		logger:        cfg.Logger,
		requests:      make(chan requestKind, 1),
	}, nil
}

// Start launches the probe, timer, and worker loops.
func (t *Trigger) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(3)
	go t.probeLoop()
	go t.timerLoop()
	go t.workLoop()
}

// Stop shuts the loops down and waits for any in-flight sync to finish.
func (t *Trigger) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	t.wg.Wait()
	t.logger.Println("stopped")
}

// Online reports the last observed connectivity state.
func (t *Trigger) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// SyncNow requests a full sync. Non-blocking; if a request is already
// queued the two collapse into one.
func (t *Trigger) SyncNow() {
	t.request(reqFullSync)
}

// Refresh requests a lightweight pull, for reacting to another process's
// completed sync. Non-blocking.
func (t *Trigger) Refresh() {
	t.request(reqPullOnly)
}

func (t *Trigger) request(kind requestKind) {
	select {
	case t.requests <- kind:
	default:
	}
}

// probeLoop watches connectivity and fires a sync on the offline-to-online
// transition, after a settle delay.
func (t *Trigger) probeLoop() {
	defer t.wg.Done()

	t.setOnline(t.engine.Ping(t.ctx))

	ticker := time.NewTicker(t.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			nowOnline := t.engine.Ping(t.ctx)
			wasOnline := t.setOnline(nowOnline)
			if nowOnline && !wasOnline {
				t.logger.Println("back online, scheduling sync")
				select {
				case <-t.ctx.Done():
					return
				case <-time.After(t.settleDelay):
				}
				t.request(reqFullSync)
			}
		}
	}
}

// timerLoop periodically flushes pending work while online.
func (t *Trigger) timerLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if !t.Online() {
				continue
			}
			pending, err := t.engine.HasPendingWork(t.ctx)
			if err != nil {
				t.logger.Printf("pending-work check failed: %v", err)
				continue
			}
			if pending {
				t.request(reqFullSync)
			}
		}
	}
}

// workLoop serializes the actual sync runs.
func (t *Trigger) workLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case kind := <-t.requests:
			t.run(kind)
		}
	}
}

func (t *Trigger) run(kind requestKind) {
	switch kind {
	case reqPullOnly:
		if _, err := t.engine.Pull(t.ctx, false); err != nil {
			if errors.Is(err, engine.ErrConflictsPending) {
				t.logger.Printf("refresh pull blocked: %v", err)
				return
			}
			t.logger.Printf("refresh pull failed: %v", err)
		}
	default:
		if _, err := t.engine.FullSync(t.ctx, false); err != nil {
			if errors.Is(err, engine.ErrConflictsPending) {
				t.logger.Printf("sync blocked on conflicts: %v", err)
				return
			}
			t.logger.Printf("sync failed: %v", err)
		}
	}
}

func (t *Trigger) setOnline(v bool) (was bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	was = t.online
	t.online = v
	return was
}
