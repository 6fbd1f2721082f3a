// Package broadcast implements the best-effort refresh bus that tells
// sibling client processes a sync completed so they can re-pull.
//
// Two delivery paths, both advisory: a WebSocket hub for live listeners and
// a marker file (watched with fsnotify) for processes that only share the
// state directory. Neither is a correctness mechanism: the remote store's
// version check is the only cross-process safety net.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// EventType tags a bus message.
type EventType string

const (
	// EventSyncComplete announces a finished push/pull cycle.
	EventSyncComplete EventType = "sync_complete"

	// EventConflicts announces that a pull stopped on unresolved conflicts.
	EventConflicts EventType = "conflicts_detected"
)

// Event is one bus message.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SyncCompleteData describes a finished sync.
type SyncCompleteData struct {
	Pushed    int           `json:"pushed"`
	Pulled    int           `json:"pulled"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

// Hub manages WebSocket listeners and fans events out to them.
type Hub struct {
	addr   string
	logger *log.Logger

	listener net.Listener
	server   *http.Server

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// HubConfig holds hub configuration.
type HubConfig struct {
	// Addr to listen on (default: "127.0.0.1:0", an ephemeral local port).
	Addr string

	// Logger for hub activity (default: stderr logger).
	Logger *log.Logger
}

// NewHub creates a hub. Use Start() to begin listening.
func NewHub(config *HubConfig) *Hub {
	if config == nil {
		config = &HubConfig{}
	}
	if config.Addr == "" {
		config.Addr = "127.0.0.1:0"
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[broadcast] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		addr:    config.Addr,
		logger:  config.Logger,
		clients: make(map[*websocket.Conn]bool),
		events:  make(chan Event, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins accepting WebSocket listeners and fanning out events.
func (h *Hub) Start() error {
	listener, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.handleSubscribe)
	h.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	h.wg.Add(2)
	go h.serve()
	go h.fanout()

	h.logger.Printf("Listening on %s", listener.Addr())
	return nil
}

// Stop closes all connections and shuts the hub down.
func (h *Hub) Stop() error {
	h.cancel()

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.server.Shutdown(ctx)
	}

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.clientsMu.Unlock()

	h.wg.Wait()
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (h *Hub) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Publish queues an event for every connected listener. Never blocks: when
// the queue is full the event is dropped; the bus is advisory.
func (h *Hub) Publish(evtType EventType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("failed to encode event data: %v", err)
		return
	}

	select {
	case h.events <- Event{Type: evtType, Timestamp: time.Now().UTC(), Data: payload}:
	default:
		h.logger.Printf("event queue full, dropping %s", evtType)
	}
}

func (h *Hub) serve() {
	defer h.wg.Done()
	if err := h.server.Serve(h.listener); err != nil && err != http.ErrServerClosed {
		h.logger.Printf("serve error: %v", err)
	}
}

func (h *Hub) fanout() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case evt := <-h.events:
			payload, err := json.Marshal(evt)
			if err != nil {
				h.logger.Printf("failed to encode event: %v", err)
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range conns {
				writeCtx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
				if err := conn.Write(writeCtx, websocket.MessageText, payload); err != nil {
					h.removeClient(conn)
				}
				cancel()
			}
		}
	}
}

func (h *Hub) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Printf("failed to accept websocket: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("listener connected (%d total)", n)

	// Hold the connection open; listeners only receive.
	ctx := conn.CloseRead(h.ctx)
	<-ctx.Done()
	h.removeClient(conn)
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	h.clientsMu.Unlock()
}

// Subscribe connects to a hub at addr and delivers events to fn until ctx
// is cancelled. Best-effort: returns on any connection error.
func Subscribe(ctx context.Context, addr string, fn func(Event)) error {
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/events", addr), nil)
	if err != nil {
		return fmt.Errorf("failed to dial hub: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read event: %w", err)
		}
		var evt Event
		if err := json.Unmarshal(payload, &evt); err != nil {
			continue
		}
		fn(evt)
	}
}
