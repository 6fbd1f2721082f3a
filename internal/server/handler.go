package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/mstave/todoq/internal/task"
	"github.com/mstave/todoq/internal/transport"
)

// Reconciler is the storage contract the HTTP surface needs.
type Reconciler interface {
	List(ctx context.Context) ([]task.Task, error)
	Apply(ctx context.Context, op task.Operation) (Outcome, error)
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: ":8321").
	Addr string

	// Logger for request activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":8321",
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server serves the remote store HTTP surface.
type Server struct {
	store  Reconciler
	addr   string
	logger *log.Logger

	listener net.Listener
	httpSrv  *http.Server
}

// New creates a Server around the given store.
func New(store Reconciler, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &Server{
		store:  store,
		addr:   config.Addr,
		logger: config.Logger,
	}
}

// Handler returns the HTTP handler, also used directly by tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /todos", s.handleList)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Printf("Listening on %s", listener.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	s.logger.Println("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start has listened.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// syncRequest mirrors the client's POST /sync body.
type syncRequest struct {
	Operations []task.Operation `json:"operations"`
}

// syncResponse is the POST /sync reply.
type syncResponse struct {
	Success       bool        `json:"success"`
	Results       []task.Task `json:"results"`
	Conflicts     []Conflict  `json:"conflicts"`
	Synced        int         `json:"synced"`
	ConflictCount int         `json:"conflictCount"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	todos, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Printf("list failed: %v", err)
		http.Error(w, "failed to list todos", http.StatusInternalServerError)
		return
	}
	if todos == nil {
		todos = []task.Task{}
	}
	writeJSON(w, s.logger, todos)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed sync request", http.StatusBadRequest)
		return
	}

	resp := syncResponse{
		Success:   true,
		Results:   []task.Task{},
		Conflicts: []Conflict{},
	}

	// Each record reconciles independently; one conflict never rolls back
	// its batch siblings.
	for _, op := range req.Operations {
		if op.Todo.ID == "" {
			resp.Conflicts = append(resp.Conflicts, Conflict{
				Type: "invalid", Reason: "operation without todo id",
			})
			continue
		}

		outcome, err := s.store.Apply(r.Context(), op)
		if err != nil {
			s.logger.Printf("apply %s %s failed: %v", op.Type, op.Todo.ID, err)
			http.Error(w, "failed to apply operations", http.StatusInternalServerError)
			return
		}
		if outcome.Conflict != nil {
			resp.Conflicts = append(resp.Conflicts, *outcome.Conflict)
			continue
		}
		resp.Results = append(resp.Results, *outcome.Record)
	}

	resp.Synced = len(resp.Results)
	resp.ConflictCount = len(resp.Conflicts)

	s.logger.Printf("sync: %d accepted, %d conflicts", resp.Synced, resp.ConflictCount)
	writeJSON(w, s.logger, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.logger, map[string]string{
		"status":          "OK",
		"protocolVersion": transport.ProtocolVersion,
	})
}

func writeJSON(w http.ResponseWriter, logger *log.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Printf("failed to encode response: %v", err)
	}
}
