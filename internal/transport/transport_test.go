package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mstave/todoq/internal/task"
)

// testClient wires a client to the given server with instant retries.
func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(Config{
		BaseURL: srv.URL,
		Logger:  log.New(io.Discard, "", 0),
	})
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return c
}

func TestPull_DecodesTasks(t *testing.T) {
	want := task.New("from server", task.NewActor("server"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/todos" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]task.Task{want})
	}))
	defer srv.Close()

	got, err := testClient(t, srv).Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull() failed: %v", err)
	}
	if len(got) != 1 || !got[0].Equal(want) {
		t.Errorf("Pull() = %+v, want [%+v]", got, want)
	}
}

func TestPush_NormalizesResults(t *testing.T) {
	upserted := task.New("accepted", task.NewActor("alice"))
	tombstone := task.New("removed", task.NewActor("alice"))
	tombstone.Deleted = true

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req pushRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode push body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(pushResponse{
			Success:       true,
			Results:       []task.Task{upserted, tombstone},
			Conflicts:     []wireConflict{{ID: "t9", Type: "version", Reason: "stale version"}},
			Synced:        2,
			ConflictCount: 1,
		})
	}))
	defer srv.Close()

	res, err := testClient(t, srv).Push(context.Background(), []task.Operation{
		{Type: task.OpCreate, Todo: upserted},
	})
	if err != nil {
		t.Fatalf("Push() failed: %v", err)
	}

	if !res.Success || res.Synced != 2 || res.ConflictCount != 1 {
		t.Errorf("aggregate fields wrong: %+v", res)
	}
	if len(res.Items) != 3 {
		t.Fatalf("Items = %d, want 3", len(res.Items))
	}
	if res.Items[0].Kind != Upserted || !res.Items[0].Task.Equal(upserted) {
		t.Errorf("item[0] = %+v, want upserted record", res.Items[0])
	}
	if res.Items[1].Kind != Deleted || res.Items[1].ID != tombstone.ID {
		t.Errorf("item[1] = %+v, want deleted %s", res.Items[1], tombstone.ID)
	}
	if res.Items[2].Kind != Rejected || res.Items[2].ID != "t9" || res.Items[2].Reason != "stale version" {
		t.Errorf("item[2] = %+v, want rejection for t9", res.Items[2])
	}
}

func TestPush_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(pushResponse{Success: true})
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Push(context.Background(), nil)
	if err != nil {
		t.Fatalf("Push() failed after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d attempts, want 3", got)
	}
}

func TestPush_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Push(context.Background(), nil)

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("Push() error = %v, want *transport.Error", err)
	}
	if terr.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", terr.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d attempts, want 3 (policy cap)", got)
	}
}

func TestPull_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Pull(context.Background())

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("Pull() error = %v, want *transport.Error", err)
	}
	if terr.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", terr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d attempts, want 1 (4xx is not retryable)", got)
	}
}

func TestPull_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not json"))
	}))
	defer srv.Close()

	_, err := testClient(t, srv).Pull(context.Background())

	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("Pull() error = %v, want *transport.Error", err)
	}
}

func TestPing_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "OK", ProtocolVersion: ProtocolVersion})
	}))
	defer srv.Close()

	if !testClient(t, srv).Ping(context.Background()) {
		t.Error("Ping() = false for a healthy server")
	}
}

func TestPing_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // reachable URL, nothing listening

	if testClient(t, srv).Ping(context.Background()) {
		t.Error("Ping() = true for an unreachable server")
	}
}

func TestPing_ProtocolMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "OK", ProtocolVersion: "v2.0.0"})
	}))
	defer srv.Close()

	if testClient(t, srv).Ping(context.Background()) {
		t.Error("Ping() = true across a major protocol bump")
	}
}

func TestJittered_StaysWithinSpread(t *testing.T) {
	c := New(Config{BaseURL: "http://unused", Logger: log.New(io.Discard, "", 0)})

	base := 10 * time.Second
	min := time.Duration(float64(base) * 0.8)
	max := time.Duration(float64(base) * 1.2)
	for i := 0; i < 100; i++ {
		got := c.jittered(base)
		if got < min || got > max {
			t.Fatalf("jittered(%s) = %s, outside [%s, %s]", base, got, min, max)
		}
	}
}

func TestRetryable_Classification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"timeout", &Error{Op: "pull", Timeout: true}, true},
		{"no response", &Error{Op: "pull"}, true},
		{"server error", &Error{Op: "push", StatusCode: 503}, true},
		{"client error", &Error{Op: "push", StatusCode: 404}, false},
		{"not a transport error", errors.New("other"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
