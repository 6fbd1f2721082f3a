package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mstave/todoq/internal/task"
)

var testTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func serverTask(id, text string, version int64, mods ...func(*task.Task)) task.Task {
	t := task.Task{
		ID:         id,
		Text:       text,
		Version:    version,
		CreatedAt:  testTime,
		UpdatedAt:  testTime,
		AuthorID:   "a-1",
		AuthorName: "alice",
	}
	for _, mod := range mods {
		mod(&t)
	}
	return t
}

func TestApply_CreateFresh(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	out, err := m.Apply(ctx, task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "buy milk", 1)})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if out.Conflict != nil {
		t.Fatalf("fresh create conflicted: %+v", out.Conflict)
	}
	if out.Record.Version != 1 || out.Record.Text != "buy milk" {
		t.Errorf("Record = %+v, want the incoming task", out.Record)
	}

	todos, _ := m.List(ctx)
	if len(todos) != 1 {
		t.Errorf("List() = %d records, want 1", len(todos))
	}
}

// A replayed CREATE with an equal version must be an idempotent no-op, not
// a conflict and not a duplicate.
func TestApply_CreateReplayIdempotent(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	op := task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "buy milk", 1)}

	if _, err := m.Apply(ctx, op); err != nil {
		t.Fatalf("first Apply() failed: %v", err)
	}
	out, err := m.Apply(ctx, op)
	if err != nil {
		t.Fatalf("replay Apply() failed: %v", err)
	}

	if out.Conflict != nil {
		t.Errorf("replay conflicted: %+v", out.Conflict)
	}
	todos, _ := m.List(ctx)
	if len(todos) != 1 {
		t.Errorf("replay duplicated the record: %d entries", len(todos))
	}
}

func TestApply_CreateNewerVersionConflicts(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if _, err := m.Apply(ctx, task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "v1", 1)}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	out, err := m.Apply(ctx, task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "v3", 3)})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if out.Conflict == nil || out.Conflict.Type != "version" {
		t.Errorf("Outcome = %+v, want a version conflict", out)
	}
}

func TestApply_UpdateNewerWins(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if _, err := m.Apply(ctx, task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "v1", 1)}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	out, err := m.Apply(ctx, task.Operation{Type: task.OpUpdate, Todo: serverTask("t1", "v2", 2)})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if out.Conflict != nil {
		t.Fatalf("newer update conflicted: %+v", out.Conflict)
	}
	if out.Record.Text != "v2" || out.Record.Version != 2 {
		t.Errorf("Record = %+v, want the updated task", out.Record)
	}
}

// Scenario B from the sync contract: two clients race to version 3; the
// second push carries the same version with different content and must be
// rejected.
func TestApply_UpdateEqualVersionDifferentContent(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if _, err := m.Apply(ctx, task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "base", 2)}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	// Client A wins the race.
	if _, err := m.Apply(ctx, task.Operation{Type: task.OpUpdate, Todo: serverTask("t1", "A's text", 3)}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	// Client B arrives with the same version, different content.
	out, err := m.Apply(ctx, task.Operation{Type: task.OpUpdate,
		Todo: serverTask("t1", "base", 3, func(tk *task.Task) { tk.Completed = true })})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if out.Conflict == nil || out.Conflict.Type != "version" {
		t.Errorf("Outcome = %+v, want a version conflict", out)
	}

	// A's write must be untouched.
	todos, _ := m.List(ctx)
	if todos[0].Text != "A's text" || todos[0].Completed {
		t.Errorf("stored record = %+v, want A's version intact", todos[0])
	}
}

func TestApply_UpdateStaleVersionConflicts(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if _, err := m.Apply(ctx, task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "v5", 5)}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	out, err := m.Apply(ctx, task.Operation{Type: task.OpUpdate, Todo: serverTask("t1", "old", 3)})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if out.Conflict == nil {
		t.Error("stale update accepted, want version conflict")
	}
}

func TestApply_UpdateUnknownIDAdopted(t *testing.T) {
	m := NewMemStore()

	out, err := m.Apply(context.Background(),
		task.Operation{Type: task.OpUpdate, Todo: serverTask("ghost", "adopted", 4)})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if out.Conflict != nil || out.Record == nil {
		t.Errorf("Outcome = %+v, want adoption", out)
	}
}

func TestApply_DeleteAlwaysTombstones(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if _, err := m.Apply(ctx, task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "doomed", 4)}); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	// Stale delete: incoming version below stored.
	out, err := m.Apply(ctx, task.Operation{Type: task.OpDelete,
		Todo: serverTask("t1", "doomed", 2, func(tk *task.Task) { tk.Deleted = true })})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if out.Conflict != nil {
		t.Fatalf("delete conflicted: %+v", out.Conflict)
	}
	if !out.Record.Deleted {
		t.Error("record not tombstoned")
	}
	if out.Record.Version != 5 {
		t.Errorf("tombstone version = %d, want stored+1 = 5", out.Record.Version)
	}

	// The tombstone stays visible to pullers.
	todos, _ := m.List(ctx)
	if len(todos) != 1 || !todos[0].Deleted {
		t.Errorf("List() = %+v, want the tombstone", todos)
	}
}

func TestApply_DeleteUnknownIDCreatesTombstone(t *testing.T) {
	m := NewMemStore()

	out, err := m.Apply(context.Background(), task.Operation{Type: task.OpDelete,
		Todo: serverTask("never-seen", "", 3, func(tk *task.Task) { tk.Deleted = true })})
	if err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}
	if out.Conflict != nil || !out.Record.Deleted || out.Record.Version != 3 {
		t.Errorf("Outcome = %+v, want a fresh tombstone at the incoming version", out)
	}
}

func testHTTPServer(t *testing.T) (*httptest.Server, *MemStore) {
	t.Helper()
	m := NewMemStore()
	srv := New(m, &Config{Logger: log.New(io.Discard, "", 0)})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return hs, m
}

func TestHandler_Health(t *testing.T) {
	hs, _ := testHTTPServer(t)

	resp, err := http.Get(hs.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode health body: %v", err)
	}
	if body["status"] != "OK" {
		t.Errorf(`status = %q, want "OK"`, body["status"])
	}
	if body["protocolVersion"] == "" {
		t.Error("health response missing protocolVersion")
	}
}

func TestHandler_SyncAndList(t *testing.T) {
	hs, _ := testHTTPServer(t)

	reqBody, _ := json.Marshal(syncRequest{Operations: []task.Operation{
		{Type: task.OpCreate, Todo: serverTask("t1", "buy milk", 1)},
	}})
	resp, err := http.Post(hs.URL+"/sync", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST /sync failed: %v", err)
	}
	defer resp.Body.Close()

	var syncResp syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&syncResp); err != nil {
		t.Fatalf("failed to decode sync response: %v", err)
	}
	if !syncResp.Success || syncResp.Synced != 1 || syncResp.ConflictCount != 0 {
		t.Errorf("sync response = %+v, want one accepted", syncResp)
	}

	listResp, err := http.Get(hs.URL + "/todos")
	if err != nil {
		t.Fatalf("GET /todos failed: %v", err)
	}
	defer listResp.Body.Close()

	var todos []task.Task
	if err := json.NewDecoder(listResp.Body).Decode(&todos); err != nil {
		t.Fatalf("failed to decode todos: %v", err)
	}
	if len(todos) != 1 || todos[0].ID != "t1" {
		t.Errorf("GET /todos = %+v, want [t1]", todos)
	}
}

func TestHandler_SyncMalformedBody(t *testing.T) {
	hs, _ := testHTTPServer(t)

	resp, err := http.Post(hs.URL+"/sync", "application/json", bytes.NewReader([]byte("not json")))
	if err != nil {
		t.Fatalf("POST /sync failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandler_SyncMixedBatch(t *testing.T) {
	hs, m := testHTTPServer(t)
	ctx := context.Background()

	if _, err := m.Apply(ctx, task.Operation{Type: task.OpCreate, Todo: serverTask("t1", "held", 5)}); err != nil {
		t.Fatalf("seed Apply() failed: %v", err)
	}

	reqBody, _ := json.Marshal(syncRequest{Operations: []task.Operation{
		{Type: task.OpCreate, Todo: serverTask("t2", "fresh", 1)},
		{Type: task.OpUpdate, Todo: serverTask("t1", "stale", 2)},
	}})
	resp, err := http.Post(hs.URL+"/sync", "application/json", bytes.NewReader(reqBody))
	if err != nil {
		t.Fatalf("POST /sync failed: %v", err)
	}
	defer resp.Body.Close()

	var syncResp syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&syncResp); err != nil {
		t.Fatalf("failed to decode sync response: %v", err)
	}
	// Records reconcile independently: one conflict, one acceptance.
	if syncResp.Synced != 1 || syncResp.ConflictCount != 1 {
		t.Errorf("sync response = %+v, want 1 synced + 1 conflict", syncResp)
	}
	if len(syncResp.Conflicts) != 1 || syncResp.Conflicts[0].ID != "t1" {
		t.Errorf("Conflicts = %+v, want rejection for t1", syncResp.Conflicts)
	}
}
