package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/mstave/todoq/internal/task"
)

var (
	baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	alice    = task.Actor{ID: "a-1", Name: "alice"}
	bob      = task.Actor{ID: "b-1", Name: "bob"}
)

func mkTask(id, text string, version int64, mods ...func(*task.Task)) task.Task {
	t := task.Task{
		ID:         id,
		Text:       text,
		Version:    version,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
		AuthorID:   alice.ID,
		AuthorName: alice.Name,
	}
	for _, mod := range mods {
		mod(&t)
	}
	return t
}

func TestDetect_ContentConflict(t *testing.T) {
	local := mkTask("t1", "local text", 3)
	remote := mkTask("t1", "remote text", 2)

	got := Detect([]task.Task{local}, []task.Task{remote})

	if len(got) != 1 {
		t.Fatalf("Detect() = %d conflicts, want 1", len(got))
	}
	if got[0].Kind != KindContent {
		t.Errorf("Kind = %s, want content", got[0].Kind)
	}
	if got[0].LocalAuthor != "alice" {
		t.Errorf("LocalAuthor = %q, want alice", got[0].LocalAuthor)
	}
}

func TestDetect_CompletedDifferenceIsContent(t *testing.T) {
	local := mkTask("t1", "same text", 3, func(tk *task.Task) { tk.Completed = true })
	remote := mkTask("t1", "same text", 2)

	got := Detect([]task.Task{local}, []task.Task{remote})

	if len(got) != 1 || got[0].Kind != KindContent {
		t.Fatalf("Detect() = %+v, want one content conflict", got)
	}
}

func TestDetect_DeletionBeatsContent(t *testing.T) {
	local := mkTask("t1", "anything", 5, func(tk *task.Task) { tk.Deleted = true })
	remote := mkTask("t1", "still here", 4)

	got := Detect([]task.Task{local}, []task.Task{remote})

	if len(got) != 1 || got[0].Kind != KindDeletion {
		t.Fatalf("Detect() = %+v, want exactly one deletion conflict", got)
	}
}

func TestDetect_VersionOnlyMismatch(t *testing.T) {
	local := mkTask("t1", "identical", 3)
	remote := mkTask("t1", "identical", 5)

	got := Detect([]task.Task{local}, []task.Task{remote})

	if len(got) != 1 || got[0].Kind != KindVersion {
		t.Fatalf("Detect() = %+v, want one version conflict", got)
	}
}

// Two clients can both bump v2 to v3 with different edits; equal versions
// with divergent content is still a content conflict.
func TestDetect_EqualVersionDivergentContent(t *testing.T) {
	local := mkTask("t1", "buy milk", 3)
	remote := mkTask("t1", "buy oat milk", 3)

	got := Detect([]task.Task{local}, []task.Task{remote})
	if len(got) != 1 || got[0].Kind != KindContent {
		t.Fatalf("Detect() = %+v, want one content conflict", got)
	}
}

func TestDetect_SkipsSyncedAndIdentical(t *testing.T) {
	tests := []struct {
		name   string
		local  task.Task
		remote task.Task
	}{
		{
			"synced local",
			mkTask("t1", "old", 2, func(tk *task.Task) { tk.Synced = true }),
			mkTask("t1", "new", 3),
		},
		{
			"identical copies",
			mkTask("t2", "same", 3),
			mkTask("t2", "same", 3),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect([]task.Task{tt.local}, []task.Task{tt.remote}); len(got) != 0 {
				t.Errorf("Detect() = %+v, want none", got)
			}
		})
	}
}

func TestDetect_LocalOnlyIsPendingCreate(t *testing.T) {
	local := mkTask("t1", "never pushed", 1)

	if got := Detect([]task.Task{local}, nil); len(got) != 0 {
		t.Errorf("Detect() = %+v, want none for a pending create", got)
	}
}

func TestResolve_RemoteWins(t *testing.T) {
	c := Info{
		ID:     "t1",
		Kind:   KindContent,
		Local:  mkTask("t1", "mine", 3),
		Remote: mkTask("t1", "theirs", 2),
	}

	got, err := Resolve(c, RemoteWins, alice, nil)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got.Text != "theirs" || got.Version != 2 {
		t.Errorf("Resolve() = %+v, want remote copy", got)
	}
	if !got.Synced {
		t.Error("remote-wins result must be synced")
	}
}

func TestResolve_LocalWins(t *testing.T) {
	c := Info{
		ID:     "t1",
		Kind:   KindContent,
		Local:  mkTask("t1", "mine", 3),
		Remote: mkTask("t1", "theirs", 7),
	}

	got, err := Resolve(c, LocalWins, alice, nil)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got.Text != "mine" {
		t.Errorf("Text = %q, want local text", got.Text)
	}
	// remote.version + 1 guarantees acceptance on the next push.
	if got.Version != 8 {
		t.Errorf("Version = %d, want 8", got.Version)
	}
	if got.Synced {
		t.Error("local-wins result must stay unsynced")
	}
}

func TestResolve_LastWriteWins(t *testing.T) {
	later := baseTime.Add(time.Minute)

	tests := []struct {
		name       string
		localTime  time.Time
		remoteTime time.Time
		wantText   string
		wantSynced bool
	}{
		{"local later", later, baseTime, "mine", false},
		{"remote later", baseTime, later, "theirs", true},
		{"exact tie goes remote", baseTime, baseTime, "theirs", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Info{
				ID:     "t1",
				Kind:   KindContent,
				Local:  mkTask("t1", "mine", 3, func(tk *task.Task) { tk.UpdatedAt = tt.localTime }),
				Remote: mkTask("t1", "theirs", 2, func(tk *task.Task) { tk.UpdatedAt = tt.remoteTime }),
			}

			got, err := Resolve(c, LastWriteWins, alice, nil)
			if err != nil {
				t.Fatalf("Resolve() failed: %v", err)
			}
			if got.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", got.Text, tt.wantText)
			}
			if got.Synced != tt.wantSynced {
				t.Errorf("Synced = %v, want %v", got.Synced, tt.wantSynced)
			}
		})
	}
}

func TestResolve_Manual(t *testing.T) {
	c := Info{
		ID:     "t1",
		Kind:   KindContent,
		Local:  mkTask("t1", "mine", 3),
		Remote: mkTask("t1", "theirs", 7),
	}
	replacement := mkTask("t1", "hand-merged text", 1, func(tk *task.Task) {
		tk.AuthorID = bob.ID
		tk.AuthorName = bob.Name
	})

	got, err := Resolve(c, Manual, bob, &replacement)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got.Text != "hand-merged text" {
		t.Errorf("Text = %q, want the supplied replacement", got.Text)
	}
	if got.Version != 8 {
		t.Errorf("Version = %d, want max(3,7)+1 = 8", got.Version)
	}
	if got.Synced {
		t.Error("manual result must stay unsynced")
	}
}

func TestResolve_ManualWithoutReplacement(t *testing.T) {
	_, err := Resolve(Info{ID: "t1"}, Manual, alice, nil)
	if !errors.Is(err, ErrMissingReplacement) {
		t.Errorf("Resolve() error = %v, want ErrMissingReplacement", err)
	}
}

func TestResolve_Merge(t *testing.T) {
	c := Info{
		ID:     "t1",
		Kind:   KindContent,
		Local:  mkTask("t1", "mine", 3),
		Remote: mkTask("t1", "theirs", 7),
	}

	got, err := Resolve(c, Merge, bob, nil)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if got.Text != "mine"+MergeSeparator+"theirs" {
		t.Errorf("Text = %q, want both texts joined", got.Text)
	}
	if got.Version != 8 {
		t.Errorf("Version = %d, want 8", got.Version)
	}
	if got.Synced {
		t.Error("merge result must stay unsynced")
	}
	if got.AuthorName != "bob" {
		t.Errorf("AuthorName = %q, want the resolving actor", got.AuthorName)
	}
}

func TestResolve_DeletionLocalWins(t *testing.T) {
	// Offline delete (v5 tombstone) against another client's update (v4).
	c := Info{
		ID:   "t1",
		Kind: KindDeletion,
		Local: mkTask("t1", "gone", 5, func(tk *task.Task) {
			tk.Deleted = true
		}),
		Remote: mkTask("t1", "updated elsewhere", 4),
	}

	got, err := Resolve(c, LocalWins, alice, nil)
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !got.Deleted {
		t.Error("local-wins must keep the tombstone")
	}
	if got.Version != 5 {
		t.Errorf("Version = %d, want remote+1 = 5", got.Version)
	}
	if got.Synced {
		t.Error("resolved tombstone must stay unsynced until pushed")
	}
}

func TestResolve_UnknownStrategy(t *testing.T) {
	_, err := Resolve(Info{ID: "t1"}, Strategy("coin-flip"), alice, nil)
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Errorf("Resolve() error = %v, want ErrUnknownStrategy", err)
	}
}
