// Package conflict classifies divergence between local and remote copies of
// a task and computes resolutions.
//
// A conflict exists only for an id present on both sides where the local
// copy is unsynced and the versions differ. Classification priority is
// fixed: deletion beats content beats bare version mismatch. Records only
// the local side knows about are pending creates, never conflicts.
package conflict

import (
	"errors"
	"fmt"

	"github.com/mstave/todoq/internal/task"
)

// Kind classifies a divergence.
type Kind string

const (
	// KindDeletion: the local copy is tombstoned, the remote copy is not.
	KindDeletion Kind = "deletion"

	// KindContent: text or completion state differ between the copies.
	KindContent Kind = "content"

	// KindVersion: versions differ with identical visible content.
	// Lowest priority, checked last.
	KindVersion Kind = "version"
)

// Strategy selects how a conflict resolves.
type Strategy string

const (
	// RemoteWins adopts the remote copy and marks it synced.
	RemoteWins Strategy = "remote-wins"

	// LocalWins keeps the local copy with its version bumped past the
	// remote one so the next push is accepted rather than re-rejected.
	LocalWins Strategy = "local-wins"

	// LastWriteWins picks whichever copy has the later updatedAt. Equal
	// timestamps resolve as remote-wins for determinism.
	LastWriteWins Strategy = "last-write-wins"

	// Manual adopts a caller-supplied replacement verbatim, version
	// bumped past both inputs, unsynced.
	Manual Strategy = "manual"

	// Merge concatenates both texts, takes the higher version plus one,
	// and leaves the result unsynced. Only offered on the user-driven
	// resolution path.
	Merge Strategy = "merge"
)

// MergeSeparator joins the two texts under the Merge strategy.
const MergeSeparator = " | "

// ErrUnknownStrategy is returned for a strategy Resolve doesn't know.
var ErrUnknownStrategy = errors.New("unknown resolution strategy")

// ErrMissingReplacement is returned when Manual resolution is requested
// without a replacement task.
var ErrMissingReplacement = errors.New("manual resolution requires a replacement task")

// Info describes one detected conflict. Ephemeral: produced by Detect,
// consumed by the resolution step, never persisted.
type Info struct {
	ID     string
	Kind   Kind
	Local  task.Task
	Remote task.Task

	// LocalAuthor and RemoteAuthor name the actors behind each side, for
	// presentation during manual resolution.
	LocalAuthor  string
	RemoteAuthor string
}

// Detect compares the two sets and returns every classified divergence.
func Detect(local, remote []task.Task) []Info {
	remoteByID := make(map[string]task.Task, len(remote))
	for _, r := range remote {
		remoteByID[r.ID] = r
	}

	var conflicts []Info
	for _, l := range local {
		r, ok := remoteByID[l.ID]
		if !ok {
			continue // pending create, remote has never seen it
		}
		if l.Synced || identical(l, r) {
			continue
		}
		conflicts = append(conflicts, Info{
			ID:           l.ID,
			Kind:         classify(l, r),
			Local:        l,
			Remote:       r,
			LocalAuthor:  l.AuthorName,
			RemoteAuthor: r.AuthorName,
		})
	}
	return conflicts
}

// identical reports whether the two copies agree on everything a client
// can observe. Two clients can race to the same version number with
// different edits, so equal versions alone do not mean agreement.
func identical(l, r task.Task) bool {
	return l.Version == r.Version &&
		l.Deleted == r.Deleted &&
		l.Text == r.Text &&
		l.Completed == r.Completed
}

// classify applies the fixed priority: deletion, then content, then version.
func classify(l, r task.Task) Kind {
	if l.Deleted && !r.Deleted {
		return KindDeletion
	}
	if l.Text != r.Text || l.Completed != r.Completed {
		return KindContent
	}
	return KindVersion
}

// Resolve computes the replacement task for the conflict under the given
// strategy. The replacement is what the caller writes back to the local
// store; unsynced results re-enter the normal push cycle.
//
// For Manual, replacement must be the fully-formed substitute supplied by
// the user; it is adopted verbatim apart from version and sync bookkeeping.
func Resolve(c Info, strategy Strategy, actor task.Actor, replacement *task.Task) (task.Task, error) {
	switch strategy {
	case RemoteWins:
		return adoptRemote(c), nil

	case LocalWins:
		return adoptLocal(c, actor), nil

	case LastWriteWins:
		if c.Local.UpdatedAt.After(c.Remote.UpdatedAt) {
			return adoptLocal(c, actor), nil
		}
		// Remote later, or the deterministic tie-break.
		return adoptRemote(c), nil

	case Manual:
		if replacement == nil {
			return task.Task{}, ErrMissingReplacement
		}
		out := *replacement
		out.ID = c.ID
		out.Version = maxVersion(c) + 1
		out.Synced = false
		return out, nil

	case Merge:
		out := c.Local
		out.Text = c.Local.Text + MergeSeparator + c.Remote.Text
		out.Version = maxVersion(c) + 1
		out.Synced = false
		out.AuthorID = actor.ID
		out.AuthorName = actor.Name
		return out, nil

	default:
		return task.Task{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// adoptRemote takes the remote copy as authoritative.
func adoptRemote(c Info) task.Task {
	out := c.Remote
	out.Synced = true
	return out
}

// adoptLocal keeps the local copy, versioned past the remote so the next
// push is accepted.
func adoptLocal(c Info, actor task.Actor) task.Task {
	out := c.Local
	out.Version = c.Remote.Version + 1
	out.Synced = false
	out.AuthorID = actor.ID
	out.AuthorName = actor.Name
	return out
}

func maxVersion(c Info) int64 {
	if c.Local.Version > c.Remote.Version {
		return c.Local.Version
	}
	return c.Remote.Version
}
