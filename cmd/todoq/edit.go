package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mstave/todoq/internal/store"
	"github.com/mstave/todoq/internal/task"
)

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	GroupID: "todos",
	Short:   "Toggle a todo's completion state",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd.Context(), a.store, args[0])
		if err != nil {
			return err
		}
		t, err := a.engine.ToggleTask(cmd.Context(), id, a.actor)
		if err != nil {
			return err
		}
		state := "pending"
		if t.Completed {
			state = "done"
		}
		fmt.Printf("%s is now %s\n", shortID(t.ID), state)
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id> <text>...",
	GroupID: "todos",
	Short:   "Change a todo's text",
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd.Context(), a.store, args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		t, err := a.engine.UpdateTask(cmd.Context(), id, &text, nil, a.actor)
		if err != nil {
			return err
		}
		fmt.Printf("Edited %s (now v%d)\n", shortID(t.ID), t.Version)
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "todos",
	Short:   "Delete a todo",
	Long: `Delete a todo.

The deletion is recorded as a tombstone and propagated to every other
device on the next sync; a deletion always wins over concurrent edits
once it reaches the server.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		id, err := resolveID(cmd.Context(), a.store, args[0])
		if err != nil {
			return err
		}
		if err := a.engine.DeleteTask(cmd.Context(), id, a.actor); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", shortID(id))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doneCmd, editCmd, rmCmd)
}

// resolveID accepts a full id or a unique prefix.
func resolveID(ctx context.Context, s *store.Store, ref string) (string, error) {
	if _, err := s.Get(ctx, ref); err == nil {
		return ref, nil
	}

	matches, err := s.Scan(ctx, func(t task.Task) bool {
		return !t.Deleted && strings.HasPrefix(t.ID, ref)
	})
	if err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no todo matches %q", ref)
	case 1:
		return matches[0].ID, nil
	default:
		return "", fmt.Errorf("%q is ambiguous (%d matches), use more characters", ref, len(matches))
	}
}
