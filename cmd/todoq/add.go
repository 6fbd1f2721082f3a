package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var addCmd = &cobra.Command{
	Use:     "add <text>...",
	GroupID: "todos",
	Short:   "Add a new todo",
	Long: `Add a new todo to the local list.

The todo is stored immediately and queued for sync; it reaches the server
on the next sync cycle. Multiple arguments are joined with spaces:

  todoq add buy milk
  todoq add "call the dentist"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := a.engine.CreateTask(cmd.Context(), strings.Join(args, " "), a.actor)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s: %s\n", shortID(t.ID), t.Text)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(addCmd)
}

// shortID abbreviates a UUID for display; full ids are accepted anywhere
// a todo is referenced.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
