package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var outboxCmd = &cobra.Command{
	Use:     "outbox",
	GroupID: "sync",
	Short:   "Inspect the queue of untransmitted changes",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes in transmission order",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.outbox.Drain(cmd.Context())
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Outbox is empty.")
			return nil
		}

		for i, entry := range entries {
			retries := ""
			if entry.RetryCount > 0 {
				retries = fmt.Sprintf(" (%d retries)", entry.RetryCount)
			}
			fmt.Printf("%2d. %-6s %s %q queued %s%s\n",
				i+1, entry.Op.Type, shortID(entry.Op.Todo.ID), truncate(entry.Op.Todo.Text, 30),
				entry.EnqueuedAt.Local().Format("15:04:05"), retries)
		}
		return nil
	},
}

var pruneBefore string

var outboxPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop queued changes older than a cutoff",
	Long: `Drop queued changes enqueued before the given cutoff. This abandons
those changes permanently; it exists for recovering from a queue that can
never transmit (for example, after the server was reset).

  todoq outbox prune --before "2 days ago"
  todoq outbox prune --before 2026-01-01T00:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneBefore == "" {
			return fmt.Errorf("--before is required")
		}
		cutoff, err := parseNaturalTime(pruneBefore)
		if err != nil {
			return err
		}

		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.outbox.Prune(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d queued changes older than %s\n", n, cutoff.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}

func init() {
	outboxPruneCmd.Flags().StringVar(&pruneBefore, "before", "", "Cutoff time (natural language or RFC 3339)")
	outboxCmd.AddCommand(outboxListCmd, outboxPruneCmd)
	rootCmd.AddCommand(outboxCmd)
}
