package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mstave/todoq/internal/broadcast"
	"github.com/mstave/todoq/internal/engine"
)

var (
	syncPullOnly    bool
	syncForceRemote bool
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Push queued changes and pull remote state",
	Long: `Run one full sync cycle: push every queued change, then pull the
server's state.

If the pull finds conflicts (another device changed a todo you also
changed), the pull is aborted and nothing local is overwritten; run
'todoq conflicts' to inspect them and 'todoq resolve' to settle them.

  todoq sync                 # full push + pull
  todoq sync --pull-only     # fetch remote changes without pushing
  todoq sync --force-remote  # discard local changes where they diverge`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()

		if syncPullOnly {
			res, err := a.engine.Pull(ctx, syncForceRemote)
			if err != nil {
				return describeSyncErr(err)
			}
			fmt.Printf("Pulled %d changes (%d local edits preserved)\n", res.Applied, res.Preserved)
			return nil
		}

		summary, err := a.engine.FullSync(ctx, syncForceRemote)
		if err != nil {
			return describeSyncErr(err)
		}

		// Other local processes pick the change up via the marker.
		if err := broadcast.TouchMarker(a.cfg.StateDir); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: failed to touch sync marker: %v\n", err)
		}

		fmt.Printf("Synced: %d pushed, %d pulled in %s\n",
			summary.Pushed, summary.Pulled, summary.Duration.Round(time.Millisecond))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		st, err := a.engine.Status(ctx)
		if err != nil {
			return err
		}

		online := a.engine.Ping(ctx)
		fmt.Printf("Server:    %s", a.cfg.ServerURL)
		if online {
			fmt.Println(" (reachable)")
		} else {
			fmt.Println(" (unreachable)")
		}
		fmt.Printf("Queued:    %d changes\n", st.Pending)
		if st.LastSyncAt.IsZero() {
			fmt.Println("Last sync: never")
		} else {
			fmt.Printf("Last sync: %s\n", st.LastSyncAt.Local().Format("2006-01-02 15:04:05"))
		}
		if st.LastError != "" {
			fmt.Printf("Last error: %s\n", st.LastError)
		}
		return nil
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncPullOnly, "pull-only", false, "Pull without pushing queued changes")
	syncCmd.Flags().BoolVar(&syncForceRemote, "force-remote", false, "Let the server win every divergence")
	rootCmd.AddCommand(syncCmd, statusCmd)
}

func describeSyncErr(err error) error {
	var pending *engine.PendingConflictsError
	if errors.As(err, &pending) {
		return fmt.Errorf("%d conflicts need resolution; run 'todoq conflicts' to inspect them", len(pending.Conflicts))
	}
	return err
}
