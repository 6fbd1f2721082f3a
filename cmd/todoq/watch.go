package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mstave/todoq/internal/broadcast"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "sync",
	Short:   "Stream sync events from a running daemon",
	Long: `Connect to the daemon's WebSocket hub and print sync events as they
happen. Requires 'todoq daemon --hub' to be running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Watching ws://%s/events (ctrl-c to stop)\n", cfg.Hub.Addr)
		err = broadcast.Subscribe(ctx, cfg.Hub.Addr, func(evt broadcast.Event) {
			switch evt.Type {
			case broadcast.EventSyncComplete:
				var data broadcast.SyncCompleteData
				if err := json.Unmarshal(evt.Data, &data); err != nil {
					fmt.Printf("%s  sync complete\n", evt.Timestamp.Local().Format("15:04:05"))
					return
				}
				fmt.Printf("%s  sync complete: %d pushed, %d pulled, %d conflicts (%s)\n",
					evt.Timestamp.Local().Format("15:04:05"),
					data.Pushed, data.Pulled, data.Conflicts, data.Duration)
			default:
				fmt.Printf("%s  %s %s\n", evt.Timestamp.Local().Format("15:04:05"), evt.Type, string(evt.Data))
			}
		})
		if ctx.Err() != nil {
			return nil // interrupted, not an error
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
