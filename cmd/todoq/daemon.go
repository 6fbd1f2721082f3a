package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mstave/todoq/internal/broadcast"
	"github.com/mstave/todoq/internal/engine"
	"github.com/mstave/todoq/internal/logging"
	"github.com/mstave/todoq/internal/trigger"
)

var daemonHub bool

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run the background sync daemon in the foreground.

The daemon probes server connectivity and syncs automatically:
- when connectivity returns after an offline stretch,
- periodically while changes are queued,
- when another todoq process on this machine completes a sync.

With --hub, a local WebSocket hub broadcasts sync events so UIs can
refresh in real time:

  todoq daemon
  todoq daemon --hub`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		logger := logging.Component("daemon")
		if a.cfg.Log.File != "" {
			w, err := logging.FileWriter(a.cfg.Log)
			if err != nil {
				return err
			}
			defer w.Close()
			logger = logging.ComponentTo(w, "daemon")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var hub *broadcast.Hub
		if daemonHub || a.cfg.Hub.Enabled {
			hub = broadcast.NewHub(&broadcast.HubConfig{Addr: a.cfg.Hub.Addr, Logger: logger})
			if err := hub.Start(); err != nil {
				return fmt.Errorf("failed to start hub: %w", err)
			}
			defer hub.Stop()
			logger.Printf("hub listening on ws://%s/events", hub.Addr())
		}

		a.engine.OnSyncComplete(func(s engine.Summary) {
			if err := broadcast.TouchMarker(a.cfg.StateDir); err != nil {
				logger.Printf("failed to touch sync marker: %v", err)
			}
			if hub != nil {
				hub.Publish(broadcast.EventSyncComplete, broadcast.SyncCompleteData{
					Pushed:    s.Pushed,
					Pulled:    s.Pulled,
					Conflicts: s.Conflicts,
					Duration:  s.Duration,
				})
			}
		})

		tr, err := trigger.New(trigger.Config{
			Engine:        a.engine,
			ProbeInterval: a.cfg.Sync.ProbeInterval,
			SyncInterval:  a.cfg.Sync.SyncInterval,
			SettleDelay:   a.cfg.Sync.SettleDelay,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		tr.Start(ctx)
		defer tr.Stop()

		// Another process finishing a sync touches the marker; refresh so
		// this process's view catches up quickly. WatchMarker blocks until
		// ctx is cancelled, so it gets its own goroutine.
		go func() {
			if err := broadcast.WatchMarker(ctx, a.cfg.StateDir, 500*time.Millisecond, logger, tr.Refresh); err != nil {
				logger.Printf("marker watch unavailable: %v", err)
			}
		}()

		tr.SyncNow()
		logger.Printf("daemon running (server: %s)", a.cfg.ServerURL)
		<-ctx.Done()
		logger.Println("shutting down")
		return nil
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonHub, "hub", false, "Broadcast sync events over a local WebSocket hub")
	rootCmd.AddCommand(daemonCmd)
}
