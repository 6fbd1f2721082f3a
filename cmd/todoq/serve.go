package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mstave/todoq/internal/logging"
	"github.com/mstave/todoq/internal/server"
)

var (
	serveAddr   string
	serveDBPath string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the shared todo server",
	Long: `Run the shared todo server that every device syncs against.

The server is the authority on versions: it accepts, rejects, or
reconciles each pushed change and hands every client the same view.
State persists in a libSQL database file; with no --db the server runs
in-memory and forgets everything on exit (useful for trying things out).

  todoq serve --db /var/lib/todoq/todos.db
  todoq serve --addr :9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.Component("server")

		var backend server.Reconciler
		if serveDBPath != "" {
			st, err := server.OpenStore(serveDBPath)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.InitSchema(cmd.Context()); err != nil {
				return err
			}
			backend = st
			logger.Printf("serving from %s", serveDBPath)
		} else {
			backend = server.NewMemStore()
			logger.Println("serving in-memory (state is not persisted)")
		}

		srv := server.New(backend, &server.Config{Addr: serveAddr, Logger: logger})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Start blocks until the context is cancelled, shutting down
		// gracefully on SIGINT/SIGTERM.
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8321", "Listen address")
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "libSQL database file (default: in-memory)")
	rootCmd.AddCommand(serveCmd)
}
