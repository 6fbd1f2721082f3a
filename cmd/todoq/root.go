package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mstave/todoq/internal/config"
	"github.com/mstave/todoq/internal/engine"
	"github.com/mstave/todoq/internal/logging"
	"github.com/mstave/todoq/internal/outbox"
	"github.com/mstave/todoq/internal/store"
	"github.com/mstave/todoq/internal/task"
	"github.com/mstave/todoq/internal/transport"
)

var rootCmd = &cobra.Command{
	Use:   "todoq",
	Short: "Offline-first todo list with multi-device sync",
	Long: `todoq keeps a local todo list that works fully offline and syncs to a
shared server whenever connectivity allows.

Every change applies to the local store immediately and is queued for
transmission; the daemon (or an explicit 'todoq sync') pushes queued
changes and pulls everyone else's. Concurrent edits to the same todo are
detected as conflicts and resolved explicitly with 'todoq resolve'.

State lives under --state-dir (default ~/.todoq):
  tasks.db       local todo store
  outbox.db      queued, not-yet-transmitted changes
  identity.toml  this device's author identity
  config.yaml    optional configuration file`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("state-dir", config.DefaultStateDir(), "Directory for local state")
	pf.String("server", "", "Remote store URL (overrides config)")
	pf.String("actor", "", "Display name for this device's edits")

	rootCmd.AddGroup(
		&cobra.Group{ID: "todos", Title: "Todo Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "server", Title: "Server Commands:"},
	)
}

// loadConfig resolves configuration with flag > env > file > default
// precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if err := v.BindPFlag("state_dir", cmd.Flags().Lookup("state-dir")); err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("server"); f != nil && f.Changed {
		v.Set("server_url", f.Value.String())
	}
	if f := cmd.Flags().Lookup("actor"); f != nil && f.Changed {
		v.Set("actor_name", f.Value.String())
	}
	return config.Load(v)
}

// app bundles the client-side pieces most commands need.
type app struct {
	cfg    *config.Config
	store  *store.Store
	outbox *outbox.Outbox
	engine *engine.Engine
	actor  task.Actor
}

// openApp opens the local state and wires an engine against the
// configured server. Callers must Close.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	actor, err := task.LoadActor(cfg.StateDir, cfg.ActorName)
	if err != nil {
		return nil, err
	}

	s, err := store.Open(storePath(cfg))
	if err != nil {
		return nil, err
	}
	if err := s.InitSchema(cmd.Context()); err != nil {
		s.Close()
		return nil, err
	}

	o, err := outbox.Open(outboxPath(cfg))
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := o.InitSchema(cmd.Context()); err != nil {
		s.Close()
		o.Close()
		return nil, err
	}

	client := transport.New(transport.Config{
		BaseURL:      cfg.ServerURL,
		ReadTimeout:  cfg.Transport.ReadTimeout,
		WriteTimeout: cfg.Transport.WriteTimeout,
		Retry: transport.RetryPolicy{
			MaxAttempts:       cfg.Transport.MaxAttempts,
			ReadInitialDelay:  cfg.Transport.ReadInitialDelay,
			WriteInitialDelay: cfg.Transport.WriteInitialDelay,
			Multiplier:        cfg.Transport.Multiplier,
			MaxDelay:          cfg.Transport.MaxDelay,
			Jitter:            cfg.Transport.Jitter,
		},
		Logger: logging.Component("transport"),
	})

	e, err := engine.New(engine.Config{
		Store:  s,
		Outbox: o,
		Client: client,
		Logger: logging.Component("engine"),
	})
	if err != nil {
		s.Close()
		o.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: s, outbox: o, engine: e, actor: actor}, nil
}

func (a *app) Close() {
	a.outbox.Close()
	a.store.Close()
}

func storePath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, "tasks.db")
}

func outboxPath(cfg *config.Config) string {
	return filepath.Join(cfg.StateDir, "outbox.db")
}
