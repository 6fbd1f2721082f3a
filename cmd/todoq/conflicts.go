package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mstave/todoq/internal/conflict"
	"github.com/mstave/todoq/internal/task"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "List unresolved sync conflicts",
	Long: `List every todo where this device's unsynced change collides with the
server's copy. Each conflict blocks the pull for that todo until
resolved with 'todoq resolve'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.engine.Conflicts(cmd.Context())
		if err != nil {
			return err
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts.")
			return nil
		}

		for _, c := range conflicts {
			fmt.Printf("%s  %s conflict\n", shortID(c.ID), c.Kind)
			fmt.Printf("  yours:  %s\n", describeSide(c.Local, c.LocalAuthor))
			fmt.Printf("  theirs: %s\n", describeSide(c.Remote, c.RemoteAuthor))
		}
		fmt.Printf("\n%d conflicts. Resolve with: todoq resolve <id> [--strategy ...]\n", len(conflicts))
		return nil
	},
}

var (
	resolveStrategy string
	resolveText     string
)

var resolveCmd = &cobra.Command{
	Use:     "resolve <id>",
	GroupID: "sync",
	Short:   "Resolve a sync conflict",
	Long: `Resolve one conflict, by strategy:

  remote-wins      take the server's copy
  local-wins       keep your copy (re-versioned so the server accepts it)
  last-write-wins  whichever side was edited more recently
  merge            join both texts into one todo
  manual           supply replacement text with --text

Without --strategy, an interactive picker is shown on a terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		conflicts, err := a.engine.Conflicts(cmd.Context())
		if err != nil {
			return err
		}

		var target *conflict.Info
		for i := range conflicts {
			if conflicts[i].ID == args[0] || shortID(conflicts[i].ID) == args[0] {
				target = &conflicts[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("no unresolved conflict for %q", args[0])
		}

		strategy := conflict.Strategy(resolveStrategy)
		if resolveStrategy == "" {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("--strategy is required when not running interactively")
			}
			strategy, err = pickStrategy(target)
			if err != nil {
				return err
			}
		}

		var replacement *task.Task
		if strategy == conflict.Manual {
			text := resolveText
			if text == "" {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return fmt.Errorf("--text is required for manual resolution when not running interactively")
				}
				if err := huh.NewInput().Title("Replacement text").Value(&text).Run(); err != nil {
					return err
				}
			}
			r := target.Local
			r.Text = text
			r.Deleted = false
			replacement = &r
		}

		resolved, err := a.engine.ResolveConflict(cmd.Context(), *target, strategy, a.actor, replacement)
		if err != nil {
			return err
		}

		if resolved.Synced {
			fmt.Printf("Resolved %s with %s (server copy adopted)\n", shortID(resolved.ID), strategy)
		} else {
			fmt.Printf("Resolved %s with %s (v%d, will push on next sync)\n",
				shortID(resolved.ID), strategy, resolved.Version)
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveStrategy, "strategy", "",
		"Resolution strategy: remote-wins, local-wins, last-write-wins, merge, or manual")
	resolveCmd.Flags().StringVar(&resolveText, "text", "", "Replacement text for --strategy manual")
	rootCmd.AddCommand(conflictsCmd, resolveCmd)
}

func describeSide(t task.Task, author string) string {
	if t.Deleted {
		return fmt.Sprintf("(deleted) v%d by %s", t.Version, author)
	}
	mark := " "
	if t.Completed {
		mark = "x"
	}
	return fmt.Sprintf("[%s] %q v%d by %s", mark, t.Text, t.Version, author)
}

func pickStrategy(c *conflict.Info) (conflict.Strategy, error) {
	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(fmt.Sprintf("Resolve %s conflict on %s", c.Kind, shortID(c.ID))).
			Description(fmt.Sprintf("yours:  %s\ntheirs: %s",
				describeSide(c.Local, c.LocalAuthor), describeSide(c.Remote, c.RemoteAuthor))).
			Options(
				huh.NewOption("Keep mine", string(conflict.LocalWins)),
				huh.NewOption("Take theirs", string(conflict.RemoteWins)),
				huh.NewOption("Most recent edit wins", string(conflict.LastWriteWins)),
				huh.NewOption("Merge both texts", string(conflict.Merge)),
				huh.NewOption("Type a replacement", string(conflict.Manual)),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return conflict.Strategy(choice), nil
}
