package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/mstave/todoq/internal/task"
)

var (
	listAll    bool
	listFormat string
	listSince  string
)

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "todos",
	Short:   "List todos",
	Long: `List todos from the local store.

Pending todos are shown by default; --all includes completed ones.
Tombstoned todos are never shown. --since accepts natural language:

  todoq list --since "yesterday"
  todoq list --since "last monday" --all
  todoq list --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		todos, err := a.store.List(cmd.Context())
		if err != nil {
			return err
		}

		var cutoff time.Time
		if listSince != "" {
			cutoff, err = parseNaturalTime(listSince)
			if err != nil {
				return err
			}
		}

		visible := todos[:0]
		for _, t := range todos {
			if t.Deleted {
				continue
			}
			if !listAll && t.Completed {
				continue
			}
			if !cutoff.IsZero() && t.UpdatedAt.Before(cutoff) {
				continue
			}
			visible = append(visible, t)
		}
		sort.Slice(visible, func(i, j int) bool {
			return visible[i].CreatedAt.Before(visible[j].CreatedAt)
		})

		switch listFormat {
		case "json":
			return json.NewEncoder(os.Stdout).Encode(visible)
		case "yaml":
			return yaml.NewEncoder(os.Stdout).Encode(visible)
		case "table":
			renderTable(visible)
			return nil
		default:
			return fmt.Errorf("unknown format %q (want table, json, or yaml)", listFormat)
		}
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include completed todos")
	listCmd.Flags().StringVar(&listFormat, "format", "table", "Output format: table, json, or yaml")
	listCmd.Flags().StringVar(&listSince, "since", "", "Only todos updated since this time (natural language)")
	rootCmd.AddCommand(listCmd)
}

// parseNaturalTime understands phrases like "yesterday" or "2 hours ago"
// alongside RFC 3339 timestamps.
func parseNaturalTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time, nil
}

var (
	styleDone    = lipgloss.NewStyle().Strikethrough(true).Faint(true)
	styleUnsync  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	styleID      = lipgloss.NewStyle().Faint(true)
	styleHeading = lipgloss.NewStyle().Bold(true)
)

func renderTable(todos []task.Task) {
	if len(todos) == 0 {
		fmt.Println("No todos.")
		return
	}

	plain := !term.IsTerminal(int(os.Stdout.Fd()))
	if plain {
		// Strip styling when piped.
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	if !plain {
		fmt.Println(styleHeading.Render(fmt.Sprintf("%-10s %-3s %-40s %-4s %s", "ID", "", "TEXT", "VER", "BY")))
	} else {
		fmt.Printf("%-10s %-3s %-40s %-4s %s\n", "ID", "", "TEXT", "VER", "BY")
	}

	for _, t := range todos {
		mark := "[ ]"
		if t.Completed {
			mark = "[x]"
		}
		line := fmt.Sprintf("%-10s %-3s %-40s v%-3d %s", shortID(t.ID), mark, truncate(t.Text, 40), t.Version, t.AuthorName)
		if !t.Synced {
			line += " *"
		}

		if plain {
			fmt.Println(line)
			continue
		}
		switch {
		case t.Completed:
			fmt.Println(styleDone.Render(line))
		case !t.Synced:
			fmt.Println(styleUnsync.Render(line))
		default:
			fmt.Println(styleID.Render(shortID(t.ID)) + line[len(shortID(t.ID)):])
		}
	}
}

// truncate shortens s to at most n runes. Cutting on bytes would split
// multi-byte characters mid-sequence.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
