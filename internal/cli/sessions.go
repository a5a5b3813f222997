package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vakovalskii/ValeDesk-sub000/internal/daemon"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Inspect stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, pinned first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			list, err := d.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			printSessions(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

var sessionsHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print a session transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			h, err := d.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printHistory(cmd.OutOrStdout(), h)
			return nil
		})
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			if err := d.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		})
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsHistoryCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func printSessions(out io.Writer, list []agent.Session) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tPINNED\tUPDATED")
	for _, s := range list {
		pinned := ""
		if s.IsPinned {
			pinned = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Title, s.Status, pinned,
			time.UnixMilli(s.UpdatedAt).Format(time.DateTime))
	}
	w.Flush()
}

func printHistory(out io.Writer, h *agent.History) {
	fmt.Fprintf(out, "%s [%s] model=%s tokens=%d/%d\n\n",
		h.Session.Title, h.Session.Status, h.Session.Model, h.Session.InputTokens, h.Session.OutputTokens)
	for _, m := range h.Messages {
		switch m.Type {
		case agent.MessageUserPrompt:
			fmt.Fprintf(out, "> %s\n", m.Prompt)
		case agent.MessageText:
			fmt.Fprintf(out, "%s\n", m.Text)
		case agent.MessageToolUse:
			fmt.Fprintf(out, "  [tool] %s %v\n", m.Name, m.Input)
		case agent.MessageToolResult:
			mark := "ok"
			if m.IsError {
				mark = "error"
			}
			fmt.Fprintf(out, "  [%s] %s\n", mark, firstLine(m.Output))
		}
	}
	for _, todo := range h.Todos {
		fmt.Fprintf(out, "- [%s] %s\n", todo.Status, todo.Content)
	}
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}
