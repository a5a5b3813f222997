package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/vakovalskii/ValeDesk-sub000/internal/daemon"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/scheduler"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
)

var (
	scheduleTitle        string
	schedulePrompt       string
	scheduleNotifyBefore time.Duration
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled prompts",
	Long: `Manage scheduled prompts. A schedule is a delay ("30m", "2h", "1d"),
a repeat ("every 15m"), a daily time ("daily 09:00"), an absolute time
("2026-01-02 15:04") or a five-field cron expression. A serving daemon
runs them.`,
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add <schedule>",
	Short: "Add a scheduled prompt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := scheduler.AddParams{
			Title:    scheduleTitle,
			Prompt:   schedulePrompt,
			Schedule: args[0],
		}
		if scheduleNotifyBefore > 0 {
			ms := scheduleNotifyBefore.Milliseconds()
			params.NotifyBefore = &ms
		}
		return withDaemon(func(d *daemon.Daemon) error {
			task, err := d.CreateSchedule(cmd.Context(), params)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Scheduled %s, next run %s\n",
				task.ID, time.UnixMilli(task.NextRun).Format(time.DateTime))
			return nil
		})
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled prompts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			tasks, err := d.ListSchedules(cmd.Context())
			if err != nil {
				return err
			}
			printSchedules(cmd.OutOrStdout(), tasks)
			return nil
		})
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a scheduled prompt",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			if err := d.DeleteSchedule(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		})
	},
}

func init() {
	scheduleAddCmd.Flags().StringVar(&scheduleTitle, "title", "", "task title (required)")
	scheduleAddCmd.Flags().StringVar(&schedulePrompt, "prompt", "", "prompt to run; without one the task only notifies")
	scheduleAddCmd.Flags().DurationVar(&scheduleNotifyBefore, "notify-before", 0, "emit a reminder this long before each run")
	_ = scheduleAddCmd.MarkFlagRequired("title")

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd)
	rootCmd.AddCommand(scheduleCmd)
}

func printSchedules(out io.Writer, tasks []session.ScheduledTask) {
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No scheduled tasks")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSCHEDULE\tNEXT RUN\tENABLED")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n",
			t.ID, t.Title, t.Schedule,
			time.UnixMilli(t.NextRun).Format(time.DateTime), t.Enabled)
	}
	w.Flush()
}
