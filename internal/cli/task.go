package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/multithread"
)

var (
	taskMode          string
	taskThreads       int
	taskTitle         string
	taskRoles         []string
	taskSubtasks      []string
	taskAutoSummary   bool
	taskSummaryModel  string
	taskShareWebCache bool
)

var taskCmd = &cobra.Command{
	Use:   "task <prompt>",
	Short: "Fan a prompt out over several threads",
	Long: `Fan a prompt out over several threads and wait for all of them.

Modes:
  consensus        every thread answers the same prompt
  role_group       each --role "name=instructions" answers from its angle
  different_tasks  each --subtask prompt runs in its own thread`,
	Args: cobra.ArbitraryArgs,
	RunE: runTask,
}

func init() {
	taskCmd.Flags().StringVar(&taskMode, "mode", string(multithread.ModeConsensus), "consensus, role_group or different_tasks")
	taskCmd.Flags().IntVar(&taskThreads, "threads", 0, "thread count for consensus (default from config)")
	taskCmd.Flags().StringVar(&taskTitle, "title", "", "task title")
	taskCmd.Flags().StringArrayVar(&taskRoles, "role", nil, `role as "name=instructions" (repeatable)`)
	taskCmd.Flags().StringArrayVar(&taskSubtasks, "subtask", nil, "prompt for one thread (repeatable)")
	taskCmd.Flags().BoolVar(&taskAutoSummary, "auto-summary", false, "summarize the threads when they finish")
	taskCmd.Flags().StringVar(&taskSummaryModel, "summary-model", "", "model for the summary thread")
	taskCmd.Flags().BoolVar(&taskShareWebCache, "share-web-cache", false, "share one web cache across threads")
	rootCmd.AddCommand(taskCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	req, err := buildTaskRequest(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	d, closeFn, err := openDaemon(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := cmd.Context()
	task, err := d.CreateTask(ctx, req)
	if err != nil {
		return err
	}
	if err := d.StartTask(ctx, task.ID); err != nil {
		return err
	}
	task, err = d.WaitTask(ctx, task.ID)
	if err != nil {
		return err
	}

	printTask(cmd.OutOrStdout(), task)
	if task.Status == multithread.StatusError {
		return fmt.Errorf("task failed: %s", task.Error)
	}
	return nil
}

func buildTaskRequest(args []string) (multithread.TaskRequest, error) {
	req := multithread.TaskRequest{
		Title:         taskTitle,
		Mode:          multithread.Mode(taskMode),
		Prompt:        strings.Join(args, " "),
		Quantity:      taskThreads,
		AutoSummary:   taskAutoSummary,
		SummaryModel:  taskSummaryModel,
		ShareWebCache: taskShareWebCache,
	}
	for _, raw := range taskRoles {
		name, instructions, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return req, fmt.Errorf("invalid --role %q (want name=instructions)", raw)
		}
		name = strings.TrimSpace(name)
		req.Roles = append(req.Roles, multithread.Role{
			ID:           strings.ToLower(name),
			Name:         name,
			Instructions: strings.TrimSpace(instructions),
			Enabled:      true,
		})
	}
	for i, prompt := range taskSubtasks {
		req.Tasks = append(req.Tasks, multithread.ThreadSpec{
			Title:  fmt.Sprintf("Subtask %d", i+1),
			Prompt: prompt,
		})
	}
	return req, nil
}

func printTask(out io.Writer, task *multithread.Task) {
	fmt.Fprintf(out, "Task %s: %s (%s)\n", task.ID, task.Status, task.Mode)
	for i, th := range task.Threads {
		fmt.Fprintf(out, "\n--- %d. %s [%s]\n", i+1, th.Spec.Title, th.Status)
		if th.Error != "" {
			fmt.Fprintf(out, "error: %s\n", th.Error)
			continue
		}
		fmt.Fprintln(out, th.Text)
	}
	if task.Summary != nil {
		fmt.Fprintf(out, "\n=== Summary [%s]\n", task.Summary.Status)
		if task.Summary.Error != "" {
			fmt.Fprintf(out, "error: %s\n", task.Summary.Error)
		} else {
			fmt.Fprintln(out, task.Summary.Text)
		}
	}
	fmt.Fprintf(out, "\nTokens: %d in, %d out\n", task.Usage.InputTokens, task.Usage.OutputTokens)
}
