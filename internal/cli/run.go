package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/agent"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/events"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/permission"
	"github.com/vakovalskii/ValeDesk-sub000/pkg/session"
	"golang.org/x/term"
)

var (
	runAsk   bool
	runTitle string
	runModel string
	runCwd   string
)

var runCmd = &cobra.Command{
	Use:   "run <prompt>",
	Short: "Run one prompt in a new session",
	Long: `Run one prompt in a new session and print the answer as it streams.
With --ask every tool call outside the auto-approve list is confirmed on
the terminal.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runAsk, "ask", false, "confirm tool calls interactively")
	runCmd.Flags().StringVar(&runTitle, "title", "", "session title")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override")
	runCmd.Flags().StringVar(&runCwd, "cwd", "", "working directory for tools")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runAsk {
		if f, ok := cmd.InOrStdin().(*os.File); ok && !isTerminal(f) {
			return fmt.Errorf("--ask needs an interactive terminal")
		}
		cfg.Agent.PermissionMode = string(agent.PermissionAsk)
	}

	d, closeFn, err := openDaemon(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	out := cmd.OutOrStdout()
	ch, unsubscribe := d.Bus().Subscribe()
	var (
		wg       sync.WaitGroup
		streamed string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		streamed = printEvents(ch, out, cmd.InOrStdin(), d.ResolvePermission)
	}()

	res, err := d.RunSession(cmd.Context(), session.CreateParams{
		Title:  runTitle,
		Prompt: strings.Join(args, " "),
		Model:  runModel,
		Cwd:    runCwd,
	})
	unsubscribe()
	wg.Wait()
	if err != nil {
		return err
	}

	if missedFinalText(streamed, res.Text) {
		if streamed != "" {
			fmt.Fprintln(out)
		}
		fmt.Fprint(out, res.Text)
	}
	fmt.Fprintln(out)
	if res.Status == agent.StatusError {
		return fmt.Errorf("run failed: %s", res.Error)
	}
	return nil
}

// printEvents writes streamed text and answers permission requests until ch
// closes. It returns the text it printed.
func printEvents(ch <-chan events.Event, out io.Writer, in io.Reader, resolve func(sessionID, toolUseID string, approved bool) bool) string {
	var streamed strings.Builder
	reader := bufio.NewReader(in)
	for ev := range ch {
		switch ev.Type {
		case events.StreamMessage:
			frag, ok := ev.Payload.(agent.StreamFragment)
			if ok && frag.Delta != "" {
				fmt.Fprint(out, frag.Delta)
				streamed.WriteString(frag.Delta)
			}
		case events.PermissionRequest:
			req, ok := ev.Payload.(permission.Request)
			if !ok {
				continue
			}
			approved := confirm(reader, out, fmt.Sprintf("\nAllow %s %v?", req.ToolName, req.Input))
			resolve(ev.SessionID, req.ToolUseID, approved)
		}
	}
	return streamed.String()
}

// missedFinalText reports whether the final answer did not fully reach the
// terminal. The bus drops deltas for a slow subscriber, and the answer is
// always the last text streamed.
func missedFinalText(streamed, final string) bool {
	return final != "" && !strings.HasSuffix(streamed, final)
}

func confirm(reader *bufio.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
