package cli

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vakovalskii/ValeDesk-sub000/internal/daemon"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the ValeDesk daemon",
	Long: `Stop the ValeDesk daemon gracefully.
Sends SIGTERM and waits for the daemon to abort its runs and exit. A
daemon still alive after --timeout is killed.`,
	Args: cobra.NoArgs,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second, "how long to wait before SIGKILL")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.ApplyPaths()
	return stopDaemon(cmd.OutOrStdout(), daemon.PIDFile(cfg.DataDir), stopTimeout)
}

func stopDaemon(out io.Writer, pidFile string, timeout time.Duration) error {
	pid, err := daemon.ReadPID(pidFile)
	if os.IsNotExist(err) {
		return fmt.Errorf("daemon is not running")
	}
	if err != nil {
		return err
	}
	if !daemon.ProcessAlive(pid) {
		os.Remove(pidFile)
		return fmt.Errorf("daemon is not running (removed stale PID file)")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			fmt.Fprintln(out, "Daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	os.Remove(pidFile)
	fmt.Fprintln(out, "Daemon killed")
	return nil
}
