package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vakovalskii/ValeDesk-sub000/internal/daemon"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ValeDesk daemon in the foreground",
	Long: `Run the ValeDesk daemon in the foreground until SIGINT or SIGTERM.
The daemon serves the WebSocket gateway, fires scheduled prompts and
prunes old sessions.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	// Runs report model client problems themselves, so a bad key does not
	// keep the gateway down.
	if err := cfg.Validate(); err != nil {
		zl := log.Zerolog()
		zl.Warn().Err(err).Msg("Configuration has problems")
	}

	d, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		_ = d.Stop(cmd.Context())
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return d.Wait(shutdownTimeout)
}
