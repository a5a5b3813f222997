package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vakovalskii/ValeDesk-sub000/internal/config"
)

var (
	cfgProvider string
	cfgAPIKey   string
	cfgBaseURL  string
	cfgModel    string
	cfgCwd      string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the config file",
	Long: `Write the config file, starting from the current one (or defaults)
and applying the given flags. The result is validated before it is saved.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&cfgProvider, "provider", "", "llm provider (openai, anthropic)")
	configureCmd.Flags().StringVar(&cfgAPIKey, "api-key", "", "llm API key")
	configureCmd.Flags().StringVar(&cfgBaseURL, "base-url", "", "OpenAI-compatible endpoint")
	configureCmd.Flags().StringVar(&cfgModel, "model", "", "default model")
	configureCmd.Flags().StringVar(&cfgCwd, "workspace", "", "default working directory for tools")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("provider") {
		cfg.LLM.Provider = cfgProvider
	}
	if flags.Changed("api-key") {
		cfg.LLM.APIKey = cfgAPIKey
	}
	if flags.Changed("base-url") {
		cfg.LLM.BaseURL = cfgBaseURL
	}
	if flags.Changed("model") {
		cfg.LLM.Model = cfgModel
	}
	if flags.Changed("workspace") {
		cfg.Agent.WorkspaceRoot = cfgCwd
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", loader.GetConfigPath())
	return nil
}
