package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halvard/mimir/internal/config"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write configuration settings to the config file",
	Long: `Update the Mimir configuration file from command line flags.
Only the flags you pass are changed; everything else keeps its current
value (or the default when no config file exists yet).`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().String("memory-mode", "", "memory server mode (local or remote)")
	configureCmd.Flags().String("memory-url", "", "base URL of a remote memory server")
	configureCmd.Flags().Int("memory-port", 0, "port for the locally managed memory server")
	configureCmd.Flags().String("memory-api-key", "", "API key for the memory server")
	configureCmd.Flags().Bool("capture", false, "enable or disable automatic capture")
	configureCmd.Flags().Bool("recall", false, "enable or disable automatic recall")
	configureCmd.Flags().String("chat-provider", "", "chat provider for the demo REPL (openai or anthropic)")
	configureCmd.Flags().String("chat-model", "", "chat model for the demo REPL")
	configureCmd.Flags().String("chat-api-key", "", "API key for the chat provider")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("memory-mode") {
		cfg.Memory.Mode, _ = flags.GetString("memory-mode")
	}
	if flags.Changed("memory-url") {
		cfg.Memory.BaseURL, _ = flags.GetString("memory-url")
	}
	if flags.Changed("memory-port") {
		cfg.Memory.Port, _ = flags.GetInt("memory-port")
	}
	if flags.Changed("memory-api-key") {
		cfg.Memory.APIKey, _ = flags.GetString("memory-api-key")
	}
	if flags.Changed("capture") {
		cfg.Capture.Enabled, _ = flags.GetBool("capture")
	}
	if flags.Changed("recall") {
		cfg.Recall.Enabled, _ = flags.GetBool("recall")
	}
	if flags.Changed("chat-provider") {
		cfg.Chat.Provider, _ = flags.GetString("chat-provider")
	}
	if flags.Changed("chat-model") {
		cfg.Chat.Model, _ = flags.GetString("chat-model")
	}
	if flags.Changed("chat-api-key") {
		cfg.Chat.APIKey, _ = flags.GetString("chat-api-key")
	}

	cfg.Clamp()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	loader := config.NewLoader(cfgFile)
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "Start the daemon with: mimir start")
	return nil
}
