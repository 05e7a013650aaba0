// Package cli implements the mimir command line: the daemon lifecycle
// commands (start, stop, status), the demo chat REPL, one-shot recall
// and config bootstrapping.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/halvard/mimir/internal/config"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "mimir",
	Short: "Mimir - long-term memory sidecar for conversational agents",
	Long: `Mimir decides what a conversation is worth remembering, stores it in a
local memory server it supervises, and brings the right memories back
into future conversations. It runs as a sidecar daemon with a loopback
admin gateway, and ships a demo chat host that exercises the whole
capture and recall loop.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mimir/mimir.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// loadConfig loads the effective config, applying command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// configPath returns the path the config was (or would be) loaded from.
func configPath() string {
	return config.NewLoader(cfgFile).GetConfigPath()
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
