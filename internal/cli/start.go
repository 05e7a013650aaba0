package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halvard/mimir/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mimir daemon",
	Long: `Start the mimir daemon in the foreground.
In local mode it spawns and supervises the memory server. The loopback
admin gateway serves /status, /metrics and a websocket event stream.
The daemon runs until SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, configPath())
	if err != nil {
		return err
	}

	if err := d.Start(cmd.Context()); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mimir daemon started (mode %s).\n", cfg.Memory.Mode)
	if url := d.GatewayURL(); url != "" {
		fmt.Fprintf(out, "Admin gateway: %s\n", url)
	}

	return d.Wait()
}
