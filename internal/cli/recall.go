package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/halvard/mimir/pkg/memory"
)

var (
	recallLimit     int
	recallThreshold float64
	recallURI       string
	recallJSON      bool
)

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search stored memories from the shell",
	Long: `Search stored memories and print the ranked results.
Uses the running daemon's memory server when there is one; otherwise it
brings up its own for the duration of the call.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecall,
}

func init() {
	recallCmd.Flags().IntVar(&recallLimit, "limit", 0, "maximum results (default from config)")
	recallCmd.Flags().Float64Var(&recallThreshold, "threshold", -1, "minimum score, 0..1 (default from config)")
	recallCmd.Flags().StringVar(&recallURI, "uri", "", "restrict the search to a URI subtree")
	recallCmd.Flags().BoolVar(&recallJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(recallCmd)
}

func runRecall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newCommandLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()
	zlog := log.GetZerolog()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// Progress notes go to stderr so --json output stays parseable.
	service, cleanup, err := openMemoryStack(ctx, cfg, zlog, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer cleanup()

	memories, err := service.Recall(ctx, args[0], memory.RecallOptions{
		Limit:          recallLimit,
		ScoreThreshold: recallThreshold,
		TargetURI:      recallURI,
	})
	if err != nil {
		return err
	}

	if recallJSON {
		data, err := json.MarshalIndent(memories, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	if len(memories) == 0 {
		fmt.Fprintln(out, "No memories matched.")
		return nil
	}
	for i, m := range memories {
		fmt.Fprintf(out, "%2d. [%.2f] %s\n", i+1, m.Score, m.URI)
		if text := m.Text(); text != "" {
			fmt.Fprintf(out, "    %s\n", text)
		}
	}
	return nil
}
