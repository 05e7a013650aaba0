package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/halvard/mimir/internal/config"
	"github.com/halvard/mimir/internal/daemon"
	"github.com/halvard/mimir/pkg/viking"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and memory-server status",
	Long: `Show the status of the mimir daemon and its memory server.
Asks the admin gateway first; when the gateway is unreachable it falls
back to the pid file and a direct probe of the server's health endpoint.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status payload")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	st, gwErr := fetchGatewayStatus(cfg)
	if gwErr == nil {
		if statusJSON {
			data, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
			return nil
		}
		printStatus(out, st)
		return nil
	}

	lm := daemon.NewLifecycleManager(cfg.DataDir, zerolog.Nop())
	if !lm.IsRunning() {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	// The daemon is alive but its gateway did not answer. Report the pid
	// and probe the memory server directly.
	pid, _ := lm.GetPID()
	fmt.Fprintf(out, "Status: running (pid %d, gateway unreachable)\n", pid)

	client, err := viking.NewClient(viking.Config{
		BaseURL: cfg.ServerBaseURL(),
		APIKey:  cfg.Memory.APIKey,
		Timeout: 5 * time.Second,
		Logger:  zerolog.Nop(),
	})
	if err != nil {
		return err
	}
	if err := client.Health(cmd.Context()); err != nil {
		fmt.Fprintf(out, "Memory server: unhealthy (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Memory server: healthy at %s\n", cfg.ServerBaseURL())
	}
	return nil
}

func fetchGatewayStatus(cfg *config.Config) (*daemon.Status, error) {
	if !cfg.Admin.Enabled {
		return nil, fmt.Errorf("admin gateway disabled")
	}

	url := fmt.Sprintf("http://%s:%d/status", cfg.Admin.Host, cfg.Admin.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	var st daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &st, nil
}

func printStatus(out io.Writer, st *daemon.Status) {
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", st.PID)
	if st.Uptime != "" {
		fmt.Fprintf(out, "Uptime: %s\n", st.Uptime)
	}

	fmt.Fprintf(out, "Memory server: %s", st.Memory.State)
	if st.Memory.Healthy {
		fmt.Fprint(out, " (healthy")
		if st.Memory.BaseURL != "" {
			fmt.Fprintf(out, ", %s", st.Memory.BaseURL)
		}
		fmt.Fprint(out, ")")
	} else if st.Memory.Error != "" {
		fmt.Fprintf(out, " (%s)", st.Memory.Error)
	}
	fmt.Fprintln(out)

	if st.EventClients > 0 {
		fmt.Fprintf(out, "Event stream clients: %d\n", st.EventClients)
	}
	if len(st.Journal) > 0 {
		kinds := make([]string, 0, len(st.Journal))
		for kind := range st.Journal {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)

		fmt.Fprint(out, "Journal:")
		for _, kind := range kinds {
			fmt.Fprintf(out, " %s=%d", kind, st.Journal[kind])
		}
		fmt.Fprintln(out)
	}
}
