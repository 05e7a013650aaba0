package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/halvard/mimir/internal/chat"
	"github.com/halvard/mimir/internal/config"
	"github.com/halvard/mimir/internal/daemon"
	"github.com/halvard/mimir/internal/journal"
	"github.com/halvard/mimir/internal/logger"
	"github.com/halvard/mimir/pkg/hooks"
	"github.com/halvard/mimir/pkg/memory"
	"github.com/halvard/mimir/pkg/tools"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a model that remembers",
	Long: `Start an interactive chat backed by the memory engine.
Relevant memories are injected ahead of each turn, the model can call
the memory tools, and the finished conversation is swept for facts
worth keeping. Uses the running daemon's memory server when there is
one; otherwise it brings up its own.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
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

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	out := cmd.OutOrStdout()

	service, cleanup, err := openMemoryStack(ctx, cfg, zlog, out)
	if err != nil {
		return err
	}
	defer cleanup()

	manager := hooks.NewManager(hooks.Config{Logger: zlog})
	manager.Register(service)

	registry := tools.NewRegistry(tools.Config{Logger: zlog})
	if err := service.RegisterTools(registry); err != nil {
		return err
	}

	provider, err := chat.NewProvider(cfg.Chat)
	if err != nil {
		return err
	}

	runner, err := chat.NewRunner(chat.Config{
		Provider:     provider,
		Model:        cfg.Chat.Model,
		MaxTokens:    cfg.Chat.MaxTokens,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Hooks:        manager,
		Tools:        registry,
		Logger:       zlog,
	})
	if err != nil {
		return err
	}

	return chat.RunREPL(ctx, chat.REPLConfig{
		Runner: runner,
		Input:  cmd.InOrStdin(),
		Output: out,
		Logger: zlog,
	})
}

// newCommandLogger builds the file-only logger used by interactive
// commands; their stdout belongs to the command output itself.
func newCommandLogger(cfg *config.Config) (*logger.Logger, error) {
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   false,
		Redaction: cfg.Logging.Redaction,
	})
}

// openMemoryStack builds the journal and memory service for an
// in-process command. A running daemon already owns the local server,
// so its server is borrowed instead of spawning a second one on the
// same port. The returned cleanup stops the service and closes the
// journal.
func openMemoryStack(ctx context.Context, cfg *config.Config, zlog zerolog.Logger, out io.Writer) (*memory.Service, func(), error) {
	lm := daemon.NewLifecycleManager(cfg.DataDir, zlog)
	if cfg.Memory.Mode == config.ModeLocal && lm.IsRunning() {
		base := cfg.ServerBaseURL()
		cfg.Memory.Mode = config.ModeRemote
		cfg.Memory.BaseURL = base
		fmt.Fprintf(out, "Using the memory server of the running daemon at %s.\n", base)
	}

	var jnl *journal.Journal
	if cfg.Journal.Enabled {
		var err error
		jnl, err = journal.New(journal.Config{Path: cfg.Journal.Path, Logger: zlog})
		if err != nil {
			return nil, nil, fmt.Errorf("open journal: %w", err)
		}
	}

	service, err := daemon.NewMemoryService(cfg, jnl, zlog)
	if err != nil {
		if jnl != nil {
			jnl.Close()
		}
		return nil, nil, err
	}

	if cfg.Memory.Mode == config.ModeLocal {
		fmt.Fprintln(out, "Starting the local memory server (a cold start can take a minute)...")
	}
	if err := service.Start(ctx); err != nil {
		if jnl != nil {
			jnl.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := service.Stop(stopCtx); err != nil {
			zlog.Error().Err(err).Msg("Failed to stop memory service")
		}
		if jnl != nil {
			jnl.Close()
		}
	}
	return service, cleanup, nil
}
