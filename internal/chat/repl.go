package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// REPLConfig configures an interactive session.
type REPLConfig struct {
	Runner *Runner
	Input  io.Reader
	Output io.Writer
	Logger zerolog.Logger
}

// RunREPL reads prompts line by line until EOF, /quit or /exit. /reset
// clears the conversation. Turn errors are printed and the loop continues.
func RunREPL(ctx context.Context, cfg REPLConfig) error {
	if cfg.Runner == nil {
		return fmt.Errorf("chat: repl requires a runner")
	}
	logger := cfg.Logger.With().Str("component", "chat").Logger()

	fmt.Fprintln(cfg.Output, "Chatting with memory enabled. /reset clears the conversation, /quit leaves.")

	scanner := bufio.NewScanner(cfg.Input)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Fprint(cfg.Output, "you> ")
		if !scanner.Scan() {
			fmt.Fprintln(cfg.Output)
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			fmt.Fprintln(cfg.Output, "Bye.")
			return scanner.Err()
		case line == "/reset":
			cfg.Runner.Reset()
			fmt.Fprintln(cfg.Output, "Conversation cleared.")
			continue
		}

		result, err := cfg.Runner.Turn(ctx, line)
		if err != nil {
			logger.Error().Err(err).Msg("Chat turn failed")
			fmt.Fprintf(cfg.Output, "error: %v\n", err)
			continue
		}
		if len(result.ToolCalls) > 0 {
			names := make([]string, 0, len(result.ToolCalls))
			for _, call := range result.ToolCalls {
				names = append(names, call.Name)
			}
			fmt.Fprintf(cfg.Output, "(used %s)\n", strings.Join(names, ", "))
		}
		fmt.Fprintf(cfg.Output, "mimir> %s\n", result.Reply)
	}

	return scanner.Err()
}
