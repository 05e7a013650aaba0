package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halvard/mimir/internal/observability"
	"github.com/halvard/mimir/internal/tracing"
	"github.com/halvard/mimir/pkg/hooks"
	"github.com/halvard/mimir/pkg/tools"
)

const defaultSystemPrompt = "You are a helpful assistant with long-term memory. " +
	"Use the memory tools when the user refers to stored facts or asks you to remember " +
	"or forget something; otherwise answer directly."

const (
	// maxToolTurns caps the call/execute loop inside one turn.
	maxToolTurns = 8

	// maxHistoryMessages bounds what an unattended REPL session can
	// accumulate. Oldest messages fall off first.
	maxHistoryMessages = 40

	defaultMaxTokens = 1024
)

// Config configures a Runner.
type Config struct {
	Provider     Provider
	Model        string
	MaxTokens    int
	SystemPrompt string
	// Hooks is notified around each turn. Optional.
	Hooks *hooks.Manager
	// Tools is consulted for tool specs and dispatch.
	Tools  *tools.Registry
	Logger zerolog.Logger
}

// Runner drives one conversation: it owns the history, runs the hook
// lifecycle around each turn and dispatches the model's tool calls.
type Runner struct {
	provider     Provider
	model        string
	maxTokens    int
	systemPrompt string
	hooks        *hooks.Manager
	tools        *tools.Registry
	logger       zerolog.Logger

	mu      sync.Mutex
	history []Message
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Reply     string
	ToolCalls []ToolCall
	Usage     Usage
}

// NewRunner validates cfg and builds a Runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, errors.New("chat: provider is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("chat: tool registry is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("chat: model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}

	return &Runner{
		provider:     cfg.Provider,
		model:        cfg.Model,
		maxTokens:    cfg.MaxTokens,
		systemPrompt: cfg.SystemPrompt,
		hooks:        cfg.Hooks,
		tools:        cfg.Tools,
		logger:       cfg.Logger.With().Str("component", "chat").Logger(),
	}, nil
}

// Reset clears the conversation history.
func (r *Runner) Reset() {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
}

// Turn runs one user prompt through the full lifecycle: memory context is
// prepended ahead of the prompt, tool calls are dispatched until the model
// answers in plain text, and the finished turn is offered for capture. The
// raw prompt is what enters the history; injected context lives only in
// the request that recalled it.
func (r *Runner) Turn(ctx context.Context, prompt string) (*TurnResult, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, errors.New("chat: empty prompt")
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx, span := tracing.StartSpan(ctx, "mimir.chat", "chat.turn",
		attribute.String("chat.provider", r.provider.Name()),
		attribute.String("chat.model", r.model))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	start := time.Now()
	result, err := r.runTurn(ctx, logger, prompt)
	observability.RecordChatTurn(r.provider.Name(), time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return result, nil
}

func (r *Runner) runTurn(ctx context.Context, logger zerolog.Logger, prompt string) (*TurnResult, error) {
	r.mu.Lock()
	history := append([]Message(nil), r.history...)
	r.mu.Unlock()

	hookResult, err := r.hooks.BeforeAgentStart(ctx, hooks.BeforeAgentStartEvent{
		Prompt:   prompt,
		Messages: append(hookMessages(history), hooks.Message{Role: "user", Content: prompt}),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Hook listener failed before turn")
	}

	userContent := prompt
	if hookResult.PrependContext != "" {
		userContent = hookResult.PrependContext + "\n\n" + prompt
	}

	messages := append(history, Message{Role: "user", Content: userContent})
	result, err := r.toolLoop(ctx, logger, messages)
	r.notifyEnd(ctx, logger, prompt, result)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.history = append(r.history,
		Message{Role: "user", Content: prompt},
		Message{Role: "assistant", Content: result.Reply})
	if len(r.history) > maxHistoryMessages {
		r.history = append([]Message(nil), r.history[len(r.history)-maxHistoryMessages:]...)
	}
	r.mu.Unlock()

	logger.Debug().
		Int("tool_calls", len(result.ToolCalls)).
		Int("input_tokens", result.Usage.InputTokens).
		Int("output_tokens", result.Usage.OutputTokens).
		Msg("Chat turn completed")
	return result, nil
}

// toolLoop calls the model until it answers without tool calls.
func (r *Runner) toolLoop(ctx context.Context, logger zerolog.Logger, messages []Message) (*TurnResult, error) {
	specs := r.toolSpecs()
	result := &TurnResult{}

	for turn := 0; turn < maxToolTurns; turn++ {
		response, err := r.provider.Complete(ctx, Request{
			Model:        r.model,
			SystemPrompt: r.systemPrompt,
			Messages:     messages,
			Tools:        specs,
			MaxTokens:    r.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("chat: %s call: %w", r.provider.Name(), err)
		}
		result.Usage.InputTokens += response.Usage.InputTokens
		result.Usage.OutputTokens += response.Usage.OutputTokens

		if len(response.ToolCalls) == 0 {
			result.Reply = response.Text
			return result, nil
		}

		messages = append(messages, Message{
			Role:      "assistant",
			Content:   response.Text,
			ToolCalls: response.ToolCalls,
		})
		for _, call := range response.ToolCalls {
			logger.Debug().Str("tool", call.Name).Msg("Dispatching tool call")
			execution := r.tools.Execute(ctx, call.Name, call.Arguments)
			messages = append(messages, Message{
				Role:       "tool",
				Content:    toolOutputText(execution),
				ToolCallID: call.ID,
			})
		}
		result.ToolCalls = append(result.ToolCalls, response.ToolCalls...)
	}

	return nil, fmt.Errorf("chat: gave up after %d tool turns", maxToolTurns)
}

// notifyEnd fires the end-of-turn hook. On a failed turn the assistant
// reply is absent but the user text is still offered for capture.
func (r *Runner) notifyEnd(ctx context.Context, logger zerolog.Logger, prompt string, result *TurnResult) {
	event := hooks.AgentEndEvent{
		Messages: []hooks.Message{{Role: "user", Content: prompt}},
	}
	if result != nil {
		event.Success = true
		event.Messages = append(event.Messages, hooks.Message{Role: "assistant", Content: result.Reply})
	}
	if err := r.hooks.AgentEnd(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("Hook listener failed after turn")
	}
}

// toolSpecs renders the registry's definitions in the providers' wire
// shape. The property map mirrors the schema the registry validates
// against, so the model cannot produce arguments the registry rejects.
func (r *Runner) toolSpecs() []ToolSpec {
	names := r.tools.List()
	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		def := r.tools.Get(name)
		if def == nil {
			continue
		}
		properties := make(map[string]interface{}, len(def.Parameters))
		var required []string
		for _, param := range def.Parameters {
			property := map[string]interface{}{
				"type":        param.Type,
				"description": param.Description,
			}
			if param.Default != nil {
				property["default"] = param.Default
			}
			properties[param.Name] = property
			if param.Required {
				required = append(required, param.Name)
			}
		}
		specs = append(specs, ToolSpec{
			Name:        def.Name,
			Description: def.Description,
			Properties:  properties,
			Required:    required,
		})
	}
	return specs
}

// toolOutputText flattens a tool result into the text the model reads.
// Handlers in this module answer with a {text, details} map; the text is
// what matters to the conversation.
func toolOutputText(result tools.ToolResult) string {
	if !result.Success {
		return result.Error
	}
	switch output := result.Output.(type) {
	case string:
		return output
	case map[string]interface{}:
		if text, ok := output["text"].(string); ok && text != "" {
			return text
		}
	}
	if encoded, err := json.Marshal(result.Output); err == nil {
		return string(encoded)
	}
	return fmt.Sprintf("%v", result.Output)
}

func hookMessages(history []Message) []hooks.Message {
	out := make([]hooks.Message, 0, len(history))
	for _, msg := range history {
		out = append(out, hooks.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}
