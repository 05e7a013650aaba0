// Package chat is the demo host: a small REPL whose turns run through
// the same hook and tool surface an embedding agent would use. It exists
// to prove the memory plumbing end to end, not to be a full agent.
package chat

import (
	"context"
	"fmt"

	"github.com/halvard/mimir/internal/config"
)

// Provider is a model backend the runner can drive.
type Provider interface {
	// Complete performs one model call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider name used in logs and metrics.
	Name() string
}

// Request carries one model call.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	MaxTokens    int
}

// Response is the model's side of one call.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Message is one entry in the conversation sent to the model. Tool result
// messages carry the ToolCallID they answer.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolSpec describes one tool in the wire shape both providers consume.
// Properties is a JSON Schema property map.
type ToolSpec struct {
	Name        string
	Description string
	Properties  map[string]interface{}
	Required    []string
}

// Usage tracks token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewProvider builds the configured provider. An empty API key lets the
// SDK fall back to its environment variable.
func NewProvider(cfg config.ChatConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return NewAnthropicProvider(cfg.APIKey), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("chat: unsupported provider %q", cfg.Provider)
	}
}
