package hooks

import "context"

// Event names used in logs and journal entries.
const (
	EventBeforeAgentStart = "before_agent_start"
	EventAgentEnd         = "agent_end"
)

// Message is one conversation turn as seen by the host.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BeforeAgentStartEvent fires before the host sends a prompt to its model.
type BeforeAgentStartEvent struct {
	Prompt   string
	Messages []Message
}

// BeforeAgentStartResult carries context for the host to place ahead of
// the prompt. An empty result means the listener has nothing to add.
type BeforeAgentStartResult struct {
	PrependContext string
}

// AgentEndEvent fires after a turn completes, whether or not it succeeded.
type AgentEndEvent struct {
	Success  bool
	Messages []Message
}

// Listener receives lifecycle events from the host.
type Listener interface {
	Name() string
	BeforeAgentStart(ctx context.Context, event BeforeAgentStartEvent) (*BeforeAgentStartResult, error)
	AgentEnd(ctx context.Context, event AgentEndEvent) error
}
