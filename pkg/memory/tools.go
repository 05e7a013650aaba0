package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/halvard/mimir/pkg/tools"
	"github.com/halvard/mimir/pkg/viking"
)

// ToolRegistry is the slice of the tool registry the service needs.
// Satisfied by *tools.Registry.
type ToolRegistry interface {
	Register(def tools.ToolDefinition) error
}

// RegisterTools exposes the service to the host agent as the memory_recall,
// memory_store and memory_forget tools.
func (s *Service) RegisterTools(registry ToolRegistry) error {
	defs := []tools.ToolDefinition{
		{
			Name:        "memory_recall",
			Description: "Search stored memories by semantic query and return the best matches",
			Parameters: []tools.ToolParameter{
				{
					Name:        "query",
					Type:        "string",
					Description: "Search query",
					Required:    true,
				},
				{
					Name:        "limit",
					Type:        "integer",
					Description: "Maximum number of memories to return",
					Required:    false,
					Default:     defaultRecallLimit,
				},
				{
					Name:        "scoreThreshold",
					Type:        "number",
					Description: "Minimum relevance score, 0 to 1 (defaults to the configured threshold)",
					Required:    false,
				},
				{
					Name:        "targetUri",
					Type:        "string",
					Description: "Scope the search to one memory subtree",
					Required:    false,
				},
			},
			Handler: s.recallTool,
		},
		{
			Name:        "memory_store",
			Description: "Store a text in memory, or queue it in an existing extraction session",
			Parameters: []tools.ToolParameter{
				{
					Name:        "text",
					Type:        "string",
					Description: "Text to remember",
					Required:    true,
				},
				{
					Name:        "role",
					Type:        "string",
					Description: "Speaker role attributed to the text",
					Required:    false,
					Default:     "user",
				},
				{
					Name:        "sessionId",
					Type:        "string",
					Description: "Append to this extraction session instead of running a full capture",
					Required:    false,
				},
			},
			Handler: s.storeTool,
		},
		{
			Name:        "memory_forget",
			Description: "Delete memories by exact URI or by search query",
			Parameters: []tools.ToolParameter{
				{
					Name:        "uri",
					Type:        "string",
					Description: "Exact memory URI to delete",
					Required:    false,
				},
				{
					Name:        "query",
					Type:        "string",
					Description: "Delete the memories matching this query",
					Required:    false,
				},
				{
					Name:        "targetUri",
					Type:        "string",
					Description: "Scope the query to one memory subtree",
					Required:    false,
				},
				{
					Name:        "limit",
					Type:        "integer",
					Description: "Maximum number of memories to delete in query mode",
					Required:    false,
				},
				{
					Name:        "scoreThreshold",
					Type:        "number",
					Description: "Minimum relevance score for query matches",
					Required:    false,
				},
			},
			Handler: s.forgetTool,
		},
	}

	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return fmt.Errorf("failed to register %s tool: %w", def.Name, err)
		}
	}
	s.logger.Info().Int("tools", len(defs)).Msg("Memory tools registered")
	return nil
}

func (s *Service) recallTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, _ := params["query"].(string)
	opts := RecallOptions{ScoreThreshold: -1}
	if v, ok := params["limit"].(float64); ok {
		opts.Limit = int(v)
	}
	if v, ok := params["scoreThreshold"].(float64); ok {
		opts.ScoreThreshold = v
	}
	if v, ok := params["targetUri"].(string); ok {
		opts.TargetURI = v
	}

	memories, err := s.Recall(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"text": recallSummary(query, memories),
		"details": map[string]interface{}{
			"count":    len(memories),
			"memories": memoryPayload(memories),
		},
	}, nil
}

func (s *Service) storeTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	text, _ := params["text"].(string)
	role := "user"
	if v, ok := params["role"].(string); ok && v != "" {
		role = v
	}

	if sessionID, ok := params["sessionId"].(string); ok && sessionID != "" {
		backend, err := s.backend(ctx)
		if err != nil {
			return nil, err
		}
		if err := backend.AddMessage(ctx, sessionID, role, text); err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"text": fmt.Sprintf("Queued the text in session %s for later extraction.", sessionID),
			"details": map[string]interface{}{
				"sessionId": sessionID,
				"stored":    0,
			},
		}, nil
	}

	extracted, err := s.CaptureTexts(ctx, []string{text}, role)
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(extracted))
	for _, mem := range extracted {
		if mem.URI != "" {
			uris = append(uris, mem.URI)
		}
	}
	summary := fmt.Sprintf("Stored %d memories.", len(extracted))
	if len(extracted) == 0 {
		summary = "The text produced no memories after extraction."
	}
	return map[string]interface{}{
		"text": summary,
		"details": map[string]interface{}{
			"stored": len(extracted),
			"uris":   uris,
		},
	}, nil
}

func (s *Service) forgetTool(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	opts := ForgetOptions{ScoreThreshold: -1}
	if v, ok := params["uri"].(string); ok {
		opts.URI = v
	}
	if v, ok := params["query"].(string); ok {
		opts.Query = v
	}
	if v, ok := params["targetUri"].(string); ok {
		opts.TargetURI = v
	}
	if v, ok := params["limit"].(float64); ok {
		opts.Limit = int(v)
	}
	if v, ok := params["scoreThreshold"].(float64); ok {
		opts.ScoreThreshold = v
	}

	deleted, err := s.Forget(ctx, opts)
	if err != nil {
		// The namespace guard is a safety rejection, not a failure: answer
		// with an explanation the model can relay.
		if errors.Is(err, viking.ErrOutsideNamespace) {
			return map[string]interface{}{
				"text": fmt.Sprintf("Refused to delete %s: only URIs under the memory namespaces can be forgotten.", opts.URI),
				"details": map[string]interface{}{
					"deleted":  []string{},
					"rejected": true,
				},
			}, nil
		}
		return nil, err
	}
	return map[string]interface{}{
		"text": forgetSummary(deleted),
		"details": map[string]interface{}{
			"count":   len(deleted),
			"deleted": deleted,
		},
	}, nil
}

func recallSummary(query string, memories []viking.Memory) string {
	if len(memories) == 0 {
		return fmt.Sprintf("No memories found for %q.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d memories for %q:\n", len(memories), query)
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. %s (score %.2f)\n", i+1, m.Text(), m.Score)
	}
	return strings.TrimRight(b.String(), "\n")
}

func forgetSummary(deleted []string) string {
	if len(deleted) == 0 {
		return "No matching memories to delete."
	}
	return fmt.Sprintf("Deleted %d memories: %s", len(deleted), strings.Join(deleted, ", "))
}

func memoryPayload(memories []viking.Memory) []map[string]interface{} {
	payload := make([]map[string]interface{}, 0, len(memories))
	for _, m := range memories {
		payload = append(payload, map[string]interface{}{
			"uri":      m.URI,
			"category": m.Category,
			"text":     m.Text(),
			"score":    m.Score,
			"isLeaf":   m.IsLeaf,
		})
	}
	return payload
}
